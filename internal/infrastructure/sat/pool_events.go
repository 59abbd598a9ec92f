package sat

import (
	"context"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

// RotationHandler drops a tenant's pooled client when a new FIEL is
// activated, so the next call signs with it instead of waiting for the TTL.
type RotationHandler struct {
	pool *ClientPool
}

// NewRotationHandler creates the handler for pool.
func NewRotationHandler(pool *ClientPool) *RotationHandler {
	return &RotationHandler{pool: pool}
}

// EventTypes implements shared.EventHandler
func (h *RotationHandler) EventTypes() []string {
	return []string{fiscal.EventTypeCredentialActivated}
}

// Handle implements shared.EventHandler
func (h *RotationHandler) Handle(_ context.Context, ev shared.DomainEvent) error {
	e, ok := ev.(*fiscal.CredentialActivatedEvent)
	if !ok || e.Kind != fiscal.CredentialFIEL {
		return nil
	}
	h.pool.Forget(e.TenantID())
	return nil
}
