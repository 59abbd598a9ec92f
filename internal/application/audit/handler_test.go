package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/audit"
	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

type memoryRepo struct {
	entries []*audit.Entry
	seen    map[uuid.UUID]bool
}

func (r *memoryRepo) Append(_ context.Context, e *audit.Entry) error {
	if r.seen == nil {
		r.seen = map[uuid.UUID]bool{}
	}
	if r.seen[e.EventID] {
		return nil
	}
	r.seen[e.EventID] = true
	r.entries = append(r.entries, e)
	return nil
}

func (r *memoryRepo) ListByEntity(context.Context, uuid.UUID, string, uuid.UUID, shared.Filter) (shared.Paginated[*audit.Entry], error) {
	return shared.NewPaginated(r.entries, int64(len(r.entries)), 1, len(r.entries)), nil
}

var at = time.Date(2024, 5, 21, 2, 0, 0, 0, time.UTC)

func TestHandler_EventTypes(t *testing.T) {
	h := NewHandler(&memoryRepo{}, zap.NewNop())
	assert.ElementsMatch(t,
		[]string{fiscal.EventTypeDocumentStatusChanged, fiscal.EventTypeCredentialActivated},
		h.EventTypes())
}

func TestHandler_StatusChanged(t *testing.T) {
	repo := &memoryRepo{}
	h := NewHandler(repo, zap.NewNop())
	tenantID, docID := uuid.New(), uuid.New()

	ev := &fiscal.DocumentStatusChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(fiscal.EventTypeDocumentStatusChanged, fiscal.AggregateTypeDocument, docID, tenantID, at),
		DocumentUUID:    "5F1A2B3C-4D5E-6F70-8192-A3B4C5D6E7F8",
		Before:          fiscal.StatusSnapshot{AuthorityStatus: fiscal.AuthorityStatusValid, Lifecycle: fiscal.LifecycleSent},
		After:           fiscal.StatusSnapshot{AuthorityStatus: fiscal.AuthorityStatusCancelled, Lifecycle: fiscal.LifecycleCancelled},
		Source:          fiscal.CheckSourceUUIDCheck,
	}
	require.NoError(t, h.Handle(context.Background(), ev))
	require.NoError(t, h.Handle(context.Background(), ev), "redelivery")

	require.Len(t, repo.entries, 1)
	e := repo.entries[0]
	assert.Equal(t, audit.ActionStatusChanged, e.Action)
	assert.Equal(t, tenantID, e.TenantID)
	assert.Equal(t, docID, e.EntityID)
	assert.Equal(t, fiscal.AggregateTypeDocument, e.EntityType)
	assert.Equal(t, "system", e.Actor)
	assert.Contains(t, e.Notes, "valid -> cancelled via uuid_check")

	var after fiscal.StatusSnapshot
	require.NoError(t, json.Unmarshal([]byte(e.After), &after))
	assert.Equal(t, fiscal.LifecycleCancelled, after.Lifecycle)
}

func TestHandler_CredentialActivated(t *testing.T) {
	repo := &memoryRepo{}
	h := NewHandler(repo, zap.NewNop())
	superseded := uuid.New()

	ev := &fiscal.CredentialActivatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(fiscal.EventTypeCredentialActivated, fiscal.AggregateTypeCredential, uuid.New(), uuid.New(), at),
		Kind:            fiscal.CredentialFIEL,
		RFC:             "AAA010101AAA",
		SerialNumber:    "30001000000500003416",
		SupersededID:    &superseded,
	}
	require.NoError(t, h.Handle(context.Background(), ev))

	require.Len(t, repo.entries, 1)
	assert.Equal(t, audit.ActionCredentialActivated, repo.entries[0].Action)
	assert.Contains(t, repo.entries[0].Before, superseded.String())
	assert.Contains(t, repo.entries[0].Notes, "30001000000500003416")
}

func TestHandler_RejectsUnknownEvents(t *testing.T) {
	h := NewHandler(&memoryRepo{}, zap.NewNop())
	ev := shared.NewBaseDomainEvent("fiscal.other", "Other", uuid.New(), uuid.New(), at)
	assert.Error(t, h.Handle(context.Background(), &ev))
}
