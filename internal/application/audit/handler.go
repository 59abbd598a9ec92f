// Package audit turns fiscal domain events into audit trail rows.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/domain/audit"
	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/domain/shared"
)

// Handler writes one audit row per status change or credential activation.
type Handler struct {
	repo   audit.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler creates an audit handler
func NewHandler(repo audit.Repository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger.Named("audit"), now: time.Now}
}

// EventTypes returns the event types this handler records
func (h *Handler) EventTypes() []string {
	return []string{fiscal.EventTypeDocumentStatusChanged, fiscal.EventTypeCredentialActivated}
}

// Handle appends the audit row for ev.
func (h *Handler) Handle(ctx context.Context, ev shared.DomainEvent) error {
	var entry *audit.Entry
	var err error
	switch e := ev.(type) {
	case *fiscal.DocumentStatusChangedEvent:
		entry, err = h.statusChanged(e)
	case *fiscal.CredentialActivatedEvent:
		entry, err = h.credentialActivated(e)
	default:
		return fmt.Errorf("audit: unexpected event type %s", ev.EventType())
	}
	if err != nil {
		return err
	}
	if err := h.repo.Append(ctx, entry); err != nil {
		h.logger.Error("failed to append audit entry",
			zap.String("event_id", ev.EventID().String()),
			zap.String("action", entry.Action),
			zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) statusChanged(e *fiscal.DocumentStatusChangedEvent) (*audit.Entry, error) {
	before, err := json.Marshal(e.Before)
	if err != nil {
		return nil, err
	}
	after, err := json.Marshal(e.After)
	if err != nil {
		return nil, err
	}
	actor := e.Actor
	if actor == "" {
		actor = "system"
	}
	notes := fmt.Sprintf("%s: %s -> %s via %s", e.DocumentUUID, e.Before.AuthorityStatus, e.After.AuthorityStatus, e.Source)
	if e.Reason != "" {
		notes += " (" + e.Reason + ")"
	}
	return h.entry(e, audit.ActionStatusChanged, string(before), string(after), actor, notes), nil
}

func (h *Handler) credentialActivated(e *fiscal.CredentialActivatedEvent) (*audit.Entry, error) {
	after, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	before := ""
	if e.SupersededID != nil {
		before = fmt.Sprintf(`{"active_credential_id":%q}`, e.SupersededID.String())
	}
	notes := fmt.Sprintf("%s %s serial %s", e.Kind, e.RFC, e.SerialNumber)
	return h.entry(e, audit.ActionCredentialActivated, before, string(after), "system", notes), nil
}

func (h *Handler) entry(ev shared.DomainEvent, action, before, after, actor, notes string) *audit.Entry {
	return &audit.Entry{
		ID:         uuid.New(),
		TenantID:   ev.TenantID(),
		EventID:    ev.EventID(),
		EntityType: ev.AggregateType(),
		EntityID:   ev.AggregateID(),
		Action:     action,
		Before:     before,
		After:      after,
		Actor:      actor,
		Notes:      notes,
		OccurredAt: ev.OccurredAt(),
		CreatedAt:  h.now().UTC(),
	}
}

var _ shared.EventHandler = (*Handler)(nil)
