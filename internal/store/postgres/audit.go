package postgres

import (
	"context"
	"time"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
	"beautika/backend/internal/xid"
)

// CreateAuditEvent appends one governance record. Duplicate idempotency
// keys dedupe silently; a missing audit table (per the startup probe)
// turns the write into a no-op so business flows keep working.
func (s *Store) CreateAuditEvent(ctx context.Context, event domain.AuditEvent) error {
	if event.Action == "" || event.EntityType == "" {
		return store.ErrValidation
	}
	if !s.caps.AuditEvents {
		return nil
	}
	if event.ID == "" {
		event.ID = xid.New("audit")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.ActorID == "" {
		event.ActorID = "system"
	}
	if event.ActorRole == "" {
		event.ActorRole = "system"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, request_id, idempotency_key, actor_id, actor_role, action,
			entity_type, entity_id, meta, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, event.ID, nullIfEmpty(event.RequestID), nullIfEmpty(event.IdempotencyKey),
		event.ActorID, event.ActorRole, event.Action, event.EntityType, event.EntityID,
		[]byte(event.Meta), event.CreatedAt)
	return err
}

func (s *Store) ListAuditEvents(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditEvent, error) {
	if limit < 1 {
		limit = 100
	}
	if !s.caps.AuditEvents {
		return []domain.AuditEvent{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(request_id,''), COALESCE(idempotency_key,''), actor_id, actor_role,
			action, entity_type, entity_id, meta, created_at
		FROM audit_events
		WHERE ($1 = '' OR entity_type = $1)
			AND ($2 = '' OR entity_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.AuditEvent, 0, limit)
	for rows.Next() {
		var event domain.AuditEvent
		var meta []byte
		if err := rows.Scan(&event.ID, &event.RequestID, &event.IdempotencyKey, &event.ActorID,
			&event.ActorRole, &event.Action, &event.EntityType, &event.EntityID, &meta, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.CreatedAt = event.CreatedAt.UTC()
		if len(meta) > 0 {
			event.Meta = meta
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
