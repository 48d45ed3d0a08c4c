package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"credential-portal/backend/internal/webhook/domain"
)

// PostgresRepository persists webhook events.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a webhook event repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert inserts the event or, on a known webhook id, refreshes the payload
// and identifiers. The processed flag and created_at survive re-delivery.
func (r *PostgresRepository) Upsert(ctx context.Context, e *domain.Event) (bool, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (webhook_id, topic, connection_id, proof_id, payload, processed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $6)
		ON CONFLICT (webhook_id) DO UPDATE
		SET topic = EXCLUDED.topic,
		    connection_id = EXCLUDED.connection_id,
		    proof_id = EXCLUDED.proof_id,
		    payload = EXCLUDED.payload,
		    updated_at = EXCLUDED.updated_at
		RETURNING (xmax <> 0)`,
		e.WebhookID,
		e.Topic,
		nullString(e.ConnectionID),
		nullString(e.ProofID),
		[]byte(e.Payload),
		now,
	)
	var seen bool
	if err := row.Scan(&seen); err != nil {
		return false, err
	}
	return seen, nil
}

// MarkProcessed sets the processed flag for the event id.
func (r *PostgresRepository) MarkProcessed(ctx context.Context, webhookID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events SET processed = TRUE, updated_at = $2 WHERE webhook_id = $1`,
		webhookID, time.Now().UTC())
	return err
}

// GetByID returns the event for the id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, webhookID string) (*domain.Event, error) {
	var e domain.Event
	var connectionID, proofID sql.NullString
	var payload []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT webhook_id, topic, connection_id, proof_id, payload, processed, created_at, updated_at
		FROM webhook_events WHERE webhook_id = $1`, webhookID).Scan(
		&e.WebhookID, &e.Topic, &connectionID, &proofID, &payload, &e.Processed, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.ConnectionID = connectionID.String
	e.ProofID = proofID.String
	e.Payload = payload
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
