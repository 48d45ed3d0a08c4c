package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"credential-portal/backend/internal/session/domain"
)

// PostgresSessionRepository persists connection sessions. It is the single
// writer of session state; all JSON (de)serialization for persisted fields
// happens in this package and nowhere else.
type PostgresSessionRepository struct {
	db *sql.DB
}

// NewPostgresSessionRepository returns a session repository backed by db.
func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

const sessionColumns = `session_id, invitation_id, invitation_url, connection_id, status,
	their_did, their_label, request_type, expires_at, created_at, updated_at`

// Create persists the session. The session must have SessionID set.
func (r *PostgresSessionRepository) Create(ctx context.Context, s *domain.ConnectionSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connection_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.SessionID,
		nullString(s.InvitationID),
		nullString(s.InvitationURL),
		nullString(s.ConnectionID),
		string(s.Status),
		nullString(s.TheirDID),
		nullString(s.TheirLabel),
		s.RequestType,
		s.ExpiresAt,
		s.CreatedAt,
		s.UpdatedAt,
	)
	return err
}

// GetByID returns the session for sessionID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresSessionRepository) GetByID(ctx context.Context, sessionID string) (*domain.ConnectionSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM connection_sessions WHERE session_id = $1`, sessionID)
	return scanSession(row)
}

// GetByConnectionID returns the session carrying connectionID, or nil if none does.
func (r *PostgresSessionRepository) GetByConnectionID(ctx context.Context, connectionID string) (*domain.ConnectionSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM connection_sessions WHERE connection_id = $1`, connectionID)
	return scanSession(row)
}

// LatestPendingInvitation returns the newest unclaimed pending session, or nil.
func (r *PostgresSessionRepository) LatestPendingInvitation(ctx context.Context) (*domain.ConnectionSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM connection_sessions
		WHERE status = $1 AND connection_id IS NULL
		ORDER BY created_at DESC LIMIT 1`, string(domain.ConnectionStatusInvitation))
	return scanSession(row)
}

// Update applies the partial update and returns the updated record. It
// refuses to modify a terminal session (ErrTerminal) and to overwrite an
// already-set connection id with a different value (ErrConnectionIDSet).
func (r *PostgresSessionRepository) Update(ctx context.Context, sessionID string, upd SessionUpdate) (*domain.ConnectionSession, error) {
	current, err := r.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrTerminal)
	}
	if upd.ConnectionID != nil && current.ConnectionID != "" && current.ConnectionID != *upd.ConnectionID {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrConnectionIDSet)
	}

	if upd.Status != nil {
		current.Status = *upd.Status
	}
	if upd.ConnectionID != nil && current.ConnectionID == "" {
		current.ConnectionID = *upd.ConnectionID
	}
	if upd.TheirDID != nil && *upd.TheirDID != "" {
		current.TheirDID = *upd.TheirDID
	}
	if upd.TheirLabel != nil && *upd.TheirLabel != "" {
		current.TheirLabel = *upd.TheirLabel
	}
	current.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE connection_sessions
		SET connection_id = $2, status = $3, their_did = $4, their_label = $5, updated_at = $6
		WHERE session_id = $1 AND status NOT IN ($7, $8)`,
		sessionID,
		nullString(current.ConnectionID),
		string(current.Status),
		nullString(current.TheirDID),
		nullString(current.TheirLabel),
		current.UpdatedAt,
		string(domain.ConnectionStatusCompleted),
		string(domain.ConnectionStatusAbandoned),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Lost a race with a concurrent terminal transition.
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrTerminal)
	}
	return current, nil
}

// ExpireBefore abandons pending sessions past their TTL and returns their ids.
func (r *PostgresSessionRepository) ExpireBefore(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE connection_sessions
		SET status = $1, updated_at = $2
		WHERE expires_at < $2 AND status NOT IN ($1, $3)
		RETURNING session_id`,
		string(domain.ConnectionStatusAbandoned),
		now,
		string(domain.ConnectionStatusCompleted),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSession(row *sql.Row) (*domain.ConnectionSession, error) {
	var s domain.ConnectionSession
	var invitationID, invitationURL, connectionID, theirDID, theirLabel sql.NullString
	err := row.Scan(
		&s.SessionID, &invitationID, &invitationURL, &connectionID, (*string)(&s.Status),
		&theirDID, &theirLabel, &s.RequestType, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.InvitationID = invitationID.String
	s.InvitationURL = invitationURL.String
	s.ConnectionID = connectionID.String
	s.TheirDID = theirDID.String
	s.TheirLabel = theirLabel.String
	return &s, nil
}

// PostgresProofRepository persists proof requests.
type PostgresProofRepository struct {
	db *sql.DB
}

// NewPostgresProofRepository returns a proof repository backed by db.
func NewPostgresProofRepository(db *sql.DB) *PostgresProofRepository {
	return &PostgresProofRepository{db: db}
}

const proofColumns = `id, proof_id, session_id, connection_id, status,
	requested_attributes, presented_attributes, verified, expires_at, created_at, updated_at`

// Create persists the proof request. The record must have ID set.
func (r *PostgresProofRepository) Create(ctx context.Context, p *domain.ProofRequest) error {
	requested, err := json.Marshal(p.RequestedAttributes)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO proof_requests (`+proofColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID,
		nullString(p.ProofID),
		p.SessionID,
		nullString(p.ConnectionID),
		string(p.Status),
		requested,
		nil,
		p.Verified,
		p.ExpiresAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	return err
}

// GetByID returns the proof request for the local id, or nil if not found.
func (r *PostgresProofRepository) GetByID(ctx context.Context, id string) (*domain.ProofRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+proofColumns+` FROM proof_requests WHERE id = $1`, id)
	return scanProof(row)
}

// GetByProofID returns the proof request carrying the platform's proof id, or nil.
func (r *PostgresProofRepository) GetByProofID(ctx context.Context, proofID string) (*domain.ProofRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+proofColumns+` FROM proof_requests WHERE proof_id = $1`, proofID)
	return scanProof(row)
}

// LatestPendingForConnection returns the newest request-sent proof for the connection, or nil.
func (r *PostgresProofRepository) LatestPendingForConnection(ctx context.Context, connectionID string) (*domain.ProofRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+proofColumns+` FROM proof_requests
		WHERE connection_id = $1 AND status = $2 AND proof_id IS NULL
		ORDER BY created_at DESC LIMIT 1`,
		connectionID, string(domain.ProofStatusRequestSent))
	return scanProof(row)
}

// OpenForConnection returns the newest non-terminal proof for the connection, or nil.
// Unlike LatestPendingForConnection it does not care whether the platform's
// proof id is known yet.
func (r *PostgresProofRepository) OpenForConnection(ctx context.Context, connectionID string) (*domain.ProofRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+proofColumns+` FROM proof_requests
		WHERE connection_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1`,
		connectionID, string(domain.ProofStatusDone), string(domain.ProofStatusAbandoned))
	return scanProof(row)
}

// Update applies the partial update and returns the updated record. Terminal
// proofs are immutable (ErrTerminal); PresentedAttributes is write-once and a
// second write is ignored.
func (r *PostgresProofRepository) Update(ctx context.Context, id string, upd ProofUpdate) (*domain.ProofRequest, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("proof %s: %w", id, ErrTerminal)
	}

	if upd.ProofID != nil && current.ProofID == "" {
		current.ProofID = *upd.ProofID
	}
	if upd.ConnectionID != nil && current.ConnectionID == "" {
		current.ConnectionID = *upd.ConnectionID
	}
	if upd.Status != nil {
		current.Status = *upd.Status
	}
	if upd.PresentedAttributes != nil && current.PresentedAttributes == nil {
		current.PresentedAttributes = upd.PresentedAttributes
	}
	if upd.Verified != nil {
		current.Verified = *upd.Verified
	}
	current.UpdatedAt = time.Now().UTC()

	var presented interface{}
	if current.PresentedAttributes != nil {
		raw, err := json.Marshal(current.PresentedAttributes)
		if err != nil {
			return nil, err
		}
		presented = raw
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE proof_requests
		SET proof_id = $2, connection_id = $3, status = $4, presented_attributes = $5,
		    verified = $6, updated_at = $7
		WHERE id = $1 AND status NOT IN ($8, $9)`,
		id,
		nullString(current.ProofID),
		nullString(current.ConnectionID),
		string(current.Status),
		presented,
		current.Verified,
		current.UpdatedAt,
		string(domain.ProofStatusDone),
		string(domain.ProofStatusAbandoned),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("proof %s: %w", id, ErrTerminal)
	}
	return current, nil
}

// ExpireBefore abandons pending proofs past their TTL.
func (r *PostgresProofRepository) ExpireBefore(ctx context.Context, now time.Time) ([]ExpiredProof, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE proof_requests
		SET status = $1, updated_at = $2
		WHERE expires_at < $2 AND status NOT IN ($1, $3)
		RETURNING id, session_id`,
		string(domain.ProofStatusAbandoned),
		now,
		string(domain.ProofStatusDone),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiredProof
	for rows.Next() {
		var e ExpiredProof
		if err := rows.Scan(&e.ID, &e.SessionID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanProof(row *sql.Row) (*domain.ProofRequest, error) {
	var p domain.ProofRequest
	var proofID, connectionID sql.NullString
	var requested []byte
	var presented []byte
	err := row.Scan(
		&p.ID, &proofID, &p.SessionID, &connectionID, (*string)(&p.Status),
		&requested, &presented, &p.Verified, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.ProofID = proofID.String
	p.ConnectionID = connectionID.String
	if len(requested) > 0 {
		if err := json.Unmarshal(requested, &p.RequestedAttributes); err != nil {
			return nil, err
		}
	}
	if len(presented) > 0 {
		if err := json.Unmarshal(presented, &p.PresentedAttributes); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
