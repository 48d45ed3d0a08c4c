package repository

import (
	"context"
	"errors"
	"time"

	"credential-portal/backend/internal/session/domain"
)

// ErrTerminal is returned when an update would move a record out of a
// terminal status. Terminal records are immutable.
var ErrTerminal = errors.New("record is in a terminal status")

// ErrConnectionIDSet is returned when an update would change an already-set
// connection id. ConnectionID, once set, is immutable for the life of the record.
var ErrConnectionIDSet = errors.New("connection id already set")

// SessionUpdate is a partial update of a ConnectionSession. Nil fields are untouched.
type SessionUpdate struct {
	Status       *domain.ConnectionStatus
	ConnectionID *string
	TheirDID     *string
	TheirLabel   *string
}

// ProofUpdate is a partial update of a ProofRequest. Nil fields are untouched.
type ProofUpdate struct {
	ProofID             *string
	ConnectionID        *string
	Status              *domain.ProofStatus
	PresentedAttributes map[string]string
	Verified            *bool
}

// ExpiredProof identifies a proof request abandoned by the TTL sweep.
type ExpiredProof struct {
	ID        string
	SessionID string
}

// SessionRepository defines persistence for connection sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *domain.ConnectionSession) error
	GetByID(ctx context.Context, sessionID string) (*domain.ConnectionSession, error)
	GetByConnectionID(ctx context.Context, connectionID string) (*domain.ConnectionSession, error)
	// LatestPendingInvitation returns the most recently created session still
	// in invitation status with no connection id, or nil. Fallback matching only.
	LatestPendingInvitation(ctx context.Context) (*domain.ConnectionSession, error)
	Update(ctx context.Context, sessionID string, upd SessionUpdate) (*domain.ConnectionSession, error)
	// ExpireBefore abandons pending sessions whose TTL passed before now and
	// returns their session ids.
	ExpireBefore(ctx context.Context, now time.Time) ([]string, error)
}

// ProofRepository defines persistence for proof requests.
type ProofRepository interface {
	Create(ctx context.Context, p *domain.ProofRequest) error
	GetByID(ctx context.Context, id string) (*domain.ProofRequest, error)
	GetByProofID(ctx context.Context, proofID string) (*domain.ProofRequest, error)
	// LatestPendingForConnection returns the most recent proof request for the
	// connection still in request-sent status with no platform proof id, or
	// nil. Fallback matching only.
	LatestPendingForConnection(ctx context.Context, connectionID string) (*domain.ProofRequest, error)
	// OpenForConnection returns the most recent non-terminal proof request for
	// the connection, whether or not the platform's proof id is known yet, or
	// nil. Guards against opening a second concurrent proof.
	OpenForConnection(ctx context.Context, connectionID string) (*domain.ProofRequest, error)
	Update(ctx context.Context, id string, upd ProofUpdate) (*domain.ProofRequest, error)
	// ExpireBefore abandons pending proofs whose TTL passed before now.
	ExpireBefore(ctx context.Context, now time.Time) ([]ExpiredProof, error)
}
