// Package service implements the session workflows: creating a connection
// session, requesting a proof over an established connection, and the TTL sweep.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"credential-portal/backend/internal/platform"
	"credential-portal/backend/internal/retry"
	"credential-portal/backend/internal/session/domain"
	"credential-portal/backend/internal/session/repository"
)

// Sentinel errors for the session service; the handler maps them to HTTP codes.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session connection is not active")
	ErrProofAlreadyOpen = errors.New("session already has an open proof request")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Gateway is the slice of the platform client the session service needs.
type Gateway interface {
	GetOrganization(ctx context.Context) (*platform.Organization, error)
	CreateInvitation(ctx context.Context, agentID, alias string) (*platform.Invitation, error)
	CreateProofRequest(ctx context.Context, connectionID, comment string, attrs []platform.RequestedAttribute) (*platform.ProofRequestResult, error)
}

// Notifier pushes lifecycle changes to subscribed browser clients.
type Notifier interface {
	Broadcast(sessionID, event, status string, extra map[string]interface{})
	CloseSession(sessionID, reason string)
}

// SessionService drives the connection and proof workflows.
type SessionService struct {
	sessions   repository.SessionRepository
	proofs     repository.ProofRepository
	gateway    Gateway
	notifier   Notifier
	sessionTTL time.Duration
	proofTTL   time.Duration
	backoff    retry.Backoff
}

// NewSessionService returns a SessionService with the given dependencies.
func NewSessionService(
	sessions repository.SessionRepository,
	proofs repository.ProofRepository,
	gateway Gateway,
	notifier Notifier,
	sessionTTL, proofTTL time.Duration,
) *SessionService {
	return &SessionService{
		sessions:   sessions,
		proofs:     proofs,
		gateway:    gateway,
		notifier:   notifier,
		sessionTTL: sessionTTL,
		proofTTL:   proofTTL,
		backoff:    retry.Default,
	}
}

// CreateSession starts a new connection flow: it resolves the organization's
// agent, creates an invitation with the session id embedded as the alias, and
// persists the session in invitation status.
func (s *SessionService) CreateSession(ctx context.Context, requestType string) (*domain.ConnectionSession, error) {
	if requestType == "" {
		return nil, fmt.Errorf("%w: requestType is required", ErrInvalidRequest)
	}

	sessionID := uuid.NewString()

	org, err := retry.DoValue(ctx, s.backoff, 3, func(ctx context.Context) (*platform.Organization, error) {
		return s.gateway.GetOrganization(ctx)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("session: resolve organization: %w", err)
	}

	// The alias round-trips through the platform and comes back on connection
	// webhooks, which is what makes first-webhook correlation deterministic.
	inv, err := retry.DoValue(ctx, s.backoff, 3, func(ctx context.Context) (*platform.Invitation, error) {
		return s.gateway.CreateInvitation(ctx, org.AgentID, sessionID)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("session: create invitation: %w", err)
	}

	now := time.Now().UTC()
	session := &domain.ConnectionSession{
		SessionID:     sessionID,
		InvitationID:  inv.InvitationID,
		InvitationURL: inv.InvitationURL,
		ConnectionID:  inv.ConnectionID,
		Status:        domain.ConnectionStatusInvitation,
		RequestType:   requestType,
		ExpiresAt:     now.Add(s.sessionTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("session: persist: %w", err)
	}
	return session, nil
}

// GetSession returns the session or ErrSessionNotFound.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*domain.ConnectionSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// StartProof sends a proof request over the session's connection. The
// connection must be active; the platform's proof id is stored right away
// when the platform returns one, otherwise the first proof webhook adopts it.
func (s *SessionService) StartProof(ctx context.Context, sessionID, comment string, attrs []domain.RequestedAttribute) (*domain.ProofRequest, error) {
	if len(attrs) == 0 {
		return nil, fmt.Errorf("%w: requestedAttributes must not be empty", ErrInvalidRequest)
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.Status != domain.ConnectionStatusActive || session.ConnectionID == "" {
		return nil, ErrSessionNotActive
	}

	open, err := s.proofs.OpenForConnection(ctx, session.ConnectionID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, ErrProofAlreadyOpen
	}

	platformAttrs := make([]platform.RequestedAttribute, 0, len(attrs))
	for _, a := range attrs {
		platformAttrs = append(platformAttrs, platform.RequestedAttribute{
			AttributeName: a.AttributeName,
			SchemaID:      a.SchemaID,
			CredDefID:     a.CredDefID,
			Condition:     a.Condition,
			Value:         a.Value,
		})
	}

	result, err := retry.DoValue(ctx, s.backoff, 3, func(ctx context.Context) (*platform.ProofRequestResult, error) {
		return s.gateway.CreateProofRequest(ctx, session.ConnectionID, comment, platformAttrs)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("session: create proof request: %w", err)
	}

	now := time.Now().UTC()
	proof := &domain.ProofRequest{
		ID:                  uuid.NewString(),
		ProofID:             result.ProofID,
		SessionID:           session.SessionID,
		ConnectionID:        session.ConnectionID,
		Status:              domain.ProofStatusRequestSent,
		RequestedAttributes: attrs,
		ExpiresAt:           now.Add(s.proofTTL),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := proof.Validate(); err != nil {
		return nil, err
	}
	if err := s.proofs.Create(ctx, proof); err != nil {
		return nil, fmt.Errorf("session: persist proof: %w", err)
	}

	s.notifier.Broadcast(session.SessionID, "proof", string(proof.Status), nil)
	return proof, nil
}

// Sweep abandons sessions and proofs whose TTL passed and tells their
// subscribers. Runs periodically in the server process, next to the hub.
func (s *SessionService) Sweep(ctx context.Context, now time.Time) error {
	sessionIDs, err := s.sessions.ExpireBefore(ctx, now)
	if err != nil {
		return fmt.Errorf("session: sweep sessions: %w", err)
	}
	for _, id := range sessionIDs {
		s.notifier.CloseSession(id, "expired")
	}

	expired, err := s.proofs.ExpireBefore(ctx, now)
	if err != nil {
		return fmt.Errorf("session: sweep proofs: %w", err)
	}
	for _, p := range expired {
		s.notifier.Broadcast(p.SessionID, "proof", string(domain.ProofStatusAbandoned), nil)
	}

	if len(sessionIDs) > 0 || len(expired) > 0 {
		log.Printf("session: sweep expired %d sessions, %d proofs", len(sessionIDs), len(expired))
	}
	return nil
}
