// Package domain holds the records tracked per credential flow: one
// ConnectionSession per DID-exchange attempt and its ProofRequests.
package domain

import (
	"errors"
	"time"
)

// ConnectionStatus is the internal connection lifecycle:
// invitation → request → response → active → completed | abandoned.
type ConnectionStatus string

const (
	ConnectionStatusInvitation ConnectionStatus = "invitation"
	ConnectionStatusRequest    ConnectionStatus = "request"
	ConnectionStatusResponse   ConnectionStatus = "response"
	ConnectionStatusActive     ConnectionStatus = "active"
	ConnectionStatusCompleted  ConnectionStatus = "completed"
	ConnectionStatusAbandoned  ConnectionStatus = "abandoned"
)

// Terminal reports whether the status permits no further transitions.
func (s ConnectionStatus) Terminal() bool {
	return s == ConnectionStatusCompleted || s == ConnectionStatusAbandoned
}

// ProofStatus is the internal proof lifecycle:
// request-sent → presentation-received → done | abandoned.
type ProofStatus string

const (
	ProofStatusRequestSent          ProofStatus = "request-sent"
	ProofStatusPresentationReceived ProofStatus = "presentation-received"
	ProofStatusDone                 ProofStatus = "done"
	ProofStatusAbandoned            ProofStatus = "abandoned"
)

// Terminal reports whether the status permits no further transitions.
func (s ProofStatus) Terminal() bool {
	return s == ProofStatusDone || s == ProofStatusAbandoned
}

// ConnectionSession tracks one DID-exchange attempt between the portal and a
// remote wallet. SessionID is generated locally and is the correlation key
// toward the UI; ConnectionID arrives from the platform once the remote party
// accepts and is immutable afterwards.
type ConnectionSession struct {
	SessionID     string
	InvitationID  string
	InvitationURL string
	ConnectionID  string
	Status        ConnectionStatus
	TheirDID      string
	TheirLabel    string
	RequestType   string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks required fields on a new session.
func (s *ConnectionSession) Validate() error {
	if s.SessionID == "" {
		return errors.New("session: SessionID is required")
	}
	if s.RequestType == "" {
		return errors.New("session: RequestType is required")
	}
	if s.ExpiresAt.IsZero() {
		return errors.New("session: ExpiresAt is required")
	}
	return nil
}

// Expired reports whether the session is past its TTL and still pending.
func (s *ConnectionSession) Expired(now time.Time) bool {
	return !s.Status.Terminal() && now.After(s.ExpiresAt)
}

// RequestedAttribute is one attribute (or numeric predicate) asked for in a
// proof request. Write-once on the record.
type RequestedAttribute struct {
	AttributeName string `json:"attributeName"`
	SchemaID      string `json:"schemaId,omitempty"`
	CredDefID     string `json:"credDefId,omitempty"`
	Condition     string `json:"condition,omitempty"`
	Value         string `json:"value,omitempty"`
}

// ProofRequest tracks one credential-presentation request. ID is generated
// locally; ProofID is the platform's identifier and may arrive only with the
// first proof webhook. PresentedAttributes is set at most once; Verified is
// true only together with status done.
type ProofRequest struct {
	ID                  string
	ProofID             string
	SessionID           string
	ConnectionID        string
	Status              ProofStatus
	RequestedAttributes []RequestedAttribute
	PresentedAttributes map[string]string
	Verified            bool
	ExpiresAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Validate checks required fields on a new proof request.
func (p *ProofRequest) Validate() error {
	if p.ID == "" {
		return errors.New("proof: ID is required")
	}
	if p.SessionID == "" {
		return errors.New("proof: SessionID is required")
	}
	if len(p.RequestedAttributes) == 0 {
		return errors.New("proof: RequestedAttributes must not be empty")
	}
	return nil
}

// Expired reports whether the proof is past its TTL and still pending.
func (p *ProofRequest) Expired(now time.Time) bool {
	return !p.Status.Terminal() && now.After(p.ExpiresAt)
}
