// Package service reconciles inbound platform webhooks against locally
// tracked sessions and proofs. Events arrive out of order, sometimes before
// the correlating identifier is known locally; every transition write is an
// idempotent "set current status", never an append.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"credential-portal/backend/internal/platform"
	"credential-portal/backend/internal/retry"
	sessiondomain "credential-portal/backend/internal/session/domain"
	sessionrepo "credential-portal/backend/internal/session/repository"
	"credential-portal/backend/internal/telemetry"
	telemetrydomain "credential-portal/backend/internal/telemetry/domain"
	webhookdomain "credential-portal/backend/internal/webhook/domain"
)

// Payload is the inbound webhook body. ID is the external event id and the
// idempotency key. Alias, when the platform echoes it, carries the local
// session id embedded at invitation creation.
type Payload struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	State        string `json:"state"`
	ConnectionID string `json:"connectionId,omitempty"`
	ProofID      string `json:"proofId,omitempty"`
	Alias        string `json:"alias,omitempty"`
	TheirDID     string `json:"theirDid,omitempty"`
	TheirLabel   string `json:"theirLabel,omitempty"`
	OrgID        string `json:"orgId,omitempty"`
}

// Validate checks the fields every payload must carry.
func (p *Payload) Validate() error {
	if p.ID == "" {
		return errors.New("webhook: id is required")
	}
	if p.Type == "" {
		return errors.New("webhook: type is required")
	}
	if p.State == "" {
		return errors.New("webhook: state is required")
	}
	return nil
}

// Outcome summarizes what reconciliation did with an event; used for the
// audit trail and tests.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"   // state written and broadcast
	OutcomeNoChange Outcome = "no_change" // duplicate or already at this state
	OutcomeDropped  Outcome = "dropped"   // no matching local record
	OutcomeIgnored  Outcome = "ignored"   // record already terminal
)

// connectionStateMap translates the platform's connection vocabulary into the
// internal one. Unmapped states pass through unchanged.
var connectionStateMap = map[string]sessiondomain.ConnectionStatus{
	"invitation":    sessiondomain.ConnectionStatusInvitation,
	"request-sent":  sessiondomain.ConnectionStatusRequest,
	"response-sent": sessiondomain.ConnectionStatusResponse,
	"active":        sessiondomain.ConnectionStatusActive,
	"completed":     sessiondomain.ConnectionStatusActive,
	"abandoned":     sessiondomain.ConnectionStatusAbandoned,
}

// proofOnlyStates are lifecycle values that can only belong to a proof. A
// Connection-typed payload carrying one of these routes to the proof path (an
// observed platform quirk). request-sent and abandoned exist in both
// vocabularies and keep their declared type.
var proofOnlyStates = map[string]struct{}{
	string(sessiondomain.ProofStatusPresentationReceived): {},
	string(sessiondomain.ProofStatusDone):                 {},
}

// EventStore is the webhook event log the reconciler needs.
type EventStore interface {
	Upsert(ctx context.Context, e *webhookdomain.Event) (seen bool, err error)
	MarkProcessed(ctx context.Context, webhookID string) error
}

// SessionStore is the session persistence the reconciler needs.
type SessionStore interface {
	GetByID(ctx context.Context, sessionID string) (*sessiondomain.ConnectionSession, error)
	GetByConnectionID(ctx context.Context, connectionID string) (*sessiondomain.ConnectionSession, error)
	LatestPendingInvitation(ctx context.Context) (*sessiondomain.ConnectionSession, error)
	Update(ctx context.Context, sessionID string, upd sessionrepo.SessionUpdate) (*sessiondomain.ConnectionSession, error)
}

// ProofStore is the proof persistence the reconciler needs.
type ProofStore interface {
	GetByProofID(ctx context.Context, proofID string) (*sessiondomain.ProofRequest, error)
	LatestPendingForConnection(ctx context.Context, connectionID string) (*sessiondomain.ProofRequest, error)
	Update(ctx context.Context, id string, upd sessionrepo.ProofUpdate) (*sessiondomain.ProofRequest, error)
}

// Gateway is the slice of the platform client the reconciler needs.
type Gateway interface {
	GetProofDetails(ctx context.Context, proofID string) ([]platform.ProofAttribute, error)
	VerifyProof(ctx context.Context, proofID string) (bool, error)
}

// Broadcaster pushes state changes to subscribed browser clients.
type Broadcaster interface {
	Broadcast(sessionID, event, status string, extra map[string]interface{})
}

// AcceptancePolicy decides whether a verified attribute set satisfies the
// business rules of the flow (e.g. age >= 18 for proof-of-fitness).
type AcceptancePolicy interface {
	Accepted(ctx context.Context, requestType string, attrs map[string]string) (bool, error)
}

// Reconciler is the webhook state machine. All dependencies are injected;
// policy and audit may be nil.
type Reconciler struct {
	events   EventStore
	sessions SessionStore
	proofs   ProofStore
	gateway  Gateway
	hub      Broadcaster
	policy   AcceptancePolicy
	audit    telemetry.Emitter
	backoff  retry.Backoff
}

// NewReconciler returns a reconciler over the given collaborators.
func NewReconciler(events EventStore, sessions SessionStore, proofs ProofStore, gateway Gateway, hub Broadcaster, policy AcceptancePolicy, audit telemetry.Emitter) *Reconciler {
	return &Reconciler{
		events:   events,
		sessions: sessions,
		proofs:   proofs,
		gateway:  gateway,
		hub:      hub,
		policy:   policy,
		audit:    audit,
		backoff:  retry.Default,
	}
}

// Process reconciles one webhook delivery. It returns an error only for
// storage failures the platform should retry; unmatched events are dropped
// with a log line, matching the delivery contract (the platform re-delivers
// on non-2xx, and a locally unmatchable event stays unmatchable).
func (r *Reconciler) Process(ctx context.Context, raw json.RawMessage) (Outcome, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return OutcomeDropped, fmt.Errorf("webhook: decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return OutcomeDropped, err
	}

	seen, err := r.events.Upsert(ctx, &webhookdomain.Event{
		WebhookID:    p.ID,
		Topic:        p.Type,
		ConnectionID: p.ConnectionID,
		ProofID:      p.ProofID,
		Payload:      raw,
	})
	if err != nil {
		return OutcomeDropped, fmt.Errorf("webhook: record event: %w", err)
	}
	if seen {
		log.Printf("reconciler: re-delivery of webhook %s, payload refreshed", p.ID)
	}

	var (
		outcome   Outcome
		sessionID string
	)
	if r.isProofEvent(&p) {
		outcome, sessionID, err = r.processProof(ctx, &p)
	} else {
		outcome, sessionID, err = r.processConnection(ctx, &p)
	}
	if err != nil {
		return outcome, err
	}

	r.emitAudit(ctx, &p, sessionID, outcome)
	return outcome, nil
}

// isProofEvent classifies the payload. Proof and ProofRequest types always
// route to the proof path, as does any payload whose state is proof-only.
func (r *Reconciler) isProofEvent(p *Payload) bool {
	if p.Type == "Proof" || p.Type == "ProofRequest" {
		return true
	}
	_, ok := proofOnlyStates[p.State]
	return ok
}

func (r *Reconciler) processConnection(ctx context.Context, p *Payload) (Outcome, string, error) {
	mapped, ok := connectionStateMap[p.State]
	if !ok {
		// Forward-compatibility: pass unknown states through unchanged.
		mapped = sessiondomain.ConnectionStatus(p.State)
	}

	session, err := r.matchSession(ctx, p)
	if err != nil {
		return OutcomeDropped, "", err
	}
	if session == nil {
		log.Printf("reconciler: no session matches connection webhook %s (connectionId=%s), dropping", p.ID, p.ConnectionID)
		return OutcomeDropped, "", nil
	}

	if session.Status == mapped && (p.ConnectionID == "" || session.ConnectionID == p.ConnectionID) {
		// Out-of-order duplicate; setting the same status twice is a no-op.
		return r.finish(ctx, p, session.SessionID, OutcomeNoChange)
	}

	upd := sessionrepo.SessionUpdate{Status: &mapped}
	if p.ConnectionID != "" && session.ConnectionID == "" {
		upd.ConnectionID = &p.ConnectionID
	}
	if p.TheirDID != "" {
		upd.TheirDID = &p.TheirDID
	}
	if p.TheirLabel != "" {
		upd.TheirLabel = &p.TheirLabel
	}

	updated, err := r.sessions.Update(ctx, session.SessionID, upd)
	if err != nil {
		if errors.Is(err, sessionrepo.ErrTerminal) || errors.Is(err, sessionrepo.ErrConnectionIDSet) {
			log.Printf("reconciler: webhook %s rejected for session %s: %v", p.ID, session.SessionID, err)
			return r.finish(ctx, p, session.SessionID, OutcomeIgnored)
		}
		return OutcomeDropped, "", fmt.Errorf("webhook: update session %s: %w", session.SessionID, err)
	}
	if updated == nil {
		return OutcomeDropped, "", nil
	}

	extra := map[string]interface{}{}
	if updated.TheirLabel != "" {
		extra["theirLabel"] = updated.TheirLabel
	}
	r.hub.Broadcast(updated.SessionID, "connection", string(updated.Status), extra)
	return r.finish(ctx, p, updated.SessionID, OutcomeApplied)
}

// matchSession resolves the owning session for a connection event: exact
// connectionId first, then the alias echoed from invitation creation, then
// the newest unclaimed pending invitation as a last resort.
func (r *Reconciler) matchSession(ctx context.Context, p *Payload) (*sessiondomain.ConnectionSession, error) {
	if p.ConnectionID != "" {
		s, err := r.sessions.GetByConnectionID(ctx, p.ConnectionID)
		if err != nil {
			return nil, fmt.Errorf("webhook: match by connectionId: %w", err)
		}
		if s != nil {
			return s, nil
		}
	}
	if p.Alias != "" {
		s, err := r.sessions.GetByID(ctx, p.Alias)
		if err != nil {
			return nil, fmt.Errorf("webhook: match by alias: %w", err)
		}
		if s != nil && s.ConnectionID == "" && !s.Status.Terminal() {
			return s, nil
		}
	}
	if p.ConnectionID != "" {
		s, err := r.sessions.LatestPendingInvitation(ctx)
		if err != nil {
			return nil, fmt.Errorf("webhook: fallback match: %w", err)
		}
		return s, nil
	}
	return nil, nil
}

func (r *Reconciler) processProof(ctx context.Context, p *Payload) (Outcome, string, error) {
	mapped := sessiondomain.ProofStatus(p.State) // proof states map 1:1

	proof, err := r.matchProof(ctx, p)
	if err != nil {
		return OutcomeDropped, "", err
	}
	if proof == nil {
		log.Printf("reconciler: no proof matches webhook %s (proofId=%s connectionId=%s), dropping", p.ID, p.ProofID, p.ConnectionID)
		return OutcomeDropped, "", nil
	}

	if proof.Status == mapped && (p.ProofID == "" || proof.ProofID == p.ProofID) {
		// Same-state re-delivery. An earlier extraction may have failed and
		// left the record without attributes; re-attempt before settling for
		// a no-op, while the record is still writable.
		if mapped == sessiondomain.ProofStatusPresentationReceived && proof.PresentedAttributes == nil {
			if attrs := r.fetchAttributes(ctx, externalProofID(p, proof)); attrs != nil {
				if _, err := r.proofs.Update(ctx, proof.ID, sessionrepo.ProofUpdate{PresentedAttributes: attrs}); err != nil {
					return OutcomeDropped, "", fmt.Errorf("webhook: backfill attributes for proof %s: %w", proof.ID, err)
				}
				return r.finish(ctx, p, proof.SessionID, OutcomeApplied)
			}
		}
		return r.finish(ctx, p, proof.SessionID, OutcomeNoChange)
	}

	upd := sessionrepo.ProofUpdate{Status: &mapped}
	if p.ProofID != "" && proof.ProofID == "" {
		upd.ProofID = &p.ProofID
	}
	if p.ConnectionID != "" && proof.ConnectionID == "" {
		upd.ConnectionID = &p.ConnectionID
	}

	extra := map[string]interface{}{}

	// Attribute extraction: only once a presentation exists, and never fatal.
	// A transient failure persists the transition without attributes; the
	// next proof webhook, re-deliveries included, re-runs extraction.
	if (mapped == sessiondomain.ProofStatusPresentationReceived || mapped == sessiondomain.ProofStatusDone) && proof.PresentedAttributes == nil {
		upd.PresentedAttributes = r.fetchAttributes(ctx, externalProofID(p, proof))
	}

	if mapped == sessiondomain.ProofStatusDone {
		verified := r.verify(ctx, externalProofID(p, proof))
		upd.Verified = &verified
		extra["verified"] = verified

		if verified && r.policy != nil {
			attrs := upd.PresentedAttributes
			if attrs == nil {
				attrs = proof.PresentedAttributes
			}
			session, err := r.sessions.GetByID(ctx, proof.SessionID)
			requestType := ""
			if err == nil && session != nil {
				requestType = session.RequestType
			}
			accepted, err := r.policy.Accepted(ctx, requestType, attrs)
			if err != nil {
				log.Printf("reconciler: acceptance policy failed for proof %s: %v", proof.ID, err)
				accepted = false
			}
			extra["accepted"] = accepted
		}
	}

	updated, err := r.proofs.Update(ctx, proof.ID, upd)
	if err != nil {
		if errors.Is(err, sessionrepo.ErrTerminal) {
			log.Printf("reconciler: webhook %s rejected for proof %s: %v", p.ID, proof.ID, err)
			return r.finish(ctx, p, proof.SessionID, OutcomeIgnored)
		}
		return OutcomeDropped, "", fmt.Errorf("webhook: update proof %s: %w", proof.ID, err)
	}
	if updated == nil {
		return OutcomeDropped, "", nil
	}

	r.hub.Broadcast(updated.SessionID, "proof", string(updated.Status), extra)

	// A finished proof completes its session. Best-effort: the proof record
	// is already the source of truth for the verification outcome.
	if updated.Status == sessiondomain.ProofStatusDone {
		completed := sessiondomain.ConnectionStatusCompleted
		s, err := r.sessions.Update(ctx, updated.SessionID, sessionrepo.SessionUpdate{Status: &completed})
		if err != nil && !errors.Is(err, sessionrepo.ErrTerminal) {
			log.Printf("reconciler: complete session %s: %v", updated.SessionID, err)
		} else if err == nil && s != nil {
			r.hub.Broadcast(s.SessionID, "connection", string(s.Status), nil)
		}
	}

	return r.finish(ctx, p, updated.SessionID, OutcomeApplied)
}

// matchProof resolves the owning proof record: exact proofId first, then the
// newest request-sent proof for the connection (first webhook after a request
// was sent, before the external proofId is known locally).
func (r *Reconciler) matchProof(ctx context.Context, p *Payload) (*sessiondomain.ProofRequest, error) {
	if p.ProofID != "" {
		pr, err := r.proofs.GetByProofID(ctx, p.ProofID)
		if err != nil {
			return nil, fmt.Errorf("webhook: match by proofId: %w", err)
		}
		if pr != nil {
			return pr, nil
		}
	}
	if p.ConnectionID != "" {
		pr, err := r.proofs.LatestPendingForConnection(ctx, p.ConnectionID)
		if err != nil {
			return nil, fmt.Errorf("webhook: fallback proof match: %w", err)
		}
		return pr, nil
	}
	return nil, nil
}

// fetchAttributes pulls and flattens proof details, retrying transient
// failures. Returns nil when the proof id is unknown or the fetch keeps failing.
func (r *Reconciler) fetchAttributes(ctx context.Context, proofID string) map[string]string {
	if proofID == "" {
		return nil
	}
	details, err := retry.DoValue(ctx, r.backoff, 3, func(ctx context.Context) ([]platform.ProofAttribute, error) {
		return r.gateway.GetProofDetails(ctx, proofID)
	}, nil)
	if err != nil {
		log.Printf("reconciler: proof details fetch failed for %s, persisting transition without attributes: %v", proofID, err)
		return nil
	}
	return FlattenAttributes(details)
}

func (r *Reconciler) verify(ctx context.Context, proofID string) bool {
	if proofID == "" {
		return false
	}
	verified, err := retry.DoValue(ctx, r.backoff, 3, func(ctx context.Context) (bool, error) {
		return r.gateway.VerifyProof(ctx, proofID)
	}, nil)
	if err != nil {
		log.Printf("reconciler: verification call failed for %s: %v", proofID, err)
		return false
	}
	return verified
}

func (r *Reconciler) finish(ctx context.Context, p *Payload, sessionID string, outcome Outcome) (Outcome, string, error) {
	if err := r.events.MarkProcessed(ctx, p.ID); err != nil {
		return outcome, sessionID, fmt.Errorf("webhook: mark processed: %w", err)
	}
	return outcome, sessionID, nil
}

func (r *Reconciler) emitAudit(ctx context.Context, p *Payload, sessionID string, outcome Outcome) {
	telemetry.EmitAsync(r.audit, ctx, &telemetrydomain.AuditEvent{
		WebhookID:    p.ID,
		Topic:        p.Type,
		State:        p.State,
		ConnectionID: p.ConnectionID,
		ProofID:      p.ProofID,
		SessionID:    sessionID,
		Outcome:      string(outcome),
		CreatedAt:    time.Now().UTC(),
	})
}

// externalProofID prefers the id on the wire over the stored one; the stored
// one may still be empty on the first proof webhook.
func externalProofID(p *Payload, proof *sessiondomain.ProofRequest) string {
	if p.ProofID != "" {
		return p.ProofID
	}
	return proof.ProofID
}

// metadataKeys are the per-credential tags in a proof-details element that
// must not leak into the flattened attribute map.
var metadataKeys = map[string]struct{}{
	"schemaId":  {},
	"credDefId": {},
}

// FlattenAttributes merges a proof-details response into one attribute map.
// Each element carries one attribute plus schema metadata; attributes may be
// spread across several underlying credentials and merge into a single flat
// namespace (names are assumed unique across the requested set).
func FlattenAttributes(details []platform.ProofAttribute) map[string]string {
	out := make(map[string]string, len(details))
	for _, attr := range details {
		for k, v := range attr {
			if _, meta := metadataKeys[k]; meta {
				continue
			}
			switch val := v.(type) {
			case string:
				out[k] = val
			case nil:
				// skip
			default:
				raw, err := json.Marshal(val)
				if err != nil {
					continue
				}
				out[k] = string(raw)
			}
		}
	}
	return out
}
