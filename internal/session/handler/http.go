// Package handler exposes the session REST endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"credential-portal/backend/internal/platform"
	"credential-portal/backend/internal/session/domain"
	"credential-portal/backend/internal/session/service"
)

// Service is the session workflow surface the handler needs.
type Service interface {
	CreateSession(ctx context.Context, requestType string) (*domain.ConnectionSession, error)
	GetSession(ctx context.Context, sessionID string) (*domain.ConnectionSession, error)
	StartProof(ctx context.Context, sessionID, comment string, attrs []domain.RequestedAttribute) (*domain.ProofRequest, error)
}

// Handler serves /api/sessions.
type Handler struct {
	svc Service
}

// New returns a session handler.
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

type createSessionRequest struct {
	RequestType string `json:"requestType"`
}

type sessionResponse struct {
	SessionID     string    `json:"sessionId"`
	InvitationID  string    `json:"invitationId,omitempty"`
	InvitationURL string    `json:"invitationUrl,omitempty"`
	ConnectionID  string    `json:"connectionId,omitempty"`
	Status        string    `json:"status"`
	TheirDID      string    `json:"theirDid,omitempty"`
	TheirLabel    string    `json:"theirLabel,omitempty"`
	RequestType   string    `json:"requestType"`
	ExpiresAt     time.Time `json:"expiresAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

func toSessionResponse(s *domain.ConnectionSession) sessionResponse {
	return sessionResponse{
		SessionID:     s.SessionID,
		InvitationID:  s.InvitationID,
		InvitationURL: s.InvitationURL,
		ConnectionID:  s.ConnectionID,
		Status:        string(s.Status),
		TheirDID:      s.TheirDID,
		TheirLabel:    s.TheirLabel,
		RequestType:   s.RequestType,
		ExpiresAt:     s.ExpiresAt,
		CreatedAt:     s.CreatedAt,
	}
}

type startProofRequest struct {
	Comment             string                     `json:"comment"`
	RequestedAttributes []domain.RequestedAttribute `json:"requestedAttributes"`
}

type proofResponse struct {
	ID                  string                      `json:"id"`
	ProofID             string                      `json:"proofId,omitempty"`
	SessionID           string                      `json:"sessionId"`
	Status              string                      `json:"status"`
	RequestedAttributes []domain.RequestedAttribute `json:"requestedAttributes"`
	PresentedAttributes map[string]string           `json:"presentedAttributes,omitempty"`
	Verified            bool                        `json:"verified"`
	ExpiresAt           time.Time                   `json:"expiresAt"`
}

// Create handles POST /api/sessions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, err := h.svc.CreateSession(r.Context(), req.RequestType)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// Get handles GET /api/sessions/{sessionId}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	session, err := h.svc.GetSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// StartProof handles POST /api/sessions/{sessionId}/proofs.
func (h *Handler) StartProof(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	var req startProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	proof, err := h.svc.StartProof(r.Context(), sessionID, req.Comment, req.RequestedAttributes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proofResponse{
		ID:                  proof.ID,
		ProofID:             proof.ProofID,
		SessionID:           proof.SessionID,
		Status:              string(proof.Status),
		RequestedAttributes: proof.RequestedAttributes,
		PresentedAttributes: proof.PresentedAttributes,
		Verified:            proof.Verified,
		ExpiresAt:           proof.ExpiresAt,
	})
}

// writeServiceError maps service and platform errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, service.ErrSessionNotActive), errors.Is(err, service.ErrProofAlreadyOpen):
		writeError(w, http.StatusConflict, err.Error())
	default:
		switch platform.KindOf(err) {
		case platform.KindValidation:
			writeError(w, http.StatusBadRequest, err.Error())
		case "":
			log.Printf("session: handler error: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		default:
			log.Printf("session: platform error: %v", err)
			writeError(w, http.StatusBadGateway, "credential platform unavailable")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("session: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
