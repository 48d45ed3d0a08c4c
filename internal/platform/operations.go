package platform

import (
	"context"
	"net/http"
	"net/url"
)

// Organization is the platform's org metadata; AgentID is needed before an
// invitation can be created.
type Organization struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	AgentID string `json:"agentId"`
}

// Invitation is the platform's response to invitation creation.
type Invitation struct {
	InvitationID  string `json:"invitationId"`
	InvitationURL string `json:"invitationUrl"`
	ConnectionID  string `json:"connectionId"`
}

// RequestedAttribute is one attribute (or predicate) in a proof request.
// Condition/Value express numeric predicate constraints (e.g. ">", "18").
type RequestedAttribute struct {
	AttributeName string `json:"attributeName"`
	SchemaID      string `json:"schemaId,omitempty"`
	CredDefID     string `json:"credDefId,omitempty"`
	Condition     string `json:"condition,omitempty"`
	Value         string `json:"value,omitempty"`
}

// ProofRequestSpec is the outbound proof-request body.
type ProofRequestSpec struct {
	ConnectionID string       `json:"connectionId"`
	Comment      string       `json:"comment"`
	OrgID        string       `json:"orgId"`
	ProofFormats proofFormats `json:"proofFormats"`
}

type proofFormats struct {
	Indy indyFormat `json:"indy"`
}

type indyFormat struct {
	Attributes []RequestedAttribute `json:"attributes"`
}

// ProofRequestResult is the platform's response to proof-request creation.
// ProofID may be empty when the platform assigns it asynchronously.
type ProofRequestResult struct {
	ProofID string `json:"proofId"`
	State   string `json:"state"`
}

// ProofAttribute is one element of the proof-details response: exactly one
// attribute name/value pair plus schema metadata keys to discard.
type ProofAttribute map[string]interface{}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

// GetOrganization fetches org metadata for the configured org id.
func (c *Client) GetOrganization(ctx context.Context) (*Organization, error) {
	var org Organization
	if err := c.request(ctx, http.MethodGet, "/organizations/"+url.PathEscape(c.OrgID), nil, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

// CreateInvitation creates a connection invitation on the given agent. alias
// is echoed back on connection webhooks and carries the local session id for
// deterministic correlation.
func (c *Client) CreateInvitation(ctx context.Context, agentID, alias string) (*Invitation, error) {
	body := map[string]interface{}{
		"orgId":    c.OrgID,
		"alias":    alias,
		"multiUse": false,
	}
	var inv Invitation
	if err := c.request(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/invitations", body, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// CreateProofRequest submits a proof request over the given connection with
// the requested attributes and optional predicate constraints.
func (c *Client) CreateProofRequest(ctx context.Context, connectionID, comment string, attrs []RequestedAttribute) (*ProofRequestResult, error) {
	spec := ProofRequestSpec{
		ConnectionID: connectionID,
		Comment:      comment,
		OrgID:        c.OrgID,
		ProofFormats: proofFormats{Indy: indyFormat{Attributes: attrs}},
	}
	var res ProofRequestResult
	if err := c.request(ctx, http.MethodPost, "/proofs", spec, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetProofDetails fetches the presented attributes for a proof: one array
// element per attribute, possibly spread across several underlying
// credentials. Flattening is the reconciler's job.
func (c *Client) GetProofDetails(ctx context.Context, proofID string) ([]ProofAttribute, error) {
	var attrs []ProofAttribute
	if err := c.request(ctx, http.MethodGet, "/proofs/"+url.PathEscape(proofID)+"/details", nil, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// VerifyProof asks the platform to run cryptographic verification for the proof.
func (c *Client) VerifyProof(ctx context.Context, proofID string) (bool, error) {
	var res verifyResponse
	if err := c.request(ctx, http.MethodPost, "/proofs/"+url.PathEscape(proofID)+"/verify", nil, &res); err != nil {
		return false, err
	}
	return res.Verified, nil
}
