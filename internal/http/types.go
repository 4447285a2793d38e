package http

import (
	"github.com/fyrsmithlabs/goatfield/internal/field"
	"github.com/fyrsmithlabs/goatfield/internal/review"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ObserveResponse is the response body for POST /api/v1/observations.
type ObserveResponse struct {
	SequenceID uint64 `json:"sequence_id"`
}

// DecisionRequest is the request body for the approve and reject
// endpoints. ApprovedConfig is required to approve and must be absent to
// reject.
type DecisionRequest struct {
	ReviewedBy     string         `json:"reviewed_by"`
	HumanRationale string         `json:"human_rationale"`
	ApprovedConfig map[string]any `json:"approved_config,omitempty"`
}

func (r DecisionRequest) decision() review.Decision {
	return review.Decision{
		ReviewedBy: r.ReviewedBy,
		Rationale:  r.HumanRationale,
		Config:     r.ApprovedConfig,
	}
}

// ProposalsResponse is the response body for GET /api/v1/proposals.
type ProposalsResponse struct {
	Proposals []review.Proposal `json:"proposals"`
	Count     int               `json:"count"`
}

// DecisionsResponse is the response body for GET /api/v1/decisions.
type DecisionsResponse struct {
	Decisions []review.AuditEntry `json:"decisions"`
	Count     int                 `json:"count"`
}

// GraphHealthResponse is the response body for GET /api/v1/graph/health.
type GraphHealthResponse = field.Health

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	// RequestID echoes the X-Request-Id header for log correlation.
	RequestID string `json:"request_id,omitempty"`
}
