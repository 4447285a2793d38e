package review

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/goatfield/internal/patterns"
)

// Status is the review state of a proposal.
type Status string

const (
	StatusPending  Status = "pending_review"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s is a decided status.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ErrAlreadyDecided is wrapped by the validation error returned when a
// decided proposal is approved or rejected again.
var ErrAlreadyDecided = errors.New("proposal already decided")

// Proposal is a candidate configuration change awaiting or past review.
type Proposal struct {
	ProposalID      string    `json:"proposal_id"`
	PatternType     string    `json:"pattern_type"`
	TargetComponent string    `json:"target_component"`
	Observation     string    `json:"observation"`
	Suggestion      string    `json:"suggestion"`
	Confidence      float64   `json:"confidence"`
	Evidence        []string  `json:"evidence"`
	Fingerprint     string    `json:"fingerprint,omitempty"`
	ProposedAt      time.Time `json:"proposed_at"`

	Status         Status         `json:"status"`
	ReviewedBy     string         `json:"reviewed_by,omitempty"`
	HumanRationale string         `json:"human_rationale,omitempty"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
	ApprovedConfig map[string]any `json:"approved_config,omitempty"`
}

// FromCandidate builds a pending proposal from an extracted candidate.
func FromCandidate(c patterns.Candidate) *Proposal {
	return &Proposal{
		PatternType:     c.PatternType,
		TargetComponent: c.TargetComponent,
		Observation:     c.Observation,
		Suggestion:      c.Suggestion,
		Confidence:      c.Confidence,
		Evidence:        append([]string(nil), c.Evidence...),
		Fingerprint:     c.Fingerprint,
		Status:          StatusPending,
	}
}

func (p *Proposal) clone() *Proposal {
	out := *p
	out.Evidence = append([]string(nil), p.Evidence...)
	out.ApprovedConfig = CloneConfig(p.ApprovedConfig)
	if p.ReviewedAt != nil {
		t := *p.ReviewedAt
		out.ReviewedAt = &t
	}
	return &out
}

// Decision is a reviewer's verdict on a proposal.
type Decision struct {
	ReviewedBy string         `json:"reviewed_by"`
	Rationale  string         `json:"human_rationale"`
	Config     map[string]any `json:"approved_config,omitempty"`
}

// AuditEntry is one immutable record in the decision audit log.
type AuditEntry struct {
	EntryID         string         `json:"entry_id"`
	ProposalID      string         `json:"proposal_id"`
	TargetComponent string         `json:"target_component"`
	Status          Status         `json:"status"`
	ReviewedBy      string         `json:"reviewed_by"`
	HumanRationale  string         `json:"human_rationale"`
	ApprovedConfig  map[string]any `json:"approved_config,omitempty"`
	// ConfigHash is the BLAKE3 digest of ApprovedConfig. Empty on rejection.
	ConfigHash string    `json:"config_hash,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// CloneConfig deep-copies a JSON-shaped map.
func CloneConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneConfig(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
