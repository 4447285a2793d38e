// Package review is the only path by which an improvement proposal becomes
// an approved configuration. Every decision names a human reviewer and a
// rationale and is written to an append-only audit log before it takes
// effect. Decided proposals never change again.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/appendlog"
	"github.com/fyrsmithlabs/goatfield/internal/digest"
	"github.com/fyrsmithlabs/goatfield/internal/fielderr"
	"github.com/fyrsmithlabs/goatfield/internal/patterns"
)

const (
	proposalsFile = "proposals.jsonl"
	auditFile     = "audit.jsonl"
)

// Gate holds proposals and records review decisions.
type Gate struct {
	ledger *appendlog.Log
	audit  *appendlog.Log
	logger *zap.Logger
	now    func() time.Time

	mu           sync.RWMutex
	proposals    map[string]*Proposal
	order        []string
	decided      []string
	fingerprints map[string]struct{}
	version      uint64
}

type gateOptions struct {
	logOpts []appendlog.Option
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*gateOptions)

// WithoutSync disables fsync on the ledger and audit log. Tests only.
func WithoutSync() Option {
	return func(o *gateOptions) {
		o.logOpts = append(o.logOpts, appendlog.WithoutSync())
	}
}

// WithClock sets the clock used for submission and decision times.
func WithClock(now func() time.Time) Option {
	return func(o *gateOptions) {
		o.now = now
	}
}

// Open opens the proposal ledger and audit log in dir and replays both.
func Open(dir string, logger *zap.Logger, opts ...Option) (*Gate, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	o := gateOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create review directory: %w", err)
	}

	ledger, err := appendlog.Open(filepath.Join(dir, proposalsFile), o.logOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening proposal ledger: %w", err)
	}
	audit, err := appendlog.Open(filepath.Join(dir, auditFile), o.logOpts...)
	if err != nil {
		ledger.Close()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	g := &Gate{
		ledger:       ledger,
		audit:        audit,
		logger:       logger,
		now:          o.now,
		proposals:    make(map[string]*Proposal),
		fingerprints: make(map[string]struct{}),
	}
	if err := g.replay(); err != nil {
		g.Close()
		return nil, err
	}

	logger.Info("review gate opened",
		zap.String("dir", dir),
		zap.Int("proposals", len(g.order)),
		zap.Int("decisions", len(g.decided)))
	return g, nil
}

func (g *Gate) replay() error {
	ctx := context.Background()
	for e, err := range g.ledger.Entries(ctx, 0) {
		if err != nil {
			return fmt.Errorf("reading proposal ledger: %w", err)
		}
		var p Proposal
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return fmt.Errorf("decoding proposal ledger entry %d: %w", e.Index, err)
		}
		if _, dup := g.proposals[p.ProposalID]; dup || p.ProposalID == "" {
			return &fielderr.IntegrityError{Violations: []string{
				fmt.Sprintf("proposal ledger entry %d has duplicate or empty id %q", e.Index, p.ProposalID),
			}}
		}
		g.insert(&p)
	}

	for e, err := range g.audit.Entries(ctx, 0) {
		if err != nil {
			return fmt.Errorf("reading audit log: %w", err)
		}
		var entry AuditEntry
		if err := json.Unmarshal(e.Data, &entry); err != nil {
			return fmt.Errorf("decoding audit entry %d: %w", e.Index, err)
		}
		p, ok := g.proposals[entry.ProposalID]
		if !ok {
			return &fielderr.IntegrityError{Violations: []string{
				fmt.Sprintf("audit entry %s references unknown proposal %s", entry.EntryID, entry.ProposalID),
			}}
		}
		if p.Status.Terminal() {
			return &fielderr.IntegrityError{Violations: []string{
				fmt.Sprintf("audit entry %s decides proposal %s a second time", entry.EntryID, entry.ProposalID),
			}}
		}
		g.apply(p, entry)
	}
	return nil
}

func (g *Gate) insert(p *Proposal) {
	g.proposals[p.ProposalID] = p
	g.order = append(g.order, p.ProposalID)
	if p.Fingerprint != "" {
		g.fingerprints[p.Fingerprint] = struct{}{}
	}
}

func (g *Gate) apply(p *Proposal, entry AuditEntry) {
	at := entry.DecidedAt
	p.Status = entry.Status
	p.ReviewedBy = entry.ReviewedBy
	p.HumanRationale = entry.HumanRationale
	p.ReviewedAt = &at
	p.ApprovedConfig = CloneConfig(entry.ApprovedConfig)
	g.decided = append(g.decided, p.ProposalID)
	g.version++
}

// Submit validates p and adds it as a pending proposal. The proposal is
// written to the ledger before it becomes visible. On success p carries the
// assigned id, status and submission time.
func (g *Gate) Submit(ctx context.Context, p *Proposal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil {
		return fielderr.Invalid("proposal", "is required")
	}
	if err := validateProposal(p); err != nil {
		return err
	}

	stored := p.clone()
	stored.Status = StatusPending
	if stored.ProposalID == "" {
		stored.ProposalID = uuid.NewString()
	}
	if stored.ProposedAt.IsZero() {
		stored.ProposedAt = g.now().UTC()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.proposals[stored.ProposalID]; dup {
		return fielderr.Invalid("proposal_id", "%s already exists", stored.ProposalID)
	}
	if _, err := g.ledger.AppendJSON(stored); err != nil {
		return fmt.Errorf("writing proposal ledger: %w", err)
	}
	g.insert(stored)

	p.ProposalID = stored.ProposalID
	p.Status = stored.Status
	p.ProposedAt = stored.ProposedAt

	g.logger.Info("proposal submitted",
		zap.String("proposal_id", stored.ProposalID),
		zap.String("pattern_type", stored.PatternType),
		zap.String("target_component", stored.TargetComponent),
		zap.Float64("confidence", stored.Confidence))
	return nil
}

func validateProposal(p *Proposal) error {
	if strings.TrimSpace(p.PatternType) == "" {
		return fielderr.Invalid("pattern_type", "is required")
	}
	if strings.TrimSpace(p.TargetComponent) == "" {
		return fielderr.Invalid("target_component", "is required")
	}
	if math.IsNaN(p.Confidence) || p.Confidence < 0 {
		return fielderr.Invalid("confidence", "must be a non-negative number, got %v", p.Confidence)
	}
	if p.Confidence > patterns.MaxConfidence {
		return fielderr.Invalid("confidence", "%v exceeds the %v cap", p.Confidence, patterns.MaxConfidence)
	}
	if p.Status != "" && p.Status != StatusPending {
		return fielderr.Invalid("status", "new proposals must be %s, got %s", StatusPending, p.Status)
	}
	if len(p.ApprovedConfig) > 0 || p.ReviewedBy != "" || p.HumanRationale != "" || p.ReviewedAt != nil {
		return fielderr.Invalid("proposal", "review fields must be empty on submission")
	}
	return nil
}

// Approve moves a pending proposal to approved with the reviewer's
// configuration.
func (g *Gate) Approve(ctx context.Context, id string, d Decision) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateDecision(d); err != nil {
		return nil, err
	}
	if len(d.Config) == 0 {
		return nil, fielderr.Invalid("approved_config", "is required to approve")
	}
	cfg, hash, err := normalizeConfig(d.Config)
	if err != nil {
		return nil, err
	}
	return g.decide(id, StatusApproved, d, cfg, hash)
}

// Reject moves a pending proposal to rejected. A rejection must not carry
// a configuration.
func (g *Gate) Reject(ctx context.Context, id string, d Decision) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateDecision(d); err != nil {
		return nil, err
	}
	if len(d.Config) > 0 {
		return nil, fielderr.Invalid("approved_config", "must not be set when rejecting")
	}
	return g.decide(id, StatusRejected, d, nil, "")
}

func validateDecision(d Decision) error {
	if strings.TrimSpace(d.ReviewedBy) == "" {
		return fielderr.Invalid("reviewed_by", "is required")
	}
	if strings.TrimSpace(d.Rationale) == "" {
		return fielderr.Invalid("human_rationale", "is required")
	}
	return nil
}

// normalizeConfig round-trips cfg through JSON so the stored config holds
// only JSON values, and digests it.
func normalizeConfig(cfg map[string]any) (map[string]any, string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, "", fielderr.Invalid("approved_config", "must be JSON-encodable: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, "", fielderr.Invalid("approved_config", "must be a JSON object: %v", err)
	}
	hash, err := digest.JSON(digest.Config, out)
	if err != nil {
		return nil, "", fmt.Errorf("hashing approved config: %w", err)
	}
	return out, hash, nil
}

func (g *Gate) decide(id string, status Status, d Decision, cfg map[string]any, hash string) (*Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.proposals[id]
	if !ok {
		return nil, fielderr.NotFound("proposal", id)
	}
	if p.Status.Terminal() {
		return nil, fielderr.InvalidWrap(ErrAlreadyDecided, "status", "proposal %s is already %s", id, p.Status)
	}

	now := g.now().UTC()
	entry := AuditEntry{
		EntryID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		ProposalID:      id,
		TargetComponent: p.TargetComponent,
		Status:          status,
		ReviewedBy:      d.ReviewedBy,
		HumanRationale:  d.Rationale,
		ApprovedConfig:  cfg,
		ConfigHash:      hash,
		DecidedAt:       now,
	}
	if _, err := g.audit.AppendJSON(entry); err != nil {
		return nil, fmt.Errorf("writing audit log: %w", err)
	}
	g.apply(p, entry)

	g.logger.Info("proposal decided",
		zap.String("proposal_id", id),
		zap.String("status", string(status)),
		zap.String("reviewed_by", d.ReviewedBy),
		zap.String("target_component", p.TargetComponent),
		zap.String("config_hash", hash))
	return p.clone(), nil
}

// Get returns a copy of the proposal with id.
func (g *Gate) Get(id string) (*Proposal, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.proposals[id]
	if !ok {
		return nil, fielderr.NotFound("proposal", id)
	}
	return p.clone(), nil
}

// List returns proposals with status in submission order. An empty status
// lists every proposal.
func (g *Gate) List(status Status) []Proposal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Proposal, 0, len(g.order))
	for _, id := range g.order {
		p := g.proposals[id]
		if status == "" || p.Status == status {
			out = append(out, *p.clone())
		}
	}
	return out
}

// Approved returns approved proposals in decision order.
func (g *Gate) Approved() []Proposal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Proposal, 0, len(g.decided))
	for _, id := range g.decided {
		if p := g.proposals[id]; p.Status == StatusApproved {
			out = append(out, *p.clone())
		}
	}
	return out
}

// HasFingerprint reports whether a proposal with fingerprint was ever
// submitted.
func (g *Gate) HasFingerprint(fingerprint string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.fingerprints[fingerprint]
	return ok
}

// PendingFor returns the id of an undecided proposal for the same pattern
// and target, if one exists.
func (g *Gate) PendingFor(patternType, target string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range g.order {
		p := g.proposals[id]
		if p.Status == StatusPending && p.PatternType == patternType && p.TargetComponent == target {
			return id, true
		}
	}
	return "", false
}

// Counts returns the number of proposals per status.
func (g *Gate) Counts() map[Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := map[Status]int{StatusPending: 0, StatusApproved: 0, StatusRejected: 0}
	for _, p := range g.proposals {
		out[p.Status]++
	}
	return out
}

// DecisionHistory reads the audit log in decision order.
func (g *Gate) DecisionHistory(ctx context.Context) ([]AuditEntry, error) {
	out := []AuditEntry{}
	for e, err := range g.audit.Entries(ctx, 0) {
		if err != nil {
			return nil, fmt.Errorf("reading audit log: %w", err)
		}
		var entry AuditEntry
		if err := json.Unmarshal(e.Data, &entry); err != nil {
			return nil, fmt.Errorf("decoding audit entry %d: %w", e.Index, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Version increases with every decision.
func (g *Gate) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Close closes the ledger and audit log.
func (g *Gate) Close() error {
	return errors.Join(g.ledger.Close(), g.audit.Close())
}
