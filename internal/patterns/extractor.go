// Package patterns turns journal observations into improvement candidates.
// Extraction is read-only: it never changes the journal or the graph, and
// its candidates only take effect after human review.
package patterns

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

// Config tunes grouping and the built-in rules.
type Config struct {
	// Rules lists the registry tags to evaluate, in order.
	Rules []string

	// DiscriminatorKeys select the context key observations are grouped by.
	DiscriminatorKeys []string
	// DurationMetrics are checked in order for an observation's duration.
	DurationMetrics []string

	PerformanceMinSamples     int
	DurationThresholdMS       float64
	PerformanceConfidenceStep float64
	PerformanceConfidenceMax  float64

	ReliabilityMinSamples     int
	SuccessRateThreshold      float64
	ReliabilityConfidenceStep float64
	ReliabilityConfidenceMax  float64

	// MaxEvidence bounds the evidence references per candidate.
	MaxEvidence int
}

// DefaultConfig returns the standard rule tuning.
func DefaultConfig() Config {
	return Config{
		Rules:                     []string{RulePerformanceAnomaly, RuleReliabilityConcern},
		DiscriminatorKeys:         journal.DefaultDiscriminatorKeys,
		DurationMetrics:           []string{"duration_ms", "processing_time_ms"},
		PerformanceMinSamples:     5,
		DurationThresholdMS:       60000,
		PerformanceConfidenceStep: 0.05,
		PerformanceConfidenceMax:  0.35,
		ReliabilityMinSamples:     10,
		SuccessRateThreshold:      0.8,
		ReliabilityConfidenceStep: 0.01,
		ReliabilityConfidenceMax:  0.3,
		MaxEvidence:               20,
	}
}

// Extraction is the result of one pass over the journal.
type Extraction struct {
	Candidates   []Candidate
	Observations int
	Groups       int
	// Evaluations counts rule outcomes by kind.
	Evaluations map[EvaluationKind]int
}

// Extractor evaluates the configured rules over grouped observations.
type Extractor struct {
	cfg    Config
	rules  []Rule
	logger *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithConfig replaces the default tuning.
func WithConfig(cfg Config) Option {
	return func(e *Extractor) {
		e.cfg = cfg
	}
}

// NewExtractor builds the configured rules from registry.
func NewExtractor(registry *Registry, logger *zap.Logger, opts ...Option) (*Extractor, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	e := &Extractor{cfg: DefaultConfig(), logger: logger}
	for _, opt := range opts {
		opt(e)
	}

	rules, err := registry.Build(e.cfg.Rules, e.cfg)
	if err != nil {
		return nil, err
	}
	e.rules = rules
	return e, nil
}

// Extract scans the whole journal. An empty journal yields an empty
// extraction.
func (e *Extractor) Extract(ctx context.Context, r journal.Reader) (*Extraction, error) {
	groups := make(map[string]*Group)
	out := &Extraction{Candidates: []Candidate{}, Evaluations: make(map[EvaluationKind]int)}

	for obs, err := range r.Scan(ctx, journal.Filter{}) {
		if err != nil {
			return nil, fmt.Errorf("scanning journal: %w", err)
		}
		out.Observations++

		disc, _ := obs.Discriminator(e.cfg.DiscriminatorKeys)
		key := obs.OperationType + "|" + disc
		g, ok := groups[key]
		if !ok {
			g = &Group{OperationType: obs.OperationType, Discriminator: disc}
			groups[key] = g
		}
		g.add(obs, e.cfg.DurationMetrics)
	}
	out.Groups = len(groups)

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		g := groups[key]
		for _, rule := range e.rules {
			ev := rule.Evaluate(g)
			out.Evaluations[ev.Kind]++
			if ev.Kind != Proposed || ev.Candidate == nil {
				continue
			}
			c := *ev.Candidate
			c.Confidence = CapConfidence(c.Confidence)
			out.Candidates = append(out.Candidates, c)
		}
	}

	e.logger.Debug("pattern extraction complete",
		zap.Int("observations", out.Observations),
		zap.Int("groups", out.Groups),
		zap.Int("candidates", len(out.Candidates)))
	return out, nil
}
