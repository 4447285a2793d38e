package patterns

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

// Built-in rule tags.
const (
	RulePerformanceAnomaly = "performance_anomaly"
	RuleReliabilityConcern = "reliability_concern"
)

// Errors for rule registration.
var (
	ErrRuleExists  = errors.New("rule already registered")
	ErrUnknownRule = errors.New("unknown rule")
)

// Rule evaluates one observation group.
type Rule interface {
	Tag() string
	Evaluate(g *Group) Evaluation
}

// RuleFactory builds a rule from extractor configuration.
type RuleFactory func(cfg Config) (Rule, error)

// Registry maps rule tags to factories. Rules are registered explicitly at
// startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]RuleFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]RuleFactory)}
}

// DefaultRegistry returns a registry holding the built-in rules.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(RulePerformanceAnomaly, NewPerformanceAnomaly)
	_ = r.Register(RuleReliabilityConcern, NewReliabilityConcern)
	return r
}

// Register adds a factory under tag.
func (r *Registry) Register(tag string, factory RuleFactory) error {
	if tag == "" {
		return fmt.Errorf("rule tag cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("rule %q: factory cannot be nil", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[tag]; ok {
		return fmt.Errorf("%w: %s", ErrRuleExists, tag)
	}
	r.factories[tag] = factory
	return nil
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for t := range r.factories {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	return tags
}

// Build instantiates the rules named by tags, in order.
func (r *Registry) Build(tags []string, cfg Config) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]Rule, 0, len(tags))
	for _, tag := range tags {
		factory, ok := r.factories[tag]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRule, tag)
		}
		rule, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("building rule %s: %w", tag, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// PerformanceAnomaly flags groups whose mean duration is above a threshold.
type PerformanceAnomaly struct {
	minSamples  int
	thresholdMS float64
	step        float64
	max         float64
	maxEvidence int
}

// NewPerformanceAnomaly builds the performance_anomaly rule.
func NewPerformanceAnomaly(cfg Config) (Rule, error) {
	if cfg.DurationThresholdMS <= 0 {
		return nil, fmt.Errorf("duration threshold must be positive")
	}
	return &PerformanceAnomaly{
		minSamples:  cfg.PerformanceMinSamples,
		thresholdMS: cfg.DurationThresholdMS,
		step:        cfg.PerformanceConfidenceStep,
		max:         cfg.PerformanceConfidenceMax,
		maxEvidence: cfg.MaxEvidence,
	}, nil
}

// Tag implements Rule.
func (r *PerformanceAnomaly) Tag() string { return RulePerformanceAnomaly }

// Evaluate requires more than minSamples observations with a duration.
func (r *PerformanceAnomaly) Evaluate(g *Group) Evaluation {
	if g.DurationSamples <= r.minSamples {
		return Evaluation{Kind: InsufficientData}
	}
	mean, _ := g.MeanDurationMS()
	if mean <= r.thresholdMS {
		return Evaluation{Kind: NoSignal}
	}

	n := g.DurationSamples
	target := g.Target()
	return Evaluation{
		Kind: Proposed,
		Candidate: &Candidate{
			PatternType:     RulePerformanceAnomaly,
			TargetComponent: target,
			Observation: fmt.Sprintf("%d %s operations averaged %.0f ms, above the %.0f ms threshold",
				n, describe(g), mean, r.thresholdMS),
			Suggestion:  fmt.Sprintf("Review batch sizing or resource allocation for %s", target),
			Confidence:  CapConfidence(math.Min(r.max, float64(n)*r.step)),
			Evidence:    g.evidence(r.maxEvidence),
			SampleCount: n,
			Fingerprint: Fingerprint(RulePerformanceAnomaly, target, n),
		},
	}
}

// ReliabilityConcern flags groups whose success rate is below a threshold.
type ReliabilityConcern struct {
	minSamples  int
	threshold   float64
	step        float64
	max         float64
	maxEvidence int
}

// NewReliabilityConcern builds the reliability_concern rule.
func NewReliabilityConcern(cfg Config) (Rule, error) {
	if cfg.SuccessRateThreshold <= 0 || cfg.SuccessRateThreshold > 1 {
		return nil, fmt.Errorf("success rate threshold must be within (0,1]")
	}
	return &ReliabilityConcern{
		minSamples:  cfg.ReliabilityMinSamples,
		threshold:   cfg.SuccessRateThreshold,
		step:        cfg.ReliabilityConfidenceStep,
		max:         cfg.ReliabilityConfidenceMax,
		maxEvidence: cfg.MaxEvidence,
	}, nil
}

// Tag implements Rule.
func (r *ReliabilityConcern) Tag() string { return RuleReliabilityConcern }

// Evaluate requires more than minSamples observations.
func (r *ReliabilityConcern) Evaluate(g *Group) Evaluation {
	if g.Samples <= r.minSamples {
		return Evaluation{Kind: InsufficientData}
	}
	rate := g.SuccessRate()
	if rate >= r.threshold {
		return Evaluation{Kind: NoSignal}
	}

	n := g.Samples
	target := g.Target()
	return Evaluation{
		Kind: Proposed,
		Candidate: &Candidate{
			PatternType:     RuleReliabilityConcern,
			TargetComponent: target,
			Observation: fmt.Sprintf("%d of %d %s operations succeeded (%.1f%%), below the %.0f%% threshold",
				g.Successes, n, describe(g), rate*100, r.threshold*100),
			Suggestion:  fmt.Sprintf("Investigate failure causes for %s before changing retry or fallback settings", target),
			Confidence:  CapConfidence(math.Min(r.max, float64(n)*r.step)),
			Evidence:    g.evidence(r.maxEvidence),
			SampleCount: n,
			Fingerprint: Fingerprint(RuleReliabilityConcern, target, n),
		},
	}
}

func describe(g *Group) string {
	if g.Discriminator == "" {
		return g.OperationType
	}
	return g.OperationType + " (" + g.Discriminator + ")"
}
