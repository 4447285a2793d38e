package patterns

import (
	"fmt"
	"math"
	"strconv"

	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

// MaxConfidence is the ceiling for every proposal confidence in the system.
const MaxConfidence = 0.4

// CapConfidence clamps c to [0, MaxConfidence]. NaN becomes 0.
func CapConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	return math.Min(c, MaxConfidence)
}

// Candidate is an improvement proposal produced by a rule, before it is
// submitted for review.
type Candidate struct {
	// PatternType is the tag of the rule that produced the candidate.
	PatternType string `json:"pattern_type"`
	// TargetComponent is "<operation_type>:<discriminator>".
	TargetComponent string `json:"target_component"`
	// Observation states the measured fact.
	Observation string `json:"observation"`
	// Suggestion is a non-binding recommendation.
	Suggestion string `json:"suggestion"`
	// Confidence is capped at MaxConfidence.
	Confidence float64 `json:"confidence"`
	// Evidence references supporting observations as "seq:N".
	Evidence []string `json:"evidence"`
	// SampleCount is the number of observations the rule measured.
	SampleCount int `json:"sample_count"`
	// Fingerprint identifies identical candidates across runs.
	Fingerprint string `json:"fingerprint"`
}

// Fingerprint derives a stable identity from the pattern type, target and
// sample count.
func Fingerprint(patternType, target string, samples int) string {
	return patternType + "|" + target + "|" + strconv.Itoa(samples)
}

// EvaluationKind is the outcome of evaluating one rule against one group.
type EvaluationKind int

const (
	// InsufficientData means the group is too small for the rule.
	InsufficientData EvaluationKind = iota
	// NoSignal means the rule measured the group and found nothing.
	NoSignal
	// Proposed means the rule produced a candidate.
	Proposed
)

func (k EvaluationKind) String() string {
	switch k {
	case InsufficientData:
		return "insufficient_data"
	case NoSignal:
		return "no_signal"
	case Proposed:
		return "proposed"
	default:
		return fmt.Sprintf("EvaluationKind(%d)", int(k))
	}
}

// Evaluation is the result of a rule. Candidate is set only when Kind is
// Proposed.
type Evaluation struct {
	Kind      EvaluationKind
	Candidate *Candidate
}

// Group aggregates the observations sharing an operation type and
// discriminator.
type Group struct {
	OperationType string
	// Discriminator is "key=value", or empty when no discriminator key was
	// present.
	Discriminator string

	Samples   int
	Successes int

	// DurationSamples counts observations carrying a duration metric.
	DurationSamples int
	DurationTotalMS float64

	// Sequences holds member sequence ids in journal order.
	Sequences []uint64
}

// Key returns the grouping key.
func (g *Group) Key() string {
	return g.OperationType + "|" + g.Discriminator
}

// Target returns the target component name for proposals about g.
func (g *Group) Target() string {
	if g.Discriminator == "" {
		return g.OperationType
	}
	return g.OperationType + ":" + g.Discriminator
}

// MeanDurationMS returns the mean duration over observations with a
// duration metric.
func (g *Group) MeanDurationMS() (float64, bool) {
	if g.DurationSamples == 0 {
		return 0, false
	}
	return g.DurationTotalMS / float64(g.DurationSamples), true
}

// SuccessRate returns the fraction of successful observations.
func (g *Group) SuccessRate() float64 {
	if g.Samples == 0 {
		return 0
	}
	return float64(g.Successes) / float64(g.Samples)
}

func (g *Group) add(o journal.Observation, durationKeys []string) {
	g.Samples++
	if o.Outcome == journal.OutcomeSuccess {
		g.Successes++
	}
	for _, k := range durationKeys {
		if v, ok := o.Metric(k); ok {
			g.DurationSamples++
			g.DurationTotalMS += v
			break
		}
	}
	g.Sequences = append(g.Sequences, o.SequenceID)
}

// evidence returns "seq:N" references for the most recent limit members.
func (g *Group) evidence(limit int) []string {
	seqs := g.Sequences
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[len(seqs)-limit:]
	}
	out := make([]string, len(seqs))
	for i, s := range seqs {
		out[i] = "seq:" + strconv.FormatUint(s, 10)
	}
	return out
}
