package journal

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Outcome is the result class of a completed operation.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeDegraded Outcome = "degraded"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeDegraded:
		return true
	}
	return false
}

// TimestampLayout is the layout written for assigned timestamps.
const TimestampLayout = time.RFC3339Nano

// localLayout accepts ISO 8601 times without a zone offset, with optional
// fractional seconds. They are read as UTC.
const localLayout = "2006-01-02T15:04:05.999999999"

// Observation is an immutable fact about one completed operation.
//
// SequenceID is the journal's total order. Timestamp is advisory and only
// used for ages and time-range filters.
type Observation struct {
	// SequenceID is assigned at append time, contiguous from 0.
	SequenceID uint64 `json:"sequence_id"`

	// Timestamp is an ISO 8601 time string. A missing offset means UTC.
	Timestamp string `json:"timestamp"`

	// OperationType tags the producer, e.g. "distillation" or "worker_session".
	OperationType string `json:"operation_type"`

	// InputsHash is a fixed-length digest of the operation inputs.
	InputsHash string `json:"inputs_hash"`

	Outcome Outcome `json:"outcome"`

	// Metrics holds numeric or string measurements (duration_ms, counts).
	Metrics map[string]any `json:"metrics,omitempty"`

	// Context describes operating conditions (file_type, worker_id).
	Context map[string]any `json:"context,omitempty"`
}

// Time parses the advisory timestamp.
func (o Observation) Time() (time.Time, bool) {
	if t, err := time.Parse(TimestampLayout, o.Timestamp); err == nil {
		return t, true
	}
	t, err := time.ParseInLocation(localLayout, o.Timestamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Metric returns a numeric metric value. Numeric strings are not converted.
func (o Observation) Metric(key string) (float64, bool) {
	v, ok := o.Metrics[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// ContextValue renders a context value as a string.
func (o Observation) ContextValue(key string) (string, bool) {
	v, ok := o.Context[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// DefaultDiscriminatorKeys are the context keys, in priority order, that
// name what an operation ran against.
var DefaultDiscriminatorKeys = []string{"file_type", "worker_id", "worker", "format"}

// Discriminator renders the first of keys present in the context as
// "key=value".
func (o Observation) Discriminator(keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := o.ContextValue(k); ok && v != "" {
			return k + "=" + v, true
		}
	}
	return "", false
}

// ContextKeys returns the context keys in sorted order.
func (o Observation) ContextKeys() []string {
	keys := make([]string, 0, len(o.Context))
	for k := range o.Context {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Filter selects observations during a scan. Zero fields match everything.
type Filter struct {
	// FromSequence skips observations with a lower sequence id.
	FromSequence uint64

	OperationTypes []string
	Outcomes       []Outcome

	// Since and Until bound the advisory timestamp (inclusive, exclusive).
	// Observations with unparsable timestamps never match a bounded filter.
	Since time.Time
	Until time.Time
}

// Match reports whether o passes the filter.
func (f Filter) Match(o Observation) bool {
	if o.SequenceID < f.FromSequence {
		return false
	}
	if len(f.OperationTypes) > 0 && !slices.Contains(f.OperationTypes, o.OperationType) {
		return false
	}
	if len(f.Outcomes) > 0 && !slices.Contains(f.Outcomes, o.Outcome) {
		return false
	}
	if f.Since.IsZero() && f.Until.IsZero() {
		return true
	}
	ts, ok := o.Time()
	if !ok {
		return false
	}
	if !f.Since.IsZero() && ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !ts.Before(f.Until) {
		return false
	}
	return true
}
