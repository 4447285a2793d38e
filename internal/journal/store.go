// Package journal implements the append-only observation journal, the only
// authoritative history in GOAT Field.
//
// Observations are appended with contiguous sequence ids starting at 0 and
// are never mutated or removed. Everything else (graph, proposals, insights)
// is derived from or reviewed against this record.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/appendlog"
	"github.com/fyrsmithlabs/goatfield/internal/digest"
	"github.com/fyrsmithlabs/goatfield/internal/fielderr"
)

// Reader is the read side of the journal used by derived components.
type Reader interface {
	// Get returns the observation with the given sequence id.
	Get(ctx context.Context, seq uint64) (Observation, error)

	// Scan lazily yields matching observations in sequence order. Each call
	// starts from the beginning and stops at the length seen when it started.
	Scan(ctx context.Context, filter Filter) iter.Seq2[Observation, error]

	// Len returns the number of committed observations.
	Len() uint64
}

// Store is a file-backed journal. Appends are serialized; reads run
// concurrently with appends.
type Store struct {
	log    *appendlog.Log
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex // single writer
}

var _ Reader = (*Store)(nil)

// Option configures a Store.
type Option func(*options)

type options struct {
	logOpts []appendlog.Option
	now     func() time.Time
}

// WithoutSync disables fsync per append. Intended for tests.
func WithoutSync() Option {
	return func(o *options) {
		o.logOpts = append(o.logOpts, appendlog.WithoutSync())
	}
}

// WithClock overrides the clock used to fill missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Open opens or creates the journal file at path.
func Open(path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	l, err := appendlog.Open(path, o.logOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if n := l.Recovered(); n > 0 {
		logger.Warn("discarded torn journal record",
			zap.String("path", path),
			zap.Int64("bytes", n),
			zap.Int("records", l.Len()))
	}

	return &Store{log: l, logger: logger, now: o.now}, nil
}

// Observe validates obs and appends it, returning the assigned sequence id.
//
// A zero SequenceID is assigned; a non-zero one must equal the next id. A
// missing Timestamp is filled with the current UTC time.
func (s *Store) Observe(ctx context.Context, obs Observation) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := uint64(s.log.Len())
	if obs.SequenceID != 0 && obs.SequenceID != next {
		return 0, fielderr.Invalid("sequence_id", "got %d, next is %d", obs.SequenceID, next)
	}
	obs.SequenceID = next
	if obs.Timestamp == "" {
		obs.Timestamp = s.now().UTC().Format(TimestampLayout)
	}
	if err := Validate(obs); err != nil {
		return 0, err
	}

	data, err := json.Marshal(obs)
	if err != nil {
		return 0, fielderr.Invalid("", "observation is not encodable: %v", err)
	}

	idx, err := s.log.Append(data)
	if err != nil {
		return 0, fmt.Errorf("appending observation %d: %w", next, err)
	}
	if uint64(idx) != next {
		return 0, &fielderr.IntegrityError{Violations: []string{
			fmt.Sprintf("observation appended at index %d, expected %d", idx, next),
		}}
	}
	return next, nil
}

// Get returns the observation with sequence id seq.
func (s *Store) Get(ctx context.Context, seq uint64) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	if seq >= uint64(s.log.Len()) {
		return Observation{}, fielderr.NotFound("observation", seq)
	}

	data, err := s.log.Read(int(seq))
	if err != nil {
		if errors.Is(err, appendlog.ErrOutOfRange) {
			return Observation{}, fielderr.NotFound("observation", seq)
		}
		return Observation{}, fmt.Errorf("reading observation %d: %w", seq, err)
	}
	return decode(seq, data)
}

// Scan yields observations matching filter in sequence order.
func (s *Store) Scan(ctx context.Context, filter Filter) iter.Seq2[Observation, error] {
	return func(yield func(Observation, error) bool) {
		if filter.FromSequence > math.MaxInt {
			return
		}
		for e, err := range s.log.Entries(ctx, int(filter.FromSequence)) {
			if err != nil {
				yield(Observation{}, fmt.Errorf("scanning journal: %w", err))
				return
			}
			obs, err := decode(uint64(e.Index), e.Data)
			if err != nil {
				yield(Observation{}, err)
				return
			}
			if !filter.Match(obs) {
				continue
			}
			if !yield(obs, nil) {
				return
			}
		}
	}
}

// Len returns the number of committed observations.
func (s *Store) Len() uint64 {
	return uint64(s.log.Len())
}

// Path returns the journal file path.
func (s *Store) Path() string {
	return s.log.Path()
}

// Close closes the journal file.
func (s *Store) Close() error {
	return s.log.Close()
}

func decode(seq uint64, data []byte) (Observation, error) {
	var obs Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return Observation{}, fmt.Errorf("decoding observation %d: %w", seq, err)
	}
	if obs.SequenceID != seq {
		return Observation{}, &fielderr.IntegrityError{Violations: []string{
			fmt.Sprintf("journal record %d carries sequence_id %d", seq, obs.SequenceID),
		}}
	}
	return obs, nil
}

// Validate checks the producer-supplied fields of obs.
func Validate(obs Observation) error {
	if obs.OperationType == "" {
		return fielderr.Invalid("operation_type", "is required")
	}
	if !obs.Outcome.Valid() {
		return fielderr.Invalid("outcome", "%q is not one of success, failure, degraded", obs.Outcome)
	}
	if !digest.Valid(obs.InputsHash) {
		return fielderr.Invalid("inputs_hash", "must be %d lowercase hex characters", digest.Size*2)
	}
	if _, ok := obs.Time(); !ok {
		return fielderr.Invalid("timestamp", "%q is not an ISO 8601 time", obs.Timestamp)
	}
	for k, v := range obs.Metrics {
		switch v.(type) {
		case string, bool:
		default:
			f, ok := toFloat(v)
			if !ok {
				return fielderr.Invalid("metrics."+k, "must be a number, string or bool")
			}
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fielderr.Invalid("metrics."+k, "must be finite")
			}
		}
	}
	return nil
}

// HashInputs digests operation inputs for Observation.InputsHash.
func HashInputs(inputs any) (string, error) {
	return digest.JSON(digest.Inputs, inputs)
}
