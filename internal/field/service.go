package field

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/clutter"
	"github.com/fyrsmithlabs/goatfield/internal/fielderr"
	"github.com/fyrsmithlabs/goatfield/internal/graph"
	"github.com/fyrsmithlabs/goatfield/internal/insights"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
	"github.com/fyrsmithlabs/goatfield/internal/logging"
	"github.com/fyrsmithlabs/goatfield/internal/patterns"
	"github.com/fyrsmithlabs/goatfield/internal/review"
)

// Journal is the journal surface the service appends to and reads from.
type Journal interface {
	journal.Reader
	Observe(ctx context.Context, obs journal.Observation) (uint64, error)
}

// Deps are the stores and instrumentation a Service is built on. The
// caller owns the stores and closes them after the service.
type Deps struct {
	Journal  Journal
	Archive  *clutter.ArchiveLog
	Gate     *review.Gate
	Registry *patterns.Registry
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Meter    metric.Meter
}

// Config tunes the service and the engines it builds.
type Config struct {
	// SnapshotPath is where the graph snapshot is read on start and written
	// after each compaction. Empty disables snapshots.
	SnapshotPath string

	GraphOptions []graph.Option
	Clutter      clutter.Config
	Patterns     patterns.Config

	// SubmitProposals queues new candidates for review during Reflect.
	SubmitProposals bool

	Now func() time.Time
}

// DefaultConfig returns the standard tuning without snapshots.
func DefaultConfig() Config {
	return Config{
		Clutter:         clutter.DefaultConfig(),
		Patterns:        patterns.DefaultConfig(),
		SubmitProposals: true,
		Now:             time.Now,
	}
}

// Service coordinates the journal, graph, engines and review gate.
type Service struct {
	journal   Journal
	archive   *clutter.ArchiveLog
	gate      *review.Gate
	graph     *graph.Graph
	engine    *clutter.Engine
	extractor *patterns.Extractor
	compiler  *insights.Compiler

	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics

	// mu serializes journal appends with graph ingestion so nodes enter
	// the graph in sequence order.
	mu         sync.Mutex
	reflecting atomic.Bool
	bootstrap  BootstrapInfo
}

// New restores the graph from the journal and builds the service.
func New(ctx context.Context, deps Deps, cfg Config) (*Service, error) {
	if deps.Journal == nil {
		return nil, fmt.Errorf("journal cannot be nil")
	}
	if deps.Archive == nil {
		return nil, fmt.Errorf("archive cannot be nil")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("review gate cannot be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.Registry == nil {
		deps.Registry = patterns.DefaultRegistry()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(InstrumentationName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	g, info, err := Bootstrap(ctx, deps.Journal, deps.Archive, cfg.SnapshotPath, deps.Logger.Named("bootstrap"), cfg.GraphOptions...)
	if err != nil {
		return nil, err
	}

	engine, err := clutter.NewEngine(g, deps.Journal, deps.Archive, deps.Logger.Named("clutter"),
		clutter.WithConfig(cfg.Clutter),
		clutter.WithClock(cfg.Now))
	if err != nil {
		return nil, err
	}

	extractor, err := patterns.NewExtractor(deps.Registry, deps.Logger.Named("patterns"), patterns.WithConfig(cfg.Patterns))
	if err != nil {
		return nil, err
	}

	compiler, err := insights.NewCompiler(deps.Gate)
	if err != nil {
		return nil, err
	}

	return &Service{
		journal:   deps.Journal,
		archive:   deps.Archive,
		gate:      deps.Gate,
		graph:     g,
		engine:    engine,
		extractor: extractor,
		compiler:  compiler,
		cfg:       cfg,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
		metrics:   NewMetrics(deps.Meter, deps.Logger),
		bootstrap: info,
	}, nil
}

// Observe appends obs to the journal and links it into the graph. The
// journal append is the commit point: a graph failure afterwards is logged
// and repaired by the next catch-up.
func (s *Service) Observe(ctx context.Context, obs journal.Observation) (uint64, error) {
	ctx, span := s.tracer.Start(ctx, "field.observe",
		trace.WithAttributes(attribute.String("operation_type", obs.OperationType)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.journal.Observe(ctx, obs)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	obs.SequenceID = seq
	span.SetAttributes(attribute.Int64("sequence_id", int64(seq)))

	stored, err := s.journal.Get(ctx, seq)
	if err != nil {
		s.logger.Warn("re-reading observation failed, graph will catch up later",
			append(logging.ContextFields(ctx), zap.Uint64("sequence_id", seq), zap.Error(err))...)
	} else if _, err := s.graph.AddNode(stored); err != nil && !errors.Is(err, graph.ErrStaleSequence) {
		s.logger.Warn("linking observation failed, graph will catch up later",
			append(logging.ContextFields(ctx), zap.Uint64("sequence_id", seq), zap.Error(err))...)
	}

	s.metrics.recordObservation(ctx, obs)
	return seq, nil
}

// Observation returns the journal record with sequence id seq.
func (s *Service) Observation(ctx context.Context, seq uint64) (journal.Observation, error) {
	return s.journal.Get(ctx, seq)
}

// catchUp ingests journal records beyond the graph watermark.
func (s *Service) catchUp(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Ingest(ctx, s.journal)
}

// Compact catches the graph up with the journal, runs one compaction pass
// and saves the snapshot. A pass skipped because another is running
// returns the skipped result without saving.
func (s *Service) Compact(ctx context.Context) (*clutter.Result, error) {
	ctx, span := s.tracer.Start(ctx, "field.compact")
	defer span.End()

	if _, err := s.catchUp(ctx); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	res, err := s.engine.Compact(ctx, s.cfg.Now())
	if res != nil {
		span.SetAttributes(
			attribute.Bool("skipped", res.Skipped),
			attribute.Int("archived_nodes", res.ArchivedNodes),
			attribute.Int("removed_edges", res.RemovedEdges),
		)
		if !res.Skipped {
			s.metrics.recordCompaction(ctx, res.Duration.Seconds(), res.ArchivedNodes)
		}
	}
	if err != nil {
		recordSpanError(span, err)
		return res, err
	}
	if res.Skipped {
		return res, nil
	}

	if s.cfg.SnapshotPath != "" {
		if err := s.graph.SaveSnapshot(s.cfg.SnapshotPath); err != nil {
			recordSpanError(span, err)
			return res, fmt.Errorf("saving graph snapshot: %w", err)
		}
	}
	return res, nil
}

// ReflectResult summarizes one reflection pass.
type ReflectResult struct {
	Skipped      bool                 `json:"skipped"`
	Compaction   *clutter.Result      `json:"compaction,omitempty"`
	Observations int                  `json:"observations"`
	Groups       int                  `json:"groups"`
	Candidates   []patterns.Candidate `json:"candidates"`
	Submitted    []review.Proposal    `json:"submitted"`
	// Known counts candidates whose fingerprint was already proposed.
	Known int `json:"known"`
	// AwaitingReview counts candidates held back because a pending proposal
	// already covers the same pattern and target.
	AwaitingReview int `json:"awaiting_review"`
}

// Reflect compacts the graph, extracts candidate patterns from the journal
// and submits the unseen ones for review. A call made while another
// reflection runs returns a skipped result.
func (s *Service) Reflect(ctx context.Context) (*ReflectResult, error) {
	if !s.reflecting.CompareAndSwap(false, true) {
		return &ReflectResult{Skipped: true}, nil
	}
	defer s.reflecting.Store(false)

	ctx = logging.WithOperation(ctx, "reflect")
	ctx, span := s.tracer.Start(ctx, "field.reflect")
	defer span.End()

	res := &ReflectResult{Candidates: []patterns.Candidate{}, Submitted: []review.Proposal{}}

	compaction, err := s.Compact(ctx)
	res.Compaction = compaction
	if err != nil {
		recordSpanError(span, err)
		return res, fmt.Errorf("compaction: %w", err)
	}

	extraction, err := s.extractor.Extract(ctx, s.journal)
	if err != nil {
		recordSpanError(span, err)
		return res, err
	}
	res.Observations = extraction.Observations
	res.Groups = extraction.Groups

	for _, c := range extraction.Candidates {
		if s.gate.HasFingerprint(c.Fingerprint) {
			res.Known++
			continue
		}
		if _, pending := s.gate.PendingFor(c.PatternType, c.TargetComponent); pending {
			res.AwaitingReview++
			continue
		}
		res.Candidates = append(res.Candidates, c)
		if !s.cfg.SubmitProposals {
			continue
		}
		p := review.FromCandidate(c)
		if err := s.gate.Submit(ctx, p); err != nil {
			recordSpanError(span, err)
			return res, fmt.Errorf("submitting proposal for %s: %w", c.TargetComponent, err)
		}
		s.metrics.recordSubmitted(ctx, p.PatternType)
		res.Submitted = append(res.Submitted, *p)
	}

	span.SetAttributes(
		attribute.Int("observations", res.Observations),
		attribute.Int("candidates", len(res.Candidates)),
		attribute.Int("submitted", len(res.Submitted)),
	)
	s.logger.Info("reflection finished",
		append(logging.ContextFields(ctx),
			zap.Int("observations", res.Observations),
			zap.Int("groups", res.Groups),
			zap.Int("candidates", len(res.Candidates)),
			zap.Int("submitted", len(res.Submitted)),
			zap.Int("known", res.Known),
			zap.Int("awaiting_review", res.AwaitingReview))...)
	return res, nil
}

// Health combines the graph health report with journal and review state.
type Health struct {
	clutter.HealthReport
	JournalLength  uint64                `json:"journal_length"`
	GraphWatermark uint64                `json:"graph_watermark"`
	Proposals      map[review.Status]int `json:"proposals"`
	Reflecting     bool                  `json:"reflecting"`
	Compacting     bool                  `json:"compacting"`
}

// Health reports the current state of the field.
func (s *Service) Health() Health {
	return Health{
		HealthReport:   s.engine.Health(),
		JournalLength:  s.journal.Len(),
		GraphWatermark: s.graph.Watermark(),
		Proposals:      s.gate.Counts(),
		Reflecting:     s.reflecting.Load(),
		Compacting:     s.engine.Running(),
	}
}

// CompileInsights returns approved configuration per target component.
func (s *Service) CompileInsights(ctx context.Context) map[string]insights.Insight {
	return s.compiler.Compile(ctx)
}

// InsightMap returns compiled insights as plain nested maps.
func (s *Service) InsightMap(ctx context.Context) map[string]map[string]any {
	return s.compiler.Nested(ctx)
}

// Proposals lists proposals with status, or all of them when status is
// empty.
func (s *Service) Proposals(status review.Status) ([]review.Proposal, error) {
	if status != "" && !status.Valid() {
		return nil, fielderr.Invalid("status", "unknown status %q", status)
	}
	return s.gate.List(status), nil
}

// Proposal returns one proposal by id.
func (s *Service) Proposal(id string) (*review.Proposal, error) {
	return s.gate.Get(id)
}

// Approve records an approval decision.
func (s *Service) Approve(ctx context.Context, id string, d review.Decision) (*review.Proposal, error) {
	return s.decide(ctx, review.StatusApproved, id, d, s.gate.Approve)
}

// Reject records a rejection decision.
func (s *Service) Reject(ctx context.Context, id string, d review.Decision) (*review.Proposal, error) {
	return s.decide(ctx, review.StatusRejected, id, d, s.gate.Reject)
}

type decideFunc func(ctx context.Context, id string, d review.Decision) (*review.Proposal, error)

func (s *Service) decide(ctx context.Context, status review.Status, id string, d review.Decision, fn decideFunc) (*review.Proposal, error) {
	ctx = logging.WithReviewer(ctx, d.ReviewedBy)
	ctx, span := s.tracer.Start(ctx, "field.decide", trace.WithAttributes(
		attribute.String("proposal_id", id),
		attribute.String("status", string(status)),
	))
	defer span.End()

	p, err := fn(ctx, id, d)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	s.metrics.recordDecision(ctx, status)
	s.logger.Info("proposal decided",
		append(logging.ContextFields(ctx),
			zap.String("proposal_id", id),
			zap.String("status", string(status)),
			zap.String("target_component", p.TargetComponent))...)
	return p, nil
}

// DecisionHistory returns every recorded decision, oldest first.
func (s *Service) DecisionHistory(ctx context.Context) ([]review.AuditEntry, error) {
	return s.gate.DecisionHistory(ctx)
}

// Graph returns the live graph.
func (s *Service) Graph() *graph.Graph { return s.graph }

// Engine returns the clutter engine.
func (s *Service) Engine() *clutter.Engine { return s.engine }

// BootstrapInfo reports how the graph was restored on start.
func (s *Service) BootstrapInfo() BootstrapInfo { return s.bootstrap }

// Close writes a final snapshot. The stores stay open.
func (s *Service) Close() error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.graph.SaveSnapshot(s.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("saving graph snapshot: %w", err)
	}
	return nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
