// Package clutter keeps the relationship graph's signal-to-noise ratio
// bounded. A compaction pass decays edge weights, removes clutter edges,
// archives clutter nodes, consolidates success clusters into meta-pattern
// nodes, reinforces success-success edges and finally checks integrity
// against the journal.
//
// Each step is individually atomic on the graph. A pass interrupted halfway
// leaves a consistent graph; the next pass recomputes decay from each edge's
// original weight, so repeated passes converge.
package clutter

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/fielderr"
	"github.com/fyrsmithlabs/goatfield/internal/graph"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

const (
	reasonLowConnectivity = "low_connectivity"
	maxViolations         = 100
)

// Engine runs decay and clutter repair over a graph.
type Engine struct {
	graph   *graph.Graph
	journal journal.Reader
	archive *ArchiveLog
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time

	running atomic.Bool

	mu         sync.RWMutex
	lastRepair time.Time
	lastResult Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default tuning.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithClock sets the clock used by Health.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine over g, checking integrity against j and
// archiving to archive.
func NewEngine(g *graph.Graph, j journal.Reader, archive *ArchiveLog, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	if j == nil {
		return nil, fmt.Errorf("journal cannot be nil")
	}
	if archive == nil {
		return nil, fmt.Errorf("archive cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	e := &Engine{
		graph:   g,
		journal: j,
		archive: archive,
		logger:  logger,
		cfg:     DefaultConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid clutter config: %w", err)
	}
	return e, nil
}

// Result summarizes one compaction pass.
type Result struct {
	Skipped              bool          `json:"skipped"`
	StartedAt            time.Time     `json:"started_at"`
	Duration             time.Duration `json:"duration"`
	DecayedEdges         int           `json:"decayed_edges"`
	RemovedEdges         int           `json:"removed_edges"`
	DuplicateEdges       int           `json:"duplicate_edges"`
	ArchivedNodes        int           `json:"archived_nodes"`
	ConsolidatedClusters int           `json:"consolidated_clusters"`
	MetaEdgesAdded       int           `json:"meta_edges_added"`
	ReinforcedEdges      int           `json:"reinforced_edges"`
	Anomalies            int           `json:"anomalies"`
}

// Report lists the clutter found in the graph at one instant.
type Report struct {
	// Edges holds low-weight edges followed by duplicate edges.
	Edges          []graph.Edge
	LowWeightEdges int
	DuplicateEdges int

	// Nodes holds clutter nodes with their degree over non-clutter edges.
	Nodes   []graph.Node
	Degrees map[graph.NodeID]int
}

// ApplyEdgeDecay recomputes every similarity edge weight from its original
// weight and age at now. Consolidation edges do not decay. Calling it twice
// with the same now yields the same weights as calling it once.
func (e *Engine) ApplyEdgeDecay(now time.Time) int {
	halfLifeDays := e.cfg.HalfLife.Hours() / 24
	return e.graph.UpdateEdges(func(edge *graph.Edge, _, _ graph.Node) bool {
		if edge.Relation == graph.RelationConsolidates {
			return false
		}
		ageDays := max(0, now.Sub(edge.CreatedAt).Hours()/24)
		w := math.Max(e.cfg.DecayFloor, edge.OriginalWeight*math.Pow(0.5, ageDays/halfLifeDays))
		if w == edge.Weight {
			return false
		}
		edge.Weight = w
		return true
	})
}

// DetectClutter finds clutter edges and nodes without changing the graph.
//
// Edges below the clutter threshold are clutter, as is every edge between
// an already linked node pair except the heaviest one. Node degree is then
// counted over the remaining edges; a non-meta node is clutter when its
// degree is below the minimum, it is older than the minimum age, and its
// outcome is not failure.
func (e *Engine) DetectClutter(now time.Time) Report {
	edges := e.graph.Edges()
	clutter := make(map[uint64]bool)
	var r Report

	for _, edge := range edges {
		if edge.Weight < e.cfg.ClutterThreshold {
			clutter[edge.ID] = true
			r.Edges = append(r.Edges, edge)
			r.LowWeightEdges++
		}
	}

	byPair := make(map[[2]graph.NodeID][]graph.Edge)
	for _, edge := range edges {
		if !clutter[edge.ID] {
			byPair[edge.Pair()] = append(byPair[edge.Pair()], edge)
		}
	}
	for _, group := range byPair {
		if len(group) < 2 {
			continue
		}
		slices.SortFunc(group, func(a, b graph.Edge) int {
			if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		for _, dup := range group[1:] {
			clutter[dup.ID] = true
			r.Edges = append(r.Edges, dup)
			r.DuplicateEdges++
		}
	}
	slices.SortFunc(r.Edges[r.LowWeightEdges:], func(a, b graph.Edge) int { return cmp.Compare(a.ID, b.ID) })

	r.Degrees = make(map[graph.NodeID]int)
	for _, edge := range edges {
		if clutter[edge.ID] {
			continue
		}
		r.Degrees[edge.From]++
		r.Degrees[edge.To]++
	}

	for _, n := range e.graph.Nodes() {
		if e.isClutterNode(n, r.Degrees[n.ID], now) {
			r.Nodes = append(r.Nodes, n)
		}
	}
	return r
}

func (e *Engine) isClutterNode(n graph.Node, degree int, now time.Time) bool {
	if n.Meta || n.Outcome == journal.OutcomeFailure {
		return false
	}
	return degree < e.cfg.MinNodeDegree && now.Sub(n.CreatedAt) > e.cfg.MinNodeAge
}

// Compact runs one full pass: decay, clutter detection, repair,
// consolidation, reinforcement and the integrity check. A call made while
// another pass is running returns a skipped result immediately.
//
// Per-node anomalies during repair are logged and skipped. An integrity
// violation stops the pass and is returned as *fielderr.IntegrityError.
func (e *Engine) Compact(ctx context.Context, now time.Time) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("compaction already running, skipping")
		return &Result{Skipped: true, StartedAt: now}, nil
	}
	defer e.running.Store(false)

	start := time.Now()
	res := &Result{StartedAt: now}

	res.DecayedEdges = e.ApplyEdgeDecay(now)

	report := e.DetectClutter(now)
	ids := make([]uint64, len(report.Edges))
	for i, edge := range report.Edges {
		ids[i] = edge.ID
	}
	res.RemovedEdges = len(e.graph.RemoveEdges(ids...))
	res.DuplicateEdges = report.DuplicateEdges

	for _, n := range report.Nodes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		archived, err := e.archiveNode(n, now)
		if err != nil {
			res.Anomalies++
			e.logger.Warn("failed to archive clutter node",
				zap.Int64("node_id", int64(n.ID)),
				zap.Error(err))
			continue
		}
		if archived {
			res.ArchivedNodes++
		}
	}

	clusters, metaEdges := e.Consolidate(now)
	res.ConsolidatedClusters = clusters
	res.MetaEdgesAdded = metaEdges

	res.ReinforcedEdges = e.Reinforce()

	if err := e.CheckIntegrity(ctx); err != nil {
		res.Duration = time.Since(start)
		e.logger.Error("graph integrity check failed", zap.Error(err))
		return res, err
	}

	res.Duration = time.Since(start)
	e.mu.Lock()
	e.lastRepair = now
	e.lastResult = *res
	e.mu.Unlock()

	e.logger.Info("compaction complete",
		zap.Int("decayed_edges", res.DecayedEdges),
		zap.Int("removed_edges", res.RemovedEdges),
		zap.Int("archived_nodes", res.ArchivedNodes),
		zap.Int("consolidated_clusters", res.ConsolidatedClusters),
		zap.Int("reinforced_edges", res.ReinforcedEdges),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// archiveNode writes the archive record before removing n from the graph.
// It re-checks the live degree, since observations may have linked to the
// node after detection.
func (e *Engine) archiveNode(n graph.Node, now time.Time) (bool, error) {
	seq, ok := n.Sequence()
	if !ok {
		return false, fmt.Errorf("node %d is not an observation node", n.ID)
	}
	degree := e.graph.Degree(n.ID)
	if degree >= e.cfg.MinNodeDegree {
		return false, nil
	}
	if !e.graph.HasNode(n.ID) {
		return false, nil
	}

	rec := ArchiveRecord{
		SequenceID:    seq,
		OperationType: n.OperationType,
		Outcome:       n.Outcome,
		Timestamp:     n.Timestamp,
		Degree:        degree,
		AgeDays:       now.Sub(n.CreatedAt).Hours() / 24,
		Reason:        reasonLowConnectivity,
		ArchivedAt:    now,
	}
	if err := e.archive.Append(rec); err != nil {
		return false, err
	}
	_, removed := e.graph.RemoveNode(n.ID)
	return removed, nil
}

// Consolidate links every success cluster of at least ClusterMinSize nodes
// sharing operation type and primary context key to a meta-pattern node. It
// returns the number of clusters that gained links and the links added.
func (e *Engine) Consolidate(now time.Time) (clusters, edges int) {
	type cluster struct {
		op      string
		members []graph.NodeID
	}
	groups := make(map[string]*cluster)

	for _, n := range e.graph.Nodes() {
		if n.Meta || n.Outcome != journal.OutcomeSuccess {
			continue
		}
		disc, _ := n.Discriminator(e.cfg.DiscriminatorKeys)
		key := n.OperationType + "|" + disc
		c, ok := groups[key]
		if !ok {
			c = &cluster{op: n.OperationType}
			groups[key] = c
		}
		c.members = append(c.members, n.ID)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		c := groups[key]
		if len(c.members) < e.cfg.ClusterMinSize {
			continue
		}
		meta, added, err := e.graph.AddMetaNode(key, c.op, c.members, e.cfg.MetaEdgeWeight, now)
		if err != nil {
			e.logger.Warn("failed to consolidate cluster", zap.String("cluster", key), zap.Error(err))
			continue
		}
		if len(added) > 0 {
			clusters++
			edges += len(added)
			e.logger.Debug("consolidated cluster",
				zap.String("cluster", key),
				zap.Int64("meta_node", int64(meta.ID)),
				zap.Int("constituents", len(meta.Constituents)))
		}
	}
	return clusters, edges
}

// Reinforce boosts similarity edges whose endpoints both succeeded, capped
// at ReinforceCap. It changes the current weight only; the next decay
// recomputes from the original weight.
func (e *Engine) Reinforce() int {
	return e.graph.UpdateEdges(func(edge *graph.Edge, from, to graph.Node) bool {
		if edge.Relation != graph.RelationSimilarContext {
			return false
		}
		if from.Outcome != journal.OutcomeSuccess || to.Outcome != journal.OutcomeSuccess {
			return false
		}
		w := math.Min(e.cfg.ReinforceCap, edge.Weight*e.cfg.ReinforceFactor)
		if w <= edge.Weight {
			return false
		}
		edge.Weight = w
		return true
	})
}

// CheckIntegrity verifies that every journal sequence id below the graph
// watermark is a live node or archived, that every observation node exists
// in the journal, and that every edge weight is a number within [0,1].
func (e *Engine) CheckIntegrity(ctx context.Context) error {
	var violations []string
	add := func(format string, args ...any) {
		if len(violations) < maxViolations {
			violations = append(violations, fmt.Sprintf(format, args...))
		}
	}

	watermark := e.graph.Watermark()
	journalLen := e.journal.Len()
	if watermark > journalLen {
		add("graph watermark %d is beyond journal length %d", watermark, journalLen)
	}

	live := make(map[graph.NodeID]struct{})
	for _, n := range e.graph.Nodes() {
		live[n.ID] = struct{}{}
		if seq, ok := n.Sequence(); ok && seq >= journalLen {
			add("graph node %d has no journal record", seq)
		}
	}

	for seq := uint64(0); seq < watermark; seq++ {
		if seq%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if _, ok := live[graph.ObservationNodeID(seq)]; ok {
			continue
		}
		if !e.archive.Contains(seq) {
			add("sequence %d is neither in the graph nor archived", seq)
		}
	}

	for _, n := range e.graph.Nodes() {
		if !n.Meta {
			continue
		}
		for _, c := range n.Constituents {
			if _, ok := live[c]; !ok {
				add("meta node %s lists removed constituent %d", n.ClusterKey, c)
			}
		}
	}

	for _, edge := range e.graph.Edges() {
		if !validWeight(edge.Weight) {
			add("edge %d has weight %v", edge.ID, edge.Weight)
		}
		if !validWeight(edge.OriginalWeight) {
			add("edge %d has original weight %v", edge.ID, edge.OriginalWeight)
		}
	}

	if len(violations) > 0 {
		return &fielderr.IntegrityError{Violations: violations}
	}
	return nil
}

func validWeight(w float64) bool {
	return !math.IsNaN(w) && w >= 0 && w <= 1
}

// Running reports whether a compaction pass is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Config returns the engine tuning.
func (e *Engine) Config() Config {
	return e.cfg
}
