// Package graph implements the relationship graph: a derived, rebuildable
// similarity index over journal observations.
//
// The graph is purely a cache. Replaying the journal through AddNode and
// dropping archived ids reproduces it, which is the recovery path whenever a
// snapshot is missing or corrupt.
package graph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

// Defaults for similarity linking.
const (
	DefaultWindow        = 10
	DefaultEdgeThreshold = 0.7

	sameTypeScore       = 0.5
	contextOverlapScore = 0.3
)

// Errors returned by Graph.
var (
	ErrStaleSequence = errors.New("observation is at or below the graph watermark")
	ErrInvalidWeight = errors.New("edge weight must be within [0,1]")
	ErrUnknownNode   = errors.New("unknown node")
)

// Graph is safe for concurrent use. Every method is atomic with respect to
// the others; accessors return copies.
type Graph struct {
	window    int
	threshold float64
	now       func() time.Time

	mu            sync.RWMutex
	nodes         map[NodeID]*Node
	edges         map[uint64]*Edge
	adj           map[NodeID]map[uint64]struct{}
	recent        []NodeID
	metaByCluster map[string]NodeID
	watermark     uint64
	nextEdgeID    uint64
	nextMetaID    NodeID
}

// Option configures a Graph.
type Option func(*Graph)

// WithWindow sets how many recent observations a new node is compared to.
func WithWindow(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.window = n
		}
	}
}

// WithEdgeThreshold sets the similarity score an edge must exceed.
func WithEdgeThreshold(t float64) Option {
	return func(g *Graph) {
		g.threshold = t
	}
}

// WithClock sets the clock used when an observation timestamp is unparsable.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		g.now = now
	}
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		window:    DefaultWindow,
		threshold: DefaultEdgeThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.reset()
	return g
}

func (g *Graph) reset() {
	g.nodes = make(map[NodeID]*Node)
	g.edges = make(map[uint64]*Edge)
	g.adj = make(map[NodeID]map[uint64]struct{})
	g.metaByCluster = make(map[string]NodeID)
	g.recent = nil
	g.watermark = 0
	g.nextEdgeID = 1
	g.nextMetaID = -1
}

// SimilarityScore scores two observations in [0,1]: 0.5 when their
// operation types match, plus up to 0.3 for the share of context keys they
// have in common. Observations of different types always score 0.
func SimilarityScore(a, b journal.Observation) float64 {
	if a.OperationType != b.OperationType {
		return 0
	}
	return score(contextKeySet(a.Context), contextKeySet(b.Context))
}

func similarity(a, b *Node) float64 {
	if a.OperationType != b.OperationType {
		return 0
	}
	return score(stringKeySet(a.Context), stringKeySet(b.Context))
}

func score(a, b map[string]struct{}) float64 {
	s := sameTypeScore
	union := len(a)
	shared := 0
	for k := range b {
		if _, ok := a[k]; ok {
			shared++
		} else {
			union++
		}
	}
	if union > 0 {
		s += contextOverlapScore * float64(shared) / float64(union)
	}
	return math.Max(0, math.Min(1, s))
}

func contextKeySet(m map[string]any) map[string]struct{} {
	set := make(map[string]struct{}, len(m))
	for k := range m {
		set[k] = struct{}{}
	}
	return set
}

func stringKeySet(m map[string]string) map[string]struct{} {
	set := make(map[string]struct{}, len(m))
	for k := range m {
		set[k] = struct{}{}
	}
	return set
}

// AddNode inserts an observation node and links it to similar nodes among
// the last window observations. It returns the edges created.
func (g *Graph) AddNode(obs journal.Observation) ([]Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if obs.SequenceID < g.watermark {
		return nil, fmt.Errorf("%w: sequence %d, watermark %d", ErrStaleSequence, obs.SequenceID, g.watermark)
	}

	node := g.newObservationNode(obs)
	var created []Edge
	for _, rid := range g.recent {
		prev, ok := g.nodes[rid]
		if !ok {
			continue
		}
		if s := similarity(node, prev); s > g.threshold {
			e := g.addEdgeLocked(node.ID, prev.ID, s, RelationSimilarContext, node.CreatedAt)
			created = append(created, *e)
		}
	}

	g.nodes[node.ID] = node
	g.recent = append(g.recent, node.ID)
	if len(g.recent) > g.window {
		g.recent = g.recent[len(g.recent)-g.window:]
	}
	g.watermark = obs.SequenceID + 1
	return created, nil
}

func (g *Graph) newObservationNode(obs journal.Observation) *Node {
	created, ok := obs.Time()
	if !ok {
		created = g.now().UTC()
	}
	ctx := make(map[string]string, len(obs.Context))
	for k := range obs.Context {
		v, _ := obs.ContextValue(k)
		ctx[k] = v
	}
	return &Node{
		ID:            ObservationNodeID(obs.SequenceID),
		OperationType: obs.OperationType,
		Outcome:       obs.Outcome,
		Timestamp:     obs.Timestamp,
		Context:       ctx,
		CreatedAt:     created,
	}
}

func (g *Graph) addEdgeLocked(from, to NodeID, weight float64, rel Relation, at time.Time) *Edge {
	e := &Edge{
		ID:             g.nextEdgeID,
		From:           from,
		To:             to,
		Weight:         weight,
		OriginalWeight: weight,
		Relation:       rel,
		CreatedAt:      at,
	}
	g.nextEdgeID++
	g.edges[e.ID] = e
	g.link(from, e.ID)
	g.link(to, e.ID)
	return e
}

func (g *Graph) link(id NodeID, edgeID uint64) {
	set, ok := g.adj[id]
	if !ok {
		set = make(map[uint64]struct{})
		g.adj[id] = set
	}
	set[edgeID] = struct{}{}
}

func (g *Graph) unlinkEdgeLocked(e *Edge) {
	delete(g.edges, e.ID)
	for _, id := range []NodeID{e.From, e.To} {
		if set, ok := g.adj[id]; ok {
			delete(set, e.ID)
			if len(set) == 0 {
				delete(g.adj, id)
			}
		}
	}
}

// RemoveNode detaches a node and every incident edge. The journal is never
// touched; writing the archive record is the caller's job.
func (g *Graph) RemoveNode(id NodeID) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeNodeLocked(id)
}

func (g *Graph) removeNodeLocked(id NodeID) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	for eid := range g.adj[id] {
		if e, ok := g.edges[eid]; ok {
			g.unlinkEdgeLocked(e)
		}
	}
	delete(g.adj, id)
	delete(g.nodes, id)
	if n.Meta {
		delete(g.metaByCluster, n.ClusterKey)
		return n.clone(), true
	}
	for _, metaID := range g.metaByCluster {
		meta := g.nodes[metaID]
		if i := slices.Index(meta.Constituents, id); i >= 0 {
			meta.Constituents = slices.Delete(meta.Constituents, i, i+1)
		}
	}
	return n.clone(), true
}

// RemoveArchived drops every observation node for which archived reports
// true and returns the removed ids.
func (g *Graph) RemoveArchived(archived func(seq uint64) bool) []NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []NodeID
	for id, n := range g.nodes {
		seq, ok := n.Sequence()
		if ok && archived(seq) {
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	for _, id := range removed {
		g.removeNodeLocked(id)
	}
	return removed
}

// AddMetaNode links a meta-pattern node for clusterKey to every constituent
// with the given weight. When the cluster already has a meta node only the
// missing links are added, so repeated consolidation is idempotent.
func (g *Graph) AddMetaNode(clusterKey, operationType string, constituents []NodeID, weight float64, at time.Time) (Node, []Edge, error) {
	if weight < 0 || weight > 1 || math.IsNaN(weight) {
		return Node{}, nil, fmt.Errorf("%w: %v", ErrInvalidWeight, weight)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var meta *Node
	if id, ok := g.metaByCluster[clusterKey]; ok {
		meta = g.nodes[id]
	} else {
		meta = &Node{
			ID:            g.nextMetaID,
			OperationType: operationType,
			Outcome:       journal.OutcomeSuccess,
			Timestamp:     at.UTC().Format(journal.TimestampLayout),
			CreatedAt:     at,
			Meta:          true,
			ClusterKey:    clusterKey,
		}
		g.nextMetaID--
		g.nodes[meta.ID] = meta
		g.metaByCluster[clusterKey] = meta.ID
	}

	var created []Edge
	for _, c := range constituents {
		if _, ok := g.nodes[c]; !ok || c == meta.ID {
			continue
		}
		if slices.Contains(meta.Constituents, c) {
			continue
		}
		meta.Constituents = append(meta.Constituents, c)
		e := g.addEdgeLocked(meta.ID, c, weight, RelationConsolidates, at)
		created = append(created, *e)
	}
	slices.Sort(meta.Constituents)
	return meta.clone(), created, nil
}

// AddEdge links two live nodes directly. Similarity edges are normally
// created by AddNode; this is for operator repairs and imports.
func (g *Graph) AddEdge(from, to NodeID, weight float64, rel Relation, at time.Time) (Edge, error) {
	if weight < 0 || weight > 1 || math.IsNaN(weight) {
		return Edge{}, fmt.Errorf("%w: %v", ErrInvalidWeight, weight)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return Edge{}, fmt.Errorf("%w: %d", ErrUnknownNode, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return Edge{}, fmt.Errorf("%w: %d", ErrUnknownNode, to)
	}
	return *g.addEdgeLocked(from, to, weight, rel, at), nil
}

// MetaNode returns the meta-pattern node for clusterKey.
func (g *Graph) MetaNode(clusterKey string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.metaByCluster[clusterKey]
	if !ok {
		return Node{}, false
	}
	return g.nodes[id].clone(), true
}

// UpdateEdges calls fn for every edge under the write lock. fn may change
// Weight and must not retain the pointer. It returns how many edges fn
// reported as changed.
func (g *Graph) UpdateEdges(fn func(e *Edge, from, to Node) bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := 0
	for _, id := range g.sortedEdgeIDsLocked() {
		e := g.edges[id]
		from, to := g.nodes[e.From], g.nodes[e.To]
		if from == nil || to == nil {
			continue
		}
		if fn(e, *from, *to) {
			changed++
		}
	}
	return changed
}

// RemoveEdges deletes the given edges and returns the ones that existed.
func (g *Graph) RemoveEdges(ids ...uint64) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := make([]Edge, 0, len(ids))
	for _, id := range ids {
		if e, ok := g.edges[id]; ok {
			g.unlinkEdgeLocked(e)
			removed = append(removed, *e)
		}
	}
	return removed
}

// Node returns a copy of the node with id.
func (g *Graph) Node(id NodeID) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// HasNode reports whether id is a live node.
func (g *Graph) HasNode(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns copies of all nodes ordered by id.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.clone())
	}
	slices.SortFunc(out, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Edges returns copies of all edges ordered by id.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Edge, 0, len(g.edges))
	for _, id := range g.sortedEdgeIDsLocked() {
		out = append(out, *g.edges[id])
	}
	return out
}

// EdgesOf returns copies of the edges incident to id.
func (g *Graph) EdgesOf(id NodeID) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Edge, 0, len(g.adj[id]))
	for eid := range g.adj[id] {
		out = append(out, *g.edges[eid])
	}
	slices.SortFunc(out, func(a, b Edge) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Degree returns the number of edges incident to id.
func (g *Graph) Degree(id NodeID) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adj[id])
}

// NodeCount returns the number of live nodes, meta-pattern nodes included.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of live edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Watermark returns one past the highest sequence id ingested.
func (g *Graph) Watermark() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.watermark
}

// Ingest adds every journal observation at or beyond the watermark and
// returns how many nodes were added.
func (g *Graph) Ingest(ctx context.Context, r journal.Reader) (int, error) {
	added := 0
	for obs, err := range r.Scan(ctx, journal.Filter{FromSequence: g.Watermark()}) {
		if err != nil {
			return added, fmt.Errorf("ingesting journal: %w", err)
		}
		if _, err := g.AddNode(obs); err != nil {
			if errors.Is(err, ErrStaleSequence) {
				continue
			}
			return added, err
		}
		added++
	}
	return added, nil
}

// Rebuild replays the journal into a fresh graph and drops archived
// observations.
func Rebuild(ctx context.Context, r journal.Reader, archived func(seq uint64) bool, opts ...Option) (*Graph, error) {
	g := New(opts...)
	if _, err := g.Ingest(ctx, r); err != nil {
		return nil, fmt.Errorf("rebuilding graph: %w", err)
	}
	if archived != nil {
		g.RemoveArchived(archived)
	}
	return g, nil
}

func (g *Graph) sortedEdgeIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
