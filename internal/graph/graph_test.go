package graph

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

var testHash = strings.Repeat("0f", 32)

func observation(seq uint64, op string, ctx map[string]any) journal.Observation {
	return journal.Observation{
		SequenceID:    seq,
		Timestamp:     time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC).Format(time.RFC3339),
		OperationType: op,
		InputsHash:    testHash,
		Outcome:       journal.OutcomeSuccess,
		Context:       ctx,
	}
}

func csvContext() map[string]any {
	return map[string]any{"file_type": "csv", "worker_id": "w1"}
}

func TestSimilarityScore(t *testing.T) {
	tests := []struct {
		name string
		a, b journal.Observation
		want float64
	}{
		{
			name: "different operation types",
			a:    observation(0, "distillation", csvContext()),
			b:    observation(1, "worker_session", csvContext()),
			want: 0,
		},
		{
			name: "same type identical keys",
			a:    observation(0, "distillation", csvContext()),
			b:    observation(1, "distillation", map[string]any{"file_type": "pdf", "worker_id": "w9"}),
			want: 0.8,
		},
		{
			name: "same type partial overlap",
			a:    observation(0, "distillation", map[string]any{"a": 1, "b": 2}),
			b:    observation(1, "distillation", map[string]any{"a": 1, "c": 3}),
			want: 0.6,
		},
		{
			name: "same type no context",
			a:    observation(0, "distillation", nil),
			b:    observation(1, "distillation", nil),
			want: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SimilarityScore(tt.a, tt.b)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.InDelta(t, got, SimilarityScore(tt.b, tt.a), 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestGraph_AddNodeLinksWithinWindow(t *testing.T) {
	g := New()

	for seq := uint64(0); seq < 12; seq++ {
		_, err := g.AddNode(observation(seq, "distillation", csvContext()))
		require.NoError(t, err)
	}

	edges := g.EdgesOf(11)
	require.Len(t, edges, DefaultWindow)
	for _, e := range edges {
		assert.Equal(t, NodeID(11), e.From)
		assert.GreaterOrEqual(t, e.To, NodeID(1))
		assert.InDelta(t, 0.8, e.Weight, 1e-9)
		assert.Equal(t, e.Weight, e.OriginalWeight)
		assert.Equal(t, RelationSimilarContext, e.Relation)
	}
	assert.Equal(t, uint64(12), g.Watermark())
}

func TestGraph_AddNodeBelowThreshold(t *testing.T) {
	g := New()

	_, err := g.AddNode(observation(0, "distillation", map[string]any{"a": 1, "b": 2}))
	require.NoError(t, err)
	created, err := g.AddNode(observation(1, "distillation", map[string]any{"a": 1, "c": 2}))
	require.NoError(t, err)
	assert.Empty(t, created)

	created, err = g.AddNode(observation(2, "error", map[string]any{"a": 1, "b": 2}))
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Zero(t, g.EdgeCount())
}

func TestGraph_AddNodeRejectsStaleSequence(t *testing.T) {
	g := New()
	_, err := g.AddNode(observation(3, "distillation", nil))
	require.NoError(t, err)

	_, err = g.AddNode(observation(2, "distillation", nil))
	assert.ErrorIs(t, err, ErrStaleSequence)
	_, err = g.AddNode(observation(3, "distillation", nil))
	assert.ErrorIs(t, err, ErrStaleSequence)
}

func TestGraph_AddNodeEdgeTimestampFromNewerObservation(t *testing.T) {
	g := New()
	_, err := g.AddNode(observation(0, "distillation", csvContext()))
	require.NoError(t, err)
	created, err := g.AddNode(observation(5, "distillation", csvContext()))
	require.NoError(t, err)

	require.Len(t, created, 1)
	assert.True(t, created[0].CreatedAt.Equal(time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)))
}

func TestGraph_RemoveNodeDetachesEdges(t *testing.T) {
	g := New()
	for seq := uint64(0); seq < 3; seq++ {
		_, err := g.AddNode(observation(seq, "distillation", csvContext()))
		require.NoError(t, err)
	}
	require.Equal(t, 3, g.EdgeCount())

	n, ok := g.RemoveNode(1)
	require.True(t, ok)
	assert.Equal(t, NodeID(1), n.ID)
	assert.False(t, g.HasNode(1))
	assert.Equal(t, 1, g.EdgeCount())
	assert.Equal(t, 1, g.Degree(0))
	assert.Equal(t, 1, g.Degree(2))

	_, ok = g.RemoveNode(1)
	assert.False(t, ok)
}

func TestGraph_AddMetaNodeIdempotent(t *testing.T) {
	g := New()
	for seq := uint64(0); seq < 4; seq++ {
		_, err := g.AddNode(observation(seq, "distillation", csvContext()))
		require.NoError(t, err)
	}
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	meta, created, err := g.AddMetaNode("distillation|file_type=csv", "distillation", []NodeID{0, 1, 2}, 0.9, at)
	require.NoError(t, err)
	assert.True(t, meta.Meta)
	assert.Less(t, int64(meta.ID), int64(0))
	assert.Len(t, created, 3)
	for _, e := range created {
		assert.Equal(t, RelationConsolidates, e.Relation)
		assert.Equal(t, 0.9, e.Weight)
	}

	again, created, err := g.AddMetaNode("distillation|file_type=csv", "distillation", []NodeID{0, 1, 2, 3, 99}, 0.9, at)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, again.ID)
	assert.Len(t, created, 1)
	assert.Equal(t, []NodeID{0, 1, 2, 3}, again.Constituents)

	_, _, err = g.AddMetaNode("x", "distillation", nil, 1.5, at)
	assert.ErrorIs(t, err, ErrInvalidWeight)
}

func TestGraph_RemoveNodePrunesMetaConstituents(t *testing.T) {
	g := New()
	for seq := uint64(0); seq < 4; seq++ {
		_, err := g.AddNode(observation(seq, "distillation", csvContext()))
		require.NoError(t, err)
	}
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := g.AddMetaNode("distillation|file_type=csv", "distillation", []NodeID{0, 1, 2, 3}, 0.9, at)
	require.NoError(t, err)

	_, ok := g.RemoveNode(1)
	require.True(t, ok)
	removed := g.RemoveArchived(func(seq uint64) bool { return seq == 3 })
	assert.Equal(t, []NodeID{3}, removed)

	meta, ok := g.MetaNode("distillation|file_type=csv")
	require.True(t, ok)
	assert.Equal(t, []NodeID{0, 2}, meta.Constituents)
	for _, c := range meta.Constituents {
		assert.True(t, g.HasNode(c))
	}

	// Surviving constituents keep their existing links.
	_, created, err := g.AddMetaNode("distillation|file_type=csv", "distillation", []NodeID{0, 2}, 0.9, at)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestGraph_UpdateAndRemoveEdges(t *testing.T) {
	g := New()
	for seq := uint64(0); seq < 3; seq++ {
		_, err := g.AddNode(observation(seq, "distillation", csvContext()))
		require.NoError(t, err)
	}

	changed := g.UpdateEdges(func(e *Edge, from, to Node) bool {
		if e.From == 2 {
			e.Weight = 0.05
			return true
		}
		return false
	})
	assert.Equal(t, 2, changed)

	var low []uint64
	for _, e := range g.Edges() {
		if e.Weight < 0.1 {
			low = append(low, e.ID)
		}
	}
	removed := g.RemoveEdges(append(low, 999)...)
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, g.EdgeCount())
}

// TestRebuild_MatchesJournalMinusArchived replays a journal into a graph.
func TestRebuild_MatchesJournalMinusArchived(t *testing.T) {
	ctx := context.Background()
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.jsonl"), zap.NewNop(), journal.WithoutSync())
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 8; i++ {
		o := observation(0, "distillation", csvContext())
		_, err := store.Observe(ctx, o)
		require.NoError(t, err)
	}

	archived := map[uint64]bool{2: true, 5: true}
	g, err := Rebuild(ctx, store, func(seq uint64) bool { return archived[seq] })
	require.NoError(t, err)

	var ids []NodeID
	for _, n := range g.Nodes() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []NodeID{0, 1, 3, 4, 6, 7}, ids)
	assert.Equal(t, uint64(8), g.Watermark())

	// Catching up after more appends only ingests the new tail.
	_, err = store.Observe(ctx, observation(0, "distillation", csvContext()))
	require.NoError(t, err)
	added, err := g.Ingest(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.True(t, g.HasNode(8))
}

func TestSnapshot_RoundTrip(t *testing.T) {
	g := New()
	for seq := uint64(0); seq < 5; seq++ {
		_, err := g.AddNode(observation(seq, "distillation", csvContext()))
		require.NoError(t, err)
	}
	_, _, err := g.AddMetaNode("cluster", "distillation", []NodeID{0, 1}, 0.9, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snap", "graph.bin")
	require.NoError(t, g.SaveSnapshot(path))

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)

	assert.Equal(t, g.Watermark(), loaded.Watermark())
	assert.Equal(t, g.NodeCount(), loaded.NodeCount())
	assert.Equal(t, g.EdgeCount(), loaded.EdgeCount())
	for _, e := range g.Edges() {
		assert.Equal(t, g.Degree(e.From), loaded.Degree(e.From))
	}
	meta, ok := loaded.MetaNode("cluster")
	require.True(t, ok)
	assert.Equal(t, []NodeID{0, 1}, meta.Constituents)

	// The loaded graph keeps linking new observations against the window.
	created, err := loaded.AddNode(observation(5, "distillation", csvContext()))
	require.NoError(t, err)
	assert.Len(t, created, 5)
}

func TestLoadSnapshot_Corrupt(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)

	g := New()
	assert.Error(t, g.UnmarshalBinary([]byte("not zstd")))
}

func TestGraph_AddEdge(t *testing.T) {
	g := New()
	_, err := g.AddNode(observation(0, "distillation", nil))
	require.NoError(t, err)
	_, err = g.AddNode(observation(1, "error", nil))
	require.NoError(t, err)

	e, err := g.AddEdge(1, 0, 0.4, RelationSimilarContext, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.4, e.OriginalWeight)
	assert.Equal(t, 1, g.Degree(0))

	_, err = g.AddEdge(1, 7, 0.4, RelationSimilarContext, time.Now())
	assert.ErrorIs(t, err, ErrUnknownNode)
	_, err = g.AddEdge(1, 0, -0.1, RelationSimilarContext, time.Now())
	assert.ErrorIs(t, err, ErrInvalidWeight)
}
