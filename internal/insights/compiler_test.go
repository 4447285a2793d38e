package insights

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/review"
)

type fakeSource struct {
	mu       sync.Mutex
	approved []review.Proposal
	version  uint64
	calls    atomic.Int32
}

func (f *fakeSource) Approved() []review.Proposal {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]review.Proposal(nil), f.approved...)
}

func (f *fakeSource) Version() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

func (f *fakeSource) add(p review.Proposal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, p)
	f.version++
}

func approvedAt(target string, at time.Time, cfg map[string]any) review.Proposal {
	return review.Proposal{
		ProposalID:      target + at.String(),
		TargetComponent: target,
		Confidence:      0.3,
		Status:          review.StatusApproved,
		ReviewedBy:      "alice",
		HumanRationale:  "secret reasoning",
		ReviewedAt:      &at,
		ApprovedConfig:  cfg,
	}
}

var base = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func TestCompile_Empty(t *testing.T) {
	c, err := NewCompiler(&fakeSource{})
	require.NoError(t, err)
	got := c.Compile(context.Background())
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCompile_NewestApprovalWins(t *testing.T) {
	src := &fakeSource{}
	src.add(approvedAt("distillation:file_type=csv", base.Add(time.Hour), map[string]any{"chunk_size": 800.0}))
	src.add(approvedAt("distillation:file_type=csv", base, map[string]any{"chunk_size": 500.0}))
	src.add(approvedAt("export:format=pdf", base, map[string]any{"retries": 3.0}))
	// Same instant: the later decision wins.
	src.add(approvedAt("export:format=pdf", base, map[string]any{"retries": 5.0}))

	c, err := NewCompiler(src)
	require.NoError(t, err)
	got := c.Compile(context.Background())

	require.Len(t, got, 2)
	assert.Equal(t, 800.0, got["distillation:file_type=csv"].Config["chunk_size"])
	assert.True(t, got["distillation:file_type=csv"].ApprovedAt.Equal(base.Add(time.Hour)))
	assert.Equal(t, 5.0, got["export:format=pdf"].Config["retries"])
}

func TestCompile_CachedUntilVersionChanges(t *testing.T) {
	src := &fakeSource{}
	src.add(approvedAt("a", base, map[string]any{"x": 1.0}))
	c, err := NewCompiler(src)
	require.NoError(t, err)

	first := c.Compile(context.Background())
	first["a"].Config["x"] = 99.0
	second := c.Compile(context.Background())
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 1.0, second["a"].Config["x"])

	src.add(approvedAt("b", base, map[string]any{"y": 2.0}))
	third := c.Compile(context.Background())
	assert.Equal(t, int32(2), src.calls.Load())
	assert.Len(t, third, 2)
}

func TestCompile_Concurrent(t *testing.T) {
	src := &fakeSource{}
	src.add(approvedAt("a", base, map[string]any{"x": 1.0}))
	c, err := NewCompiler(src)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, c.Compile(context.Background()), 1)
		}()
	}
	wg.Wait()
}

func TestCompile_OnlyApprovedFromGate(t *testing.T) {
	gate, err := review.Open(t.TempDir(), zap.NewNop(), review.WithoutSync())
	require.NoError(t, err)
	defer gate.Close()
	ctx := context.Background()

	submit := func(target string) string {
		p := &review.Proposal{PatternType: "performance_anomaly", TargetComponent: target, Confidence: 0.2}
		require.NoError(t, gate.Submit(ctx, p))
		return p.ProposalID
	}
	approved := submit("distillation:file_type=csv")
	rejected := submit("export:format=pdf")
	submit("worker_session:worker_id=w1")

	_, err = gate.Approve(ctx, approved, review.Decision{ReviewedBy: "alice", Rationale: "tested locally", Config: map[string]any{"chunk_size": 500}})
	require.NoError(t, err)
	_, err = gate.Reject(ctx, rejected, review.Decision{ReviewedBy: "bob", Rationale: "noise"})
	require.NoError(t, err)

	c, err := NewCompiler(gate)
	require.NoError(t, err)
	got := c.Compile(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, float64(500), got["distillation:file_type=csv"].Config["chunk_size"])

	nested := c.Nested(ctx)
	entry := nested["distillation:file_type=csv"]
	assert.Equal(t, 0.2, entry["confidence"])
	assert.NotContains(t, entry, "human_rationale")
}

func TestNewCompiler_NilSource(t *testing.T) {
	_, err := NewCompiler(nil)
	assert.Error(t, err)
}
