package field

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type archiveSet map[uint64]bool

func (a archiveSet) Contains(seq uint64) bool { return a[seq] }

func TestService_RestartLoadsSnapshot(t *testing.T) {
	dir := t.TempDir()
	st := openStores(t, dir)
	s := newService(t, st, nil, nil)
	observeN(t, s, 6)
	_, err := s.Compact(context.Background())
	require.NoError(t, err)
	nodes, edges := s.Graph().NodeCount(), s.Graph().EdgeCount()
	require.NoError(t, s.Close())

	// More observations land in the journal while no service runs.
	_, err = st.journal.Observe(context.Background(), slowCSV(time.Hour))
	require.NoError(t, err)

	restarted := newService(t, st, nil, nil)
	info := restarted.BootstrapInfo()
	assert.True(t, info.FromSnapshot)
	assert.Equal(t, 1, info.CaughtUp)
	assert.Equal(t, uint64(7), info.Watermark)
	assert.Equal(t, nodes+1, restarted.Graph().NodeCount())
	assert.Greater(t, restarted.Graph().EdgeCount(), edges)
	require.NoError(t, restarted.Engine().CheckIntegrity(context.Background()))
}

func TestBootstrap_SnapshotAheadOfJournalRebuilds(t *testing.T) {
	st := openStores(t, t.TempDir())
	s := newService(t, st, nil, nil)
	observeN(t, s, 4)
	require.NoError(t, s.Close())

	other := openStores(t, t.TempDir())
	for i := 0; i < 2; i++ {
		_, err := other.journal.Observe(context.Background(), slowCSV(time.Hour))
		require.NoError(t, err)
	}

	g, info, err := Bootstrap(context.Background(), other.journal, other.archive,
		filepath.Join(st.dir, "graph.snapshot"), zap.NewNop())
	require.NoError(t, err)
	assert.False(t, info.FromSnapshot)
	assert.Equal(t, 2, info.CaughtUp)
	assert.Equal(t, 2, g.NodeCount())
}

func TestBootstrap_CorruptSnapshotRebuilds(t *testing.T) {
	st := openStores(t, t.TempDir())
	for i := 0; i < 3; i++ {
		_, err := st.journal.Observe(context.Background(), slowCSV(time.Hour))
		require.NoError(t, err)
	}
	path := filepath.Join(st.dir, "graph.snapshot")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))

	g, info, err := Bootstrap(context.Background(), st.journal, st.archive, path, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, info.FromSnapshot)
	assert.Equal(t, 3, g.NodeCount())
}

func TestBootstrap_DropsArchived(t *testing.T) {
	st := openStores(t, t.TempDir())
	for i := 0; i < 4; i++ {
		_, err := st.journal.Observe(context.Background(), slowCSV(time.Hour))
		require.NoError(t, err)
	}

	g, info, err := Bootstrap(context.Background(), st.journal, archiveSet{1: true, 3: true}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Dropped)
	assert.Equal(t, uint64(4), info.Watermark)
	assert.True(t, g.HasNode(0))
	assert.False(t, g.HasNode(1))
	assert.True(t, g.HasNode(2))
	assert.False(t, g.HasNode(3))
}
