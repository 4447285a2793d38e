package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func setupEnv(t *testing.T) (addr, dataDir string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))

	addr = freeAddr(t)
	dataDir = filepath.Join(home, "field")
	t.Setenv("GOATFIELD_SERVER_ADDR", addr)
	t.Setenv("GOATFIELD_STORAGE_DIR", dataDir)
	t.Setenv("GOATFIELD_STORAGE_SYNC", "false")
	t.Setenv("GOATFIELD_SCHEDULER_ENABLED", "false")
	return addr, dataDir
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	addr, dataDir := setupEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, "") }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}

	_, err := os.Stat(filepath.Join(dataDir, "journal.jsonl"))
	assert.NoError(t, err)
	// Closing the service writes the graph snapshot.
	_, err = os.Stat(filepath.Join(dataDir, "graph.snapshot"))
	assert.NoError(t, err)
}

func TestRun_InvalidConfig(t *testing.T) {
	setupEnv(t)
	t.Setenv("GOATFIELD_SERVER_ADDR", "0.0.0.0:7878")

	err := run(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin_token")
}

func TestOpenStores_ReopenKeepsState(t *testing.T) {
	_, dataDir := setupEnv(t)
	cfg := config.Default()
	cfg.Storage.Dir = dataDir
	cfg.Storage.Sync = false

	st, err := openStores(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, st.journal.Len())
	require.NoError(t, st.Close())

	st, err = openStores(cfg, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()
	assert.DirExists(t, cfg.Storage.ArchiveDir())
	assert.DirExists(t, cfg.Storage.ReviewDir())
}

func TestNewScheduler(t *testing.T) {
	cfg := config.Default().Scheduler

	cfg.Enabled = false
	sched, err := newScheduler(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, sched)

	cfg.Enabled = true
	cfg.Condition = config.ConditionAlways
	sched, err = newScheduler(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, sched)
	assert.False(t, sched.Running())

	cfg.Condition = config.ConditionCPUIdle
	cfg.IdleThreshold = 2
	_, err = newScheduler(cfg, nil, zap.NewNop())
	assert.Error(t, err)
}
