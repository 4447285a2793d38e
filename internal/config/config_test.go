package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the allowed config
// directory inside it.
func setupTestHome(t *testing.T) (home, configDir string) {
	t.Helper()
	home = t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	configDir = filepath.Join(home, ".config", "goatfield")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	return home, configDir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestDefault(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/var/lib/test")
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:7878", cfg.Server.Addr)
	assert.Equal(t, "/var/lib/test/goatfield", cfg.Storage.Dir)
	assert.True(t, cfg.Storage.Sync)
	assert.Equal(t, 10, cfg.Graph.Window)
	assert.Equal(t, 0.7, cfg.Graph.EdgeThreshold)
	assert.Equal(t, 30*24*time.Hour, cfg.Clutter.HalfLife.Duration())
	assert.Equal(t, 6, cfg.Clutter.ClusterMinSize)
	assert.Equal(t, 20, cfg.Patterns.MaxEvidence)
	assert.Equal(t, ConditionCPUIdle, cfg.Scheduler.Condition)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval.Duration())

	assert.Equal(t, "/var/lib/test/goatfield/journal.jsonl", cfg.Storage.JournalPath())
	assert.Equal(t, "/var/lib/test/goatfield/archive", cfg.Storage.ArchiveDir())
	assert.Equal(t, "/var/lib/test/goatfield/review", cfg.Storage.ReviewDir())
	assert.Equal(t, "/var/lib/test/goatfield/graph.snapshot", cfg.Storage.SnapshotPath())

	engine := cfg.Clutter.Engine()
	assert.Equal(t, 0.05, engine.DecayFloor)
	assert.Equal(t, 7*24*time.Hour, engine.MinNodeAge)
	extractor := cfg.Patterns.Extractor()
	assert.Equal(t, 60000.0, extractor.DurationThresholdMS)
	assert.Equal(t, 0.05, extractor.PerformanceConfidenceStep)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"addr without port", func(c *Config) { c.Server.Addr = "localhost" }, "server.addr"},
		{"public addr needs token", func(c *Config) { c.Server.Addr = "0.0.0.0:7878" }, "admin_token"},
		{"public addr with token", func(c *Config) {
			c.Server.Addr = "0.0.0.0:7878"
			c.Server.AdminToken = "t0ken"
		}, ""},
		{"missing storage", func(c *Config) { c.Storage.Dir = "" }, "storage.dir"},
		{"zero window", func(c *Config) { c.Graph.Window = 0 }, "graph.window"},
		{"bad edge threshold", func(c *Config) { c.Graph.EdgeThreshold = 2 }, "edge_threshold"},
		{"bad decay floor", func(c *Config) { c.Clutter.DecayFloor = -1 }, "clutter"},
		{"no rules", func(c *Config) { c.Patterns.Rules = nil }, "patterns.rules"},
		{"zero evidence", func(c *Config) { c.Patterns.MaxEvidence = 0 }, "max_evidence"},
		{"bad condition", func(c *Config) { c.Scheduler.Condition = "moon_phase" }, "scheduler.condition"},
		{"bad idle threshold", func(c *Config) { c.Scheduler.IdleThreshold = 0 }, "idle_threshold"},
		{"always ignores idle threshold", func(c *Config) {
			c.Scheduler.Condition = ConditionAlways
			c.Scheduler.IdleThreshold = 0
		}, ""},
		{"disabled scheduler skips checks", func(c *Config) {
			c.Scheduler.Enabled = false
			c.Scheduler.Interval = 0
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))
	assert.Equal(t, "", Secret("").String())
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v", s, s, s), "hunter2")
}

func TestSecret_DecodesVerbatim(t *testing.T) {
	var got struct {
		Token Secret `json:"token"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"token":"[REDACTED]"}`), &got))
	assert.Equal(t, "[REDACTED]", got.Token.Value())

	require.NoError(t, json.Unmarshal([]byte(`{"token":"s3cret"}`), &got))
	assert.Equal(t, "s3cret", got.Token.Value())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))
}
