package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/goatfield/internal/appendlog"
	"github.com/fyrsmithlabs/goatfield/internal/clutter"
	"github.com/fyrsmithlabs/goatfield/internal/field"
	httpserver "github.com/fyrsmithlabs/goatfield/internal/http"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
	"github.com/fyrsmithlabs/goatfield/internal/logging"
	"github.com/fyrsmithlabs/goatfield/internal/review"
)

const testToken = "fieldctl-test-token"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// startDaemon serves a real field service over httptest.
func startDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	j, err := journal.Open(filepath.Join(dir, "journal.jsonl"), zap.NewNop(), journal.WithoutSync())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	a, err := clutter.OpenArchiveLog(filepath.Join(dir, "archive"), appendlog.WithoutSync())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	g, err := review.Open(filepath.Join(dir, "review"), zap.NewNop(), review.WithoutSync())
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	cfg := field.DefaultConfig()
	cfg.Now = func() time.Time { return testNow }
	svc, err := field.New(context.Background(), field.Deps{Journal: j, Archive: a, Gate: g, Logger: zap.NewNop()}, cfg)
	require.NoError(t, err)

	srv, err := httpserver.NewServer(svc, logging.NewNop(), &httpserver.Config{AdminToken: testToken})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// execute runs fieldctl with args against ts and returns stdout.
func execute(t *testing.T, ts *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--server", ts.URL, "--token", testToken}, args...))
	err := root.Execute()
	return out.String(), err
}

func observation() string {
	return `{"timestamp":"` + testNow.Add(-time.Hour).Format(time.RFC3339) + `",` +
		`"operation_type":"distillation","inputs_hash":"` + strings.Repeat("5e", 32) + `",` +
		`"outcome":"success","metrics":{"processing_time_ms":70000},"context":{"file_type":"csv"}}`
}

func TestObserve_SingleAndStream(t *testing.T) {
	ts := startDaemon(t)

	out, err := execute(t, ts, observation(), "observe", "-")
	require.NoError(t, err)
	var single httpserver.ObserveResponse
	require.NoError(t, json.Unmarshal([]byte(out), &single))
	assert.Equal(t, uint64(0), single.SequenceID)

	stream := strings.Repeat(observation()+"\n", 3)
	out, err = execute(t, ts, stream, "observe")
	require.NoError(t, err)
	var many []httpserver.ObserveResponse
	require.NoError(t, json.Unmarshal([]byte(out), &many))
	require.Len(t, many, 3)
	assert.Equal(t, uint64(3), many[2].SequenceID)

	_, err = execute(t, ts, "", "observe")
	assert.ErrorContains(t, err, "no observations")

	_, err = execute(t, ts, `{"operation_type":"distillation"}`, "observe")
	require.Error(t, err)
	assert.True(t, isStatus(err, http.StatusBadRequest))
}

func TestReviewWorkflow(t *testing.T) {
	ts := startDaemon(t)
	_, err := execute(t, ts, strings.Repeat(observation()+"\n", 6), "observe")
	require.NoError(t, err)

	out, err := execute(t, ts, "", "reflect")
	require.NoError(t, err)
	var reflected field.ReflectResult
	require.NoError(t, json.Unmarshal([]byte(out), &reflected))
	require.Len(t, reflected.Submitted, 1)
	id := reflected.Submitted[0].ProposalID

	out, err = execute(t, ts, "", "proposals", "--status", "pending_review", "-o", "yaml")
	require.NoError(t, err)
	var listed map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &listed))
	assert.Equal(t, 1, listed["count"])

	_, err = execute(t, ts, "", "approve", id, "--reviewer", "alice")
	assert.Error(t, err, "rationale is required")

	out, err = execute(t, ts, "", "approve", id,
		"--reviewer", "alice", "--rationale", "tested locally",
		"--config", "chunk_size=500", "--config", "mode=streaming")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "approved"`)

	_, err = execute(t, ts, "", "reject", id, "--reviewer", "bob", "--rationale", "too late")
	assert.ErrorContains(t, err, "already been decided")

	out, err = execute(t, ts, "", "insights")
	require.NoError(t, err)
	var insights map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &insights))
	assert.Equal(t, map[string]any{"chunk_size": float64(500), "mode": "streaming"}, insights["distillation:file_type=csv"]["config"])

	out, err = execute(t, ts, "", "decisions")
	require.NoError(t, err)
	assert.Contains(t, out, `"reviewed_by": "alice"`)
}

func TestHealthAndCompact(t *testing.T) {
	ts := startDaemon(t)

	out, err := execute(t, ts, "", "compact")
	require.NoError(t, err)
	assert.Contains(t, out, `"skipped": false`)

	out, err = execute(t, ts, "", "health", "--output", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "status: healthy")
	assert.Contains(t, out, "journal_length: 0")
}

func TestUnauthorized(t *testing.T) {
	ts := startDaemon(t)
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--server", ts.URL, "--token", "", "insights"})
	err := root.Execute()
	require.Error(t, err)
	assert.True(t, isStatus(err, http.StatusUnauthorized))
}

func TestHashInputs(t *testing.T) {
	ts := startDaemon(t)

	a, err := execute(t, ts, `{"file":"a.csv","size":1200}`, "hash-inputs")
	require.NoError(t, err)
	b, err := execute(t, ts, `{"size":1200, "file":"a.csv"}`, "hash-inputs", "-")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	want, err := journal.HashInputs(map[string]any{"file": "a.csv", "size": 1200})
	require.NoError(t, err)
	assert.Equal(t, want+"\n", a)

	raw, err := execute(t, ts, `{"file":"a.csv","size":1200}`, "hash-inputs", "--raw")
	require.NoError(t, err)
	assert.NotEqual(t, a, raw)
	assert.Len(t, strings.TrimSpace(raw), 64)

	_, err = execute(t, ts, "not json", "hash-inputs")
	assert.ErrorContains(t, err, "--raw")
}

func TestParseApprovedConfig(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		json    string
		want    map[string]any
		wantErr bool
	}{
		{
			name:  "typed values",
			pairs: []string{"chunk_size=500", "parallel=true", "mode=fast", "ratio=0.5"},
			want:  map[string]any{"chunk_size": float64(500), "parallel": true, "mode": "fast", "ratio": 0.5},
		},
		{
			name:  "value containing equals",
			pairs: []string{"expr=a=b"},
			want:  map[string]any{"expr": "a=b"},
		},
		{
			name: "json object",
			json: `{"chunk_size":500,"nested":{"a":1}}`,
			want: map[string]any{"chunk_size": float64(500), "nested": map[string]any{"a": float64(1)}},
		},
		{name: "missing equals", pairs: []string{"chunk_size"}, wantErr: true},
		{name: "empty key", pairs: []string{"=1"}, wantErr: true},
		{name: "json array", json: `[1,2]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseApprovedConfig(tt.pairs, tt.json)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutputValidation(t *testing.T) {
	ts := startDaemon(t)
	_, err := execute(t, ts, "", "health", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestDecodeObservations_FillsTimestamp(t *testing.T) {
	obs, err := decodeObservations([]byte(`{"operation_type":"distillation"}`))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	_, ok := obs[0].Time()
	assert.True(t, ok)

	_, err = decodeObservations([]byte(`{"operation_type":`))
	assert.Error(t, err)
}
