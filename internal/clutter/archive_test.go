package clutter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/goatfield/internal/appendlog"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

func TestArchiveLog_AppendAndReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	a, err := OpenArchiveLog(dir, appendlog.WithoutSync())
	require.NoError(t, err)

	require.NoError(t, a.Append(ArchiveRecord{SequenceID: 4, Outcome: journal.OutcomeSuccess, ArchivedAt: testNow}))
	require.NoError(t, a.Append(ArchiveRecord{SequenceID: 2, Outcome: journal.OutcomeDegraded, ArchivedAt: testNow.Add(day)}))
	assert.Equal(t, []uint64{2, 4}, a.IDs())
	require.NoError(t, a.Close())

	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "archive-2026-03-01.jsonl"),
		filepath.Join(dir, "archive-2026-03-02.jsonl"),
	}, files)

	reopened, err := OpenArchiveLog(dir, appendlog.WithoutSync())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.Count())
	assert.True(t, reopened.Contains(4))
	assert.False(t, reopened.Contains(3))
	assert.Equal(t, dir, reopened.Dir())
}

func TestArchiveLog_RequiresArchiveTime(t *testing.T) {
	a, err := OpenArchiveLog(t.TempDir(), appendlog.WithoutSync())
	require.NoError(t, err)
	defer a.Close()

	assert.Error(t, a.Append(ArchiveRecord{SequenceID: 1}))
	assert.Zero(t, a.Count())
}

func TestArchiveLog_IgnoresTornTail(t *testing.T) {
	dir := t.TempDir()
	data := `{"sequence_id":7,"reason":"low_connectivity","archived_at":"2026-03-01T12:00:00Z"}` + "\n" + `{"sequence_id":8,"rea`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "archive-2026-03-01.jsonl"), []byte(data), 0600))

	a, err := OpenArchiveLog(dir)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, []uint64{7}, a.IDs())

	var n int
	for rec, err := range a.Records(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, "low_connectivity", rec.Reason)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestArchiveLog_CorruptRecord(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "archive-2026-03-01.jsonl"), []byte("not json\n"), 0600))

	_, err := OpenArchiveLog(dir)
	assert.ErrorContains(t, err, "line 1")
}
