package field

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/graph"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

// ArchiveIndex reports archived sequence ids.
type ArchiveIndex interface {
	Contains(seq uint64) bool
}

// BootstrapInfo describes how the graph was restored.
type BootstrapInfo struct {
	FromSnapshot bool   `json:"from_snapshot"`
	CaughtUp     int    `json:"caught_up"`
	Dropped      int    `json:"dropped_archived"`
	Watermark    uint64 `json:"watermark"`
}

// Bootstrap restores the graph. A snapshot at snapshotPath is used when its
// watermark does not exceed the journal length; a missing, unreadable or
// ahead-of-journal snapshot is replaced by a full rebuild. Either way the
// graph is then caught up with the journal and archived observations are
// dropped.
func Bootstrap(ctx context.Context, j journal.Reader, archive ArchiveIndex, snapshotPath string, logger *zap.Logger, opts ...graph.Option) (*graph.Graph, BootstrapInfo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var info BootstrapInfo

	g := loadSnapshot(j, snapshotPath, logger, opts...)
	if g != nil {
		info.FromSnapshot = true
	} else {
		g = graph.New(opts...)
	}

	added, err := g.Ingest(ctx, j)
	if err != nil {
		return nil, info, fmt.Errorf("catching up graph: %w", err)
	}
	info.CaughtUp = added

	if archive != nil {
		info.Dropped = len(g.RemoveArchived(archive.Contains))
	}
	info.Watermark = g.Watermark()

	logger.Info("graph restored",
		zap.Bool("from_snapshot", info.FromSnapshot),
		zap.Int("caught_up", info.CaughtUp),
		zap.Int("dropped_archived", info.Dropped),
		zap.Int("nodes", g.NodeCount()),
		zap.Int("edges", g.EdgeCount()),
		zap.Uint64("watermark", info.Watermark))
	return g, info, nil
}

func loadSnapshot(j journal.Reader, path string, logger *zap.Logger, opts ...graph.Option) *graph.Graph {
	if path == "" {
		return nil
	}
	g, err := graph.LoadSnapshot(path, opts...)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		logger.Warn("graph snapshot unreadable, rebuilding from journal", zap.String("path", path), zap.Error(err))
		return nil
	}
	if g.Watermark() > j.Len() {
		logger.Warn("graph snapshot is ahead of the journal, rebuilding",
			zap.Uint64("snapshot_watermark", g.Watermark()),
			zap.Uint64("journal_length", j.Len()))
		return nil
	}
	return g
}
