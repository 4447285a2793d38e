package clutter

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/goatfield/internal/appendlog"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

const (
	archivePrefix     = "archive-"
	archiveSuffix     = ".jsonl"
	archiveDateLayout = "2006-01-02"
)

// ArchiveRecord notes that an observation node left the live graph. The
// observation itself stays in the journal.
type ArchiveRecord struct {
	SequenceID    uint64          `json:"sequence_id"`
	OperationType string          `json:"operation_type"`
	Outcome       journal.Outcome `json:"outcome"`
	Timestamp     string          `json:"timestamp"`
	Degree        int             `json:"degree"`
	AgeDays       float64         `json:"age_days"`
	Reason        string          `json:"reason"`
	ArchivedAt    time.Time       `json:"archived_at"`
}

// ArchiveLog is a directory of dated append-only archive files,
// archive-YYYY-MM-DD.jsonl, named by archive time.
type ArchiveLog struct {
	dir     string
	logOpts []appendlog.Option

	mu   sync.RWMutex
	ids  map[uint64]struct{}
	open map[string]*appendlog.Log
}

// OpenArchiveLog opens dir, creating it when missing, and loads the set of
// archived sequence ids from every dated file.
func OpenArchiveLog(dir string, opts ...appendlog.Option) (*ArchiveLog, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	a := &ArchiveLog{
		dir:     dir,
		logOpts: opts,
		ids:     make(map[uint64]struct{}),
		open:    make(map[string]*appendlog.Log),
	}

	for rec, err := range a.Records(context.Background()) {
		if err != nil {
			a.Close()
			return nil, err
		}
		a.ids[rec.SequenceID] = struct{}{}
	}
	return a, nil
}

// Dir returns the archive directory.
func (a *ArchiveLog) Dir() string { return a.dir }

// Append writes rec to the file for its archive date.
func (a *ArchiveLog) Append(rec ArchiveRecord) error {
	if rec.ArchivedAt.IsZero() {
		return fmt.Errorf("archive record for %d has no archive time", rec.SequenceID)
	}
	name := archivePrefix + rec.ArchivedAt.UTC().Format(archiveDateLayout) + archiveSuffix

	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.open[name]
	if !ok {
		var err error
		l, err = appendlog.Open(filepath.Join(a.dir, name), a.logOpts...)
		if err != nil {
			return fmt.Errorf("opening archive file: %w", err)
		}
		a.open[name] = l
	}
	if _, err := l.AppendJSON(rec); err != nil {
		return fmt.Errorf("archiving node %d: %w", rec.SequenceID, err)
	}
	a.ids[rec.SequenceID] = struct{}{}
	return nil
}

// Contains reports whether seq has been archived.
func (a *ArchiveLog) Contains(seq uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ids[seq]
	return ok
}

// Count returns the number of distinct archived sequence ids.
func (a *ArchiveLog) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ids)
}

// IDs returns the archived sequence ids in ascending order.
func (a *ArchiveLog) IDs() []uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]uint64, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Records yields every archive record, oldest file first.
func (a *ArchiveLog) Records(ctx context.Context) iter.Seq2[ArchiveRecord, error] {
	return func(yield func(ArchiveRecord, error) bool) {
		files, err := a.files()
		if err != nil {
			yield(ArchiveRecord{}, err)
			return
		}
		for _, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				yield(ArchiveRecord{}, fmt.Errorf("reading archive %s: %w", path, err))
				return
			}
			lines := strings.Split(string(data), "\n")
			// A trailing fragment without newline is a torn write.
			lines = lines[:len(lines)-1]
			for i, line := range lines {
				if err := ctx.Err(); err != nil {
					yield(ArchiveRecord{}, err)
					return
				}
				var rec ArchiveRecord
				if err := json.Unmarshal([]byte(line), &rec); err != nil {
					yield(ArchiveRecord{}, fmt.Errorf("decoding %s line %d: %w", filepath.Base(path), i+1, err))
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

func (a *ArchiveLog) files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, archivePrefix+"*"+archiveSuffix))
	if err != nil {
		return nil, fmt.Errorf("listing archive files: %w", err)
	}
	slices.Sort(matches)
	return matches, nil
}

// Close closes every open archive file.
func (a *ArchiveLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for name, l := range a.open {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.open, name)
	}
	return firstErr
}
