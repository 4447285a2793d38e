// Package appendlog implements an append-only, newline-delimited record file.
//
// Each record is written with a single write call followed by fsync. A record
// becomes visible to readers only after both succeed. If a write fails the
// file is truncated back to the previous end so the last fully written record
// stays the last readable one. On Open, a trailing partial record left by a
// crash is cut off.
//
// Records must not contain a newline byte; JSON encodings produced by
// encoding/json satisfy this.
package appendlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"
)

const (
	dirPerm  = 0700
	filePerm = 0600
)

// Errors returned by Log.
var (
	ErrClosed        = errors.New("append log is closed")
	ErrOutOfRange    = errors.New("record index out of range")
	ErrEmptyRecord   = errors.New("record is empty")
	ErrRecordNewline = errors.New("record contains a newline")
)

// Entry is one record yielded by Log.Entries.
type Entry struct {
	Index int
	Data  []byte
}

// Log is an append-only record file. Safe for concurrent use: appends are
// serialized, reads run concurrently with appends and only see committed
// records.
type Log struct {
	path string
	sync bool

	writeMu sync.Mutex // serializes Append

	mu        sync.RWMutex // guards offsets, size, f
	f         *os.File
	offsets   []int64
	size      int64
	recovered int64
}

// Option configures a Log.
type Option func(*Log)

// WithoutSync disables fsync after each append. Intended for tests.
func WithoutSync() Option {
	return func(l *Log) {
		l.sync = false
	}
}

// Open opens or creates the log at path, creating parent directories.
func Open(path string, opts ...Option) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	l := &Log{path: path, sync: true, f: f}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.index(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// index builds the record offset table and cuts off a torn tail.
func (l *Log) index() error {
	info, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", l.path, err)
	}

	r := bufio.NewReader(io.NewSectionReader(l.f, 0, info.Size()))
	var off int64
	for {
		line, err := r.ReadSlice('\n')
		switch {
		case err == nil:
			l.offsets = append(l.offsets, off)
			off += int64(len(line))
			continue
		case errors.Is(err, bufio.ErrBufferFull):
			// Long record: consume the rest of it.
			n := int64(len(line))
			for errors.Is(err, bufio.ErrBufferFull) {
				line, err = r.ReadSlice('\n')
				n += int64(len(line))
			}
			if err == nil {
				l.offsets = append(l.offsets, off)
				off += n
				continue
			}
			if !errors.Is(err, io.EOF) {
				return fmt.Errorf("read %s: %w", l.path, err)
			}
		case errors.Is(err, io.EOF):
		default:
			return fmt.Errorf("read %s: %w", l.path, err)
		}
		break
	}

	if off < info.Size() {
		if err := l.f.Truncate(off); err != nil {
			return fmt.Errorf("truncate torn tail of %s: %w", l.path, err)
		}
		l.recovered = info.Size() - off
	}
	l.size = off
	return nil
}

// Path returns the file path.
func (l *Log) Path() string { return l.path }

// Recovered returns the number of trailing bytes discarded by Open.
func (l *Log) Recovered() int64 { return l.recovered }

// Len returns the number of committed records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.offsets)
}

// Append writes one record and returns its index.
func (l *Log) Append(rec []byte) (int, error) {
	if len(rec) == 0 {
		return 0, ErrEmptyRecord
	}
	if bytes.IndexByte(rec, '\n') >= 0 {
		return 0, ErrRecordNewline
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	f, start := l.f, l.size
	l.mu.RUnlock()
	if f == nil {
		return 0, ErrClosed
	}

	buf := make([]byte, 0, len(rec)+1)
	buf = append(append(buf, rec...), '\n')

	if _, err := f.WriteAt(buf, start); err != nil {
		return 0, l.rollback(f, start, fmt.Errorf("write %s: %w", l.path, err))
	}
	if l.sync {
		if err := f.Sync(); err != nil {
			return 0, l.rollback(f, start, fmt.Errorf("sync %s: %w", l.path, err))
		}
	}

	l.mu.Lock()
	idx := len(l.offsets)
	l.offsets = append(l.offsets, start)
	l.size = start + int64(len(buf))
	l.mu.Unlock()
	return idx, nil
}

// AppendJSON encodes v as JSON and appends it.
func (l *Log) AppendJSON(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	return l.Append(data)
}

// rollback drops a partially written record.
func (l *Log) rollback(f *os.File, size int64, cause error) error {
	if err := f.Truncate(size); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback %s: %w", l.path, err))
	}
	return cause
}

// Read returns record i without its trailing newline.
func (l *Log) Read(i int) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.f == nil {
		return nil, ErrClosed
	}
	if i < 0 || i >= len(l.offsets) {
		return nil, fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, i, len(l.offsets))
	}

	start := l.offsets[i]
	end := l.size
	if i+1 < len(l.offsets) {
		end = l.offsets[i+1]
	}

	buf := make([]byte, end-start)
	if _, err := l.f.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("read record %d of %s: %w", i, l.path, err)
	}
	return bytes.TrimSuffix(buf, []byte{'\n'}), nil
}

// Entries yields records from index from up to the length observed when
// iteration starts. Records appended during iteration are not included.
// Iteration stops at the first read error, which is yielded.
func (l *Log) Entries(ctx context.Context, from int) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		l.mu.RLock()
		f := l.f
		n := len(l.offsets)
		var start, end int64
		if from < n && from >= 0 {
			start = l.offsets[from]
			end = l.size
		}
		l.mu.RUnlock()

		if f == nil {
			yield(Entry{}, ErrClosed)
			return
		}
		if from < 0 {
			from = 0
		}
		if from >= n {
			return
		}

		r := bufio.NewReader(io.NewSectionReader(f, start, end-start))
		for i := from; i < n; i++ {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			line, err := r.ReadBytes('\n')
			if err != nil {
				yield(Entry{}, fmt.Errorf("read record %d of %s: %w", i, l.path, err))
				return
			}
			if !yield(Entry{Index: i, Data: line[:len(line)-1]}, nil) {
				return
			}
		}
	}
}

// Close closes the underlying file. Further calls return ErrClosed.
func (l *Log) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
