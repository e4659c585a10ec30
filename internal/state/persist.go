package state

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/roach88/vigil/internal/metrics"
)

// DocumentVersion is the persisted document format version.
const DocumentVersion = 1

// SaveResult reports what Save did.
type SaveResult int

const (
	// SaveWritten means the document was replaced.
	SaveWritten SaveResult = iota
	// SaveSkippedInFlight means another Save was running.
	SaveSkippedInFlight
	// SaveSkippedLocked means the destination was locked by another
	// process; the temp file was discarded and the next cycle retries.
	SaveSkippedLocked
	// SaveDisabled means the store has no file configured.
	SaveDisabled
	// SaveFailed accompanies a non-nil error; the live file is untouched.
	SaveFailed
)

// String returns the outcome label used in logs and metrics.
func (r SaveResult) String() string {
	switch r {
	case SaveWritten:
		return "written"
	case SaveSkippedInFlight:
		return "skipped_in_flight"
	case SaveSkippedLocked:
		return "skipped_locked"
	case SaveDisabled:
		return "disabled"
	case SaveFailed:
		return "failed"
	}
	return "unknown"
}

// document is the on-disk shape.
type document struct {
	Version   int            `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	EventLog  []ChangeEvent  `json:"eventLog"`
}

// Save persists the tree and recent events. It never blocks on a
// concurrent Save and treats a locked destination as a skipped cycle.
// Other failures are returned as *PersistenceError.
func (s *Store) Save(ctx context.Context) (SaveResult, error) {
	if s.file == "" {
		return SaveDisabled, nil
	}
	if !s.saving.CompareAndSwap(false, true) {
		metrics.SaveOperationsTotal.WithLabelValues(SaveSkippedInFlight.String()).Inc()
		return SaveSkippedInFlight, nil
	}
	defer s.saving.Store(false)

	start := time.Now()
	res, err := s.save(ctx)
	metrics.SaveDuration.Observe(time.Since(start).Seconds())
	metrics.SaveOperationsTotal.WithLabelValues(res.String()).Inc()
	return res, err
}

func (s *Store) save(ctx context.Context) (SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return SaveFailed, &PersistenceError{Op: "save", Path: s.file, Err: err}
	}

	s.mu.RLock()
	doc := document{
		Version:   DocumentVersion,
		Timestamp: s.clock.Now(),
		State:     encodeTree(nil, s.tree).(map[string]any),
		EventLog:  s.history.last(s.eventLogLimit),
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return SaveFailed, &PersistenceError{Op: "marshal", Path: s.file, Err: err}
	}

	dir := filepath.Dir(s.file)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.file)+".tmp-*")
	if err != nil {
		return SaveFailed, &PersistenceError{Op: "create temp", Path: s.file, Err: err}
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return SaveFailed, &PersistenceError{Op: "write temp", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return SaveFailed, &PersistenceError{Op: "sync temp", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return SaveFailed, &PersistenceError{Op: "close temp", Path: tmpPath, Err: err}
	}

	if s.backup {
		if err := copyFile(s.file, s.file+".backup"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			// A stale backup is better than a skipped save.
			s.logger.Warn("state backup failed", "path", s.file, "error", err)
		}
	}

	if err := s.rename(tmpPath, s.file); err != nil {
		if isLockError(err) {
			s.logger.Info("state file locked, will retry next cycle", "path", s.file, "error", err)
			return SaveSkippedLocked, nil
		}
		return SaveFailed, &PersistenceError{Op: "replace", Path: s.file, Err: err}
	}
	committed = true
	s.logger.Debug("state saved", "path", s.file, "bytes", len(data), "events", len(doc.EventLog))
	return SaveWritten, nil
}

// isLockError reports whether a replace failed because another process
// holds the destination.
func isLockError(err error) bool {
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// encodeTree copies node for serialization, writing Map-kind subtrees as
// ordered [key, value] pair lists.
func encodeTree(segs []string, node any) any {
	switch n := node.(type) {
	case map[string]any:
		if len(segs) > 0 && kindOfSegments(segs) == KindMap {
			pairs := make([]any, 0, len(n))
			for _, k := range sortedKeys(n) {
				pairs = append(pairs, []any{k, encodeTree(appendSeg(segs, k), n[k])})
			}
			return pairs
		}
		out := make(map[string]any, len(n))
		for k, child := range n {
			out[k] = encodeTree(appendSeg(segs, k), child)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, child := range n {
			out[i] = encodeTree(appendSeg(segs, strconv.Itoa(i)), child)
		}
		return out
	}
	return node
}

// decodeTree reverses encodeTree: pair lists at Map-kind paths become
// objects again.
func decodeTree(segs []string, node any) any {
	if len(segs) > 0 && kindOfSegments(segs) == KindMap {
		if m, ok := pairsToMap(node); ok {
			node = m
		}
	}
	switch n := node.(type) {
	case map[string]any:
		for k, child := range n {
			n[k] = decodeTree(appendSeg(segs, k), child)
		}
	case []any:
		for i, child := range n {
			n[i] = decodeTree(appendSeg(segs, strconv.Itoa(i)), child)
		}
	}
	return node
}

func pairsToMap(node any) (map[string]any, bool) {
	list, ok := node.([]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(list))
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, false
		}
		key, ok := pair[0].(string)
		if !ok {
			return nil, false
		}
		out[key] = pair[1]
	}
	return out, true
}

// artifactPath returns "<file>.<kind>.<unix ms>".
func artifactPath(file, kind string, at time.Time) string {
	return strings.Join([]string{file, kind, strconv.FormatInt(at.UnixMilli(), 10)}, ".")
}
