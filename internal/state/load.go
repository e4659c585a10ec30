package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/roach88/vigil/internal/metrics"
)

// LoadOutcome describes where the loaded state came from.
type LoadOutcome string

const (
	// LoadFresh means no document existed; the store holds DefaultState.
	LoadFresh LoadOutcome = "fresh"
	// LoadRestored means the document parsed and was applied.
	LoadRestored LoadOutcome = "loaded"
	// LoadFromBackup means the document was corrupt and <file>.backup was applied.
	LoadFromBackup LoadOutcome = "backup"
	// LoadReset means the document was corrupt, no usable backup existed,
	// and the store was reinitialized to DefaultState.
	LoadReset LoadOutcome = "reset"
)

// LoadReport summarizes a Load.
type LoadReport struct {
	Outcome       LoadOutcome    `json:"outcome"`
	Path          string         `json:"path"`
	Events        int            `json:"events"`
	Repairs       int            `json:"repairs"`
	ParseError    string         `json:"parseError,omitempty"`
	RecoveredPath string         `json:"recoveredPath,omitempty"`
	CorruptedPath string         `json:"corruptedPath,omitempty"`
	Salvaged      map[string]int `json:"salvaged,omitempty"`
}

// recoveryArtifact is the content of <file>.recovered.<ms>.
type recoveryArtifact struct {
	Timestamp  string           `json:"timestamp"`
	Source     string           `json:"source"`
	ParseError string           `json:"parseError"`
	Salvaged   map[string][]any `json:"salvaged"`
}

// Load replaces the store's state with the persisted document.
//
// A corrupt document is not an error: the recoverable parts are written
// to a recovery artifact and the store falls back to the backup or the
// default shape. A returned error means the filesystem failed.
func (s *Store) Load(ctx context.Context) (LoadReport, error) {
	report := LoadReport{Path: s.file}
	if s.file == "" {
		report.Outcome = LoadFresh
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return report, &PersistenceError{Op: "load", Path: s.file, Err: err}
	}

	data, err := os.ReadFile(s.file)
	if errors.Is(err, fs.ErrNotExist) {
		s.applyDefault()
		report.Outcome = LoadFresh
		metrics.LoadOutcomesTotal.WithLabelValues(string(report.Outcome)).Inc()
		return report, nil
	}
	if err != nil {
		return report, &PersistenceError{Op: "read", Path: s.file, Err: err}
	}

	doc, parseErr := parseDocument(data)
	if parseErr == nil {
		report.Outcome = LoadRestored
		report.Repairs, report.Events = s.apply(doc)
		s.logger.Info("state loaded", "path", s.file, "events", report.Events, "repairs", report.Repairs)
		metrics.LoadOutcomesTotal.WithLabelValues(string(report.Outcome)).Inc()
		return report, nil
	}

	report.ParseError = parseErr.Error()
	s.logger.Error("state document corrupt, salvaging", "path", s.file, "error", parseErr)
	recErr := s.salvageCorrupt(data, parseErr, &report)

	if backup, err := os.ReadFile(s.file + ".backup"); err == nil {
		if bdoc, err := parseDocument(backup); err == nil {
			report.Outcome = LoadFromBackup
			report.Repairs, report.Events = s.apply(bdoc)
			s.logger.Warn("state restored from backup", "path", s.file+".backup", "events", report.Events)
		}
	}
	if report.Outcome == "" {
		report.Outcome = LoadReset
		s.applyDefault()
		s.logger.Warn("state reinitialized to default shape", "path", s.file)
	}
	metrics.LoadOutcomesTotal.WithLabelValues(string(report.Outcome)).Inc()
	return report, recErr
}

// salvageCorrupt writes the salvage artifact and keeps a copy of the corrupt file.
func (s *Store) salvageCorrupt(data []byte, parseErr error, report *LoadReport) error {
	now := s.clock.Now()
	salvaged := Salvage(data)

	report.Salvaged = make(map[string]int, len(salvaged))
	for k, v := range salvaged {
		report.Salvaged[k] = len(v)
	}

	var errs []error
	artifact := recoveryArtifact{
		Timestamp:  now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Source:     s.file,
		ParseError: parseErr.Error(),
		Salvaged:   salvaged,
	}
	out, err := json.MarshalIndent(artifact, "", "  ")
	if err == nil {
		report.RecoveredPath = artifactPath(s.file, "recovered", now)
		err = os.WriteFile(report.RecoveredPath, out, 0o644)
	}
	if err != nil {
		report.RecoveredPath = ""
		errs = append(errs, &PersistenceError{Op: "write recovery artifact", Path: s.file, Err: err})
	}

	report.CorruptedPath = artifactPath(s.file, "corrupted", now)
	if err := os.WriteFile(report.CorruptedPath, data, 0o644); err != nil {
		report.CorruptedPath = ""
		errs = append(errs, &PersistenceError{Op: "keep corrupt copy", Path: s.file, Err: err})
	}

	s.logger.Info("state salvage complete",
		"recovered", report.RecoveredPath,
		"corrupted", report.CorruptedPath,
		"salvaged", report.Salvaged)
	return errors.Join(errs...)
}

func parseDocument(data []byte) (document, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, err
	}
	if doc.State == nil {
		return doc, fmt.Errorf("document has no state object")
	}
	return doc, nil
}

// apply installs doc as the current state: pair lists become maps, the
// repair pass restores index-keyed objects to lists, missing containers are
// filled, and the change log resumes from the persisted events.
func (s *Store) apply(doc document) (repairs, events int) {
	tree := decodeTree(nil, doc.State).(map[string]any)
	conformed, warns := conform("", tree)
	tree = conformed.(map[string]any)
	ensureShape(tree)
	for _, w := range warns {
		if w.Kind == WarnLegacyListRepair {
			repairs++
		}
	}

	evs := append([]ChangeEvent(nil), doc.EventLog...)
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Seq < evs[j].Seq })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = tree
	s.history.reset()
	s.seq = 0
	for _, ev := range evs {
		s.history.push(ev)
		if ev.Seq > s.seq {
			s.seq = ev.Seq
		}
		if ev.Timestamp.After(s.lastTS) {
			s.lastTS = ev.Timestamp
		}
	}
	s.recordWarningsLocked(warns)
	return repairs, len(evs)
}

func (s *Store) applyDefault() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = DefaultState()
	s.history.reset()
}
