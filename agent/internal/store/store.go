// Package store implements the deployment store (C8): on-disk persistence
// of the desired and previous revisions, and per-workdir local run state.
// Grounded on unit_manager.rs's RevisionStore (desired_path/previous_path,
// copy-then-overwrite) and UnitLocalState (sanitized per-unit state file),
// using the teacher's atomic-write idiom (connection.saveState).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"m87.dev/shared/deploy"
)

const (
	desiredFileName  = "desired_units.json"
	previousFileName = "previous_units.json"
	runStateFileName = "run_state.json"
)

// Store is rooted at dataDir (<data> in spec.md's path diagrams).
type Store struct {
	dataDir string
}

// Open returns a Store rooted at dataDir, creating the directory if needed.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", dataDir, err)
	}
	return &Store{dataDir: dataDir}, nil
}

func (s *Store) desiredPath() string  { return filepath.Join(s.dataDir, desiredFileName) }
func (s *Store) previousPath() string { return filepath.Join(s.dataDir, previousFileName) }

// LoadDesired reads the current desired revision, or returns (nil, nil) if
// none has ever been written.
func (s *Store) LoadDesired() (*deploy.DeploymentRevision, error) {
	return readRevision(s.desiredPath())
}

// LoadPrevious reads the revision that was desired immediately before the
// current one, or (nil, nil) if absent.
func (s *Store) LoadPrevious() (*deploy.DeploymentRevision, error) {
	return readRevision(s.previousPath())
}

// SetDesired atomically copies the current desired_units.json over
// previous_units.json (if the current is absent, previous is left absent),
// then writes rev as the new desired. Short-circuits to a no-op when rev's
// revision id already matches the current desired — set_desired is
// idempotent on hash.
func (s *Store) SetDesired(rev *deploy.DeploymentRevision) (changed bool, err error) {
	current, err := s.LoadDesired()
	if err != nil {
		return false, err
	}
	if current != nil && current.RevisionID == rev.RevisionID {
		return false, nil
	}

	if current != nil {
		if err := writeJSONAtomic(s.previousPath(), current); err != nil {
			return false, fmt.Errorf("store: copy desired to previous: %w", err)
		}
	}
	if err := writeJSONAtomic(s.desiredPath(), rev); err != nil {
		return false, fmt.Errorf("store: write desired: %w", err)
	}
	return true, nil
}

func readRevision(path string) (*deploy.DeploymentRevision, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	var rev deploy.DeploymentRevision
	if err := json.Unmarshal(body, &rev); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	return &rev, nil
}

// workdirSanitizeReplacer matches unit_manager.rs's filesystem-safe run-id
// sanitization: these characters are invalid (or meaningful) in paths on at
// least one of Linux/macOS/Windows.
var workdirSanitizeReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
)

// SanitizeRunID makes runID safe to use as a single path component.
func SanitizeRunID(runID string) string {
	return workdirSanitizeReplacer.Replace(runID)
}

// ResolveWorkdir returns the absolute working directory for a run-spec:
// spec.Workdir.Path if set, else the deterministic persistent/ephemeral
// path derived from dataDir, run id, and content hash.
func (s *Store) ResolveWorkdir(spec deploy.RunSpec) string {
	if spec.Workdir.Path != "" {
		return spec.Workdir.Path
	}
	switch spec.Workdir.Mode {
	case deploy.WorkdirEphemeral:
		return filepath.Join(s.dataDir, "tmp", "jobs", SanitizeRunID(spec.RunID))
	default:
		return filepath.Join(s.dataDir, "jobs", SanitizeRunID(spec.RunID))
	}
}

// RunStatePath returns the run_state.json path inside a resolved workdir.
func RunStatePath(workdir string) string {
	return filepath.Join(workdir, runStateFileName)
}

// LoadRunState reads the local run state from workdir, returning a zero
// value (not an error) if the file does not yet exist.
func LoadRunState(workdir string) (*deploy.LocalRunState, error) {
	path := RunStatePath(workdir)
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &deploy.LocalRunState{}, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	var st deploy.LocalRunState
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	return &st, nil
}

// SaveRunState writes st to workdir/run_state.json atomically. workdir must
// already exist.
func SaveRunState(workdir string, st *deploy.LocalRunState) error {
	return writeJSONAtomic(RunStatePath(workdir), st)
}

// writeJSONAtomic serialises v and writes it via create-tmp→fsync→rename,
// the same atomic-write idiom the teacher uses for persisted agent state.
func writeJSONAtomic(path string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
