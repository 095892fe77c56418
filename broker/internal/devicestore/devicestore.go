// Package devicestore is the broker's per-device persistence: the
// currently-assigned deployment revision and a bounded tail of recent
// deploy reports, one JSON file per device under dataDir. Grounded on the
// agent's internal/store atomic-write idiom (create-temp, fsync, rename),
// generalised from "one agent's own state" to "one broker's view of many
// devices" since the REST/MongoDB persistence layer this would otherwise
// use is out of scope (spec §1).
package devicestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"m87.dev/shared/deploy"
)

// maxReportHistory bounds how many recent reports are retained per device;
// older entries are dropped on write.
const maxReportHistory = 50

type deviceRecord struct {
	DesiredRevision *deploy.DeploymentRevision `json:"desired_revision,omitempty"`
	Reports         []reportEntry              `json:"reports,omitempty"`
}

type reportEntry struct {
	ReceivedAt time.Time           `json:"received_at"`
	Report     deploy.DeployReport `json:"report"`
}

// Store is a broker-side ingest.DesiredRevisionStore and ingest.ReportSink,
// rooted at dataDir.
type Store struct {
	dataDir string

	mu      sync.Mutex
	records map[string]*deviceRecord
}

// Open returns a Store rooted at dataDir, creating it if needed. Existing
// per-device files are not eagerly loaded; each is read lazily on first
// access and cached.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("devicestore: mkdir %s: %w", dataDir, err)
	}
	return &Store{dataDir: dataDir, records: make(map[string]*deviceRecord)}, nil
}

func (s *Store) path(shortID string) string {
	return filepath.Join(s.dataDir, shortID+".json")
}

func (s *Store) load(shortID string) (*deviceRecord, error) {
	if rec, ok := s.records[shortID]; ok {
		return rec, nil
	}
	body, err := os.ReadFile(s.path(shortID))
	if err != nil {
		if os.IsNotExist(err) {
			rec := &deviceRecord{}
			s.records[shortID] = rec
			return rec, nil
		}
		return nil, fmt.Errorf("devicestore: read %s: %w", shortID, err)
	}
	var rec deviceRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("devicestore: parse %s: %w", shortID, err)
	}
	s.records[shortID] = &rec
	return &rec, nil
}

// DesiredRevision implements ingest.DesiredRevisionStore.
func (s *Store) DesiredRevision(ctx context.Context, shortID string) (*deploy.DeploymentRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(shortID)
	if err != nil {
		return nil, err
	}
	return rec.DesiredRevision, nil
}

// SetDesiredRevision assigns rev as shortID's target deployment, persisting
// it to disk. Called from the operator-facing control surface, not from the
// heartbeat path.
func (s *Store) SetDesiredRevision(shortID string, rev *deploy.DeploymentRevision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(shortID)
	if err != nil {
		return err
	}
	rec.DesiredRevision = rev
	return s.save(shortID, rec)
}

// RecordReport implements ingest.ReportSink: append report to shortID's
// bounded history and persist it, dropping any report whose revision no
// longer exists in the desired set (spec §3) — i.e. one that doesn't match
// the currently-desired revision. A device with no desired revision yet has
// no basis for comparison, so its reports are accepted unfiltered.
func (s *Store) RecordReport(ctx context.Context, shortID string, report deploy.DeployReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(shortID)
	if err != nil {
		return
	}

	if rec.DesiredRevision != nil {
		if rid := report.RevisionIDOf(); rid != "" && rid != rec.DesiredRevision.RevisionID {
			return
		}
	}

	rec.Reports = append(rec.Reports, reportEntry{ReceivedAt: time.Now().UTC(), Report: report})
	if len(rec.Reports) > maxReportHistory {
		rec.Reports = rec.Reports[len(rec.Reports)-maxReportHistory:]
	}
	s.save(shortID, rec)
}

// Reports returns a copy of shortID's recent report history, oldest first.
func (s *Store) Reports(shortID string) ([]deploy.DeployReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(shortID)
	if err != nil {
		return nil, err
	}
	out := make([]deploy.DeployReport, len(rec.Reports))
	for i, e := range rec.Reports {
		out[i] = e.Report
	}
	return out, nil
}

func (s *Store) save(shortID string, rec *deviceRecord) error {
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := s.dataDir
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
	if err := os.Rename(tmpName, s.path(shortID)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
