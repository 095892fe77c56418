// Package outbox implements the agent's durable event outbox (C7): a
// pending/inflight directory pair with atomic create-tmp→fsync→rename→
// claim→rename→ack-delete, giving at-least-once delivery across crashes and
// restarts. Grounded on unit_manager.rs's pending_dir/inflight_dir helpers
// and the teacher's atomic-write idiom (connection.saveState).
package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"m87.dev/shared/deploy"
)

const (
	pendingDirName  = "pending"
	inflightDirName = "inflight"
)

// Outbox is rooted at <data>/events.
type Outbox struct {
	dir         string
	pendingDir  string
	inflightDir string
}

// ClaimedEvent is a pending report moved into inflight, ready for delivery.
type ClaimedEvent struct {
	Path   string
	Report deploy.DeployReport
}

// Open ensures the pending/inflight directories exist under dataDir/events
// and returns an Outbox rooted there. Call Recover once at startup before
// the heartbeat writer begins claiming.
func Open(dataDir string) (*Outbox, error) {
	dir := filepath.Join(dataDir, "events")
	ob := &Outbox{
		dir:         dir,
		pendingDir:  filepath.Join(dir, pendingDirName),
		inflightDir: filepath.Join(dir, inflightDirName),
	}
	for _, d := range []string{ob.pendingDir, ob.inflightDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("outbox: mkdir %s: %w", d, err)
		}
	}
	return ob, nil
}

// Enqueue durably appends report. The rename into pending/ is the commit
// point — until it succeeds, the report does not exist as far as any other
// reader of this outbox is concerned.
func (o *Outbox) Enqueue(report deploy.DeployReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("outbox: marshal: %w", err)
	}

	name := fileName()
	final := filepath.Join(o.pendingDir, name)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("outbox: create %s: %w", tmp, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("outbox: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("outbox: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("outbox: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("outbox: rename %s: %w", tmp, err)
	}
	return nil
}

// Recover moves every inflight/*.json file back into pending/. Call once at
// startup (or whenever the heartbeat writer (re)starts): a crash between
// Claim and Ack must redeliver, which this makes possible.
func (o *Outbox) Recover() error {
	entries, err := os.ReadDir(o.inflightDir)
	if err != nil {
		return fmt.Errorf("outbox: read inflight dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(o.inflightDir, e.Name())
		dst := filepath.Join(o.pendingDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("outbox: recover %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Claim lists pending/*.json, sorts lexicographically (which is "oldest
// enqueued first" since filenames are sortable timestamps), and moves the
// first into inflight/. Returns ok=false if pending/ is empty.
func (o *Outbox) Claim() (*ClaimedEvent, bool, error) {
	entries, err := os.ReadDir(o.pendingDir)
	if err != nil {
		return nil, false, fmt.Errorf("outbox: read pending dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, false, nil
	}
	sort.Strings(names)
	name := names[0]

	src := filepath.Join(o.pendingDir, name)
	dst := filepath.Join(o.inflightDir, name)
	if err := os.Rename(src, dst); err != nil {
		return nil, false, fmt.Errorf("outbox: claim %s: %w", name, err)
	}

	body, err := os.ReadFile(dst)
	if err != nil {
		return nil, false, fmt.Errorf("outbox: read claimed %s: %w", name, err)
	}

	var report deploy.DeployReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, false, fmt.Errorf("outbox: parse claimed %s: %w", name, err)
	}

	return &ClaimedEvent{Path: dst, Report: report}, true, nil
}

// Ack deletes the inflight file, completing delivery.
func (o *Outbox) Ack(e *ClaimedEvent) error {
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("outbox: ack %s: %w", e.Path, err)
	}
	return nil
}

var lastNano int64

// fileName returns "<unix_ms>-<nanos>.json". nanos is the current time in
// Unix nanoseconds, bumped by 1 if it would collide with the previous
// call in the same process — enough anti-collision for a single writer.
func fileName() string {
	now := time.Now().UTC()
	ms := now.UnixMilli()
	n := now.UnixNano()
	if n <= lastNano {
		n = lastNano + 1
	}
	lastNano = n
	return fmt.Sprintf("%d-%d.json", ms, n)
}
