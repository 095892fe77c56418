package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// canonicalJSON marshals v to JSON. encoding/json already sorts map[string]X
// keys lexicographically and struct fields in declaration order, so this is
// already a canonical form — no separate key-sorting pass is needed, unlike
// languages whose marshalers iterate maps in random order.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// runSpecContent is the subset of RunSpec that the content-hash id covers.
// RunID is deliberately excluded: it is derived FROM this content, not part
// of it.
type runSpecContent struct {
	RunType   RunType           `json:"run_type"`
	Enabled   bool              `json:"enabled"`
	Workdir   Workdir           `json:"workdir"`
	Files     map[string]string `json:"files,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Steps     []Step            `json:"steps,omitempty"`
	OnFailure OnFailure         `json:"on_failure"`
	Stop      []Step            `json:"stop,omitempty"`
	Observe   *Observe          `json:"observe,omitempty"`
	Reboot    RebootSignal      `json:"reboot,omitempty"`
}

// RunSpecID computes the content-hash id for a run-spec. Two run-specs with
// identical content (ignoring RunID) hash to the same id.
func RunSpecID(r RunSpec) (string, error) {
	content := runSpecContent{
		RunType:   r.RunType,
		Enabled:   r.Enabled,
		Workdir:   r.Workdir,
		Files:     r.Files,
		Env:       r.Env,
		Steps:     r.Steps,
		OnFailure: r.OnFailure,
		Stop:      r.Stop,
		Observe:   r.Observe,
		Reboot:    r.Reboot,
	}
	b, err := canonicalJSON(content)
	if err != nil {
		return "", fmt.Errorf("deploy: hash run-spec: %w", err)
	}
	return hashHex(b), nil
}

// rollbackPolicyID hashes a rollback policy (or the fixed string "none" if
// absent) so it can be folded into the revision id.
func rollbackPolicyID(p *RollbackPolicy) (string, error) {
	if p == nil {
		return "none", nil
	}
	b, err := canonicalJSON(p)
	if err != nil {
		return "", fmt.Errorf("deploy: hash rollback policy: %w", err)
	}
	return hashHex(b), nil
}

// RevisionID computes the content-hash id for a revision: SHA-256 over the
// ordered list of child run-spec ids and the rollback-policy id. Any two
// revisions built from the same set of child ids (in the same order) and the
// same rollback policy hash to the same revision id, regardless of how the
// caller constructed the in-memory maps that produced those ids.
func RevisionID(jobs []RunSpec, rollback *RollbackPolicy) (string, error) {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.RunID
	}
	rbID, err := rollbackPolicyID(rollback)
	if err != nil {
		return "", err
	}

	b, err := canonicalJSON(struct {
		JobIDs   []string `json:"job_ids"`
		Rollback string   `json:"rollback"`
	}{JobIDs: ids, Rollback: rbID})
	if err != nil {
		return "", fmt.Errorf("deploy: hash revision: %w", err)
	}
	return hashHex(b), nil
}

// FillIDs computes and sets RunID on every job, then RevisionID on rev.
// Use when constructing a revision from caller-supplied run-specs that don't
// yet carry content-hash ids.
func FillIDs(rev *DeploymentRevision) error {
	for i := range rev.Jobs {
		id, err := RunSpecID(rev.Jobs[i])
		if err != nil {
			return err
		}
		rev.Jobs[i].RunID = id
	}
	id, err := RevisionID(rev.Jobs, rev.Rollback)
	if err != nil {
		return err
	}
	rev.RevisionID = id
	return nil
}
