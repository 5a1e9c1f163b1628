// Package state persists per-run workflow progress.
//
// Each run is identified by an opaque run id and owns one JSON record at
// <root>/<run_id>/state.json. Pipelines for a single run execute
// sequentially by design, so the store guards against torn reads (write
// then rename) but not against concurrent writers to the same run.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound indicates no state record exists for a run id. It is
// distinct from an empty state: a well-formed but never-created id loads
// as ErrNotFound, never as a zero State.
var ErrNotFound = errors.New("no state found for run id")

// IssueClass is the closed set of change-type tags an issue can be
// classified into. Values carry the slash-command form used in prompts.
type IssueClass string

const (
	ClassChore   IssueClass = "/chore"
	ClassBug     IssueClass = "/bug"
	ClassFeature IssueClass = "/feature"
)

// Valid reports whether c is one of the known classifications.
func (c IssueClass) Valid() bool {
	switch c {
	case ClassChore, ClassBug, ClassFeature:
		return true
	}
	return false
}

// State is the durable record of a single workflow run.
//
// RunID is immutable once created. History only grows; duplicates mean
// "this phase ran again" and are preserved. At most one worktree path is
// associated with a run at a time, and an allocated port stays put unless
// the worktree itself is recreated.
type State struct {
	RunID        string     `json:"run_id"`
	IssueNumber  string     `json:"issue_number,omitempty"`
	BranchName   string     `json:"branch_name,omitempty"`
	PlanFile     string     `json:"plan_file,omitempty"`
	PatchFile    string     `json:"patch_file,omitempty"`
	IssueClass   IssueClass `json:"issue_class,omitempty"`
	WorktreePath string     `json:"worktree_path,omitempty"`
	BackendPort  int        `json:"backend_port,omitempty"`
	ModelSet     string     `json:"model_set,omitempty"`
	History      []string   `json:"all_adws"`
}

// AppendHistory records that a sub-workflow executed against this run.
// Append-only: never deduplicated, never reordered.
func (s *State) AppendHistory(name string) {
	s.History = append(s.History, name)
}

// NewRunID generates a fresh 8-character run id.
func NewRunID() string {
	id := uuid.New().String()
	return strings.ReplaceAll(id, "-", "")[:8]
}

// Store reads and writes state records under a root directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir (the agents root).
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory.
func (st *Store) Root() string {
	return st.root
}

// RunDir returns the artifact directory for a run id.
func (st *Store) RunDir(runID string) string {
	return filepath.Join(st.root, runID)
}

func (st *Store) statePath(runID string) string {
	return filepath.Join(st.RunDir(runID), "state.json")
}

// Create returns a new state with defaults for runID. Nothing is written
// until Save is called.
func (st *Store) Create(runID string) *State {
	return &State{
		RunID:    runID,
		ModelSet: "base",
		History:  []string{},
	}
}

// Load reads the state record for runID. Returns ErrNotFound when no
// record exists.
func (st *Store) Load(runID string) (*State, error) {
	data, err := os.ReadFile(st.statePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing state for %s: %w", runID, err)
	}
	if s.RunID == "" {
		s.RunID = runID
	}
	return &s, nil
}

// Save persists the state atomically (temp file + rename) so a reader
// never observes a half-written record. The label names the pipeline step
// performing the save and is recorded for auditing.
func (st *Store) Save(s *State, label string) error {
	if s.RunID == "" {
		return errors.New("cannot save state without a run id")
	}

	dir := st.RunDir(s.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, st.statePath(s.RunID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("saving state (%s): %w", label, err)
	}
	return nil
}

// Delete removes the entire run directory: state record, transcripts and
// saved prompts. Used only by the out-of-band cleanup path.
func (st *Store) Delete(runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	return os.RemoveAll(st.RunDir(runID))
}

// List returns the run ids that have a state record, in directory order.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing state root: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(st.statePath(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
