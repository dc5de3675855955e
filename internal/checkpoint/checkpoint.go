// Package checkpoint persists orchestrator progress so an interrupted
// run can resume without re-querying completed work.
//
// The state is one JSON document replaced atomically (write to a sibling
// temp file, fsync, rename). A corrupt file is reported as ErrCorrupt;
// callers log a warning and proceed as if no checkpoint existed, they
// never silently ignore it.
package checkpoint

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrCorrupt is returned by Load when the file exists but cannot be
// parsed or lacks required fields.
var ErrCorrupt = errors.New("checkpoint: corrupt state file")

// Counters are the progress numbers carried across restarts.
type Counters struct {
	PagesScraped     int64 `json:"pages_scraped"`
	RevisionsScraped int64 `json:"revisions_scraped"`
	FilesDownloaded  int64 `json:"files_downloaded"`
}

// State is the serialized checkpoint document.
type State struct {
	RunMode             string    `json:"run_mode"`
	Fingerprint         string    `json:"fingerprint"`
	Namespaces          []int     `json:"namespaces"`
	CompletedNamespaces []int     `json:"completed_namespaces"`
	CurrentNamespace    *int      `json:"current_namespace"`
	CompletedPageIDs    []int64   `json:"completed_page_ids"`
	Stats               Counters  `json:"stats"`
	Timestamp           time.Time `json:"timestamp"`
}

// Fingerprint derives a stable digest of the run configuration. A
// checkpoint is only honoured when the fingerprint of the resuming run
// matches the one that wrote it.
func Fingerprint(mode string, namespaces []int, rateLimit float64) string {
	ns := append([]int(nil), namespaces...)
	sort.Ints(ns)
	parts := make([]string, 0, len(ns)+2)
	parts = append(parts, mode)
	for _, n := range ns {
		parts = append(parts, strconv.Itoa(n))
	}
	parts = append(parts, strconv.FormatFloat(rateLimit, 'f', -1, 64))
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Store manages the checkpoint file. All mutating methods persist before
// returning, so a crash after a call cannot lose the recorded progress.
type Store struct {
	mu    sync.Mutex
	path  string
	state *State
}

// NewStore creates a Store for the given path. Nothing is read or
// written until Load or Begin is called.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string { return s.path }

// Load reads the checkpoint from disk. A missing file yields (nil, nil);
// a malformed one yields ErrCorrupt.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	if st.RunMode == "" || st.Fingerprint == "" || st.Namespaces == nil {
		return nil, fmt.Errorf("%w: missing required fields", ErrCorrupt)
	}

	s.state = &st
	return &st, nil
}

// Begin initializes fresh in-memory state and persists it.
func (s *Store) Begin(mode string, namespaces []int, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = &State{
		RunMode:             mode,
		Fingerprint:         fingerprint,
		Namespaces:          append([]int(nil), namespaces...),
		CompletedNamespaces: []int{},
		CompletedPageIDs:    []int64{},
		Timestamp:           time.Now().UTC(),
	}
	return s.flushLocked()
}

// Resume adopts previously loaded state as the live state.
func (s *Store) Resume(st *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// EnterNamespace records ns as the in-flight namespace and clears the
// per-namespace completed page set. The completed-page list is bounded:
// it only ever holds pages of the current namespace.
func (s *Store) EnterNamespace(ns int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return errors.New("checkpoint: no active state")
	}
	if s.state.CurrentNamespace != nil && *s.state.CurrentNamespace == ns {
		return nil
	}
	n := ns
	s.state.CurrentNamespace = &n
	s.state.CompletedPageIDs = []int64{}
	return s.flushLocked()
}

// MarkPageComplete records a durably committed page. Idempotent.
func (s *Store) MarkPageComplete(pageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return errors.New("checkpoint: no active state")
	}
	for _, id := range s.state.CompletedPageIDs {
		if id == pageID {
			return nil
		}
	}
	s.state.CompletedPageIDs = append(s.state.CompletedPageIDs, pageID)
	return s.flushLocked()
}

// MarkNamespaceComplete records a fully processed namespace. Idempotent.
func (s *Store) MarkNamespaceComplete(ns int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return errors.New("checkpoint: no active state")
	}
	for _, done := range s.state.CompletedNamespaces {
		if done == ns {
			return nil
		}
	}
	s.state.CompletedNamespaces = append(s.state.CompletedNamespaces, ns)
	if s.state.CurrentNamespace != nil && *s.state.CurrentNamespace == ns {
		s.state.CurrentNamespace = nil
		s.state.CompletedPageIDs = []int64{}
	}
	return s.flushLocked()
}

// UpdateStats persists the latest progress counters.
func (s *Store) UpdateStats(c Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return errors.New("checkpoint: no active state")
	}
	s.state.Stats = c
	return s.flushLocked()
}

// Delete removes the checkpoint file; called on successful completion.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: delete %s: %w", s.path, err)
	}
	return nil
}

// flushLocked writes the state atomically. Write failures are fatal to
// the run because resumability can no longer be guaranteed.
func (s *Store) flushLocked() error {
	s.state.Timestamp = time.Now().UTC()

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("checkpoint: rename into place: %w", err)
	}
	return nil
}
