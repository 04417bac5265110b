// Package store implements the per-session artifact layout on the local
// filesystem. All artifacts are write-once: data goes to a .tmp file in the
// destination directory, is fsynced, then renamed into place. State writes
// are additionally serialized by a per-session lock.
//
// Layout under the configured root:
//
//	<root>/<session-id>/
//	  session_state.json
//	  concept.md
//	  scripts/NN_<role>_iterK.py
//	  scripts/combined_iterK.py
//	  renders/render_iterK.png
//	  scene.blend
//	  metadata.json
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Artifact kind constants used by WriteArtifact.
type Kind string

// Artifact kinds.
const (
	KindConcept  Kind = "concept"
	KindScript   Kind = "script"
	KindCombined Kind = "combined"
	KindMetadata Kind = "metadata"
	KindState    Kind = "state"
)

// Well-known filenames inside a session directory.
const (
	StateFileName    = "session_state.json"
	ConceptFileName  = "concept.md"
	MetadataFileName = "metadata.json"
	BlendFileName    = "scene.blend"
	ScriptsDirName   = "scripts"
	RendersDirName   = "renders"
)

// Store manages session directories under a single root.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session state locks
}

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: root, Err: err}
	}
	return &Store{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the configured artifact root.
func (s *Store) Root() string { return s.root }

// SessionDir returns the directory for a session id without creating it.
func (s *Store) SessionDir(id string) string {
	return filepath.Join(s.root, id)
}

// OpenSession creates the session directory tree and returns its path.
// Idempotent: opening an existing session is not an error.
func (s *Store) OpenSession(id string) (string, error) {
	dir := s.SessionDir(id)
	for _, d := range []string{dir, filepath.Join(dir, ScriptsDirName), filepath.Join(dir, RendersDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", &StorageError{Op: "mkdir", Path: d, Err: err}
		}
	}
	return dir, nil
}

// StageScriptName builds the per-stage artifact filename. The ordinal and
// role encode the stage; the suffix encodes the iteration, so every
// (stage, iteration) pair maps to a unique, reconstructible name.
func StageScriptName(ordinal, role string, iteration int) string {
	return fmt.Sprintf("%s_%s_iter%d.py", ordinal, role, iteration)
}

// CombinedScriptName builds the combined script filename for an iteration.
func CombinedScriptName(iteration int) string {
	return fmt.Sprintf("combined_iter%d.py", iteration)
}

// RenderName builds the render image filename for an iteration.
func RenderName(iteration int) string {
	return fmt.Sprintf("render_iter%d.png", iteration)
}

// WriteStageScript atomically writes a per-stage Python fragment.
func (s *Store) WriteStageScript(id, ordinal, role string, iteration int, data []byte) (string, error) {
	path := filepath.Join(s.SessionDir(id), ScriptsDirName, StageScriptName(ordinal, role, iteration))
	if err := s.atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteCombinedScript atomically writes the assembled script for an iteration.
func (s *Store) WriteCombinedScript(id string, iteration int, data []byte) (string, error) {
	path := filepath.Join(s.SessionDir(id), ScriptsDirName, CombinedScriptName(iteration))
	if err := s.atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteConcept atomically writes the concept document.
func (s *Store) WriteConcept(id string, data []byte) (string, error) {
	path := filepath.Join(s.SessionDir(id), ConceptFileName)
	if err := s.atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteMetadata atomically writes metadata.json.
func (s *Store) WriteMetadata(id string, data []byte) (string, error) {
	path := filepath.Join(s.SessionDir(id), MetadataFileName)
	if err := s.atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// AppendIterationMetadata merges one iteration record into the session's
// metadata.json "iterations" list. Read-modify-write runs under the session
// lock; a missing or unreadable metadata file starts a fresh document.
func (s *Store) AppendIterationMetadata(id string, record map[string]any) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.SessionDir(id), MetadataFileName)
	meta := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &meta)
	}
	iterations, _ := meta["iterations"].([]any)
	meta["iterations"] = append(iterations, record)

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return &StorageError{Op: "marshal", Path: path, Err: err}
	}
	return s.atomicWrite(path, data)
}

// RenderPath returns where Blender is told to write the iteration's render.
func (s *Store) RenderPath(id string, iteration int) string {
	return filepath.Join(s.SessionDir(id), RendersDirName, RenderName(iteration))
}

// BlendPath returns where the combined script saves the .blend file.
func (s *Store) BlendPath(id string) string {
	return filepath.Join(s.SessionDir(id), BlendFileName)
}

// ScriptsDir returns the session's scripts directory.
func (s *Store) ScriptsDir(id string) string {
	return filepath.Join(s.SessionDir(id), ScriptsDirName)
}

// ReadArtifact reads an artifact file previously written (or produced by the
// executor) under the store root.
func (s *Store) ReadArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// AtomicWriteState writes session_state.json under the per-session lock.
// The lock serializes concurrent state transitions; the tmp+rename keeps the
// file always whole on disk.
func (s *Store) AtomicWriteState(id string, data []byte) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	return s.atomicWrite(filepath.Join(s.SessionDir(id), StateFileName), data)
}

// LoadState reads a session's state file. A missing session directory or a
// missing state file returns (nil, nil), not an error.
func (s *Store) LoadState(id string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.SessionDir(id), StateFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "read", Path: s.SessionDir(id), Err: err}
	}
	return data, nil
}

// ListSessions returns the ids of all session directories under the root.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &StorageError{Op: "readdir", Path: s.root, Err: err}
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// sessionLock returns (creating if needed) the state lock for a session.
func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// atomicWrite writes data to path via tmp file, fsync, rename.
func (s *Store) atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &StorageError{Op: "create", Path: tmp, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &StorageError{Op: "write", Path: tmp, Err: err}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &StorageError{Op: "fsync", Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return &StorageError{Op: "close", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
