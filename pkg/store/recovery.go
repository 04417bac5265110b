package store

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Availability reports which downloadable artifacts exist for a session.
type Availability struct {
	Blend   bool `json:"blend"`
	Scripts bool `json:"scripts"`
	Render  bool `json:"render"`
}

// Availability inspects a session directory for downloadable artifacts.
func (s *Store) Availability(id string) Availability {
	dir := s.SessionDir(id)
	a := Availability{
		Blend:  fileExists(filepath.Join(dir, BlendFileName)),
		Render: hasRender(dir),
	}
	if entries, err := os.ReadDir(filepath.Join(dir, ScriptsDirName)); err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".py") {
				a.Scripts = true
				break
			}
		}
	}
	return a
}

// RecoveredStatus classifies a session directory at startup per the recovery
// rules. The rules are normative:
//
//   - completed: the directory holds a render image for some iteration AND a
//     saved .blend file, regardless of what session_state.json says (or
//     whether it exists).
//   - failed: the directory holds a concept document but no render, and its
//     last-modified time exceeds the staleness threshold.
//   - otherwise the state file (if any) is authoritative.
type RecoveredStatus string

// Recovery outcomes.
const (
	RecoveredCompleted RecoveredStatus = "completed"
	RecoveredFailed    RecoveredStatus = "failed"
	RecoveredUnknown   RecoveredStatus = "unknown"
)

// Recover applies the startup recovery rules to a session directory.
func (s *Store) Recover(id string, staleThreshold time.Duration, now time.Time) RecoveredStatus {
	dir := s.SessionDir(id)

	if hasRender(dir) && fileExists(filepath.Join(dir, BlendFileName)) {
		return RecoveredCompleted
	}

	if fileExists(filepath.Join(dir, ConceptFileName)) && !hasRender(dir) {
		if mtime, ok := lastModified(dir); ok && now.Sub(mtime) > staleThreshold {
			return RecoveredFailed
		}
	}

	return RecoveredUnknown
}

// hasRender reports whether any iteration's render image exists.
func hasRender(dir string) bool {
	entries, err := os.ReadDir(filepath.Join(dir, RendersDirName))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".png") {
			return true
		}
	}
	return false
}

// lastModified returns the newest mtime of the directory and its immediate
// children. Scanning one level deep is enough: every artifact write touches
// either the session dir or scripts/ or renders/.
func lastModified(dir string) (time.Time, bool) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, false
	}
	newest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest, true
	}
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
		if e.IsDir() {
			subEntries, err := os.ReadDir(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			for _, se := range subEntries {
				sfi, err := se.Info()
				if err != nil {
					continue
				}
				if sfi.ModTime().After(newest) {
					newest = sfi.ModTime()
				}
			}
		}
	}
	return newest, true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
