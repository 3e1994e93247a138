// Package store provides durable storage of project state documents as
// JSON files, one per project name, plus named checkpoint snapshots.
// Writes are atomic (temp file + rename) and serialized per project by an
// exclusive lock file, so a reader never observes a partial document and
// two writers never interleave.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"codeforge/pkg/faults"
	"codeforge/pkg/logx"
	"codeforge/pkg/proto"
)

const (
	projectFileSuffix = ".project.json"
	checkpointInfix   = "_checkpoint_"
)

// Store persists project state documents under a base directory.
type Store struct {
	baseDir string
	logger  *logx.Logger

	// lockTimeout bounds how long a writer polls for the per-project lock.
	lockTimeout time.Duration
}

// NewStore creates a store rooted at baseDir, creating it if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, faults.Wrap(faults.KindInfrastructure, err, "failed to create projects directory %s", baseDir)
	}
	return &Store{
		baseDir:     baseDir,
		logger:      logx.NewLogger("store"),
		lockTimeout: 10 * time.Second,
	}, nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeName maps an arbitrary project name to a filesystem-safe form.
func SanitizeName(name string) string {
	sanitized := unsafeNameChars.ReplaceAllString(name, "_")
	if sanitized == "" {
		sanitized = "unnamed"
	}
	return sanitized
}

// Save serializes the state and atomically replaces the live document for
// the project name. The lock serializes concurrent writers on the same
// project.
func (s *Store) Save(name string, state *proto.ProjectState) error {
	if name == "" {
		return fmt.Errorf("project name cannot be empty")
	}
	if state == nil {
		return fmt.Errorf("project state cannot be nil")
	}

	unlock, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	defer unlock()

	state.Touch()
	return s.writeDocument(s.projectPath(name), state)
}

// Load reads the live document for a project name. A missing document
// returns (nil, nil).
func (s *Store) Load(name string) (*proto.ProjectState, error) {
	return s.readDocument(s.projectPath(name))
}

// Delete removes the live document for a project name. Missing documents
// are not an error.
func (s *Store) Delete(name string) error {
	unlock, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	defer unlock()

	path := s.projectPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return faults.Wrap(faults.KindInfrastructure, err, "failed to delete project document %s", path)
	}
	return nil
}

// UpdateStatus loads, mutates the status and last error, and re-saves the
// live document under the project lock.
func (s *Store) UpdateStatus(name string, status proto.ProjectStatus, lastErr *proto.ErrorRecord) error {
	unlock, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.readDocument(s.projectPath(name))
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("project %s has no persisted state", name)
	}

	state.Metadata.Status = status
	if lastErr != nil {
		state.Execution.LastError = lastErr
	}
	state.Touch()
	return s.writeDocument(s.projectPath(name), state)
}

// CreateCheckpoint snapshots the live document under a derived checkpoint
// name and records the checkpoint id on the live document. Checkpoints are
// append-only: an existing checkpoint id is never overwritten.
func (s *Store) CreateCheckpoint(name, checkpointID string) error {
	if checkpointID == "" {
		return fmt.Errorf("checkpoint id cannot be empty")
	}

	unlock, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.readDocument(s.projectPath(name))
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("cannot checkpoint project %s: no persisted state", name)
	}

	checkpointPath := s.checkpointPath(name, checkpointID)
	if _, statErr := os.Stat(checkpointPath); statErr == nil {
		return fmt.Errorf("checkpoint %s already exists for project %s", checkpointID, name)
	}

	if err := s.writeDocument(checkpointPath, state); err != nil {
		return err
	}

	state.Execution.LastCheckpointID = checkpointID
	state.Touch()
	return s.writeDocument(s.projectPath(name), state)
}

// RestoreFromCheckpoint copies a checkpoint's contents back over the live
// document, noting which checkpoint was used.
func (s *Store) RestoreFromCheckpoint(name, checkpointID string) (*proto.ProjectState, error) {
	unlock, err := s.acquireLock(name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	checkpoint, err := s.readDocument(s.checkpointPath(name, checkpointID))
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, fmt.Errorf("checkpoint %s not found for project %s", checkpointID, name)
	}

	checkpoint.Execution.RestoredFrom = checkpointID
	checkpoint.Touch()
	if err := s.writeDocument(s.projectPath(name), checkpoint); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// ListCheckpoints returns the checkpoint ids recorded for a project.
func (s *Store) ListCheckpoints(name string) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, faults.Wrap(faults.KindInfrastructure, err, "failed to read projects directory")
	}

	prefix := SanitizeName(name) + checkpointInfix
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fname := entry.Name()
		if strings.HasPrefix(fname, prefix) && strings.HasSuffix(fname, projectFileSuffix) {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(fname, prefix), projectFileSuffix))
		}
	}
	return ids, nil
}

// ListProjects returns the names of projects with a live document.
func (s *Store) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, faults.Wrap(faults.KindInfrastructure, err, "failed to read projects directory")
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fname := entry.Name()
		if !strings.HasSuffix(fname, projectFileSuffix) || strings.Contains(fname, checkpointInfix) {
			continue
		}
		names = append(names, strings.TrimSuffix(fname, projectFileSuffix))
	}
	return names, nil
}

func (s *Store) projectPath(name string) string {
	return filepath.Join(s.baseDir, SanitizeName(name)+projectFileSuffix)
}

func (s *Store) checkpointPath(name, checkpointID string) string {
	return filepath.Join(s.baseDir, SanitizeName(name)+checkpointInfix+SanitizeName(checkpointID)+projectFileSuffix)
}

// writeDocument marshals and atomically replaces a document: write to a
// temp file in the same directory, then rename over the target.
func (s *Store) writeDocument(path string, state *proto.ProjectState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return faults.Wrap(faults.KindSerialization, err, "failed to marshal project state")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return faults.Wrap(faults.KindInfrastructure, err, "failed to create temp file for %s", path)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return faults.Wrap(faults.KindInfrastructure, err, "failed to write temp file for %s", path)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return faults.Wrap(faults.KindInfrastructure, err, "failed to sync temp file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return faults.Wrap(faults.KindInfrastructure, err, "failed to close temp file for %s", path)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return faults.Wrap(faults.KindInfrastructure, err, "failed to replace document %s", path)
	}
	return nil
}

func (s *Store) readDocument(path string) (*proto.ProjectState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.KindInfrastructure, err, "failed to read document %s", path)
	}

	var state proto.ProjectState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, faults.Wrap(faults.KindSerialization, err, "corrupt project document %s", path)
	}
	return &state, nil
}
