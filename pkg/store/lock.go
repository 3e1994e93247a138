package store

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"codeforge/pkg/faults"
)

const (
	lockPollInterval = 25 * time.Millisecond
	// staleLockAge guards against lock files orphaned by a crashed
	// process; locks older than this are broken.
	staleLockAge = 2 * time.Minute
)

// acquireLock takes the exclusive per-project lock by creating a lock file
// with O_EXCL, polling with jitter until the configured timeout. The
// returned func releases the lock; release failure is logged, never fatal,
// because a stale lock will be broken by the next acquirer.
func (s *Store) acquireLock(name string) (func(), error) {
	lockPath := filepath.Join(s.baseDir, SanitizeName(name)+".lock")
	deadline := time.Now().Add(s.lockTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
			_ = f.Close()

			release := func() {
				if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
					s.logger.Warn("Failed to release lock for project %s: %v", name, rmErr)
				}
			}
			return release, nil
		}
		if !os.IsExist(err) {
			return nil, faults.Wrap(faults.KindInfrastructure, err, "failed to create lock file %s", lockPath)
		}

		s.breakStaleLock(lockPath, name)

		if time.Now().After(deadline) {
			return nil, faults.New(faults.KindInfrastructure, "timed out acquiring lock for project %s after %s", name, s.lockTimeout)
		}

		// Poll with jitter so contending writers do not retry in lockstep.
		jitter := time.Duration(rand.Int63n(int64(lockPollInterval))) //nolint:gosec // Jitter, not crypto
		time.Sleep(lockPollInterval + jitter)
	}
}

// breakStaleLock removes a lock file whose mtime indicates its owner died.
func (s *Store) breakStaleLock(lockPath, name string) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) < staleLockAge {
		return
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to break stale lock for project %s: %v", name, err)
		return
	}
	s.logger.Warn("Broke stale lock for project %s (age %s)", name, time.Since(info.ModTime()))
}
