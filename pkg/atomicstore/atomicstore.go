// Package atomicstore provides the primitive atomic read/write/locking
// layer over the filesystem described in spec.md §4.1: write-to-temp +
// rename, exclusive advisory locks with stale-lock reaping, and
// transaction rollback via pre-image backups.
package atomicstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/taskpersist/pkg/log"
	"github.com/cuemby/taskpersist/pkg/metrics"
	"github.com/cuemby/taskpersist/pkg/taskerrors"
)

// Options configures an AtomicStore instance.
type Options struct {
	// LockStaleThreshold is the age after which an abandoned lock file is
	// reaped regardless of its owning PID's liveness.
	LockStaleThreshold time.Duration
	// LockAcquireTimeout bounds the total wall-clock time Acquire will retry.
	LockAcquireTimeout time.Duration
}

// DefaultOptions mirrors spec.md §4.1's stated defaults.
func DefaultOptions() Options {
	return Options{
		LockStaleThreshold: 5 * time.Minute,
		LockAcquireTimeout: 30 * time.Second,
	}
}

// Store is the primitive atomic read/write/locking layer over one root
// directory. It is safe for concurrent use by multiple goroutines, and
// cooperates with other processes through advisory lock files.
type Store struct {
	opts Options

	// watchers caches one fsnotify watcher per lock directory so blocked
	// acquirers can wake on the lock file's removal instead of purely
	// polling; nil if fsnotify could not be initialized on this platform.
	mu       sync.Mutex
	watchers map[string]*dirWatcher
}

// New creates a Store with the given options.
func New(opts Options) *Store {
	return &Store{opts: opts, watchers: make(map[string]*dirWatcher)}
}

// lockInfo is the content of a `<path>.lock.<id>` sibling file.
type lockInfo struct {
	PID        int       `json:"pid"`
	LockID     string    `json:"lock_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func lockGlobPrefix(path string) string {
	return path + ".lock."
}

func lockPath(path, lockID string) string {
	return lockGlobPrefix(path) + lockID
}

// handle represents a held exclusive lock; release it via Release.
type handle struct {
	store  *Store
	path   string
	lockID string
	file   string
}

// Acquire takes an exclusive advisory lock on path, retrying with
// exponential backoff up to opts.LockAcquireTimeout. Stale locks (age above
// LockStaleThreshold, or whose owning PID is no longer alive) are reaped
// opportunistically.
func (s *Store) Acquire(path string) (*handle, error) {
	timer := metrics.NewTimer()
	deadline := time.Now().Add(s.opts.LockAcquireTimeout)
	lockID := uuid.NewString()
	file := lockPath(path, lockID)
	backoff := 5 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	logger := log.WithTxnID(lockID)

	for attempt := 0; ; attempt++ {
		existing, err := existingLock(path)
		if err != nil {
			return nil, &taskerrors.PersistError{Op: "acquire_lock", Path: path, Err: err}
		}
		if existing == nil {
			if err := writeLockFile(file, lockInfo{PID: os.Getpid(), LockID: lockID, AcquiredAt: time.Now()}); err != nil {
				return nil, &taskerrors.PersistError{Op: "acquire_lock", Path: path, Err: err}
			}
			// Re-check: another writer may have raced us; only one survives
			// because the tie is broken by lexical order of lock ids and a
			// re-scan after a short grace window.
			time.Sleep(2 * time.Millisecond)
			winner, err := electWinner(path)
			if err != nil {
				_ = os.Remove(file)
				return nil, &taskerrors.PersistError{Op: "acquire_lock", Path: path, Err: err}
			}
			if winner == lockID {
				timer.ObserveDuration(metrics.LockWaitDuration)
				return &handle{store: s, path: path, lockID: lockID, file: file}, nil
			}
			_ = os.Remove(file)
		} else if isStale(existing, s.opts.LockStaleThreshold) {
			logger.Warn().Str("path", path).Msg("reaping stale lock")
			metrics.StaleLocksReapedTotal.Inc()
			_ = os.Remove(lockPath(path, existing.LockID))
			continue
		}

		if time.Now().After(deadline) {
			metrics.LockTimeoutsTotal.Inc()
			return nil, &taskerrors.LockTimeout{Op: "acquire_lock", Path: path}
		}

		s.waitForChange(path, backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// electWinner picks the lexicographically smallest lock id among all
// lock files currently present for path, so concurrent acquirers converge
// on a single winner without a central arbiter.
func electWinner(path string) (string, error) {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	prefix := filepath.Base(lockGlobPrefix(path))
	winner := ""
	for _, e := range entries {
		name := e.Name()
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			id := name[len(prefix):]
			if winner == "" || id < winner {
				winner = id
			}
		}
	}
	return winner, nil
}

func existingLock(path string) (*lockInfo, error) {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := filepath.Base(lockGlobPrefix(path))
	var oldest *lockInfo
	for _, e := range entries {
		name := e.Name()
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var li lockInfo
		if err := json.Unmarshal(data, &li); err != nil {
			continue
		}
		if oldest == nil || li.AcquiredAt.Before(oldest.AcquiredAt) {
			oldest = &li
		}
	}
	return oldest, nil
}

func isStale(li *lockInfo, staleThreshold time.Duration) bool {
	if time.Since(li.AcquiredAt) > staleThreshold {
		return true
	}
	return !processAlive(li.PID)
}

func writeLockFile(path string, li lockInfo) error {
	data, err := json.Marshal(li)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Release releases the lock h holds, guaranteed to run on any exit path by
// callers using `defer`.
func (h *handle) Release() error {
	if err := os.Remove(h.file); err != nil && !os.IsNotExist(err) {
		return &taskerrors.PersistError{Op: "release_lock", Path: h.path, Err: err}
	}
	// If other lock files remain for the same path under a different
	// holder id, something raced the election; surface it as a warning.
	if other, _ := existingLock(h.path); other != nil && other.LockID != h.lockID {
		log.WithTxnID(h.lockID).Warn().Str("path", h.path).Str("other_lock_id", other.LockID).
			Msg("lock file remained after release under a different holder")
	}
	return nil
}

// WithExclusiveLock runs op while holding an exclusive lock on path,
// guaranteeing release on any exit path (including a panic from op).
func (s *Store) WithExclusiveLock(path string, op func() error) error {
	h, err := s.Acquire(path)
	if err != nil {
		return err
	}
	defer func() { _ = h.Release() }()
	return op()
}

// AtomicWrite writes data to path such that a concurrent reader observes
// either the full previous contents or the full new contents, never a
// partial write: write to a sibling temp file, fsync, then rename over
// path (POSIX rename is atomic within the same filesystem).
func (s *Store) AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &taskerrors.PersistError{Op: "atomic_write", Path: path, Err: err}
	}
	tmp := fmt.Sprintf("%s.tmp.%s", path, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &taskerrors.PersistError{Op: "atomic_write", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &taskerrors.PersistError{Op: "atomic_write", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &taskerrors.PersistError{Op: "atomic_write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return &taskerrors.PersistError{Op: "atomic_write", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &taskerrors.PersistError{Op: "atomic_write", Path: path, Err: err}
	}
	return nil
}

// ReadOptions controls AtomicRead's post-read validation.
type ReadOptions struct {
	// ValidateJSON requires the bytes to parse as syntactically valid JSON.
	ValidateJSON bool
	// ChecksumField, if non-empty, names a top-level JSON field whose value
	// must match RecomputeChecksum(data-with-that-field-removed).
	ChecksumField  string
	RecomputeChecksum func([]byte) string
}

// AtomicRead reads path and optionally validates its structure.
func (s *Store) AtomicRead(path string, opts ReadOptions) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &taskerrors.PersistError{Op: "atomic_read", Path: path, Err: err}
	}
	if opts.ValidateJSON {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, &taskerrors.IntegrityError{Op: "atomic_read", Path: path, Message: "invalid JSON: " + err.Error()}
		}
	}
	if opts.ChecksumField != "" && opts.RecomputeChecksum != nil {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &taskerrors.IntegrityError{Op: "atomic_read", Path: path, Message: "invalid JSON for checksum check: " + err.Error()}
		}
		var recorded string
		if raw, ok := m[opts.ChecksumField]; ok {
			_ = json.Unmarshal(raw, &recorded)
		}
		delete(m, opts.ChecksumField)
		stripped, err := json.Marshal(m)
		if err != nil {
			return nil, &taskerrors.IntegrityError{Op: "atomic_read", Path: path, Message: "failed to re-marshal for checksum: " + err.Error()}
		}
		want := opts.RecomputeChecksum(stripped)
		if want != recorded {
			return nil, &taskerrors.IntegrityError{Op: "atomic_read", Path: path, Message: "checksum mismatch"}
		}
	}
	return data, nil
}

// Transaction performs: backup existing file -> write temp -> rename over
// original -> delete backup. On any failure, it restores from backup and
// deletes the temp file; the original is preserved bit-for-bit (spec.md
// §4.1). Validate, if non-nil, is called on the new bytes before the
// rename commits; a validation failure aborts the transaction exactly like
// a write failure.
func (s *Store) Transaction(path string, data []byte, validate func([]byte) error) error {
	txnID := uuid.NewString()
	logger := log.WithTxnID(txnID)
	backup := fmt.Sprintf("%s.backup.%s", path, txnID)

	hadOriginal := false
	if _, err := os.Stat(path); err == nil {
		hadOriginal = true
		if err := copyFile(path, backup); err != nil {
			return &taskerrors.PersistError{Op: "transaction", Path: path, Err: err}
		}
	} else if !os.IsNotExist(err) {
		return &taskerrors.PersistError{Op: "transaction", Path: path, Err: err}
	}

	rollback := func(cause error) error {
		if !hadOriginal {
			_ = os.Remove(path)
			return cause
		}
		if err := copyFile(backup, path); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("rollback failed: cannot restore original")
			return &taskerrors.RollbackFailed{Op: "transaction", Path: path, Err: err}
		}
		_ = os.Remove(backup)
		return cause
	}

	if validate != nil {
		if err := validate(data); err != nil {
			return rollback(&taskerrors.ValidationError{Op: "transaction", Message: err.Error()})
		}
	}

	if err := s.AtomicWrite(path, data); err != nil {
		return rollback(err)
	}

	if hadOriginal {
		if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Msg("failed to remove transaction backup after commit")
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without affecting the process.
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
