// Package session implements SessionManager (spec.md §4.6): registration,
// heartbeating, crash detection on startup, and graceful shutdown, backed
// by one session-<id>.json record per process run.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/taskpersist/pkg/atomicstore"
	"github.com/cuemby/taskpersist/pkg/events"
	"github.com/cuemby/taskpersist/pkg/log"
	"github.com/cuemby/taskpersist/pkg/metrics"
	"github.com/cuemby/taskpersist/pkg/types"
)

// Checkpointer is satisfied by anything that can take a manual checkpoint,
// used by a graceful Shutdown. pkg/checkpoint.Manager implements it.
type Checkpointer interface {
	Create(t types.CheckpointType) (string, error)
}

// Manager owns the current process's session record and the registry of
// every session's record under dir.
type Manager struct {
	dir               string
	store             *atomicstore.Store
	sink              events.Sink
	checkpointer      Checkpointer
	heartbeatInterval time.Duration
	sessionTimeout    time.Duration

	mu      sync.Mutex
	current *types.Session

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Manager. sink and checkpointer may be nil.
func New(dir string, store *atomicstore.Store, sink events.Sink, checkpointer Checkpointer, heartbeatInterval, sessionTimeout time.Duration) *Manager {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Manager{
		dir:               dir,
		store:             store,
		sink:              sink,
		checkpointer:      checkpointer,
		heartbeatInterval: heartbeatInterval,
		sessionTimeout:    sessionTimeout,
		stopCh:            make(chan struct{}),
	}
}

func (m *Manager) path(sessionID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("session-%s.json", sessionID))
}

// Register creates a new session record, persists it, and adopts it as the
// current process's session.
func (m *Manager) Register() (*types.Session, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create directory: %w", err)
	}
	cwd, _ := os.Getwd()
	now := time.Now().UTC()
	sess := &types.Session{
		SessionID:     uuid.NewString(),
		StartTime:     now,
		LastHeartbeat: now,
		State:         types.SessionActive,
		ProcessInfo: types.ProcessInfo{
			PID:              os.Getpid(),
			Platform:         runtime.GOOS,
			WorkingDirectory: cwd,
		},
	}

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	if err := m.persist(sess); err != nil {
		return nil, err
	}

	m.sink.Emit(events.Event{
		ID:        uuid.NewString(),
		Type:      events.TypeInitialized,
		SessionID: sess.SessionID,
		Timestamp: now,
		Payload:   map[string]any{"pid": sess.ProcessInfo.PID},
	})
	log.WithSessionID(sess.SessionID).Info().Msg("session registered")
	return sess, nil
}

func (m *Manager) persist(sess *types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	return m.store.AtomicWrite(m.path(sess.SessionID), data)
}

// Heartbeat updates last_heartbeat and persists the current session record.
func (m *Manager) Heartbeat() error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return fmt.Errorf("session: heartbeat with no registered session")
	}
	m.current.LastHeartbeat = time.Now().UTC()
	sess := *m.current
	m.mu.Unlock()

	if err := m.persist(&sess); err != nil {
		return err
	}
	metrics.HeartbeatsTotal.Inc()
	return nil
}

// RecordOperation folds an operation's outcome into the current session's
// running statistics. Persisted on the next heartbeat, not immediately.
func (m *Manager) RecordOperation(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.current.Statistics.RecordOperation(d, err)
}

// Current returns a copy of the current process's session record.
func (m *Manager) Current() *types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	sess := *m.current
	return &sess
}

// StartHeartbeatLoop begins a background goroutine calling Heartbeat on
// m.heartbeatInterval. No-op if the interval is non-positive.
func (m *Manager) StartHeartbeatLoop() {
	if m.heartbeatInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Heartbeat(); err != nil {
					log.Errorf("session heartbeat failed", err)
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// StopHeartbeatLoop halts the background heartbeat goroutine.
func (m *Manager) StopHeartbeatLoop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// ScanCrashed enumerates every session record under dir (other than the
// current one), reclassifying as crashed any whose state is active and
// whose heartbeat is stale or whose process no longer exists. Returns the
// sessions newly marked crashed, so the caller can select a checkpoint for
// recovery.
func (m *Manager) ScanCrashed() ([]*types.Session, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var crashed []*types.Session
	now := time.Now().UTC()
	m.mu.Lock()
	var selfID string
	if m.current != nil {
		selfID = m.current.SessionID
	}
	m.mu.Unlock()

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(m.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if selfID != "" && sess.SessionID == selfID {
			continue
		}
		if sess.State != types.SessionActive {
			continue
		}

		stale := m.sessionTimeout > 0 && now.Sub(sess.LastHeartbeat) > m.sessionTimeout
		dead := !processAlive(sess.ProcessInfo.PID)
		if !stale && !dead {
			continue
		}

		sess.State = types.SessionCrashed
		if err := m.persist(&sess); err != nil {
			return crashed, err
		}
		metrics.CrashesDetectedTotal.Inc()
		m.sink.Emit(events.Event{
			ID:        uuid.NewString(),
			Type:      events.TypeCrashDetected,
			SessionID: sess.SessionID,
			Timestamp: now,
			Payload:   map[string]any{"stale_heartbeat": stale, "process_gone": dead},
		})
		crashed = append(crashed, &sess)
	}
	return crashed, nil
}

// States returns a count of every known session record under dir, grouped
// by state, for TaskStore.Stats/metrics.Collector.
func (m *Manager) States() map[string]int {
	counts := make(map[string]int)
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return counts
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			continue
		}
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		counts[string(sess.State)]++
	}
	return counts
}

// Shutdown transitions the current session to terminated, setting
// end_time. If graceful, a final manual checkpoint is taken first.
func (m *Manager) Shutdown(graceful bool) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return nil
	}
	sess := m.current
	m.mu.Unlock()

	if graceful && m.checkpointer != nil {
		if _, err := m.checkpointer.Create(types.CheckpointManual); err != nil {
			log.Errorf("final checkpoint on shutdown failed", err)
		}
	}

	now := time.Now().UTC()
	m.mu.Lock()
	sess.EndTime = &now
	sess.State = types.SessionTerminated
	m.mu.Unlock()

	if err := m.persist(sess); err != nil {
		return err
	}

	m.sink.Emit(events.Event{
		ID:        uuid.NewString(),
		Type:      events.TypeShutdown,
		SessionID: sess.SessionID,
		Timestamp: now,
		Payload:   map[string]any{"graceful": graceful},
	})
	m.StopHeartbeatLoop()
	log.WithSessionID(sess.SessionID).Info().Bool("graceful", graceful).Msg("session terminated")
	return nil
}

// processAlive reports whether pid refers to a live process, the same
// liveness probe atomicstore uses to decide whether a lock holder is gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
