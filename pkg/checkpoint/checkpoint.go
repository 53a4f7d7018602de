// Package checkpoint implements CheckpointManager (spec.md §4.5):
// point-in-time snapshots of the full task map, triggered by a timer, an
// operation counter, or manually, with retention pruning.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/taskpersist/pkg/atomicstore"
	"github.com/cuemby/taskpersist/pkg/events"
	"github.com/cuemby/taskpersist/pkg/log"
	"github.com/cuemby/taskpersist/pkg/metrics"
	"github.com/cuemby/taskpersist/pkg/taskerrors"
	"github.com/cuemby/taskpersist/pkg/types"
)

// Provider supplies the task map a checkpoint captures and restores into.
// TaskStore implements this.
type Provider interface {
	SessionID() string
	Snapshot() map[string]*types.Task
	ApplyCheckpointSnapshot(tasks map[string]*types.Task)
}

// CacheClearer is satisfied by anything whose cache must be dropped after a
// restore. pkg/cache.Layer implements it.
type CacheClearer interface {
	Clear()
}

// Descriptor is the lightweight metadata List() returns, without the full
// task snapshot.
type Descriptor struct {
	ID            string               `json:"id"`
	Timestamp     time.Time            `json:"timestamp"`
	SessionID     string               `json:"session_id"`
	IntegrityHash string               `json:"integrity_hash"`
	SizeBytes     int64                `json:"size_bytes"`
	Type          types.CheckpointType `json:"type"`
}

// Manager owns checkpoint creation, restoration, and retention under dir.
type Manager struct {
	dir            string
	store          *atomicstore.Store
	provider       Provider
	cache          CacheClearer
	sink           events.Sink
	maxCheckpoints int
	interval       time.Duration
	opThreshold    int64

	opCounter int64

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Manager. sink may be events.NopSink{}; cache may be nil
// if the caller manages cache invalidation itself.
func New(dir string, store *atomicstore.Store, provider Provider, cache CacheClearer, sink events.Sink, maxCheckpoints int, interval time.Duration, opThreshold int64) *Manager {
	if maxCheckpoints <= 0 {
		maxCheckpoints = 10
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Manager{
		dir:            dir,
		store:          store,
		provider:       provider,
		cache:          cache,
		sink:           sink,
		maxCheckpoints: maxCheckpoints,
		interval:       interval,
		opThreshold:    opThreshold,
		stopCh:         make(chan struct{}),
	}
}

func (m *Manager) pathFor(id string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint-%s.json", id))
}

// Create captures the current task map and writes it via AtomicStore,
// returning the new checkpoint's id.
func (m *Manager) Create(cpType types.CheckpointType) (string, error) {
	timer := metrics.NewTimer()
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create directory: %w", err)
	}

	snapshot := m.provider.Snapshot()
	hash, err := snapshotHash(snapshot)
	if err != nil {
		return "", err
	}

	cp := &types.Checkpoint{
		ID:            time.Now().UTC().Format("20060102T150405.000000000") + "-" + uuid.NewString()[:8],
		Timestamp:     time.Now().UTC(),
		SessionID:     m.provider.SessionID(),
		TaskSnapshot:  snapshot,
		IntegrityHash: hash,
		Type:          cpType,
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal: %w", err)
	}
	cp.SizeBytes = int64(len(data))
	data, err = json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal: %w", err)
	}

	path := m.pathFor(cp.ID)
	if err := m.store.AtomicWrite(path, data); err != nil {
		return "", err
	}

	timer.ObserveDuration(metrics.CheckpointDuration)
	m.sink.Emit(events.Event{
		ID:        uuid.NewString(),
		Type:      events.TypeCheckpointCreated,
		SessionID: cp.SessionID,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"checkpoint_id": cp.ID, "type": string(cpType), "task_count": len(snapshot)},
	})
	log.WithCheckpointID(cp.ID).Info().Str("type", string(cpType)).Int("tasks", len(snapshot)).Msg("checkpoint created")

	return cp.ID, nil
}

// Restore loads checkpoint id, validates its integrity hash, replaces the
// provider's task map, and clears the cache.
func (m *Manager) Restore(id string) error {
	timer := metrics.NewTimer()
	path := m.pathFor(id)

	data, err := m.store.AtomicRead(path, atomicstore.ReadOptions{ValidateJSON: true})
	if err != nil {
		return err
	}
	var cp types.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return &taskerrors.IntegrityError{Op: "checkpoint_restore", Path: path, Message: err.Error()}
	}

	hash, err := snapshotHash(cp.TaskSnapshot)
	if err != nil {
		return err
	}
	if hash != cp.IntegrityHash {
		return &taskerrors.IntegrityError{Op: "checkpoint_restore", Path: path, Message: "integrity hash mismatch"}
	}

	m.provider.ApplyCheckpointSnapshot(cp.TaskSnapshot)
	if m.cache != nil {
		m.cache.Clear()
	}

	timer.ObserveDuration(metrics.CheckpointRestoreDuration)
	m.sink.Emit(events.Event{
		ID:        uuid.NewString(),
		Type:      events.TypeCheckpointRestored,
		SessionID: cp.SessionID,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"checkpoint_id": cp.ID, "task_count": len(cp.TaskSnapshot)},
	})
	log.WithCheckpointID(id).Info().Msg("checkpoint restored")
	return nil
}

// Prune deletes checkpoint files beyond the most recent maxCheckpoints.
func (m *Manager) Prune() error {
	descriptors, err := m.List()
	if err != nil {
		return err
	}
	if len(descriptors) <= m.maxCheckpoints {
		return nil
	}
	for _, d := range descriptors[m.maxCheckpoints:] {
		if err := os.Remove(m.pathFor(d.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint: prune %s: %w", d.ID, err)
		}
	}
	return nil
}

// List returns checkpoint descriptors ordered newest-first.
func (m *Manager) List() ([]Descriptor, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var descriptors []Descriptor
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "checkpoint-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(m.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var d Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			continue
		}
		descriptors = append(descriptors, d)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Timestamp.After(descriptors[j].Timestamp)
	})
	return descriptors, nil
}

// LatestTaskVersion implements integrity.CheckpointSource: it scans
// checkpoints newest-first for the most recent copy of taskID.
func (m *Manager) LatestTaskVersion(taskID string) (*types.Task, bool) {
	descriptors, err := m.List()
	if err != nil {
		return nil, false
	}
	for _, d := range descriptors {
		data, err := os.ReadFile(m.pathFor(d.ID))
		if err != nil {
			continue
		}
		var cp types.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		if t, ok := cp.TaskSnapshot[taskID]; ok {
			return t, true
		}
	}
	return nil, false
}

// RecordOperation increments the committed-operation counter; once it
// crosses opThreshold an automatic checkpoint fires and the counter resets.
func (m *Manager) RecordOperation() {
	if m.opThreshold <= 0 {
		return
	}
	n := atomic.AddInt64(&m.opCounter, 1)
	if n < m.opThreshold {
		return
	}
	if !atomic.CompareAndSwapInt64(&m.opCounter, n, 0) {
		return
	}
	if _, err := m.Create(types.CheckpointAutomatic); err != nil {
		log.Errorf("automatic checkpoint on operation threshold failed", err)
	}
	_ = m.Prune()
}

// StartTimer begins the background goroutine firing automatic checkpoints
// on m.interval. No-op if interval <= 0.
func (m *Manager) StartTimer() {
	if m.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Create(types.CheckpointAutomatic); err != nil {
					log.Errorf("automatic checkpoint on timer failed", err)
					continue
				}
				_ = m.Prune()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the timer goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// EmergencyCheckpoint is a best-effort crash_recovery checkpoint attempted
// on fatal-exit handling; errors are logged, never propagated, since the
// process is already tearing down.
func (m *Manager) EmergencyCheckpoint() {
	if _, err := m.Create(types.CheckpointCrashRecover); err != nil {
		log.Errorf("emergency checkpoint failed", err)
	}
}

func snapshotHash(snapshot map[string]*types.Task) (string, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
