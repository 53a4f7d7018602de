// Package taskstore implements TaskStore (spec.md §4.7), the public façade
// composing AtomicStore, IntegrityEngine, AuditLog, CacheLayer,
// CheckpointManager, and SessionManager into create/update/get/list/delete/
// backup/restore/stats/shutdown.
package taskstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/taskpersist/pkg/atomicstore"
	"github.com/cuemby/taskpersist/pkg/audit"
	"github.com/cuemby/taskpersist/pkg/audit/index"
	"github.com/cuemby/taskpersist/pkg/cache"
	"github.com/cuemby/taskpersist/pkg/checkpoint"
	"github.com/cuemby/taskpersist/pkg/config"
	"github.com/cuemby/taskpersist/pkg/events"
	"github.com/cuemby/taskpersist/pkg/integrity"
	"github.com/cuemby/taskpersist/pkg/log"
	"github.com/cuemby/taskpersist/pkg/metrics"
	"github.com/cuemby/taskpersist/pkg/session"
	"github.com/cuemby/taskpersist/pkg/taskerrors"
	"github.com/cuemby/taskpersist/pkg/types"
)

// TaskStore is the public façade over the whole persistence core.
type TaskStore struct {
	cfg    *config.Config
	layout *layout
	store  *atomicstore.Store
	sink   events.Sink

	engine      *integrity.Engine
	auditLog    *audit.Log
	auditIndex  *index.Index
	cacheLayer  *cache.Layer
	checkpoints *checkpoint.Manager
	sessions    *session.Manager

	mu    sync.Mutex
	tasks map[string]*types.Task

	repairs singleflight.Group
}

// New wires every component and loads the current on-disk task map. sink may
// be nil, in which case events are discarded.
func New(cfg *config.Config, sink events.Sink) (*TaskStore, error) {
	if sink == nil {
		sink = events.NopSink{}
	}
	store := atomicstore.New(atomicstore.Options{
		LockStaleThreshold: cfg.LockStaleThreshold(),
		LockAcquireTimeout: cfg.LockAcquireTimeout(),
	})
	lay := newLayout(cfg)

	ts := &TaskStore{cfg: cfg, layout: lay, store: store, sink: sink, tasks: map[string]*types.Task{}}

	auditDir := filepath.Join(cfg.PersistenceDirectory, "audit")
	if err := os.MkdirAll(auditDir, 0o755); err != nil {
		return nil, fmt.Errorf("taskstore: create audit directory: %w", err)
	}
	idx, err := index.Open(filepath.Join(auditDir, "index.bbolt"))
	if err != nil {
		return nil, err
	}
	ts.auditIndex = idx
	auditLog, err := audit.New(auditDir, store, idx, audit.Level(cfg.AuditLevel))
	if err != nil {
		return nil, err
	}
	ts.auditLog = auditLog

	cacheLayer, err := cache.New(cfg.CacheSize, cfg.CacheTTL())
	if err != nil {
		return nil, fmt.Errorf("taskstore: construct cache: %w", err)
	}
	ts.cacheLayer = cacheLayer

	checkpointDir := filepath.Join(cfg.PersistenceDirectory, "checkpoints")
	ts.checkpoints = checkpoint.New(checkpointDir, store, ts, cacheLayer, sink,
		cfg.MaxCheckpoints, cfg.CheckpointInterval(), cfg.CheckpointOperationThreshold)

	ts.engine = integrity.New(ts.checkpoints, cfg.AutoRepair)

	sessionDir := filepath.Join(cfg.PersistenceDirectory, "sessions")
	ts.sessions = session.New(sessionDir, store, sink, ts.checkpoints, cfg.Heartbeat(), cfg.SessionTimeout())

	tasks, err := lay.loadAll(store)
	if err != nil {
		log.Errorf("initial task load failed, starting from an empty map", err)
		tasks = map[string]*types.Task{}
	}
	ts.tasks = tasks

	if _, err := ts.sessions.Register(); err != nil {
		return nil, err
	}

	if cfg.CrashRecoveryEnabled {
		crashed, err := ts.sessions.ScanCrashed()
		if err != nil {
			log.Errorf("crash scan failed", err)
		} else if len(crashed) > 0 {
			ts.recoverFromCrash(crashed)
		}
	}

	ts.sessions.StartHeartbeatLoop()
	ts.checkpoints.StartTimer()

	return ts, nil
}

// recoverFromCrash restores the most recent checkpoint after startup detects
// one or more crashed sessions, per spec.md §4.6's recovery contract: a
// crashed session's writes since its last checkpoint are presumed lost, so
// the in-memory map is rolled back to that checkpoint rather than trusting
// whatever made it to disk.
func (ts *TaskStore) recoverFromCrash(crashed []*types.Session) {
	descriptors, err := ts.checkpoints.List()
	if err != nil || len(descriptors) == 0 {
		log.Errorf("crash recovery: no usable checkpoint to restore", err)
		return
	}
	latest := descriptors[0]
	if err := ts.checkpoints.Restore(latest.ID); err != nil {
		log.Errorf("crash recovery: restoring checkpoint "+latest.ID+" failed", err)
		return
	}

	ids := make([]string, 0, len(crashed))
	for _, s := range crashed {
		ids = append(ids, s.SessionID)
	}
	if _, err := ts.auditLog.Append("crash-recovery-completed", "", ts.SessionID(), map[string]any{
		"checkpoint_id":    latest.ID,
		"crashed_sessions": ids,
	}); err != nil {
		log.Errorf("audit append failed after crash recovery", err)
	}
	ts.sink.Emit(events.Event{
		ID:        uuid.NewString(),
		Type:      events.TypeCrashRecoveryCompleted,
		SessionID: ts.SessionID(),
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"checkpoint_id": latest.ID, "crashed_sessions": ids},
	})
	log.WithCheckpointID(latest.ID).Info().Strs("crashed_sessions", ids).Msg("crash recovery completed")
}

// EmergencyCheckpoint takes a best-effort crash_recovery checkpoint and
// records it, for callers handling an uncaught fatal condition (spec.md §9's
// register_shutdown_hooks design note). Safe to call even if the checkpoint
// itself fails; errors are logged, never propagated, since the caller is
// already tearing the process down.
func (ts *TaskStore) EmergencyCheckpoint() {
	ts.checkpoints.EmergencyCheckpoint()
	if _, err := ts.auditLog.Append("emergency-checkpoint", "", ts.SessionID(), nil); err != nil {
		log.Errorf("audit append failed after emergency checkpoint", err)
	}
	ts.sink.Emit(events.Event{
		ID:        uuid.NewString(),
		Type:      events.TypeEmergencyCheckpoint,
		SessionID: ts.SessionID(),
		Timestamp: time.Now().UTC(),
	})
}

// --- checkpoint.Provider ---

// SessionID implements checkpoint.Provider.
func (ts *TaskStore) SessionID() string {
	if sess := ts.sessions.Current(); sess != nil {
		return sess.SessionID
	}
	return ""
}

// Snapshot implements checkpoint.Provider.
func (ts *TaskStore) Snapshot() map[string]*types.Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return cloneTaskMap(ts.tasks)
}

// ApplyCheckpointSnapshot implements checkpoint.Provider: it replaces the
// in-memory map wholesale. Used by CheckpointManager.Restore, not
// TaskStore.Restore (which restores from a filesystem backup manifest, a
// different recovery path).
func (ts *TaskStore) ApplyCheckpointSnapshot(tasks map[string]*types.Task) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tasks = tasks
}

// --- metrics.StatsProvider ---

// TasksByStatus implements metrics.StatsProvider.
func (ts *TaskStore) TasksByStatus() map[string]int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range ts.tasks {
		counts[string(t.Status)]++
	}
	return counts
}

// SessionsByState implements metrics.StatsProvider.
func (ts *TaskStore) SessionsByState() map[string]int { return ts.sessions.States() }

// CheckpointCount implements metrics.StatsProvider.
func (ts *TaskStore) CheckpointCount() int {
	descriptors, err := ts.checkpoints.List()
	if err != nil {
		return 0
	}
	return len(descriptors)
}

// --- façade operations ---

func (ts *TaskStore) validationContext() integrity.Context {
	known := make(map[string]bool, len(ts.tasks))
	for id := range ts.tasks {
		known[id] = true
	}
	return integrity.Context{KnownTaskIDs: known, Strict: ts.cfg.ValidationLevel == config.ValidationStrict}
}

// Create assigns an id and initial version to draft, validates it, and
// persists it as described in spec.md §4.7.
func (ts *TaskStore) Create(draft types.TaskDraft) (*types.Task, error) {
	const op = "create"
	timer := metrics.NewTimer()

	now := time.Now().UTC()
	status := draft.Status
	if status == "" {
		status = types.TaskStatusPending
	}
	task := &types.Task{
		ID:           generateID(),
		Name:         draft.Name,
		Description:  draft.Description,
		Type:         draft.Type,
		Priority:     draft.Priority,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
		Tags:         append([]string(nil), draft.Tags...),
		Dependencies: append([]string(nil), draft.Dependencies...),
		Version:      1,
	}

	var committed *types.Task
	err := ts.store.WithExclusiveLock(ts.layout.lockPath(), func() error {
		ts.mu.Lock()
		defer ts.mu.Unlock()

		ctx := ts.validationContext()
		if err := validateDependencyDAG(ts.tasks, task); err != nil {
			return err
		}
		if results := ts.engine.Validate(task, ctx); integrity.HasCritical(results) {
			return &taskerrors.ValidationError{Op: op, TaskID: task.ID, Rule: results[0].Rule, Message: results[0].Message}
		}
		sum, err := integrity.Checksum(task)
		if err != nil {
			return err
		}
		task.Checksum = sum

		next := cloneTaskMap(ts.tasks)
		next[task.ID] = task
		if err := ts.layout.writeAll(ts.store, next, ts.engine); err != nil {
			return err
		}
		ts.tasks = next
		committed = task
		return nil
	})
	ts.finish(op, timer, err)
	if err != nil {
		return nil, err
	}

	ts.afterCommit(op, "task_created", committed, map[string]any{"task": committed})
	return committed.Clone(), nil
}

// Update overlays patch onto the stored task, bumping its version and
// appending a history_tail entry, per spec.md §4.7.
func (ts *TaskStore) Update(id string, patch types.TaskPatch) (*types.Task, error) {
	const op = "update"
	timer := metrics.NewTimer()

	var committed *types.Task
	var changedFields []string
	err := ts.store.WithExclusiveLock(ts.layout.lockPath(), func() error {
		ts.mu.Lock()
		defer ts.mu.Unlock()

		existing, ok := ts.tasks[id]
		if !ok {
			return &taskerrors.NotFound{Op: op, Kind: "task", ID: id}
		}
		if patch.ExpectedVersion != nil && *patch.ExpectedVersion != existing.Version {
			return &taskerrors.VersionConflict{Op: op, TaskID: id, ExpectedVersion: *patch.ExpectedVersion, ActualVersion: existing.Version}
		}

		updated := existing.Clone()
		changedFields = applyPatch(updated, patch)

		now := time.Now().UTC()
		if !now.After(existing.UpdatedAt) {
			now = existing.UpdatedAt.Add(time.Nanosecond)
		}
		updated.UpdatedAt = now
		updated.Version = existing.Version + 1
		updated.AppendHistory(types.HistoryEntry{
			Version:       updated.Version,
			Timestamp:     now,
			ChangedFields: changedFields,
			SessionID:     ts.SessionID(),
		})

		ctx := ts.validationContext()
		if err := validateDependencyDAG(ts.tasks, updated); err != nil {
			return err
		}
		if results := ts.engine.Validate(updated, ctx); integrity.HasCritical(results) {
			return &taskerrors.ValidationError{Op: op, TaskID: id, Rule: results[0].Rule, Message: results[0].Message}
		}

		sum, err := integrity.Checksum(updated)
		if err != nil {
			return err
		}
		updated.Checksum = sum

		next := cloneTaskMap(ts.tasks)
		next[id] = updated
		if err := ts.layout.writeAll(ts.store, next, ts.engine); err != nil {
			return err
		}
		ts.tasks = next
		committed = updated
		return nil
	})
	ts.finish(op, timer, err)
	if err != nil {
		return nil, err
	}

	ts.afterCommit(op, "task_updated", committed, map[string]any{
		"task":            committed,
		"changed_fields":  changedFields,
		"previous_version": committed.Version - 1,
	})
	return committed.Clone(), nil
}

// Get returns the task identified by id, reading through the cache, and
// repairing it if the integrity engine detects corruption. If corruption is
// detected but cannot be repaired (auto_repair disabled, or every strategy
// fails), Get returns a *taskerrors.CorruptionDetected instead of the
// corrupted record (spec.md §7: "otherwise surfaced").
func (ts *TaskStore) Get(id string) (*types.Task, error) {
	if cached, ok := ts.cacheLayer.Get(id); ok {
		task := cached.(*types.Task).Clone()
		ts.recordRead(task)
		return task, nil
	}

	ts.mu.Lock()
	task, ok := ts.tasks[id]
	ts.mu.Unlock()
	if !ok {
		return nil, nil
	}

	if report, found := ts.engine.Detect(nil, task, nil); found {
		repaired, err := ts.repairCorruptedTask(task, report)
		if err != nil {
			return nil, err
		}
		task = repaired
	}

	ts.cacheLayer.Set(id, task.Clone())
	ts.recordRead(task)
	return task.Clone(), nil
}

// recordRead appends a task_read audit entry when the configured audit
// level calls for auditing reads, not just mutations.
func (ts *TaskStore) recordRead(task *types.Task) {
	if !ts.auditLog.RecordsReads() {
		return
	}
	if _, err := ts.auditLog.Append("task_read", task.ID, ts.SessionID(), map[string]any{"task": task}); err != nil {
		log.Errorf("audit append failed after task_read", err)
	}
}

// repairCorruptedTask coalesces concurrent repair attempts against the same
// task id via singleflight, so a burst of reads hitting the same corruption
// doesn't run the repair chain redundantly. It records an integrity_violation
// audit entry before attempting repair, and a repair_applied entry on
// success; an unrepaired corruption is surfaced to the caller as an error,
// never silently returned.
func (ts *TaskStore) repairCorruptedTask(task *types.Task, report integrity.DetectionReport) (*types.Task, error) {
	if _, err := ts.auditLog.Append("integrity_violation", task.ID, ts.SessionID(), map[string]any{
		"detector": report.Type, "confidence": report.Confidence,
	}); err != nil {
		log.Errorf("audit append failed after integrity_violation", err)
	}

	v, err := ts.repairs.Do(task.ID, func() (any, error) {
		result := ts.engine.Repair(nil, task, report, ts.validationContext())
		if !result.Recovered || result.Record == nil {
			log.WithTaskID(task.ID).Warn().Str("detector", report.Type).Msg("corruption detected but could not be repaired")
			return nil, &taskerrors.CorruptionDetected{
				Op: "get", Path: task.ID, DetectorType: report.Type, Confidence: report.Confidence, Repaired: false,
			}
		}

		ts.mu.Lock()
		next := cloneTaskMap(ts.tasks)
		next[task.ID] = result.Record
		writeErr := ts.layout.writeAll(ts.store, next, ts.engine)
		if writeErr == nil {
			ts.tasks = next
		}
		ts.mu.Unlock()

		log.WithTaskID(task.ID).Warn().Str("detector", report.Type).Float64("confidence", result.Confidence).
			Msg("repaired corrupted task record")
		if _, err := ts.auditLog.Append("repair_applied", task.ID, ts.SessionID(), map[string]any{
			"detector": report.Type, "repair_confidence": result.Confidence,
		}); err != nil {
			log.Errorf("audit append failed after repair_applied", err)
		}
		return result.Record, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Task), nil
}

// List applies filter predicates, a stable sort, and pagination over the
// current task map, per spec.md §4.7.
func (ts *TaskStore) List(filter types.Filter, sortSpec types.Sort, page types.Page) (*types.ListResult, error) {
	ts.mu.Lock()
	all := make([]*types.Task, 0, len(ts.tasks))
	for _, t := range ts.tasks {
		all = append(all, t)
	}
	ts.mu.Unlock()

	total := len(all)
	filtered := make([]*types.Task, 0, len(all))
	for _, t := range all {
		if t.Deleted {
			continue
		}
		if matchesFilter(t, filter) {
			filtered = append(filtered, t)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		less := compareField(filtered[i], filtered[j], sortSpec.Field)
		if sortSpec.Order == types.SortDescending {
			less = -less
		}
		if less != 0 {
			return less < 0
		}
		return filtered[i].ID < filtered[j].ID
	})

	limit := page.Limit
	if limit <= 0 {
		limit = len(filtered)
	}
	offset := page.Offset()
	end := offset + limit
	if offset > len(filtered) {
		offset = len(filtered)
	}
	if end > len(filtered) {
		end = len(filtered)
	}
	items := make([]*types.Task, 0, end-offset)
	for _, t := range filtered[offset:end] {
		items = append(items, t.Clone())
	}

	pageCount := 0
	if limit > 0 {
		pageCount = (len(filtered) + limit - 1) / limit
	}
	return &types.ListResult{Items: items, Total: total, Filtered: len(filtered), PageCount: pageCount}, nil
}

// Delete marks id a logical tombstone. Deletion never removes the record
// from disk; checkpoints retain historical state until pruned.
func (ts *TaskStore) Delete(id string) error {
	const op = "delete"
	timer := metrics.NewTimer()

	var committed *types.Task
	err := ts.store.WithExclusiveLock(ts.layout.lockPath(), func() error {
		ts.mu.Lock()
		defer ts.mu.Unlock()

		existing, ok := ts.tasks[id]
		if !ok {
			return &taskerrors.NotFound{Op: op, Kind: "task", ID: id}
		}
		tombstoned := existing.Clone()
		tombstoned.Deleted = true
		tombstoned.UpdatedAt = time.Now().UTC()
		tombstoned.Version = existing.Version + 1

		sum, err := integrity.Checksum(tombstoned)
		if err != nil {
			return err
		}
		tombstoned.Checksum = sum

		next := cloneTaskMap(ts.tasks)
		next[id] = tombstoned
		if err := ts.layout.writeAll(ts.store, next, ts.engine); err != nil {
			return err
		}
		ts.tasks = next
		committed = tombstoned
		return nil
	})
	ts.finish(op, timer, err)
	if err != nil {
		return err
	}

	ts.afterCommit(op, "task_deleted", committed, map[string]any{"task_id": id})
	return nil
}

// Stats reports point-in-time counts and cache health, per spec.md §4.7.
type Stats struct {
	TasksByStatus    map[string]int   `json:"tasks_by_status"`
	SessionsByState  map[string]int   `json:"sessions_by_state"`
	CheckpointCount  int              `json:"checkpoint_count"`
	CacheEntries     int              `json:"cache_entries"`
	CurrentSessionID string           `json:"current_session_id"`
	Integrity        integrity.Report `json:"integrity"`
}

// Stats returns a point-in-time snapshot of counts, cache health, and the
// integrity engine's lifetime validation/repair counters.
func (ts *TaskStore) Stats() (*Stats, error) {
	return &Stats{
		TasksByStatus:    ts.TasksByStatus(),
		SessionsByState:  ts.SessionsByState(),
		CheckpointCount:  ts.CheckpointCount(),
		CacheEntries:     ts.cacheLayer.Len(),
		CurrentSessionID: ts.SessionID(),
		Integrity:        ts.engine.Report(),
	}, nil
}

// Shutdown stops background loops, shuts the session down (taking a final
// checkpoint first if graceful), and closes the audit index and cache. It
// appends no audit entry of its own.
func (ts *TaskStore) Shutdown(graceful bool) error {
	ts.checkpoints.Stop()
	if err := ts.sessions.Shutdown(graceful); err != nil {
		return err
	}
	if ts.auditIndex != nil {
		if err := ts.auditIndex.Close(); err != nil {
			log.Errorf("closing audit index failed", err)
		}
	}
	ts.cacheLayer.Close()
	return nil
}

// --- backup / restore ---

// ManifestEntry describes one file captured by a backup.
type ManifestEntry struct {
	Path     string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum string `json:"checksum"`
}

// Manifest is the backup descriptor written alongside the copied files.
type Manifest struct {
	ID        string          `json:"id"`
	Label     string          `json:"label"`
	CreatedAt time.Time       `json:"created_at"`
	SessionID string          `json:"session_id"`
	Files     []ManifestEntry `json:"files"`
}

func (ts *TaskStore) backupRoot() string { return filepath.Join(ts.cfg.PersistenceDirectory, "backups") }

func (ts *TaskStore) backupDir(id string) string { return filepath.Join(ts.backupRoot(), id) }

// Backup copies the task state files and the session registry files into a
// timestamped backup directory and writes a manifest, per spec.md §4.7. The
// audit log and checkpoints are not copied. Per-file checksum+copy runs concurrently via
// errgroup.
func (ts *TaskStore) Backup(label string) (*Manifest, error) {
	id := time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
	dir := ts.backupDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("taskstore: create backup directory: %w", err)
	}

	sources, err := ts.backupSources()
	if err != nil {
		return nil, err
	}

	entries := make([]ManifestEntry, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			entry, err := copyAndChecksum(src, dir)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("taskstore: backup: %w", err)
	}

	manifest := &Manifest{ID: id, Label: label, CreatedAt: time.Now().UTC(), SessionID: ts.SessionID(), Files: entries}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("taskstore: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("taskstore: write manifest: %w", err)
	}
	log.WithComponent("taskstore").Info().Str("backup_id", id).Int("files", len(entries)).Msg("backup created")
	return manifest, nil
}

// backupSources enumerates every file currently comprising the primary task
// state, for both layout modes, plus the session registry.
func (ts *TaskStore) backupSources() ([]string, error) {
	var sources []string
	if ts.cfg.TaskFileMode == config.TaskFileModePerTask {
		entries, err := os.ReadDir(ts.cfg.PersistenceDirectory)
		if err != nil {
			return nil, fmt.Errorf("taskstore: read directory: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, "task-") && strings.HasSuffix(name, ".json") {
				sources = append(sources, filepath.Join(ts.cfg.PersistenceDirectory, name))
			}
		}
	} else if _, err := os.Stat(ts.layout.primaryPath()); err == nil {
		sources = append(sources, ts.layout.primaryPath())
	}

	sessionDir := filepath.Join(ts.cfg.PersistenceDirectory, "sessions")
	if entries, err := os.ReadDir(sessionDir); err == nil {
		for _, e := range entries {
			sources = append(sources, filepath.Join(sessionDir, e.Name()))
		}
	}
	return sources, nil
}

func copyAndChecksum(src, destDir string) (ManifestEntry, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return ManifestEntry{}, err
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	dest := filepath.Join(destDir, filepath.Base(src))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return ManifestEntry{}, err
	}
	return ManifestEntry{Path: filepath.Base(src), SizeBytes: int64(len(data)), Checksum: checksum}, nil
}

// RestoreReport summarizes the outcome of TaskStore.Restore.
type RestoreReport struct {
	BackupID       string `json:"backup_id"`
	FilesRestored  int    `json:"files_restored"`
	PreRestoreID   string `json:"pre_restore_backup_id"`
}

// Restore loads a backup manifest, verifies every file's checksum, takes a
// pre-restore safety backup, and copies the files back over their
// originals transactionally, per spec.md §4.7.
func (ts *TaskStore) Restore(backupID string) (*RestoreReport, error) {
	dir := ts.backupDir(backupID)
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &taskerrors.NotFound{Op: "restore", Kind: "backup", ID: backupID}
		}
		return nil, fmt.Errorf("taskstore: read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, &taskerrors.IntegrityError{Op: "restore", Path: dir, Message: err.Error()}
	}

	var g errgroup.Group
	for _, entry := range manifest.Files {
		entry := entry
		g.Go(func() error {
			raw, err := os.ReadFile(filepath.Join(dir, entry.Path))
			if err != nil {
				return err
			}
			sum := sha256.Sum256(raw)
			if hex.EncodeToString(sum[:]) != entry.Checksum {
				return &taskerrors.IntegrityError{Op: "restore", Path: entry.Path, Message: "backup file checksum mismatch"}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	preRestore, err := ts.Backup("pre_restore_" + backupID)
	if err != nil {
		return nil, fmt.Errorf("taskstore: pre-restore backup: %w", err)
	}

	for _, entry := range manifest.Files {
		raw, err := os.ReadFile(filepath.Join(dir, entry.Path))
		if err != nil {
			return nil, err
		}
		dest := filepath.Join(ts.cfg.PersistenceDirectory, relativeRestoreTarget(entry.Path))
		if err := ts.store.Transaction(dest, raw, nil); err != nil {
			return nil, err
		}
	}

	ts.cacheLayer.Clear()

	ts.mu.Lock()
	tasks, loadErr := ts.layout.loadAll(ts.store)
	if loadErr == nil {
		ts.tasks = tasks
	}
	ts.mu.Unlock()
	if loadErr != nil {
		return nil, loadErr
	}

	ctx := ts.validationContext()
	ts.mu.Lock()
	for _, t := range ts.tasks {
		if results := ts.engine.Validate(t, ctx); integrity.HasCritical(results) {
			log.WithTaskID(t.ID).Warn().Str("rule", results[0].Rule).Msg("restored task fails critical validation")
		}
	}
	ts.mu.Unlock()

	log.WithComponent("taskstore").Info().Str("backup_id", backupID).Int("files", len(manifest.Files)).Msg("restore completed")
	return &RestoreReport{BackupID: backupID, FilesRestored: len(manifest.Files), PreRestoreID: preRestore.ID}, nil
}

// relativeRestoreTarget maps a backed-up session file back under sessions/,
// everything else (task state files) back to the persistence directory root.
func relativeRestoreTarget(name string) string {
	if strings.HasPrefix(name, "session-") {
		return filepath.Join("sessions", name)
	}
	return name
}

// --- helpers ---

func (ts *TaskStore) finish(op string, timer *metrics.Timer, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	timer.ObserveDurationVec(metrics.OperationDuration, op)
	ts.sessions.RecordOperation(timer.Duration(), err)
}

func (ts *TaskStore) afterCommit(op, eventType string, task *types.Task, payload map[string]any) {
	if _, err := ts.auditLog.Append(eventType, task.ID, ts.SessionID(), payload); err != nil {
		log.Errorf("audit append failed after "+op, err)
	}
	if task.Deleted {
		ts.cacheLayer.Invalidate(task.ID)
	} else {
		ts.cacheLayer.Set(task.ID, task.Clone())
	}
	ts.checkpoints.RecordOperation()
	ts.sink.Emit(events.Event{
		ID:        uuid.NewString(),
		Type:      events.TypeTaskStateSaved,
		SessionID: ts.SessionID(),
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"task_id": task.ID, "op": op},
	})
	log.WithTaskID(task.ID).Info().Str("op", op).Msg("task operation committed")
}

func cloneTaskMap(tasks map[string]*types.Task) map[string]*types.Task {
	out := make(map[string]*types.Task, len(tasks))
	for k, v := range tasks {
		out[k] = v.Clone()
	}
	return out
}

func applyPatch(task *types.Task, patch types.TaskPatch) []string {
	var changed []string
	if patch.Name != nil {
		task.Name = *patch.Name
		changed = append(changed, "name")
	}
	if patch.Description != nil {
		task.Description = *patch.Description
		changed = append(changed, "description")
	}
	if patch.Type != nil {
		task.Type = *patch.Type
		changed = append(changed, "type")
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
		changed = append(changed, "priority")
	}
	if patch.Status != nil {
		task.Status = *patch.Status
		changed = append(changed, "status")
	}
	if patch.Tags != nil {
		task.Tags = append([]string(nil), patch.Tags...)
		changed = append(changed, "tags")
	}
	if patch.Dependencies != nil {
		task.Dependencies = append([]string(nil), patch.Dependencies...)
		changed = append(changed, "dependencies")
	}
	if patch.ExecutionMetadata != nil {
		task.ExecutionMetadata = patch.ExecutionMetadata
		changed = append(changed, "execution_metadata")
	}
	return changed
}

func matchesFilter(t *types.Task, f types.Filter) bool {
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Tag != "" {
		found := false
		for _, tag := range t.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.IDSubstring != "" && !strings.Contains(t.ID, f.IDSubstring) {
		return false
	}
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	if !f.UpdatedAfter.IsZero() && t.UpdatedAt.Before(f.UpdatedAfter) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && t.UpdatedAt.After(f.UpdatedBefore) {
		return false
	}
	return true
}

func compareField(a, b *types.Task, field string) int {
	switch field {
	case "priority":
		return a.Priority - b.Priority
	case "status":
		return strings.Compare(string(a.Status), string(b.Status))
	case "updated_at":
		return compareTime(a.UpdatedAt, b.UpdatedAt)
	case "name":
		return strings.Compare(a.Name, b.Name)
	case "created_at", "":
		return compareTime(a.CreatedAt, b.CreatedAt)
	default:
		return compareTime(a.CreatedAt, b.CreatedAt)
	}
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

// validateDependencyDAG runs a bounded DFS to reject a commit that would
// introduce a dependency cycle (spec.md §9 "cyclic references" design note).
func validateDependencyDAG(tasks map[string]*types.Task, candidate *types.Task) error {
	graph := make(map[string][]string, len(tasks)+1)
	for id, t := range tasks {
		graph[id] = t.Dependencies
	}
	graph[candidate.ID] = candidate.Dependencies

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(graph))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &taskerrors.ValidationError{Op: "dependency_cycle", TaskID: id, Rule: "dependency_dag", Message: "cyclic dependency detected"}
		}
		state[id] = visiting
		for _, dep := range graph[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	return visit(candidate.ID)
}

// generateID assigns a timestamp-prefixed id with a random suffix, keeping
// ids approximately monotonic without a shared counter (spec.md §4.7).
func generateID() string {
	return fmt.Sprintf("%s-%04x", time.Now().UTC().Format("20060102T150405.000000000"), rand.Intn(1<<16))
}

func checksumBytes(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
