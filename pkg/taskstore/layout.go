package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/taskpersist/pkg/atomicstore"
	"github.com/cuemby/taskpersist/pkg/config"
	"github.com/cuemby/taskpersist/pkg/integrity"
	"github.com/cuemby/taskpersist/pkg/taskerrors"
	"github.com/cuemby/taskpersist/pkg/types"
)

// taskDocument is the on-disk shape of the single-file layout's primary
// task-state document (spec.md §6).
type taskDocument struct {
	Version  int              `json:"version"`
	Tasks    []*types.Task    `json:"tasks"`
	Metadata docMetadata      `json:"metadata"`
}

type docMetadata struct {
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
	TaskCount int       `json:"task_count"`
	Checksum  string    `json:"checksum"`
}

// layout implements spec.md §9's primary-file / per-task-file decision: both
// are supported behind this type, selected by config.TaskFileMode.
type layout struct {
	mode            config.TaskFileMode
	dir             string
	primaryFileName string
}

func newLayout(cfg *config.Config) *layout {
	name := cfg.PrimaryFileName
	if name == "" {
		name = "FEATURES.json"
	}
	return &layout{mode: cfg.TaskFileMode, dir: cfg.PersistenceDirectory, primaryFileName: name}
}

func (l *layout) primaryPath() string { return filepath.Join(l.dir, l.primaryFileName) }

// lockPath is the file every mutating op takes its exclusive lock on. In
// per_task mode there's no single data file to lock, so a dedicated sentinel
// path (never itself written) anchors the lock-file discipline described in
// spec.md §4.1; per-file writes in per_task mode still serialize through it
// because every commit goes through the same code path.
func (l *layout) lockPath() string {
	if l.mode == config.TaskFileModePerTask {
		return filepath.Join(l.dir, ".tasks.lock-anchor")
	}
	return l.primaryPath()
}

func (l *layout) taskPath(id string) string {
	return filepath.Join(l.dir, fmt.Sprintf("task-%s.json", id))
}

// loadAll reads every task currently on disk into a map keyed by id.
func (l *layout) loadAll(store *atomicstore.Store) (map[string]*types.Task, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("taskstore: create directory: %w", err)
	}
	if l.mode == config.TaskFileModePerTask {
		return l.loadAllPerTask(store)
	}
	return l.loadAllSingle(store)
}

func (l *layout) loadAllSingle(store *atomicstore.Store) (map[string]*types.Task, error) {
	path := l.primaryPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]*types.Task{}, nil
	}
	data, err := store.AtomicRead(path, atomicstore.ReadOptions{ValidateJSON: true})
	if err != nil {
		return nil, err
	}
	var doc taskDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &taskerrors.IntegrityError{Op: "load", Path: path, Message: err.Error()}
	}
	out := make(map[string]*types.Task, len(doc.Tasks))
	for _, t := range doc.Tasks {
		out[t.ID] = t
	}
	return out, nil
}

func (l *layout) loadAllPerTask(store *atomicstore.Store) (map[string]*types.Task, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("taskstore: read directory: %w", err)
	}
	out := make(map[string]*types.Task)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "task-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(l.dir, name)
		data, err := store.AtomicRead(path, atomicstore.ReadOptions{ValidateJSON: true})
		if err != nil {
			return nil, err
		}
		var t types.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, &taskerrors.IntegrityError{Op: "load", Path: path, Message: err.Error()}
		}
		out[t.ID] = &t
	}
	return out, nil
}

// writeAll persists the full task map transactionally. In single mode this
// is one document write; in per_task mode, one transaction per task plus
// removal of files for ids no longer present.
func (l *layout) writeAll(store *atomicstore.Store, tasks map[string]*types.Task, engine *integrity.Engine) error {
	if l.mode == config.TaskFileModePerTask {
		return l.writeAllPerTask(store, tasks, engine)
	}
	return l.writeAllSingle(store, tasks, engine)
}

func (l *layout) writeAllSingle(store *atomicstore.Store, tasks map[string]*types.Task, engine *integrity.Engine) error {
	ordered := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	doc := taskDocument{
		Version: 1,
		Tasks:   ordered,
		Metadata: docMetadata{
			Created:   earliestCreated(ordered),
			Updated:   time.Now().UTC(),
			TaskCount: len(ordered),
		},
	}
	stripped, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("taskstore: marshal document: %w", err)
	}
	sum, err := checksumBytes(stripped)
	if err != nil {
		return err
	}
	doc.Metadata.Checksum = sum
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("taskstore: marshal document: %w", err)
	}

	return store.Transaction(l.primaryPath(), data, func(b []byte) error {
		var check taskDocument
		if err := json.Unmarshal(b, &check); err != nil {
			return err
		}
		return nil
	})
}

func (l *layout) writeAllPerTask(store *atomicstore.Store, tasks map[string]*types.Task, engine *integrity.Engine) error {
	existing, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("taskstore: read directory: %w", err)
	}
	present := make(map[string]bool, len(tasks))
	for id := range tasks {
		present[id] = true
	}
	for _, e := range existing {
		name := e.Name()
		if !strings.HasPrefix(name, "task-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "task-"), ".json")
		if !present[id] {
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("taskstore: remove stale task file: %w", err)
			}
		}
	}
	for _, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("taskstore: marshal task %s: %w", t.ID, err)
		}
		path := l.taskPath(t.ID)
		if err := store.Transaction(path, data, nil); err != nil {
			return err
		}
	}
	return nil
}

func earliestCreated(tasks []*types.Task) time.Time {
	var earliest time.Time
	for _, t := range tasks {
		if earliest.IsZero() || t.CreatedAt.Before(earliest) {
			earliest = t.CreatedAt
		}
	}
	if earliest.IsZero() {
		earliest = time.Now().UTC()
	}
	return earliest
}
