// Package audit implements the append-only, hash-chained event log
// (spec.md §4.3). Every entry's this_hash folds in the previous entry's
// hash, so a verifier can walk the file and detect any edit, reorder, or
// truncation of history.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/taskpersist/pkg/atomicstore"
	"github.com/cuemby/taskpersist/pkg/metrics"
	"github.com/cuemby/taskpersist/pkg/taskerrors"
	"github.com/cuemby/taskpersist/pkg/types"
)

// Genesis is the previous_hash expected of the very first entry in a chain.
const Genesis = "genesis"

const currentFileName = "audit-log.jsonl"

// Level controls how much of a commit's payload an audit entry retains.
// Mirrors config.AuditLevel's values without importing pkg/config, the same
// narrow-interface pattern checkpoint.Provider uses to avoid coupling
// between packages that don't otherwise need each other.
type Level string

const (
	LevelBasic         Level = "basic"
	LevelDetailed      Level = "detailed"
	LevelComprehensive Level = "comprehensive"
)

// Indexer receives every entry as it is appended so a derived query index
// (pkg/audit/index) can stay current without re-scanning the log.
type Indexer interface {
	Record(entry *types.AuditEntry) error
}

// Filter selects entries for Log.Query.
type Filter struct {
	EventTypes    map[string]bool
	TaskID        string
	SessionID     string
	After, Before time.Time
}

func (f Filter) matches(e *types.AuditEntry) bool {
	if len(f.EventTypes) > 0 && !f.EventTypes[e.EventType] {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if !f.After.IsZero() && e.Timestamp.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && e.Timestamp.After(f.Before) {
		return false
	}
	return true
}

// Log is the append-only event log rooted at dir.
type Log struct {
	dir   string
	store *atomicstore.Store
	index Indexer
	level Level

	lastHash string
}

// New opens (or begins) the audit log under dir using store for the
// exclusive-lock discipline §4.3 requires of concurrent appenders. index
// may be nil. level controls payload retention; an empty Level defaults to
// LevelDetailed.
func New(dir string, store *atomicstore.Store, index Indexer, level Level) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	if level == "" {
		level = LevelDetailed
	}
	l := &Log{dir: dir, store: store, index: index, level: level, lastHash: Genesis}
	last, err := l.lastEntry()
	if err != nil {
		return nil, err
	}
	if last != nil {
		l.lastHash = last.ThisHash
	}
	return l, nil
}

// RecordsReads reports whether this log's level calls for auditing plain
// reads (task_read entries), not just mutations. Only LevelComprehensive does.
func (l *Log) RecordsReads() bool { return l.level == LevelComprehensive }

// trimPayloadForLevel drops the full "task" snapshot from payload at
// LevelBasic, keeping only correlation fields (task_id, session_id, etc.
// already carried on the entry itself) and whatever scalar keys the caller
// included alongside it.
func trimPayloadForLevel(level Level, payload map[string]any) map[string]any {
	if level != LevelBasic || payload == nil {
		return payload
	}
	trimmed := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "task" {
			continue
		}
		trimmed[k] = v
	}
	return trimmed
}

func (l *Log) currentPath() string { return filepath.Join(l.dir, currentFileName) }

// Append writes one entry. eventType and payload are caller-supplied;
// taskID and sessionID are optional correlation keys.
func (l *Log) Append(eventType, taskID, sessionID string, payload map[string]any) (*types.AuditEntry, error) {
	path := l.currentPath()
	payload = trimPayloadForLevel(l.level, payload)
	var entry *types.AuditEntry
	err := l.store.WithExclusiveLock(path, func() error {
		last, err := readLastLine(path)
		if err != nil {
			return err
		}
		prevHash := Genesis
		if last != nil {
			prevHash = last.ThisHash
		} else if l.lastHash != "" {
			prevHash = l.lastHash
		}

		e := &types.AuditEntry{
			ID:           uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			EventType:    eventType,
			TaskID:       taskID,
			SessionID:    sessionID,
			Payload:      payload,
			PreviousHash: prevHash,
		}
		e.ThisHash, err = computeHash(e)
		if err != nil {
			return err
		}

		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("audit: marshal entry: %w", err)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return &taskerrors.PersistError{Op: "audit_append", Path: path, Err: err}
		}
		defer f.Close()
		if _, err := f.Write(append(line, '\n')); err != nil {
			return &taskerrors.PersistError{Op: "audit_append", Path: path, Err: err}
		}
		if err := f.Sync(); err != nil {
			return &taskerrors.PersistError{Op: "audit_append", Path: path, Err: err}
		}

		l.lastHash = e.ThisHash
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.AuditEntriesTotal.Inc()
	if l.index != nil {
		if err := l.index.Record(entry); err != nil {
			return entry, fmt.Errorf("audit: update index: %w", err)
		}
	}
	return entry, nil
}

// computeHash implements this_hash = H(id || timestamp || event_type ||
// canonical(payload) || previous_hash). json.Marshal of a map[string]any
// sorts keys, giving us a canonical payload encoding for free.
func computeHash(e *types.AuditEntry) (string, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("audit: marshal payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(e.ID))
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.EventType))
	h.Write(payload)
	h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// rotatedFiles returns paths of rotated log files in ascending index order,
// oldest first: audit-log.1.jsonl, audit-log.2.jsonl, ...
func (l *Log) rotatedFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type indexed struct {
		n    int
		path string
	}
	var found []indexed
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "audit-log.") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, "audit-log."), ".jsonl")
		n, err := strconv.Atoi(mid)
		if err != nil {
			continue
		}
		found = append(found, indexed{n: n, path: filepath.Join(l.dir, name)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

// allFiles returns every log file, oldest rotated first, current file last.
func (l *Log) allFiles() ([]string, error) {
	rotated, err := l.rotatedFiles()
	if err != nil {
		return nil, err
	}
	path := l.currentPath()
	if _, err := os.Stat(path); err == nil {
		return append(rotated, path), nil
	}
	return rotated, nil
}

// Rotate renames the current log file to the next audit-log.<n>.jsonl and
// starts a fresh current file. Chain continuity is preserved automatically:
// Append always threads the in-memory lastHash (or, failing that, the
// rotated file's final entry) as the next previous_hash.
func (l *Log) Rotate() error {
	path := l.currentPath()
	return l.store.WithExclusiveLock(path, func() error {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
		rotated, err := l.rotatedFiles()
		if err != nil {
			return err
		}
		next := 1
		if len(rotated) > 0 {
			last := filepath.Base(rotated[len(rotated)-1])
			mid := strings.TrimSuffix(strings.TrimPrefix(last, "audit-log."), ".jsonl")
			if n, err := strconv.Atoi(mid); err == nil {
				next = n + 1
			}
		}
		dest := filepath.Join(l.dir, fmt.Sprintf("audit-log.%d.jsonl", next))
		return os.Rename(path, dest)
	})
}

// Query returns entries matching f, ordered by ascending timestamp.
func (l *Log) Query(f Filter) ([]*types.AuditEntry, error) {
	files, err := l.allFiles()
	if err != nil {
		return nil, err
	}
	var results []*types.AuditEntry
	for _, path := range files {
		entries, err := readAllLines(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if f.matches(e) {
				results = append(results, e)
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	return results, nil
}

// VerifyChain walks every entry across all rotated files and the current
// file, recomputing hashes. It returns nil if the chain is intact, or the
// first entry whose hash linkage is broken.
func (l *Log) VerifyChain() (*types.AuditEntry, error) {
	files, err := l.allFiles()
	if err != nil {
		return nil, err
	}
	prev := Genesis
	for _, path := range files {
		entries, err := readAllLines(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.PreviousHash != prev {
				metrics.AuditChainVerifyFailuresTotal.Inc()
				return e, nil
			}
			want, err := computeHash(e)
			if err != nil {
				return nil, err
			}
			if want != e.ThisHash {
				metrics.AuditChainVerifyFailuresTotal.Inc()
				return e, nil
			}
			prev = e.ThisHash
		}
	}
	return nil, nil
}

// ReconstructTask folds task-mutation events for taskID with timestamp ≤
// atTime into a reconstructed record. Entries must carry the resulting
// task under payload["task"] — this is how TaskStore.Create/Update record
// their audit entries. Returns nil if no qualifying entry exists, or if the
// most recent qualifying event is a deletion.
func (l *Log) ReconstructTask(taskID string, atTime time.Time) (*types.Task, error) {
	entries, err := l.Query(Filter{
		EventTypes: map[string]bool{"task_created": true, "task_updated": true, "task_deleted": true},
		TaskID:     taskID,
		Before:     atTime,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	last := entries[len(entries)-1]
	if last.EventType == "task_deleted" {
		return nil, nil
	}
	raw, ok := last.Payload["task"]
	if !ok {
		return nil, fmt.Errorf("audit: entry %s missing task payload", last.ID)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("audit: decode reconstructed task: %w", err)
	}
	return &task, nil
}

// RebuildIndex replays every entry in the log, oldest first, into idx. Use
// this after deleting or corrupting the index file: the log itself always
// remains the source of truth.
func (l *Log) RebuildIndex(idx Indexer) error {
	files, err := l.allFiles()
	if err != nil {
		return err
	}
	for _, path := range files {
		entries, err := readAllLines(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := idx.Record(e); err != nil {
				return fmt.Errorf("audit: rebuild index: %w", err)
			}
		}
	}
	return nil
}

func (l *Log) lastEntry() (*types.AuditEntry, error) {
	files, err := l.allFiles()
	if err != nil {
		return nil, err
	}
	for i := len(files) - 1; i >= 0; i-- {
		last, err := readLastLine(files[i])
		if err != nil {
			return nil, err
		}
		if last != nil {
			return last, nil
		}
	}
	return nil, nil
}

func readAllLines(path string) ([]*types.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []*types.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e types.AuditEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, &taskerrors.IntegrityError{Op: "audit_read", Path: path, Message: err.Error()}
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func readLastLine(path string) (*types.AuditEntry, error) {
	entries, err := readAllLines(path)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[len(entries)-1], nil
}
