// Package index is a derived, rebuildable query accelerator over the audit
// log, backed by bbolt. It is never the source of truth — the log's JSONL
// files are — so losing or deleting the index file is always recoverable
// via audit.Log.RebuildIndex.
package index

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cuemby/taskpersist/pkg/types"
)

var (
	bucketEntries = []byte("entries")      // entry id -> json(AuditEntry)
	bucketByTask  = []byte("by_task")      // task id -> newline-joined entry ids, oldest first
	bucketOrder   = []byte("order")        // zero-padded unix-nano timestamp -> entry id, for range scans
)

// Index wraps a bbolt database file dedicated to one audit log directory.
type Index struct {
	db *bbolt.DB
}

// Open creates or opens the index file at path.
func Open(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketByTask, bucketOrder} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: init buckets: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying bbolt database.
func (idx *Index) Close() error { return idx.db.Close() }

// Record stores entry and appends it to its task's entry-id list and the
// global time-ordered index. Satisfies audit.Indexer.
func (idx *Index) Record(entry *types.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return idx.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put([]byte(entry.ID), data); err != nil {
			return err
		}
		if entry.TaskID != "" {
			b := tx.Bucket(bucketByTask)
			existing := b.Get([]byte(entry.TaskID))
			updated := append(append([]byte{}, existing...), []byte(entry.ID+"\n")...)
			if err := b.Put([]byte(entry.TaskID), updated); err != nil {
				return err
			}
		}
		key := fmt.Sprintf("%020d-%s", entry.Timestamp.UnixNano(), entry.ID)
		return tx.Bucket(bucketOrder).Put([]byte(key), []byte(entry.ID))
	})
}

// EntriesForTask returns every indexed entry for taskID, oldest first.
func (idx *Index) EntriesForTask(taskID string) ([]*types.AuditEntry, error) {
	var ids []string
	err := idx.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketByTask).Get([]byte(taskID))
		ids = splitNonEmpty(string(raw))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx.fetch(ids)
}

// Recent returns up to limit of the most recently indexed entries across
// all tasks, newest first.
func (idx *Index) Recent(limit int) ([]*types.AuditEntry, error) {
	var ids []string
	err := idx.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOrder).Cursor()
		for k, v := c.Last(); k != nil && len(ids) < limit; k, v = c.Prev() {
			ids = append(ids, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx.fetch(ids)
}

func (idx *Index) fetch(ids []string) ([]*types.AuditEntry, error) {
	var out []*types.AuditEntry
	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, id := range ids {
			raw := b.Get([]byte(id))
			if raw == nil {
				continue
			}
			var e types.AuditEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// Reset clears every bucket so audit.Log.RebuildIndex can replay the log from scratch.
func (idx *Index) Reset() error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketByTask, bucketOrder} {
			if err := tx.DeleteBucket(b); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
