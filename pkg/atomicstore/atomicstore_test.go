package atomicstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testStore() *Store {
	return New(Options{
		LockStaleThreshold: time.Minute,
		LockAcquireTimeout: 2 * time.Second,
	})
}

func TestAtomicWrite_ReadBack(t *testing.T) {
	dir := t.TempDir()
	s := testStore()
	path := filepath.Join(dir, "file.json")

	err := s.AtomicWrite(path, []byte(`{"a":1}`))
	assert.NoError(t, err)

	data, err := s.AtomicRead(path, ReadOptions{ValidateJSON: true})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	// No leftover temp files.
	entries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicRead_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	s := testStore()
	path := filepath.Join(dir, "file.json")
	assert.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := s.AtomicRead(path, ReadOptions{ValidateJSON: true})
	assert.Error(t, err)
}

func TestTransaction_RollsBackOnValidationFailure(t *testing.T) {
	dir := t.TempDir()
	s := testStore()
	path := filepath.Join(dir, "state.json")

	assert.NoError(t, s.AtomicWrite(path, []byte(`{"v":1}`)))

	err := s.Transaction(path, []byte(`{"v":2}`), func([]byte) error {
		return assertErr("boom")
	})
	assert.Error(t, err)

	data, readErr := os.ReadFile(path)
	assert.NoError(t, readErr)
	assert.JSONEq(t, `{"v":1}`, string(data))

	// no backup/tmp files left behind
	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 1)
}

func TestTransaction_CommitsAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	s := testStore()
	path := filepath.Join(dir, "state.json")

	assert.NoError(t, s.AtomicWrite(path, []byte(`{"v":1}`)))
	assert.NoError(t, s.Transaction(path, []byte(`{"v":2}`), nil))

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 1)
}

func TestTransaction_NoPriorFile(t *testing.T) {
	dir := t.TempDir()
	s := testStore()
	path := filepath.Join(dir, "state.json")

	assert.NoError(t, s.Transaction(path, []byte(`{"v":1}`), nil))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestChecksumValidation(t *testing.T) {
	dir := t.TempDir()
	s := testStore()
	path := filepath.Join(dir, "state.json")

	recompute := func(b []byte) string {
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	}

	body := map[string]any{"value": 42}
	stripped, _ := json.Marshal(body)
	body["checksum"] = recompute(stripped)
	data, _ := json.Marshal(body)
	assert.NoError(t, s.AtomicWrite(path, data))

	_, err := s.AtomicRead(path, ReadOptions{ChecksumField: "checksum", RecomputeChecksum: recompute})
	assert.NoError(t, err)

	// Flip a byte in the stored file and expect a checksum mismatch.
	corrupted, _ := os.ReadFile(path)
	corrupted[0] = '{' // still valid start, but mutate a digit below
	for i, b := range corrupted {
		if b >= '0' && b <= '9' {
			corrupted[i] = '9'
			if corrupted[i] == b {
				corrupted[i] = '0'
			}
			break
		}
	}
	assert.NoError(t, os.WriteFile(path, corrupted, 0o644))
	_, err = s.AtomicRead(path, ReadOptions{ChecksumField: "checksum", RecomputeChecksum: recompute})
	assert.Error(t, err)
}

func TestExclusiveLock_MutualExclusion(t *testing.T) {
	dir := t.TempDir()
	s := testStore()
	path := filepath.Join(dir, "state.json")

	var counter int64
	var wg sync.WaitGroup
	const n = 20
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := s.WithExclusiveLock(path, func() error {
				cur := atomic.AddInt64(&counter, 1)
				time.Sleep(time.Millisecond)
				assert.Equal(t, int64(1), cur-atomic.LoadInt64(&counter)+cur) // sanity, counter monotonic under lock
				atomic.AddInt64(&counter, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), counter)
}

func TestAcquire_ReapsStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New(Options{LockStaleThreshold: time.Millisecond, LockAcquireTimeout: 2 * time.Second})

	stale := lockInfo{PID: os.Getpid(), LockID: "stale-holder", AcquiredAt: time.Now().Add(-time.Hour)}
	assert.NoError(t, writeLockFile(lockPath(path, stale.LockID), stale))

	h, err := s.Acquire(path)
	assert.NoError(t, err)
	assert.NoError(t, h.Release())
}

// assertErr is a tiny helper to avoid importing errors just for one literal.
type assertErr string

func (e assertErr) Error() string { return string(e) }
