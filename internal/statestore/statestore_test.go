// SPDX-License-Identifier: GPL-3.0-or-later
package statestore

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/rgrist/m365mover/internal/domain"
	"github.com/rgrist/m365mover/internal/logging"
)

func init() {
	logging.Init("error")
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIncrementCounterConcurrent(t *testing.T) {
	s := newTestStore(t)

	const workers = 20
	const perWorker = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.IncrementCounter("total_messages", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, err := s.ReadCounter("total_messages")
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker, v)
}

func TestReadCounterDefaultsToZero(t *testing.T) {
	s := newTestStore(t)
	v, err := s.ReadCounter("nonexistent")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestFolderCounterFieldsIndependent(t *testing.T) {
	s := newTestStore(t)

	_, err := s.IncrementFolderCounter("Inbox", "count", 1)
	require.NoError(t, err)
	_, err = s.IncrementFolderCounter("Inbox", "size", 2048)
	require.NoError(t, err)
	_, err = s.IncrementFolderCounter("Inbox", "failed", 1)
	require.NoError(t, err)

	counters, err := s.ReadFolderCounters("Inbox")
	require.NoError(t, err)
	assert.EqualValues(t, 1, counters.Count)
	assert.EqualValues(t, 2048, counters.Size)
	assert.EqualValues(t, 1, counters.Failed)
	assert.Zero(t, counters.Skipped)
}

func TestFolderCounterUnknownField(t *testing.T) {
	s := newTestStore(t)
	_, err := s.IncrementFolderCounter("Inbox", "bogus", 1)
	assert.Error(t, err)
}

func TestMessageStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetMessageState("Inbox", "<abc@x>")
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnknown, v)

	require.NoError(t, s.PutMessageState("Inbox", "<abc@x>", domain.StateUploaded))

	v, err = s.GetMessageState("Inbox", "<abc@x>")
	require.NoError(t, err)
	assert.Equal(t, domain.StateUploaded, v)

	// Different folder, same key, must not collide (sharded by folder).
	v, err = s.GetMessageState("Sent", "<abc@x>")
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnknown, v)
}

func TestJobStatusRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.MarkJobStatus("job-1", domain.PhaseUploading, "in flight"))

	status, err := s.ReadJobStatus("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseUploading, status.Phase)
	assert.Equal(t, "in flight", status.Message)
}

func TestFolderProcessingLifecycle(t *testing.T) {
	s := newTestStore(t)

	processed, err := s.IsFolderProcessed("Inbox")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, s.StartFolderProcessing("Inbox"))
	inProgress, err := s.IsFolderBeingProcessed("Inbox")
	require.NoError(t, err)
	assert.True(t, inProgress)

	require.NoError(t, s.CompleteFolderProcessing("Inbox"))

	inProgress, err = s.IsFolderBeingProcessed("Inbox")
	require.NoError(t, err)
	assert.False(t, inProgress)

	processed, err = s.IsFolderProcessed("Inbox")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestLockMutualExclusion(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.AcquireLock("folder:Inbox", time.Second)
	require.NoError(t, err)

	_, err = s.AcquireLock("folder:Inbox", 200*time.Millisecond)
	assert.Error(t, err, "a second acquirer must time out while the first holds the lock")

	require.NoError(t, lock.Release())

	lock2, err := s.AcquireLock("folder:Inbox", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestLockReleaseIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	lock, err := s.AcquireLock("x", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}

func TestStaleLockReclaimed(t *testing.T) {
	s := newTestStore(t)

	// Simulate a lock left behind by a process that is no longer running:
	// PID 1 belongs to init and is always live, so pick a PID far beyond
	// any realistic process table instead.
	deadOwner := "somehost:999999"
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLocks).Put([]byte("folder:Archive"), []byte(deadOwner))
	})
	require.NoError(t, err)

	lock, err := s.AcquireLock("folder:Archive", time.Second)
	require.NoError(t, err, "a lock with a dead owner must be reclaimable")
	require.NoError(t, lock.Release())
}

func TestResetClearsEverything(t *testing.T) {
	s := newTestStore(t)

	_, err := s.IncrementCounter("total_messages", 5)
	require.NoError(t, err)
	require.NoError(t, s.PutMessageState("Inbox", "<a@b>", domain.StateUploaded))
	require.NoError(t, s.MarkFolderProcessed("Inbox"))

	require.NoError(t, s.Reset())

	v, err := s.ReadCounter("total_messages")
	require.NoError(t, err)
	assert.Zero(t, v)

	state, err := s.GetMessageState("Inbox", "<a@b>")
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnknown, state)

	processed, err := s.IsFolderProcessed("Inbox")
	require.NoError(t, err)
	assert.False(t, processed)
}
