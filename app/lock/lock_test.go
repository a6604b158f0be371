package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")

	lk, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, path, lk.Path())
	assert.FileExists(t, path)

	lk.Release()
	assert.NoFileExists(t, path)
}

func TestAcquireContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")

	first, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		second, e := Acquire(context.Background(), path, Options{RetryInterval: 10 * time.Millisecond})
		require.NoError(t, e)
		second.Release()
	}()

	time.Sleep(50 * time.Millisecond) // let the second caller hit contention
	first.Release()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never succeeded after release")
	}
	assert.NoFileExists(t, path)
}

func TestAcquireSequentialUnderLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")

	const n = 8
	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lk, err := Acquire(context.Background(), path, Options{RetryInterval: 5 * time.Millisecond})
			require.NoError(t, err)
			atomic.AddInt32(&acquired, 1)
			time.Sleep(time.Millisecond) // hold briefly to force contention
			lk.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(n), acquired, "every caller acquires eventually")
	assert.NoFileExists(t, path)
}

func TestAcquireFailsOnBadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-such-dir", "repo.lock")

	_, err := Acquire(context.Background(), path, Options{})
	require.Error(t, err)

	var aerr *AcquireError
	require.ErrorAs(t, err, &aerr, "non-contention error is typed")
	assert.Equal(t, path, aerr.Path)
	assert.NotEmpty(t, aerr.Details)
	assert.Contains(t, err.Error(), "can't acquire lock")
}

func TestAcquireAborted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	held, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)
	defer held.Release()

	_, err = Acquire(context.Background(), path,
		Options{RetryInterval: 5 * time.Millisecond, ShouldAbort: func() bool { return true }})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "job cancelled by user", err.Error())
	assert.FileExists(t, path, "abort must not touch the artifact")
}

func TestAcquireCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	held, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, path, Options{RetryInterval: time.Hour})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestReleaseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	lk, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(path)) // removed under our feet
	lk.Release()
	lk.Release() // second release is a no-op
	assert.NoFileExists(t, path)
}

func TestAcquireAfterCrash(t *testing.T) {
	// simulate a crashed holder by pre-creating the file without a Lock
	path := filepath.Join(t.TempDir(), "repo.lock")
	require.NoError(t, os.WriteFile(path, []byte{}, 0o600))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.Remove(path) // stale artifact cleaned externally
	}()

	lk, err := Acquire(context.Background(), path, Options{RetryInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	lk.Release()
}
