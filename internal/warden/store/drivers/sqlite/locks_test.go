package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openseats/warden/pkg/idx"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "warden_test.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	s, err := NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func TestLockAcquireRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	locks := s.Locks()

	ok, err := locks.Acquire(ctx, "acct:1", "holder-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A live lock blocks a second holder.
	ok, err = locks.Acquire(ctx, "acct:1", "holder-b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	// Different key is unaffected.
	ok, err = locks.Acquire(ctx, "acct:2", "holder-b", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Release with the wrong holder is a no-op.
	require.NoError(t, locks.Release(ctx, "acct:1", "holder-b"))
	ok, err = locks.Acquire(ctx, "acct:1", "holder-c", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	// Release with the right holder frees the key.
	require.NoError(t, locks.Release(ctx, "acct:1", "holder-a"))
	ok, err = locks.Acquire(ctx, "acct:1", "holder-c", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockExpiryReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	locks := s.Locks()

	// TTLs are stored at second granularity, so a zero TTL row is already
	// expired for the next acquirer.
	ok, err := locks.Acquire(ctx, "acct:1", "slow-holder", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locks.Acquire(ctx, "acct:1", "fresh-holder", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The old holder's fenced release must not free the new holder's lock.
	require.NoError(t, locks.Release(ctx, "acct:1", "slow-holder"))
	ok, err = locks.Acquire(ctx, "acct:1", "third-holder", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLockMutualExclusionUnderContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	locks := s.Locks()

	const contenders = 16
	var winners atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := locks.Acquire(ctx, "acct:42", idx.New().String(), time.Minute)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), winners.Load())
}

func TestLockDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	locks := s.Locks()

	ok, err := locks.Acquire(ctx, "acct:9", "holder", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locks.DeleteExpired(ctx))

	ok, err = locks.Acquire(ctx, "acct:9", "holder-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
