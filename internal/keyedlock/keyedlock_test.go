package keyedlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"huddle/internal/domain"
)

func TestLock_TimesOutWithBusy(t *testing.T) {
	l := New[int64](20 * time.Millisecond)

	release, err := l.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer release()

	_, err = l.Lock(context.Background(), 1)
	require.ErrorIs(t, err, domain.ErrBusy)
	require.True(t, domain.IsRetryable(err))
}

func TestLock_DifferentKeysDoNotContend(t *testing.T) {
	l := New[string](20 * time.Millisecond)

	releaseA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	releaseB()
}

func TestLock_ReleaseIsIdempotentAndCleansUp(t *testing.T) {
	l := New[int](time.Second)

	release, err := l.Lock(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 1, l.Len())

	release()
	release()
	require.Equal(t, 0, l.Len())

	release, err = l.Lock(context.Background(), 7)
	require.NoError(t, err)
	release()
}

func TestLock_CanceledContext(t *testing.T) {
	l := New[int](time.Second)

	release, err := l.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, l.Len())
}

func TestLock_MutualExclusion(t *testing.T) {
	l := New[int](5 * time.Second)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(context.Background(), 1)
			if err != nil {
				return
			}
			counter++
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}
