package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startCallers launches n concurrent Do calls under key and returns a function
// that waits for all of them.
func startCallers[T any](
	t *testing.T,
	c *Coordinator,
	n int,
	key string,
	fn func(context.Context) (T, error),
) func() ([]T, []error) {
	t.Helper()

	vals := make([]T, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			vals[i], _, errs[i] = Do(context.Background(), c, key, fn)
		}(i)
	}
	return func() ([]T, []error) {
		wg.Wait()
		return vals, errs
	}
}

func TestDo_ConcurrentCallersShareOneExecution(t *testing.T) {
	c := New()
	var calls atomic.Int32
	release := make(chan struct{})

	wait := startCallers(t, c, 10, KeyCSRF, func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "csrf-token-1", nil
	})

	// Give every caller time to join the flight
	time.Sleep(50 * time.Millisecond)
	close(release)
	vals, errs := wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range vals {
		require.NoError(t, errs[i])
		assert.Equal(t, "csrf-token-1", vals[i])
	}
}

func TestDo_PanicBecomesError(t *testing.T) {
	c := New()

	_, _, err := Do(context.Background(), c, KeyCSRF, func(context.Context) (int, error) {
		panic("nil map")
	})
	require.ErrorIs(t, err, ErrPanicked)
	assert.Contains(t, err.Error(), "nil map")

	v, _, err := Do(context.Background(), c, KeyCSRF, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDo_FailureIsSharedAndReleasesKey(t *testing.T) {
	c := New()
	boom := errors.New("boom")
	var calls atomic.Int32
	release := make(chan struct{})

	wait := startCallers(t, c, 5, KeyReauth, func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "", boom
	})
	time.Sleep(50 * time.Millisecond)
	close(release)
	_, errs := wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, int32(1), calls.Load())

	// A past failure must not block the next flight
	v, shared, err := Do(context.Background(), c, KeyReauth, func(context.Context) (string, error) {
		calls.Add(1)
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_IndependentKeys(t *testing.T) {
	c := New()
	blockCSRF := make(chan struct{})
	defer close(blockCSRF)

	go Do(context.Background(), c, KeyCSRF, func(context.Context) (string, error) {
		<-blockCSRF
		return "csrf", nil
	})
	time.Sleep(20 * time.Millisecond)

	done := make(chan string, 1)
	go func() {
		v, _, _ := Do(context.Background(), c, KeyReauth, func(context.Context) (string, error) {
			return "access", nil
		})
		done <- v
	}()

	select {
	case v := <-done:
		assert.Equal(t, "access", v)
	case <-time.After(time.Second):
		t.Fatal("reauth flight blocked behind csrf flight")
	}
}

func TestDo_CallerCancellationDoesNotCancelFlight(t *testing.T) {
	c := New()
	release := make(chan struct{})
	flightErr := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := Do(ctx, c, KeyReauth, func(fctx context.Context) (string, error) {
			<-release
			flightErr <- fctx.Err()
			return "T1", nil
		})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// A second caller joins, then the first one gives up
	secondDone := make(chan string, 1)
	go func() {
		v, _, _ := Do(context.Background(), c, KeyReauth, func(context.Context) (string, error) {
			return "unexpected", nil
		})
		secondDone <- v
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	assert.NoError(t, <-flightErr)
	assert.Equal(t, "T1", <-secondDone)
}

func TestDo_DoneContextSkipsWork(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, _, err := Do(ctx, c, KeyCSRF, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "csrf:abc", Key(KeyCSRF, "abc"))
	assert.Equal(t, "reauth", Key(KeyReauth))
}
