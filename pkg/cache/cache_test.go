package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCache(t *testing.T) {
	c := NewInMemoryCache[string]()

	_, ok := c.Get("k")
	require.False(t, ok)

	require.True(t, c.Set("k", "v", 1))
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	require.Equal(t, 1, c.Len())

	c.Close()
	require.Equal(t, 0, c.Len())
}

func TestBoundedCache(t *testing.T) {
	c, err := NewBoundedCache[int](100)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.True(t, c.Set("k", 42, 1))
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, 42, v)
}

func TestNewPicksImplementation(t *testing.T) {
	unbounded, err := New[string](0)
	require.NoError(t, err)
	require.IsType(t, &InMemoryCache[string]{}, unbounded)

	bounded, err := New[string](10)
	require.NoError(t, err)
	t.Cleanup(bounded.Close)
	require.IsType(t, &BoundedCache[string]{}, bounded)
}

func TestLoaderComputesOncePerKey(t *testing.T) {
	loader := NewLoader[string]("test_once", NewInMemoryCache[string]())
	var calls atomic.Int32

	load := func(context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "identity", nil
	}

	var wg conc.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Go(func() {
			v, err := loader.Get(context.Background(), "user:seed", load)
			require.NoError(t, err)
			require.Equal(t, "identity", v)
		})
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())

	v, err := loader.Get(context.Background(), "user:seed", load)
	require.NoError(t, err)
	require.Equal(t, "identity", v)
	require.Equal(t, int32(1), calls.Load())
}

func TestLoaderDistinctKeys(t *testing.T) {
	loader := NewLoader[string]("test_distinct", NewInMemoryCache[string]())

	a, err := loader.Get(context.Background(), "a", func(context.Context) (string, error) { return "A", nil })
	require.NoError(t, err)
	b, err := loader.Get(context.Background(), "b", func(context.Context) (string, error) { return "B", nil })
	require.NoError(t, err)

	require.Equal(t, "A", a)
	require.Equal(t, "B", b)
}

func TestLoaderDoesNotCacheErrors(t *testing.T) {
	loader := NewLoader[string]("test_errors", NewInMemoryCache[string]())
	boom := errors.New("boom")

	_, err := loader.Get(context.Background(), "k", func(context.Context) (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	v, err := loader.Get(context.Background(), "k", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestLoaderSurvivesCancelledFirstCaller(t *testing.T) {
	loader := NewLoader[string]("test_detached", NewInMemoryCache[string]())

	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "identity", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := loader.Get(ctx, "user:seed", load)
		firstErr <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	second := make(chan string, 1)
	go func() {
		v, err := loader.Get(context.Background(), "user:seed", func(context.Context) (string, error) {
			return "", errors.New("load should be shared")
		})
		require.NoError(t, err)
		second <- v
	}()

	close(release)
	select {
	case v := <-second:
		require.Equal(t, "identity", v)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not get the shared value")
	}
}

func TestLoaderLoadTimeout(t *testing.T) {
	loader := NewLoader[string]("test_timeout", NewInMemoryCache[string](), WithLoadTimeout[string](20*time.Millisecond))

	_, err := loader.Get(context.Background(), "k", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
