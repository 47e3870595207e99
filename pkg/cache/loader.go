package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/smartrics/iotics-sparql-http/internal/build"
)

var (
	loadsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cache_loads_total",
		Help:      "The total number of cache misses that ran the load function.",
	}, []string{"cache"})

	deduplicatedLoadsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cache_deduplicated_loads_total",
		Help:      "The total number of cache misses that shared an in flight load.",
	}, []string{"cache"})
)

// LoadFunc computes the value of a missing entry.
type LoadFunc[V any] func(ctx context.Context) (V, error)

// Loader wraps a Cache with get-or-compute semantics. Concurrent misses on
// the same key share a single call to the load function. Failed loads are
// not cached.
//
// The load runs detached from the caller that started it, so a cancelled
// caller does not fail the others waiting on the same key.
type Loader[V any] struct {
	name        string
	cache       Cache[V]
	group       singleflight.Group
	loadTimeout time.Duration
}

type LoaderOption[V any] func(*Loader[V])

// WithLoadTimeout bounds each call to the load function.
func WithLoadTimeout[V any](d time.Duration) LoaderOption[V] {
	return func(l *Loader[V]) {
		l.loadTimeout = d
	}
}

func NewLoader[V any](name string, c Cache[V], opts ...LoaderOption[V]) *Loader[V] {
	l := &Loader[V]{name: name, cache: c}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Get returns the cached value for key, loading it if absent. It returns
// ctx.Err() if ctx is done before the load finishes.
func (l *Loader[V]) Get(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	var zero V
	if v, ok := l.cache.Get(key); ok {
		return v, nil
	}

	ch := l.group.DoChan(key, func() (interface{}, error) {
		// a previous flight may have populated the entry
		if v, ok := l.cache.Get(key); ok {
			return v, nil
		}
		loadsCounter.WithLabelValues(l.name).Inc()

		loadCtx := context.WithoutCancel(ctx)
		if l.loadTimeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(loadCtx, l.loadTimeout)
			defer cancel()
		}

		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		l.cache.Set(key, v, 1)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			deduplicatedLoadsCounter.WithLabelValues(l.name).Inc()
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (l *Loader[V]) Close() {
	l.cache.Close()
}
