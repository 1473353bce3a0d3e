package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrSuperseded is returned to callers of a refresh that was replaced by a
// newer one before it completed.
var ErrSuperseded = errors.New("refresh superseded")

// Refresher coalesces concurrent refreshes of a single value. While a
// refresh is in flight every caller receives its result; once it completes
// or fails the next call starts a new one.
type Refresher[T any] struct {
	fetch func(ctx context.Context) (T, error)
	group singleflight.Group

	mu     sync.Mutex
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRefresher wraps fetch. The context passed to fetch is cancelled when
// the refresh is superseded.
func NewRefresher[T any](fetch func(ctx context.Context) (T, error)) *Refresher[T] {
	r := &Refresher[T]{fetch: fetch}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Refresh joins the in-flight refresh or starts one. ctx bounds only the
// wait of this caller.
func (r *Refresher[T]) Refresh(ctx context.Context) (T, error) {
	var zero T

	r.mu.Lock()
	gen, fctx := r.gen, r.ctx
	ch := r.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return r.fetch(fctx)
	})
	r.mu.Unlock()

	select {
	case res := <-ch:
		if r.superseded(gen) {
			return zero, ErrSuperseded
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Supersede aborts the in-flight refresh, if any. Its callers receive
// ErrSuperseded and a late result is discarded.
func (r *Refresher[T]) Supersede() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()
	r.group.Forget(strconv.FormatUint(r.gen, 10))
	r.gen++
	r.ctx, r.cancel = context.WithCancel(context.Background())
}

// Reload supersedes any in-flight refresh and starts a new one.
func (r *Refresher[T]) Reload(ctx context.Context) (T, error) {
	r.Supersede()
	return r.Refresh(ctx)
}

func (r *Refresher[T]) superseded(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen != r.gen
}
