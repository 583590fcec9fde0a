package upstream

import (
	"context"
	"sync"

	"mapcache/internal/offline"
)

// Poster queues a function on the execution context that owns the result,
// such as cache.Sequence.
type Poster interface {
	Post(fn func()) bool
}

// Callback receives the outcome of an asynchronous request.
type Callback func(resp *offline.Response, err error)

// Request is the handle of an in-flight asynchronous fetch.
type Request struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	canceled  bool
	delivered bool
	done      chan struct{}
}

// Request starts fetching res and returns immediately. The callback runs
// exactly once, through post, unless the request is canceled before then.
func (f *Fetcher) Request(res offline.Resource, prior *offline.Response, post Poster, callback Callback) *Request {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Request{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer cancel()
		resp, err := f.Fetch(ctx, res, prior)
		if ctx.Err() != nil {
			r.finish()
			return
		}
		if !post.Post(func() {
			if r.claim() {
				callback(resp, err)
			}
			r.finish()
		}) {
			r.finish()
		}
	}()
	return r
}

// Cancel aborts the fetch. A callback that has not started by then never runs.
func (r *Request) Cancel() {
	r.mu.Lock()
	r.canceled = true
	r.mu.Unlock()
	r.cancel()
}

// Done is closed once the request has delivered or given up.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

func (r *Request) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled || r.delivered {
		return false
	}
	r.delivered = true
	return true
}

func (r *Request) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
