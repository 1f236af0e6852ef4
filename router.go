package wsdb

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// router matches inbound frames to the request stream they belong to.
// Because a job executes one query at a time, at most one streaming
// correlation id is live per job; control frames (connect, version,
// close) register as one-shot waiters. A frame whose id matches no
// waiter means the transport is desynchronized and kills the job.
type router struct {
	conn Conn

	mu      sync.Mutex
	waiters map[string]*waiter
	err     error //fatal condition, set once
	done    chan struct{}

	onFatal func(error) //owning job's teardown, called once
}

type waiter struct {
	ch      chan routed
	oneShot bool
}

type routed struct {
	resp *serverResponse
	err  error
}

func newRouter(conn Conn, onFatal func(error)) *router {
	r := &router{
		conn:    conn,
		waiters: make(map[string]*waiter),
		done:    make(chan struct{}),
		onFatal: onFatal,
	}
	go r.run()
	return r
}

// run is the single reader for the job's connection.
func (r *router) run() {
loop:
	for {
		data, err := r.conn.Receive()
		if err != nil {
			r.fail(err)
			break loop
		}

		var resp serverResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			r.fail(newError(ERR_PROTOCOL, "malformed frame: %v", err))
			break loop
		}

		r.mu.Lock()
		w, present := r.waiters[resp.ID]
		if !present {
			r.mu.Unlock()
			r.fail(newError(ERR_PROTOCOL, "unknown correlation id %q", resp.ID))
			break loop
		}

		//the entry survives across pages and is dropped on the
		//terminal frame for its id
		if w.oneShot || resp.IsDone || !resp.Success {
			delete(r.waiters, resp.ID)
		}
		r.mu.Unlock()

		//a concurrent teardown may have already pushed its error into
		//the waiter's buffer; give up on delivery once done closes
		select {
		case w.ch <- routed{resp: &resp}:
		case <-r.done:
			break loop
		}
	}
}

// register adds a waiter for id. Streaming waiters stay registered
// until a terminal frame; one-shot waiters are dropped after the first.
func (r *router) register(id string, oneShot bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.waiters[id] = &waiter{ch: make(chan routed, 1), oneShot: oneShot}
	return nil
}

func (r *router) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, id)
}

// await blocks until the next frame for id, the timeout, or ctx
// cancellation. A timeout is fatal to the job: the connection can no
// longer be trusted to be at a frame boundary.
func (r *router) await(ctx context.Context, id string, timeout time.Duration) (*serverResponse, error) {
	r.mu.Lock()
	w, present := r.waiters[id]
	if !present {
		err := r.err
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, newError(ERR_INVALID_STATE, "no waiter registered for %q", id)
	}
	r.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case m := <-w.ch:
		if m.err != nil {
			return nil, m.err
		}
		return m.resp, nil

	case <-expired:
		err := newError(ERR_TIMEOUT, "no response for %q within %s", id, timeout)
		r.fail(err)
		return nil, err

	case <-ctx.Done():
		//cancellation is surfaced distinctly from a server timeout,
		//but either way the job is torn down mid-frame
		err := ctxError(ctx.Err())
		r.fail(err)
		return nil, err
	}
}

// fail records the fatal error, unblocks every waiter with it, closes
// the connection and tells the job to tear down. Idempotent.
func (r *router) fail(err error) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return
	}
	r.err = err
	pending := r.waiters
	r.waiters = make(map[string]*waiter)
	close(r.done)
	r.mu.Unlock()

	log.WithField("err", err).Debug("router shutting down")

	for _, w := range pending {
		select {
		case w.ch <- routed{err: err}:
		default:
		}
	}

	r.conn.Close()
	if r.onFatal != nil {
		r.onFatal(err)
	}
}

// shutdown is fail() for orderly closes: waiters see a pool-closed
// style error instead of a transport one.
func (r *router) shutdown(err error) {
	r.fail(err)
}
