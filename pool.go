/* A Pool owns a bounded set of Jobs against one server. Idle jobs sit
in a ready deque so acquire is O(1); when every job is busy and the
pool is at capacity, the least-loaded busy job is shared instead of
blocking the caller (configurable). A background reaper closes jobs
that have been idle too long. */

package wsdb

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
	log "github.com/sirupsen/logrus"
)

// OverflowPolicy decides what Acquire does when the pool is at MaxSize
// and no job is idle.
type OverflowPolicy int

const (
	//OverflowShare hands out the busy job with the fewest borrowers.
	OverflowShare OverflowPolicy = iota
	//OverflowWait blocks until a job is released.
	OverflowWait
	//OverflowError fails fast with pool-exhausted.
	OverflowError
)

type SSLOptions struct {
	CacheEnabled bool          `mapstructure:"cacheEnabled"`
	TTL          time.Duration `mapstructure:"ttl"`
	MaxEntries   int           `mapstructure:"maxEntries"`
}

type PoolOptions struct {
	Server       *ServerConfig
	MaxSize      int
	StartingSize int
	MinSize      int //reaper floor; 0 lets the reaper close every idle job
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	Timeout      time.Duration //per network operation
	Overflow     OverflowPolicy
	Props        map[string]string
	Normalizer   Normalizer
	SSL          SSLOptions
	Transport    Transport //nil selects the websocket transport
}

type Pool struct {
	opts  PoolOptions
	cache *ContextCache

	mu       sync.Mutex
	cond     *sync.Cond
	jobs     map[string]*Job
	ready    deque.Deque[*Job]
	busy     busyHeap
	creating int
	closed   bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// OpenPool validates options, eagerly connects StartingSize jobs and
// starts the reaper.
func OpenPool(ctx context.Context, opts PoolOptions) (*Pool, error) {
	if opts.Server == nil {
		return nil, newError(ERR_VALIDATION, "server config is required")
	}
	if opts.MaxSize <= 0 {
		return nil, newError(ERR_VALIDATION, "max size must be greater than 0")
	}
	if opts.StartingSize <= 0 {
		return nil, newError(ERR_VALIDATION, "starting size must be greater than 0")
	}
	if opts.StartingSize > opts.MaxSize {
		return nil, newError(ERR_VALIDATION, "max size must be greater than or equal to starting size")
	}
	if opts.MinSize < 0 || opts.MinSize > opts.MaxSize {
		return nil, newError(ERR_VALIDATION, "min size must be within [0, max size]")
	}

	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DEFAULT_IDLE_TIMEOUT
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DEFAULT_REAP_INTERVAL
	}
	if opts.Normalizer == nil {
		opts.Normalizer = passthroughNormalizer
	}
	if opts.Transport == nil {
		opts.Transport = NewWSTransport(opts.Timeout, opts.Timeout)
	}

	p := &Pool{
		opts:       opts,
		jobs:       make(map[string]*Job),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if opts.SSL.CacheEnabled {
		p.cache = NewContextCache(opts.SSL.MaxEntries, opts.SSL.TTL)
	}

	for i := 0; i < opts.StartingSize; i++ {
		j, err := p.connectJob(ctx)
		if err != nil {
			p.teardown()
			return nil, err
		}
		p.mu.Lock()
		p.jobs[j.name] = j
		p.ready.PushBack(j)
		p.mu.Unlock()
	}

	go p.reaper()
	return p, nil
}

// Acquire hands out a job for one unit of work. Every successful
// Acquire must be paired with exactly one Release; Pool.Query wires
// that pairing into the returned Query's close.
func (p *Pool) Acquire(ctx context.Context) (*Job, error) {
	//cond.Wait cannot select on ctx, so a watcher turns cancellation
	//into a wake-up and the loop top surfaces it
	if ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-stop:
			}
		}()
	}

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, newError(ERR_POOL_CLOSED, "pool is closed")
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, ctxError(err)
		}

		if p.ready.Len() > 0 {
			//warmest job first
			j := p.ready.PopBack()
			if j.Status() == JobEnded {
				continue
			}
			j.reserve()
			heap.Push(&p.busy, j)
			p.mu.Unlock()
			return j, nil
		}

		if len(p.jobs)+p.creating < p.opts.MaxSize {
			p.creating++
			p.mu.Unlock()
			j, err := p.connectJob(ctx)
			p.mu.Lock()
			p.creating--
			if err != nil {
				p.cond.Broadcast()
				p.mu.Unlock()
				return nil, err
			}
			if p.closed {
				p.mu.Unlock()
				j.Close()
				return nil, newError(ERR_POOL_CLOSED, "pool is closed")
			}
			p.jobs[j.name] = j
			j.reserve()
			heap.Push(&p.busy, j)
			p.mu.Unlock()
			return j, nil
		}

		switch p.opts.Overflow {
		case OverflowError:
			p.mu.Unlock()
			return nil, newError(ERR_POOL_EXHAUSTED, "all %d jobs are busy", p.opts.MaxSize)

		case OverflowWait:
			p.cond.Wait()

		default: //OverflowShare
			if p.busy.Len() > 0 {
				j := p.busy[0]
				j.reserve()
				heap.Fix(&p.busy, j.heapIndex)
				metricSharedAcquires.Inc()
				p.mu.Unlock()
				return j, nil
			}
			//every job is mid-creation or mid-teardown; wait for one
			p.cond.Wait()
		}
	}
}

// Release returns a borrowed job. When the last borrower lets go the
// job moves back to the ready deque.
func (p *Pool) Release(j *Job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := j.unreserve()

	if _, present := p.jobs[j.name]; !present {
		//already discarded after a fatal error
		return
	}
	if j.Status() == JobEnded || p.closed {
		return
	}

	if idle {
		if j.heapIndex >= 0 {
			heap.Remove(&p.busy, j.heapIndex)
		}
		p.ready.PushBack(j)
		p.cond.Broadcast()
	} else if j.heapIndex >= 0 {
		heap.Fix(&p.busy, j.heapIndex)
	}
}

// Query acquires a job and binds a statement to it. Closing the query
// releases the job exactly once.
func (p *Pool) Query(ctx context.Context, sql string, opts *QueryOptions) (*Query, error) {
	if opts == nil {
		opts = &QueryOptions{}
	}

	j, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	q, err := j.newQuery(sql, opts, p.opts.Normalizer)
	if err != nil {
		p.Release(j)
		return nil, err
	}
	q.onRelease = func() { p.Release(j) }
	return q, nil
}

// Execute fires one statement through the pool as a single unit:
// acquire, run, close, release.
func (p *Pool) Execute(ctx context.Context, sql string, params interface{}) (*QueryResult, error) {
	q, err := p.Query(ctx, sql, &QueryOptions{Parameters: params})
	if err != nil {
		return nil, err
	}
	defer q.Close(ctx)
	return q.Run(ctx, DEFAULT_FETCH_SIZE)
}

// Close ends every job. In-flight queries fail with a pool-closed
// error rather than hanging. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	jobs := make([]*Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		jobs = append(jobs, j)
	}
	p.jobs = make(map[string]*Job)
	p.ready.Clear()
	p.busy = nil
	close(p.stopReaper)
	p.cond.Broadcast()
	p.mu.Unlock()

	<-p.reaperDone

	cause := newError(ERR_POOL_CLOSED, "pool is closed")
	for _, j := range jobs {
		j.closeWith(cause)
	}
}

// ContextCache exposes the pool's TLS cache, nil when disabled.
func (p *Pool) ContextCache() *ContextCache {
	return p.cache
}

func (p *Pool) connectJob(ctx context.Context) (*Job, error) {
	jobOpts := &JobOptions{
		Transport: p.opts.Transport,
		Timeout:   p.opts.Timeout,
		Props:     p.opts.Props,
	}

	if p.cache != nil {
		cfg, err := p.cache.Get(p.opts.Server)
		if err != nil {
			return nil, err
		}
		jobOpts.TLS = cfg
	}

	j := NewJob(jobOpts)
	j.onEnd = p.discard

	if _, err := j.Connect(ctx, p.opts.Server); err != nil {
		return nil, err
	}
	return j, nil
}

// discard forgets a dead job so no future Acquire can return it. A
// replacement is created lazily on the next Acquire.
func (p *Pool) discard(j *Job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, present := p.jobs[j.name]; !present {
		return
	}
	delete(p.jobs, j.name)

	if j.heapIndex >= 0 {
		heap.Remove(&p.busy, j.heapIndex)
	} else {
		for i := 0; i < p.ready.Len(); i++ {
			if p.ready.At(i) == j {
				p.ready.Remove(i)
				break
			}
		}
	}

	log.WithField("job", j.name).Debug("job discarded from pool")
	p.cond.Broadcast()
}

func (p *Pool) reaper() {
	defer close(p.reaperDone)

	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-p.stopReaper:
			break loop

		case <-ticker.C:
			p.reapIdle()
			if p.cache != nil {
				p.cache.CleanupExpired()
			}
		}
	}
}

// reapIdle closes jobs that have sat in ready longer than IdleTimeout,
// never going below MinSize and never more than a few per sweep.
func (p *Pool) reapIdle() {
	cutoff := time.Now().Add(-p.opts.IdleTimeout)
	var victims []*Job

	p.mu.Lock()
	for len(victims) < MAX_REAPS_PER_SWEEP && p.ready.Len() > 0 && len(p.jobs) > p.opts.MinSize {
		//the front of the deque is the coldest job
		j := p.ready.Front()
		if j.LastUsed().After(cutoff) {
			break
		}
		p.ready.PopFront()
		delete(p.jobs, j.name)
		victims = append(victims, j)
	}
	p.mu.Unlock()

	for _, j := range victims {
		log.WithField("job", j.name).Debug("reaping idle job")
		metricJobsReaped.Inc()
		j.Close()
	}
}

// teardown closes whatever was created during a failed OpenPool.
func (p *Pool) teardown() {
	p.mu.Lock()
	jobs := make([]*Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		jobs = append(jobs, j)
	}
	p.jobs = make(map[string]*Job)
	p.ready.Clear()
	p.closed = true
	p.mu.Unlock()

	for _, j := range jobs {
		j.Close()
	}
}

//==============================================================//
//          busy heap
//==============================================================//

// busyHeap orders busy jobs by borrower count, earliest-reserved first
// on ties, so overflow sharing spreads load toward the least-loaded
// job. Both keys only change under the pool lock (reserve/unreserve
// plus a Push/Fix), so entries never go stale between heap operations.
type busyHeap []*Job

func (h busyHeap) Len() int { return len(h) }

func (h busyHeap) Less(a, b int) bool {
	pa, pb := h[a].pending.Load(), h[b].pending.Load()
	if pa != pb {
		return pa < pb
	}
	return h[a].heapStamp < h[b].heapStamp
}

func (h busyHeap) Swap(a, b int) {
	h[a], h[b] = h[b], h[a]
	h[a].heapIndex = a
	h[b].heapIndex = b
}

func (h *busyHeap) Push(x interface{}) {
	j := x.(*Job)
	j.heapIndex = len(*h)
	*h = append(*h, j)
}

func (h *busyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.heapIndex = -1
	*h = old[:n-1]
	return j
}
