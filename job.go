package wsdb

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// instanceID identifies this client process in connect handshakes.
var instanceID = uuid.NewString()

// JobOptions configure a single Job. A Pool fills these in from its own
// options; standalone jobs may leave everything zero.
type JobOptions struct {
	Transport Transport         //nil selects the websocket transport
	Timeout   time.Duration     //per network operation; 0 = no limit
	Props     map[string]string //JDBC-style connection properties
	TLS       *tls.Config       //prebuilt context; nil builds one per connect
}

// Job is one persistent connection to the remote daemon standing in for
// a server-side execution context. It executes one query at a time;
// concurrent borrowers queue on the wire.
type Job struct {
	name    string //client-side name, for logs and pool bookkeeping
	opts    JobOptions
	server  *ServerConfig
	conn    Conn
	router  *router
	wire    chan struct{} //capacity 1: ownership of the request/response cycle

	mu     sync.Mutex
	status JobStatus
	id     string //remote job id, assigned by the handshake

	pending  atomic.Int32
	lastUsed atomic.Int64 //unix nanos

	//pool hook; nil for standalone jobs
	onEnd func(*Job)

	heapIndex int   //maintained by the pool's busy heap; -1 when absent
	heapStamp int64 //heap tie-break key, refreshed by reserve under the pool lock
}

func NewJob(opts *JobOptions) *Job {
	j := &Job{
		name:      uniuri.New(),
		wire:      make(chan struct{}, 1),
		status:    JobNotStarted,
		heapIndex: -1,
	}
	if opts != nil {
		j.opts = *opts
	}
	if j.opts.Transport == nil {
		j.opts.Transport = NewWSTransport(0, 0)
	}
	j.touch()
	return j
}

// Connect performs the handshake and moves the job to JobReady.
func (j *Job) Connect(ctx context.Context, server *ServerConfig) (*ConnectionResult, error) {
	j.mu.Lock()
	if j.status != JobNotStarted {
		j.mu.Unlock()
		return nil, newError(ERR_INVALID_STATE, "job %s already started", j.name)
	}
	j.mu.Unlock()

	tlsCfg := j.opts.TLS
	if tlsCfg == nil {
		var err error
		tlsCfg, err = buildTLSConfig(server)
		if err != nil {
			return nil, err
		}
	}

	conn, err := j.opts.Transport.Open(ctx, server, tlsCfg)
	if err != nil {
		return nil, err
	}

	j.server = server
	j.conn = conn
	j.router = newRouter(conn, j.fatal)

	frame := map[string]interface{}{
		"id":          j.nextID("connect"),
		"type":        REQ_CONNECT,
		"technique":   "tcp",
		"application": "wsdb-go:" + instanceID,
		"props":       joinProps(j.opts.Props),
	}

	resp, err := j.call(ctx, frame)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		j.router.shutdown(newError(ERR_CONNECTION, "handshake rejected"))
		return nil, serverError(ERR_CONNECTION, resp)
	}

	j.mu.Lock()
	j.id = resp.Job
	j.status = JobReady
	j.mu.Unlock()

	metricJobsOpened.Inc()
	metricJobsOpen.Inc()
	log.WithFields(log.Fields{"job": j.name, "remote": resp.Job}).Debug("job connected")

	return &ConnectionResult{ID: resp.ID, Job: resp.Job}, nil
}

// Query binds a statement to this job. Parameters in opts are run
// through the passthrough normalizer; pools install their own.
func (j *Job) Query(sql string, opts *QueryOptions) (*Query, error) {
	return j.newQuery(sql, opts, passthroughNormalizer)
}

func (j *Job) newQuery(sql string, opts *QueryOptions, normalize Normalizer) (*Query, error) {
	if opts == nil {
		opts = &QueryOptions{}
	}
	params, err := normalize(opts.Parameters)
	if err != nil {
		return nil, err
	}
	return newQuery(j, sql, params, opts), nil
}

// QueryAndRun executes sql as one unit and returns the first page.
func (j *Job) QueryAndRun(ctx context.Context, sql string, opts *QueryOptions) (*QueryResult, error) {
	q, err := j.Query(sql, opts)
	if err != nil {
		return nil, err
	}
	defer q.Close(ctx)
	return q.Run(ctx, DEFAULT_FETCH_SIZE)
}

// GetVersion asks the daemon for its version banner.
func (j *Job) GetVersion(ctx context.Context) (*VersionResult, error) {
	if j.Status() != JobReady && j.Status() != JobBusy {
		return nil, newError(ERR_INVALID_STATE, "job %s not connected", j.name)
	}
	frame := map[string]interface{}{
		"id":   j.nextID("version"),
		"type": REQ_VERSION,
	}
	resp, err := j.call(ctx, frame)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, serverError(ERR_SQL, resp)
	}
	return &VersionResult{Version: resp.Version, BuildDate: resp.BuildDate}, nil
}

// Close ends the job. Idempotent; safe to call with queries in flight,
// which then fail with a connection error.
func (j *Job) Close() error {
	return j.closeWith(newError(ERR_CONNECTION, "job %s closed", j.name))
}

func (j *Job) closeWith(cause *Error) error {
	j.mu.Lock()
	if j.status == JobEnded {
		j.mu.Unlock()
		return nil
	}
	j.status = JobEnded
	router := j.router
	conn := j.conn
	j.mu.Unlock()

	if router != nil {
		router.shutdown(cause)
	} else if conn != nil {
		conn.Close()
	}
	return nil
}

// fatal is the router's teardown hook: the connection is already closed
// when it runs.
func (j *Job) fatal(err error) {
	j.mu.Lock()
	ended := j.status == JobEnded
	j.status = JobEnded
	j.mu.Unlock()

	if !ended {
		metricJobsOpen.Dec()
		log.WithFields(log.Fields{"job": j.name, "err": err}).Debug("job ended")
	}
	if j.onEnd != nil {
		j.onEnd(j)
	}
}

//==============================================================//
//          wire plumbing
//==============================================================//

// call runs one request/response exchange with its own short-lived
// correlation entry.
func (j *Job) call(ctx context.Context, frame map[string]interface{}) (*serverResponse, error) {
	id := frame["id"].(string)
	if err := j.router.register(id, true); err != nil {
		return nil, err
	}
	if err := j.send(frame); err != nil {
		j.router.unregister(id)
		return nil, err
	}
	return j.router.await(ctx, id, j.opts.Timeout)
}

// send marshals and writes one frame, refreshing lastUsed. A failed
// write poisons the connection.
func (j *Job) send(frame map[string]interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return newError(ERR_PROTOCOL, "cannot encode frame: %v", err)
	}
	j.touch()
	if err := j.conn.Send(data); err != nil {
		j.router.fail(err)
		return err
	}
	return nil
}

// acquireWire takes exclusive use of the connection for one query's
// lifetime. Borrowers of a shared busy job park here until the current
// query reaches a terminal state.
func (j *Job) acquireWire(ctx context.Context) error {
	select {
	case j.wire <- struct{}{}:
	default:
		select {
		case j.wire <- struct{}{}:
		case <-j.router.done:
			return newError(ERR_CONNECTION, "job %s ended while waiting for the wire", j.name)
		case <-ctx.Done():
			return wrapError(ERR_CONNECTION, ctx.Err())
		}
	}

	j.mu.Lock()
	if j.status == JobEnded {
		j.mu.Unlock()
		j.releaseWire()
		return newError(ERR_CONNECTION, "job %s closed", j.name)
	}
	j.status = JobBusy
	j.mu.Unlock()
	return nil
}

func (j *Job) releaseWire() {
	select {
	case <-j.wire:
	default:
	}

	j.mu.Lock()
	if j.status == JobBusy && j.pending.Load() == 0 {
		j.status = JobReady
	}
	j.mu.Unlock()
}

//==============================================================//
//          pool-facing bookkeeping
//==============================================================//

// reserve marks one more borrower. Called by the pool under its lock.
func (j *Job) reserve() {
	j.pending.Add(1)
	j.touch()
	//mid-query sends keep touching lastUsed, so the heap orders on
	//this snapshot instead
	j.heapStamp = j.lastUsed.Load()

	j.mu.Lock()
	if j.status == JobReady {
		j.status = JobBusy
	}
	j.mu.Unlock()
}

// unreserve drops one borrower and reports whether the job went idle.
func (j *Job) unreserve() bool {
	n := j.pending.Add(-1)
	if n > 0 {
		return false
	}

	j.mu.Lock()
	if j.status == JobBusy {
		j.status = JobReady
	}
	j.mu.Unlock()
	return true
}

func (j *Job) touch() {
	j.lastUsed.Store(time.Now().UnixNano())
}

func (j *Job) Name() string { return j.name }

// ID returns the remote job id, empty before Connect.
func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) Pending() int {
	return int(j.pending.Load())
}

func (j *Job) LastUsed() time.Time {
	return time.Unix(0, j.lastUsed.Load())
}

func (j *Job) nextID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uniuri.NewLen(12))
}

func serverError(code string, resp *serverResponse) *Error {
	msg := resp.Error
	if msg == "" {
		msg = "request failed for unknown reason"
	}
	return &Error{Code: code, Msg: msg, SQLState: resp.SQLState, SQLRC: resp.SQLRC}
}

func joinProps(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+props[k])
	}
	return strings.Join(parts, ";")
}
