package wsdb

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

/* An in-memory daemon speaking the wire protocol, used by every test
in place of the websocket transport. Statements are served from canned
result sets; a few magic statements trigger misbehavior:

  "select never"  - the daemon goes silent (timeout testing)
  "select rogue"  - the daemon replies with a bogus correlation id
*/

type fakeResult struct {
	rows        []interface{}
	updateCount int
	errMsg      string
}

type fakeDaemon struct {
	mu          sync.Mutex
	results     map[string]*fakeResult
	gates       map[string]chan struct{} //sql -> gate delaying the reply
	gated       []string                 //remote job ids seen at a gate
	jobSeq      int32
	dialErr     error
	expireFetch bool //next sqlmore fails like a reclaimed query context
}

func newFakeDaemon() *fakeDaemon {
	d := &fakeDaemon{
		results: make(map[string]*fakeResult),
		gates:   make(map[string]chan struct{}),
	}
	d.results["values (1)"] = &fakeResult{rows: sampleRows(1)}
	return d
}

func sampleRows(n int) []interface{} {
	rows := make([]interface{}, n)
	for i := 0; i < n; i++ {
		rows[i] = map[string]interface{}{"ID": float64(i + 1), "NAME": fmt.Sprintf("row-%d", i+1)}
	}
	return rows
}

func (d *fakeDaemon) serve(sql string, rows []interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[sql] = &fakeResult{rows: rows}
}

func (d *fakeDaemon) serveUpdate(sql string, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[sql] = &fakeResult{updateCount: count}
}

// hold delays every reply for sql until the returned gate is closed.
func (d *fakeDaemon) hold(sql string) chan struct{} {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gates[sql] = gate
	d.mu.Unlock()
	return gate
}

// waitGated blocks until n queries are parked at gates.
func (d *fakeDaemon) waitGated(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		got := len(d.gated)
		d.mu.Unlock()
		if got >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("only %d of %d queries reached the gate", got, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *fakeDaemon) gatedJobs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.gated))
	copy(out, d.gated)
	return out
}

func (d *fakeDaemon) transport() *fakeTransport {
	return &fakeTransport{d: d}
}

type fakeTransport struct {
	d      *fakeDaemon
	mu     sync.Mutex
	conns  []*fakeConn
	opened int32
}

func (t *fakeTransport) Open(ctx context.Context, server *ServerConfig, tlsConfig *tls.Config) (Conn, error) {
	if t.d.dialErr != nil {
		return nil, wrapError(ERR_CONNECTION, t.d.dialErr)
	}
	atomic.AddInt32(&t.opened, 1)
	c := &fakeConn{
		d:       t.d,
		inbox:   make(chan []byte, 64),
		closed:  make(chan struct{}),
		streams: make(map[string]*fakeStream),
	}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

type fakeStream struct {
	rows []interface{}
	pos  int
}

type fakeConn struct {
	d     *fakeDaemon
	jobID string

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	streams map[string]*fakeStream
}

func (c *fakeConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return wrapError(ERR_CONNECTION, errors.New("connection closed"))
	default:
	}

	var req map[string]interface{}
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	//replies arrive asynchronously, like a real daemon
	go c.handle(req)
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		return nil, wrapError(ERR_CONNECTION, errors.New("connection closed"))
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) reply(resp map[string]interface{}) {
	data, _ := json.Marshal(resp)
	select {
	case c.inbox <- data:
	case <-c.closed:
	}
}

func (c *fakeConn) handle(req map[string]interface{}) {
	id, _ := req["id"].(string)
	reqType, _ := req["type"].(string)

	switch reqType {
	case REQ_CONNECT:
		n := atomic.AddInt32(&c.d.jobSeq, 1)
		c.jobID = fmt.Sprintf("fakejob-%d", n)
		c.reply(map[string]interface{}{"id": id, "success": true, "job": c.jobID})

	case REQ_VERSION:
		c.reply(map[string]interface{}{
			"id": id, "success": true,
			"version": "fake-1.0", "build_date": "2024-01-01",
		})

	case REQ_SQL, REQ_PREPARE_EXECUTE:
		sql, _ := req["sql"].(string)
		c.handleQuery(id, sql, fetchCount(req))

	case REQ_CL:
		cmd, _ := req["cmd"].(string)
		c.handleQuery(id, cmd, fetchCount(req))

	case REQ_SQL_MORE:
		contID, _ := req["cont_id"].(string)
		c.handleFetchMore(id, contID, fetchCount(req))

	case REQ_SQL_CLOSE:
		contID, _ := req["cont_id"].(string)
		c.mu.Lock()
		delete(c.streams, contID)
		c.mu.Unlock()
		c.reply(map[string]interface{}{"id": id, "success": true, "is_done": true})

	default:
		c.reply(map[string]interface{}{"id": id, "success": false, "error": "unknown request type"})
	}
}

func fetchCount(req map[string]interface{}) int {
	if f, ok := req["rows"].(float64); ok {
		return int(f)
	}
	return 0
}

func (c *fakeConn) handleQuery(id, sql string, rows int) {
	switch sql {
	case "select never":
		return
	case "select rogue":
		c.reply(map[string]interface{}{"id": "bogus-correlation", "success": true, "is_done": true})
		return
	case "select garbage":
		select {
		case c.inbox <- []byte("{this is not json"):
		case <-c.closed:
		}
		return
	}

	c.d.mu.Lock()
	gate := c.d.gates[sql]
	if gate != nil {
		c.d.gated = append(c.d.gated, c.jobID)
	}
	res := c.d.results[sql]
	c.d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if res == nil {
		c.reply(map[string]interface{}{
			"id": id, "success": false,
			"error": fmt.Sprintf("[SQL0204] %s not found", sql), "sql_state": "42704", "sql_rc": -204,
		})
		return
	}
	if res.errMsg != "" {
		c.reply(map[string]interface{}{"id": id, "success": false, "error": res.errMsg})
		return
	}

	if len(res.rows) == 0 {
		c.reply(map[string]interface{}{
			"id": id, "success": true, "is_done": true,
			"update_count": res.updateCount, "metadata": fakeMetadata(c.jobID),
		})
		return
	}

	stream := &fakeStream{rows: res.rows}
	page, done := stream.next(rows)
	if !done {
		c.mu.Lock()
		c.streams[id] = stream
		c.mu.Unlock()
	}
	c.reply(map[string]interface{}{
		"id": id, "success": true, "is_done": done, "has_results": !done,
		"data": page, "metadata": fakeMetadata(c.jobID),
	})
}

func (c *fakeConn) handleFetchMore(id, contID string, rows int) {
	c.d.mu.Lock()
	expired := c.d.expireFetch
	c.d.mu.Unlock()
	if expired {
		c.reply(map[string]interface{}{"id": id, "success": false, "error": "invalid correlation ID specified"})
		return
	}

	c.mu.Lock()
	stream := c.streams[contID]
	c.mu.Unlock()

	if stream == nil {
		c.reply(map[string]interface{}{"id": id, "success": false, "error": "invalid correlation id"})
		return
	}

	page, done := stream.next(rows)
	if done {
		c.mu.Lock()
		delete(c.streams, contID)
		c.mu.Unlock()
	}
	c.reply(map[string]interface{}{
		"id": id, "success": true, "is_done": done, "has_results": !done, "data": page,
	})
}

func (s *fakeStream) next(n int) (page []interface{}, done bool) {
	if n > len(s.rows)-s.pos {
		n = len(s.rows) - s.pos
	}
	page = s.rows[s.pos : s.pos+n]
	s.pos += n
	return page, s.pos >= len(s.rows)
}

func fakeMetadata(job string) map[string]interface{} {
	return map[string]interface{}{
		"column_count": 2,
		"job":          job,
		"columns": []interface{}{
			map[string]interface{}{"name": "ID", "type": "INTEGER", "display_size": 11, "label": "ID"},
			map[string]interface{}{"name": "NAME", "type": "VARCHAR", "display_size": 32, "label": "NAME"},
		},
	}
}

func testPool(t interface {
	Fatalf(string, ...interface{})
	Cleanup(func())
}, d *fakeDaemon, opts PoolOptions) *Pool {
	if opts.Server == nil {
		opts.Server = testServer()
	}
	opts.Transport = d.transport()
	p, err := OpenPool(context.Background(), opts)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func testServer() *ServerConfig {
	return &ServerConfig{
		Host:               "db.example.test",
		Port:               8076,
		User:               "dev",
		Password:           "dev-server",
		IgnoreUnauthorized: true,
	}
}
