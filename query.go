package wsdb

import (
	"context"
	"strings"
	"sync"

	"github.com/dchest/uniuri"
	log "github.com/sirupsen/logrus"
)

type QueryState int

const (
	QueryCreated QueryState = iota
	QuerySent
	QueryPartialResult
	QueryDone
	QueryErrored
	QueryClosed
)

func (s QueryState) String() string {
	switch s {
	case QueryCreated:
		return "created"
	case QuerySent:
		return "sent"
	case QueryPartialResult:
		return "partialResult"
	case QueryDone:
		return "done"
	case QueryErrored:
		return "errored"
	case QueryClosed:
		return "closed"
	}
	return "unknown"
}

// Query is a single statement bound to a Job. It owns its correlation
// id for its whole lifetime, including paging continuations, and
// releases the job exactly once when it reaches a terminal state.
type Query struct {
	job           *Job
	sql           string
	parameters    []interface{}
	isCL          bool
	terse         bool
	correlationID string

	mu        sync.Mutex
	state     QueryState
	cursor    string //continuation token echoed by the server
	wireHeld  bool
	finished  bool
	onRelease func() //pool hook, runs exactly once
}

func newQuery(j *Job, sql string, params []interface{}, opts *QueryOptions) *Query {
	return &Query{
		job:           j,
		sql:           sql,
		parameters:    params,
		isCL:          opts.IsClCommand,
		terse:         opts.TerseResults,
		correlationID: uniuri.New(),
		state:         QueryCreated,
	}
}

func (q *Query) CorrelationID() string { return q.correlationID }

func (q *Query) State() QueryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Run sends the statement and returns the first page. rowsToFetch = 0
// executes without fetching any rows.
func (q *Query) Run(ctx context.Context, rowsToFetch int) (*QueryResult, error) {
	if rowsToFetch < 0 {
		return nil, newError(ERR_VALIDATION, "rowsToFetch must be >= 0")
	}

	switch q.job.Status() {
	case JobNotStarted:
		return nil, newError(ERR_INVALID_STATE, "job %s not connected", q.job.name)
	case JobEnded:
		return nil, newError(ERR_CONNECTION, "job %s closed", q.job.name)
	}

	q.mu.Lock()
	if q.state != QueryCreated {
		state := q.state
		q.mu.Unlock()
		return nil, stateError(state)
	}
	q.mu.Unlock()

	if err := q.job.acquireWire(ctx); err != nil {
		q.terminate(QueryErrored)
		return nil, err
	}
	q.mu.Lock()
	q.wireHeld = true
	q.state = QuerySent
	q.mu.Unlock()

	if err := q.job.router.register(q.correlationID, false); err != nil {
		q.terminate(QueryErrored)
		return nil, err
	}

	var frame map[string]interface{}
	if q.isCL {
		frame = map[string]interface{}{
			"id":    q.correlationID,
			"type":  REQ_CL,
			"cmd":   q.sql,
			"terse": q.terse,
		}
	} else {
		reqType := REQ_SQL
		if len(q.parameters) > 0 {
			reqType = REQ_PREPARE_EXECUTE
		}
		frame = map[string]interface{}{
			"id":         q.correlationID,
			"type":       reqType,
			"sql":        q.sql,
			"terse":      q.terse,
			"rows":       rowsToFetch,
			"parameters": q.parameters,
		}
	}

	metricQueries.Inc()
	return q.exchange(ctx, frame)
}

// FetchMore requests the next page. Valid only while the previous page
// reported more data; asking again after IsDone is a caller bug and
// fails with invalid-state rather than silently returning empty.
func (q *Query) FetchMore(ctx context.Context, rowsToFetch int) (*QueryResult, error) {
	if rowsToFetch < 0 {
		return nil, newError(ERR_VALIDATION, "rowsToFetch must be >= 0")
	}

	q.mu.Lock()
	if q.state != QueryPartialResult {
		state := q.state
		q.mu.Unlock()
		return nil, stateError(state)
	}
	if rowsToFetch == 0 {
		//an empty page; the cursor does not move
		q.mu.Unlock()
		return &QueryResult{ID: q.correlationID, Success: true}, nil
	}
	cursor := q.cursor
	q.mu.Unlock()

	frame := map[string]interface{}{
		"id":      q.correlationID,
		"type":    REQ_SQL_MORE,
		"cont_id": cursor,
		"rows":    rowsToFetch,
	}

	return q.exchange(ctx, frame)
}

// exchange performs one send/await cycle on the query's correlation id
// and applies the resulting state transition.
func (q *Query) exchange(ctx context.Context, frame map[string]interface{}) (*QueryResult, error) {
	if err := q.job.send(frame); err != nil {
		q.terminate(QueryErrored)
		return nil, err
	}

	resp, err := q.job.router.await(ctx, q.correlationID, q.job.opts.Timeout)
	if err != nil {
		q.terminate(QueryErrored)
		return nil, err
	}

	if !resp.Success && !q.isCL {
		if q.State() == QueryPartialResult && correlationExpired(resp.Error) {
			//the server reclaimed the query context on its side; treat
			//it as a clean end of the result set
			q.terminate(QueryDone)
			return &QueryResult{ID: q.correlationID, Success: true, IsDone: true}, nil
		}
		q.terminate(QueryErrored)
		metricQueryErrors.Inc()
		return nil, serverError(ERR_SQL, resp)
	}

	metricPagesFetched.Inc()

	q.mu.Lock()
	q.cursor = resp.ID
	if resp.IsDone {
		q.state = QueryDone
	} else {
		q.state = QueryPartialResult
	}
	done := resp.IsDone
	q.mu.Unlock()

	if done {
		q.terminate(QueryDone)
	}
	return toQueryResult(resp), nil
}

// Close ends the query from any state. If result pages are still
// outstanding it best-effort tells the server to drop the statement;
// the bound job is released whether or not that notification succeeds.
// Idempotent.
func (q *Query) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.state == QueryClosed {
		q.mu.Unlock()
		return nil
	}
	needsCancel := q.state == QuerySent || q.state == QueryPartialResult
	q.state = QueryClosed
	q.mu.Unlock()

	if needsCancel && q.job.Status() != JobEnded {
		if ctx == nil {
			ctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(ctx, CLOSE_FRAME_TIMEOUT)
		frame := map[string]interface{}{
			"id":      q.job.nextID("sqlclose"),
			"type":    REQ_SQL_CLOSE,
			"cont_id": q.correlationID,
		}
		if _, err := q.job.call(cctx, frame); err != nil {
			log.WithFields(log.Fields{"query": q.correlationID, "err": err}).Debug("close frame failed")
		}
		cancel()
	}

	q.terminate(QueryClosed)
	return nil
}

// terminate moves the query to a terminal state and releases everything
// it borrowed, exactly once.
func (q *Query) terminate(state QueryState) {
	q.mu.Lock()
	if q.state != QueryClosed {
		q.state = state
	}
	alreadyFinished := q.finished
	q.finished = true
	wire := q.wireHeld
	q.wireHeld = false
	release := q.onRelease
	q.onRelease = nil
	q.mu.Unlock()

	if alreadyFinished {
		return
	}

	if q.job.router != nil {
		q.job.router.unregister(q.correlationID)
	}
	if wire {
		q.job.releaseWire()
	}
	if release != nil {
		release()
	}
}

func stateError(s QueryState) *Error {
	switch s {
	case QueryCreated:
		return newError(ERR_INVALID_STATE, "statement has not been run")
	case QueryPartialResult:
		return newError(ERR_INVALID_STATE, "statement has already been run")
	case QueryDone:
		return newError(ERR_INVALID_STATE, "statement has already been fully run")
	case QueryErrored:
		return newError(ERR_INVALID_STATE, "statement is in error state")
	case QueryClosed:
		return newError(ERR_INVALID_STATE, "statement is closed")
	}
	return newError(ERR_INVALID_STATE, "statement is mid-flight")
}

// correlationExpired matches the server errors that mean "this query's
// context is gone", which ends the stream instead of failing it.
func correlationExpired(msg string) bool {
	m := strings.ToLower(msg)
	for _, pat := range []string{
		"invalid correlation id",
		"correlation id not found",
		"bad request",
		"query expired",
	} {
		if strings.Contains(m, pat) {
			return true
		}
	}
	return false
}
