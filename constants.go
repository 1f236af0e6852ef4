package wsdb

import "time"

const DEFAULT_FETCH_SIZE = 100
const DEFAULT_IDLE_TIMEOUT = 10 * time.Minute
const DEFAULT_REAP_INTERVAL = 30 * time.Second
const DEFAULT_SSL_CACHE_TTL = time.Hour
const DEFAULT_SSL_CACHE_SIZE = 100
const DEFAULT_DIAL_RETRIES = 3
const CLOSE_FRAME_TIMEOUT = 5 * time.Second

//at most this many idle jobs are reaped per sweep so a sweep never
//stalls the pool for long
const MAX_REAPS_PER_SWEEP = 4

//error codes
const ERR_CONNECTION = "connection-error"
const ERR_PROTOCOL = "protocol-error"
const ERR_TIMEOUT = "timeout"
const ERR_INVALID_STATE = "invalid-state"
const ERR_VALIDATION = "validation-error"
const ERR_POOL_EXHAUSTED = "pool-exhausted"
const ERR_POOL_CLOSED = "pool-closed"
const ERR_SQL = "sql-error"

//request frame types
const REQ_CONNECT = "connect"
const REQ_SQL = "sql"
const REQ_PREPARE_EXECUTE = "prepare_sql_execute"
const REQ_CL = "cl"
const REQ_SQL_MORE = "sqlmore"
const REQ_SQL_CLOSE = "sqlclose"
const REQ_VERSION = "getversion"
