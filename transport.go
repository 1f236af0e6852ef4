package wsdb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Transport opens framed connections to a remote daemon. The production
// implementation speaks websocket; tests substitute a scripted one.
type Transport interface {
	Open(ctx context.Context, server *ServerConfig, tlsConfig *tls.Config) (Conn, error)
}

// Conn is one open framed connection, exclusively owned by a single Job.
// Receive blocks until a frame arrives or the connection dies; a
// concurrent Close unblocks it.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

type wsTransport struct {
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	dialRetries      uint64
}

// NewWSTransport returns the websocket Transport. Zero timeouts mean no
// deadline on the corresponding operation.
func NewWSTransport(handshakeTimeout, writeTimeout time.Duration) Transport {
	return &wsTransport{
		handshakeTimeout: handshakeTimeout,
		writeTimeout:     writeTimeout,
		dialRetries:      DEFAULT_DIAL_RETRIES,
	}
}

func (t *wsTransport) Open(ctx context.Context, server *ServerConfig, tlsConfig *tls.Config) (Conn, error) {
	uri := fmt.Sprintf("wss://%s:%d/db/", server.Host, server.Port)
	auth := base64.StdEncoding.EncodeToString([]byte(server.User + ":" + server.Password))

	hdr := http.Header{}
	hdr.Set("Authorization", "Basic "+auth)

	dialer := &websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: t.handshakeTimeout,
	}

	var c *websocket.Conn
	op := func() error {
		var err error
		c, _, err = dialer.DialContext(ctx, uri, hdr)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.dialRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if isTimeout(err) {
			return nil, wrapError(ERR_TIMEOUT, err)
		}
		return nil, wrapError(ERR_CONNECTION, err)
	}

	return &wsConn{c: c, writeTimeout: t.writeTimeout}, nil
}

type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
	wmu          sync.Mutex
	closeOnce    sync.Once
}

func (w *wsConn) Send(data []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()

	if w.writeTimeout > 0 {
		w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}

	err := w.c.WriteMessage(websocket.TextMessage, data)
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return wrapError(ERR_TIMEOUT, err)
	}
	return wrapError(ERR_CONNECTION, err)
}

func (w *wsConn) Receive() ([]byte, error) {
	//no read deadline here: request timeouts are enforced by the
	//waiter, which closes the connection to unblock this read
	_, data, err := w.c.ReadMessage()
	if err != nil {
		return nil, wrapError(ERR_CONNECTION, err)
	}
	return data, nil
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.wmu.Lock()
		w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.wmu.Unlock()
		err = w.c.Close()
	})
	return err
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// buildTLSConfig constructs the secure context for a server. Expensive
// because of CA parsing, which is why results are cached.
func buildTLSConfig(server *ServerConfig) (*tls.Config, error) {
	cfg := &tls.Config{}

	if server.IgnoreUnauthorized {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	if server.CA != "" {
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM([]byte(server.CA)) {
			return nil, newError(ERR_CONNECTION, "no usable certificates in CA bundle for %s", server)
		}
		cfg.RootCAs = roots
	}

	return cfg, nil
}
