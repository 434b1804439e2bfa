package server

import (
	"context"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/logger"
	"github.com/SakenW/TH-Suite-sub005/sync"
)

// WebSocket timeouts follow the gorilla chat example.
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Chunk bodies travel base64-encoded inside the JSON envelope
	envelopeOverhead = 64 << 10
)

// maxMessageSize bounds one sync message carrying a chunk of at most
// maxChunk bytes.
func maxMessageSize(maxChunk int) int64 {
	if maxChunk <= 0 {
		maxChunk = chunk.MaxChunkSize
	}
	return int64(maxChunk/3*4+4) + envelopeOverhead
}

// Conn wraps a gorilla/websocket connection as a sync.Conn. It keeps the
// connection alive with pings until closed.
type Conn struct {
	ws        *websocket.Conn
	done      chan struct{}
	closeOnce gosync.Once
	closeErr  error
}

var _ sync.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, readLimit int64) *Conn {
	c := &Conn{ws: ws, done: make(chan struct{})}
	ws.SetReadLimit(readLimit)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepAlive()
	return c
}

func (c *Conn) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteJSON
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ReadJSON reads the next message. Any message extends the read deadline.
func (c *Conn) ReadJSON(v interface{}) error {
	if err := c.ws.ReadJSON(v); err != nil {
		return err
	}
	return c.ws.SetReadDeadline(time.Now().Add(pongWait))
}

// WriteJSON writes one message within writeWait.
func (c *Conn) WriteJSON(v interface{}) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// Close sends a close frame and closes the connection. Safe to call more
// than once and from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// DialOptions tunes Dial.
type DialOptions struct {
	// MaxChunkSize bounds incoming chunk messages (default chunk.MaxChunkSize).
	MaxChunkSize int
	// HandshakeTimeout bounds the HTTP upgrade (default 15s).
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial connects to a hub's sync endpoint. url uses the ws:// or wss://
// scheme; http:// and https:// are rewritten.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   32 << 10,
		WriteBufferSize:  32 << 10,
	}

	wsURL := httpToWS(url)
	ws, resp, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "hub answered %s", resp.Status)
			if resp.StatusCode == http.StatusServiceUnavailable {
				err = errors.Mark(err, errors.ErrServiceUnavailable)
			}
		} else {
			err = errors.Mark(err, errors.ErrServiceUnavailable)
		}
		return nil, errors.WithHintf(errors.Wrapf(err, "failed to connect to hub %s", wsURL),
			"check client.hub_url and that the hub is running")
	}
	return newConn(ws, maxMessageSize(opts.MaxChunkSize)), nil
}

// httpToWS converts http(s) URLs to ws(s) URLs.
func httpToWS(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// tracedConn logs the type of each message passing through.
type tracedConn struct {
	sync.Conn
	log *zap.SugaredLogger
}

func (t *tracedConn) ReadJSON(v interface{}) error {
	err := t.Conn.ReadJSON(v)
	if m, ok := v.(*sync.Msg); ok && err == nil {
		t.log.Debugw("Sync request", logger.FieldMsgType, m.Type, "id", m.ID)
	}
	return err
}

func (t *tracedConn) WriteJSON(v interface{}) error {
	switch m := v.(type) {
	case sync.Msg:
		t.log.Debugw("Sync reply", logger.FieldMsgType, m.Type, "id", m.ID)
	case *sync.Msg:
		t.log.Debugw("Sync reply", logger.FieldMsgType, m.Type, "id", m.ID)
	}
	return t.Conn.WriteJSON(v)
}
