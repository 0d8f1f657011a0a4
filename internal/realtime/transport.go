package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one established connection carrying text frames
type Transport interface {
	// Read blocks until the next frame arrives or the transport fails
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens transports
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Transport, error)
}

// WebsocketDialer dials the realtime endpoint over a websocket
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	// ReadLimit caps the size of one inbound frame; 0 means no limit
	ReadLimit    int64
	WriteTimeout time.Duration
}

// DefaultWebsocketDialer returns a dialer with the client defaults
func DefaultWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		HandshakeTimeout: 10 * time.Second,
		ReadLimit:        1 << 20,
		WriteTimeout:     10 * time.Second,
	}
}

// Dial performs the websocket handshake
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	return &wsTransport{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

// wsTransport adapts a gorilla connection. gorilla allows one concurrent
// reader and one concurrent writer; writes are serialized here.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	// A blocked ReadMessage only returns when the connection is closed, so
	// cancellation closes it.
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Time{}
	if t.writeTimeout > 0 {
		deadline = time.Now().Add(t.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
