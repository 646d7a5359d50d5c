package voice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/reliability"
)

const upstreamEventBuffer = 256

// upstream is one provider websocket. A single reader goroutine feeds events;
// err is valid once events is closed.
type upstream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan []byte
	quit      chan struct{}
	err       error
}

func dialUpstream(ctx context.Context, rawURL string, header http.Header) (*upstream, error) {
	dialer := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d, retryable=%t)", err, resp.StatusCode, reliability.IsRetryableHTTPStatus(resp.StatusCode))
		}
		return nil, err
	}
	conn.SetReadLimit(16 << 20)
	return &upstream{
		conn:   conn,
		events: make(chan []byte, upstreamEventBuffer),
		quit:   make(chan struct{}),
	}, nil
}

func (u *upstream) start() {
	go u.readLoop()
}

func (u *upstream) readLoop() {
	defer close(u.events)
	for {
		_, data, err := u.conn.ReadMessage()
		if err != nil {
			u.err = err
			return
		}
		select {
		case u.events <- data:
		case <-u.quit:
			u.err = net.ErrClosed
			return
		}
	}
}

func (u *upstream) writeJSON(v any) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_ = u.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return u.conn.WriteJSON(v)
}

func (u *upstream) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.quit)
		u.writeMu.Lock()
		_ = u.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		u.writeMu.Unlock()
		err = u.conn.Close()
	})
	return err
}
