package httpapi

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	deviceOutboundBuffer = 256
	deviceWriteTimeout   = 10 * time.Second
	devicePingInterval   = 30 * time.Second
	deviceReadTimeout    = 120 * time.Second
)

var errDeviceClosed = errors.New("device connection closed")

type outFrame struct {
	msgType int
	data    []byte
}

// deviceConn serializes every write to one device websocket through a single
// writer goroutine. Close drains queued frames before the close frame is sent.
type deviceConn struct {
	ws  *websocket.Conn
	out chan outFrame

	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

func newDeviceConn(ws *websocket.Conn) *deviceConn {
	d := &deviceConn{
		ws:        ws,
		out:       make(chan outFrame, deviceOutboundBuffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
	go d.writeLoop()
	return d
}

func (d *deviceConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.enqueue(outFrame{msgType: websocket.TextMessage, data: data})
}

func (d *deviceConn) WriteBinary(b []byte) error {
	return d.enqueue(outFrame{msgType: websocket.BinaryMessage, data: b})
}

func (d *deviceConn) enqueue(f outFrame) error {
	select {
	case <-d.closing:
		return errDeviceClosed
	default:
	}
	select {
	case d.out <- f:
		return nil
	case <-d.closing:
		return errDeviceClosed
	case <-d.done:
		return errDeviceClosed
	}
}

func (d *deviceConn) Close() error {
	return d.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith sends queued frames, then a close frame carrying code. Only the first
// call picks the code; every call waits for the writer to finish.
func (d *deviceConn) CloseWith(code int, text string) error {
	d.closeOnce.Do(func() {
		d.closeCode = code
		d.closeText = text
		close(d.closing)
	})
	<-d.done
	return nil
}

func (d *deviceConn) writeLoop() {
	defer close(d.done)
	ping := time.NewTicker(devicePingInterval)
	defer ping.Stop()

	for {
		select {
		case f := <-d.out:
			if err := d.write(f); err != nil {
				return
			}
		case <-ping.C:
			if err := d.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(deviceWriteTimeout)); err != nil {
				return
			}
		case <-d.closing:
			d.drain()
			_ = d.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(d.closeCode, d.closeText),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (d *deviceConn) drain() {
	for {
		select {
		case f := <-d.out:
			if err := d.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (d *deviceConn) write(f outFrame) error {
	_ = d.ws.SetWriteDeadline(time.Now().Add(deviceWriteTimeout))
	return d.ws.WriteMessage(f.msgType, f.data)
}
