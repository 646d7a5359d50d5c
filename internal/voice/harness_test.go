package voice

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/store"
)

const testWait = 3 * time.Second

// deviceRecorder is a DeviceConn that keeps everything written to it. Binary
// packets show up as "opus" in the event order.
type deviceRecorder struct {
	mu      sync.Mutex
	events  []string
	msgs    []protocol.ServerMessage
	packets [][]byte
	closed  chan struct{}
	once    sync.Once
	code    int
	text    string
}

func newDeviceRecorder() *deviceRecorder {
	return &deviceRecorder{closed: make(chan struct{})}
}

func (d *deviceRecorder) WriteJSON(v any) error {
	msg, ok := v.(protocol.ServerMessage)
	if !ok {
		return fmt.Errorf("unexpected device payload %T", v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, string(msg.Msg))
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *deviceRecorder) WriteBinary(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, "opus")
	d.packets = append(d.packets, append([]byte(nil), b...))
	return nil
}

func (d *deviceRecorder) Close() error {
	return d.CloseWith(websocket.CloseNormalClosure, "")
}

func (d *deviceRecorder) CloseWith(code int, text string) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.code, d.text = code, text
		d.mu.Unlock()
		close(d.closed)
	})
	return nil
}

func (d *deviceRecorder) closeCode() (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.code, d.text
}

func (d *deviceRecorder) order() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

func (d *deviceRecorder) messages() []protocol.ServerMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.ServerMessage(nil), d.msgs...)
}

func (d *deviceRecorder) count(event string) int {
	n := 0
	for _, e := range d.order() {
		if e == event {
			n++
		}
	}
	return n
}

func (d *deviceRecorder) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

type turnSink struct {
	mu   sync.Mutex
	recs []store.TurnRecord
}

func (s *turnSink) Enqueue(rec store.TurnRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return true
}

func (s *turnSink) records() []store.TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.TurnRecord(nil), s.recs...)
}

// seqEncoder emits a 4-byte big-endian sequence number per frame.
type seqEncoder struct {
	n      uint32
	resets int
}

func (e *seqEncoder) Encode(_ []int16, out []byte) (int, error) {
	e.n++
	binary.BigEndian.PutUint32(out, e.n)
	return 4, nil
}

func (e *seqEncoder) Reset() error { e.resets++; return nil }
func (e *seqEncoder) Close() error { return nil }

func testDeps(dev *deviceRecorder) Deps {
	return Deps{
		Device:    dev,
		UserID:    "user-1",
		SessionID: "sess-1",
		Logger:    logging.Discard(),
		NewPacketizer: func(cfg audio.PacketizerConfig, sink func([]byte) error) (*audio.Packetizer, error) {
			return audio.NewPacketizerWithEncoder(cfg, &seqEncoder{}, sink), nil
		},
	}
}

func testConfig(rawURL string) ProviderConfig {
	return ProviderConfig{
		APIKey:           "test-key",
		URL:              rawURL,
		Model:            "models/test",
		Voice:            "Puck",
		SystemPrompt:     "be brief",
		FirstMessage:     "say hi",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		FallbackVolume:   100,
		ConnectTimeout:   2 * time.Second,
	}
}

// fakeProvider is a websocket server standing in for a realtime provider.
type fakeProvider struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *providerConn
}

type providerConn struct {
	t      *testing.T
	ws     *websocket.Conn
	url    *url.URL
	header http.Header
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{t: t, conns: make(chan *providerConn, 1)}
	upgrader := websocket.Upgrader{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.conns <- &providerConn{t: t, ws: ws, url: r.URL, header: r.Header.Clone()}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) URL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakeProvider) accept() *providerConn {
	p.t.Helper()
	select {
	case c := <-p.conns:
		p.t.Cleanup(func() { _ = c.ws.Close() })
		return c
	case <-time.After(testWait):
		p.t.Fatal("provider was never dialed")
		return nil
	}
}

func (c *providerConn) read() map[string]any {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(testWait))
	var m map[string]any
	if err := c.ws.ReadJSON(&m); err != nil {
		c.t.Fatalf("read provider message: %v", err)
	}
	return m
}

func (c *providerConn) send(v any) {
	c.t.Helper()
	if err := c.ws.WriteJSON(v); err != nil {
		c.t.Fatalf("write provider message: %v", err)
	}
}

// dig walks decoded JSON by map key (string) or slice index (int).
func dig(v any, path ...any) any {
	for _, p := range path {
		switch k := p.(type) {
		case string:
			m, ok := v.(map[string]any)
			if !ok {
				return nil
			}
			v = m[k]
		case int:
			s, ok := v.([]any)
			if !ok || k >= len(s) {
				return nil
			}
			v = s[k]
		}
	}
	return v
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, a Adapter) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(testWait):
		t.Fatal("adapter did not shut down")
	}
}

// connectAsync runs Connect in the background; the provider side must accept.
func connectAsync(t *testing.T, a Adapter) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Connect(t.Context()) }()
	return errCh
}

func requireConnected(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	case <-time.After(testWait):
		t.Fatal("connect did not return")
	}
}
