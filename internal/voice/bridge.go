package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/capture"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/redact"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/store"
)

const deviceInboundBuffer = 256

var errNotOpen = errors.New("upstream not open")

// dialect is the provider-specific half of an adapter. open, forward and handle
// run on the bridge loop goroutine only.
type dialect interface {
	endpoint(cfg ProviderConfig) (string, http.Header)
	open(b *bridge) error
	forward(b *bridge, msg protocol.DeviceMessage) error
	handle(b *bridge, raw []byte) error
}

// Deps are the collaborators of one adapter.
type Deps struct {
	Device    DeviceConn
	UserID    string
	SessionID string
	Devices   DeviceInfoSource
	Recorder  Recorder
	Capture   capture.Sink
	Sessions  *session.Manager
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	// RedactTranscripts masks personal data before turns are persisted.
	RedactTranscripts bool
	// OnClose runs once during teardown with the end reason.
	OnClose func(reason string)
	// NewPacketizer overrides the Opus packetizer.
	NewPacketizer func(cfg audio.PacketizerConfig, sink func([]byte) error) (*audio.Packetizer, error)
}

type dialResult struct {
	up  *upstream
	err error
}

type turnState struct {
	createdSent bool
	audioSeen   bool
	id          string
	input       strings.Builder
	output      strings.Builder
}

func (t *turnState) reset() {
	t.createdSent = false
	t.audioSeen = false
	t.id = ""
	t.input.Reset()
	t.output.Reset()
}

// bridge is the provider-independent core shared by every adapter: pending
// queue, turn state, device signalling and teardown. One goroutine (run) owns
// all mutable state below the marker.
type bridge struct {
	kind    Kind
	cfg     ProviderConfig
	deps    Deps
	dialect dialect
	log     *slog.Logger

	inbound chan protocol.DeviceMessage
	dialed  chan dialResult
	volumes chan int
	stop    chan struct{}
	ready   chan struct{}
	done    chan struct{}

	stopOnce   sync.Once
	connecting atomic.Bool
	// volume is written by run only; atomic so it can be observed while live.
	volume atomic.Int64

	// owned by run
	up             *upstream
	connected      bool
	pending        []protocol.DeviceMessage
	pk             *audio.Packetizer
	turn           turnState
	sessionCreated bool
	sessionEnded   bool
	speechEndedAt  time.Time
	endReason      string
	endErr         error
}

func newBridge(kind Kind, cfg ProviderConfig, deps Deps, d dialect) (*bridge, error) {
	if deps.Device == nil {
		return nil, errors.New("voice: device connection required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Capture == nil {
		deps.Capture = capture.Nop{}
	}
	if deps.NewPacketizer == nil {
		deps.NewPacketizer = audio.NewPacketizer
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	b := &bridge{
		kind:    kind,
		cfg:     cfg,
		deps:    deps,
		dialect: d,
		log:     deps.Logger.With("provider", string(kind), "session_id", deps.SessionID, "user_id", deps.UserID),
		inbound: make(chan protocol.DeviceMessage, deviceInboundBuffer),
		dialed:  make(chan dialResult),
		volumes: make(chan int),
		stop:    make(chan struct{}),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.volume.Store(int64(cfg.FallbackVolume))

	pcfg := audio.DefaultPacketizerConfig()
	if cfg.OutputSampleRate > 0 {
		pcfg.SampleRate = cfg.OutputSampleRate
	}
	pk, err := deps.NewPacketizer(pcfg, b.writePacket)
	if err != nil {
		return nil, fmt.Errorf("create packetizer: %w", err)
	}
	b.pk = pk

	go b.run()
	return b, nil
}

func (b *bridge) Connect(ctx context.Context) error {
	if !b.connecting.CompareAndSwap(false, true) {
		return errors.New("voice: connect already called")
	}

	dctx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-b.stop:
			cancel()
		case <-dctx.Done():
		}
	}()

	// Prefetched volume arrives on b.volumes whenever the store answers.
	b.refreshVolume()

	rawURL, header := b.dialect.endpoint(b.cfg)
	up, err := dialUpstream(dctx, rawURL, header)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s after %s: %w (%v)", b.kind, b.cfg.ConnectTimeout, ErrConnectTimeout, err)
		} else {
			err = fmt.Errorf("dial %s: %w", b.kind, err)
		}
		b.deps.Metrics.ProviderError(string(b.kind), reliability.ErrorCode(err))
		b.deliver(dialResult{err: err})
		<-b.done
		return err
	}

	if !b.deliver(dialResult{up: up}) {
		_ = up.Close()
		return ErrClosed
	}
	select {
	case <-b.ready:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

// HandleDeviceMessage queues a device frame for the loop. Frames are handled in
// call order; callers must not call it concurrently.
func (b *bridge) HandleDeviceMessage(msg protocol.DeviceMessage) {
	select {
	case b.inbound <- msg:
	case <-b.done:
	}
}

// Close stops the loop and waits for teardown.
func (b *bridge) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	return nil
}

func (b *bridge) Done() <-chan struct{} { return b.done }

func (b *bridge) deliver(res dialResult) bool {
	select {
	case b.dialed <- res:
		return true
	case <-b.done:
		return false
	}
}

func (b *bridge) run() {
	defer close(b.done)
	defer b.teardown()

	for {
		var events <-chan []byte
		if b.up != nil {
			events = b.up.events
		}

		select {
		case <-b.stop:
			return
		case res := <-b.dialed:
			if res.err != nil {
				b.endReason = "connect_failed"
				b.endErr = res.err
				b.log.Warn("upstream connect failed", "error", redact.Secrets(res.err.Error()))
				return
			}
			if err := b.open(res); err != nil {
				b.endReason = "open_failed"
				b.log.Error("upstream session setup failed", "error", err)
				b.sendJSON(protocol.ResponseError("provider unavailable"))
				b.endSession()
				return
			}
		case msg := <-b.inbound:
			b.onDevice(msg)
		case raw, ok := <-events:
			if !ok {
				b.upstreamClosed()
				return
			}
			b.onUpstream(raw)
		case v := <-b.volumes:
			b.volume.Store(int64(v))
		}
	}
}

func (b *bridge) open(res dialResult) error {
	b.up = res.up
	b.up.start()
	if err := b.dialect.open(b); err != nil {
		return err
	}

	pending := b.pending
	b.pending = nil
	for _, msg := range pending {
		b.forward(msg)
	}
	b.connected = true
	close(b.ready)
	b.log.Info("upstream open", "replayed_frames", len(pending))
	return nil
}

func (b *bridge) onDevice(msg protocol.DeviceMessage) {
	if b.deps.Sessions != nil {
		_ = b.deps.Sessions.Touch(b.deps.SessionID)
	}
	if !b.connected {
		b.pending = append(b.pending, msg)
		return
	}
	b.forward(msg)
}

func (b *bridge) forward(msg protocol.DeviceMessage) {
	switch msg.Kind {
	case protocol.FrameAudio:
		if err := b.deps.Capture.Write(msg.Audio); err != nil {
			b.log.Debug("capture write failed", "error", err)
		}
	case protocol.FrameInstruction:
		switch msg.Instruction {
		case protocol.InstructionEndOfSpeech:
			b.speechEndedAt = time.Now()
		case protocol.InstructionInterrupt:
			if b.deps.Sessions != nil {
				_ = b.deps.Sessions.Interrupt(b.deps.SessionID)
			}
		}
	}
	if err := b.dialect.forward(b, msg); err != nil {
		b.log.Warn("forward device frame failed", "error", err)
	}
}

func (b *bridge) onUpstream(raw []byte) {
	if err := b.dialect.handle(b, raw); err != nil {
		b.deps.Metrics.ProviderError(string(b.kind), "decode")
		b.log.Debug("dropping upstream event", "error", err)
	}
}

func (b *bridge) upstreamClosed() {
	err := b.up.err
	if reliability.IsNormalClose(err) {
		b.endReason = "upstream_closed"
		b.log.Info("upstream closed")
	} else {
		b.endReason = "upstream_error"
		b.deps.Metrics.ProviderError(string(b.kind), reliability.ErrorCode(err))
		b.log.Warn("upstream connection lost", "error", err)
		b.sendJSON(protocol.ResponseError("upstream connection lost"))
	}
	b.endSession()
}

func (b *bridge) teardown() {
	if b.endReason == "" {
		b.endReason = "closed"
	}
	code, text := b.closeFrame()
	if err := b.deps.Device.CloseWith(code, text); err != nil {
		b.log.Debug("device close failed", "error", err)
	}
	if b.deps.OnClose != nil {
		b.deps.OnClose(b.endReason)
	}
	_ = b.pk.Close()
	if b.up != nil {
		_ = b.up.Close()
	}
	if err := b.deps.Capture.Close(); err != nil {
		b.log.Debug("capture close failed", "error", err)
	}
	b.log.Info("session closed", "reason", b.endReason)
}

// closeFrame picks the websocket close code the device sees for the end reason.
func (b *bridge) closeFrame() (int, string) {
	switch b.endReason {
	case "connect_failed":
		if errors.Is(b.endErr, ErrConnectTimeout) {
			return websocket.CloseTryAgainLater, "provider timeout"
		}
		return websocket.CloseInternalServerErr, "provider unavailable"
	case "open_failed":
		return websocket.CloseInternalServerErr, "provider unavailable"
	case "upstream_error":
		return websocket.CloseInternalServerErr, "upstream connection lost"
	default:
		return websocket.CloseNormalClosure, ""
	}
}

// send writes a provider message.
func (b *bridge) send(v any) error {
	if b.up == nil {
		return errNotOpen
	}
	return b.up.writeJSON(v)
}

func (b *bridge) sendJSON(msg protocol.ServerMessage) {
	if err := b.deps.Device.WriteJSON(msg); err != nil {
		b.log.Debug("device write failed", "msg", msg.Msg, "error", err)
		return
	}
	b.deps.Metrics.WSMessage("outbound", string(msg.Msg))
}

func (b *bridge) writePacket(pkt []byte) error {
	if err := b.deps.Device.WriteBinary(pkt); err != nil {
		return err
	}
	b.deps.Metrics.WSMessage("outbound", "opus")
	return nil
}

func (b *bridge) sessionCreatedOnce() {
	if b.sessionCreated {
		return
	}
	b.sessionCreated = true
	b.sendJSON(protocol.NewServerMessage(protocol.MsgSessionCreated))
}

func (b *bridge) endSession() {
	if b.sessionEnded {
		return
	}
	b.sessionEnded = true
	b.sendJSON(protocol.NewServerMessage(protocol.MsgSessionEnd))
}

// beginTurn emits RESPONSE.CREATED at most once per turn.
func (b *bridge) beginTurn() {
	if b.turn.createdSent {
		return
	}
	if err := b.pk.Reset(); err != nil {
		b.log.Warn("packetizer reset failed", "error", err)
	}
	b.turn.createdSent = true
	b.turn.id = uuid.NewString()
	b.sendJSON(protocol.ResponseCreated(int(b.volume.Load())))
	if b.deps.Sessions != nil {
		_ = b.deps.Sessions.StartTurn(b.deps.SessionID, b.turn.id)
	}
}

func (b *bridge) pushAudio(pcm []byte) {
	b.beginTurn()
	if !b.turn.audioSeen {
		b.turn.audioSeen = true
		if !b.speechEndedAt.IsZero() {
			b.deps.Metrics.ObserveFirstAudioLatency(string(b.kind), time.Since(b.speechEndedAt))
			b.speechEndedAt = time.Time{}
		}
	}
	if err := b.pk.Push(pcm); err != nil {
		b.log.Warn("packetize audio failed", "error", err)
	}
}

func (b *bridge) flushAudio() {
	if err := b.pk.Flush(false); err != nil {
		b.log.Warn("flush audio failed", "error", err)
	}
}

// completeTurn flushes audio, emits RESPONSE.COMPLETE for a started turn and
// hands transcripts to the recorder.
func (b *bridge) completeTurn() {
	if b.turn.createdSent {
		if err := b.pk.Flush(true); err != nil {
			b.log.Warn("flush audio failed", "error", err)
		}
		b.sendJSON(protocol.NewServerMessage(protocol.MsgResponseComplete))
		if b.deps.Sessions != nil {
			_ = b.deps.Sessions.CompleteTurn(b.deps.SessionID)
		}
	}
	b.record(store.RoleUser, b.turn.input.String())
	b.record(store.RoleAssistant, b.turn.output.String())
	b.turn.reset()
	b.refreshVolume()
}

func (b *bridge) failTurn(detail string) {
	detail = redact.Secrets(detail)
	b.deps.Metrics.ProviderError(string(b.kind), "provider_error")
	b.log.Warn("provider reported error", "detail", detail)
	if err := b.pk.Reset(); err != nil {
		b.log.Warn("packetizer reset failed", "error", err)
	}
	b.sendJSON(protocol.ResponseError(detail))
	b.turn.reset()
}

// interrupt drops buffered assistant audio after barge-in.
func (b *bridge) interrupt() {
	if err := b.pk.Reset(); err != nil {
		b.log.Warn("packetizer reset failed", "error", err)
	}
	if b.deps.Sessions != nil {
		_ = b.deps.Sessions.Interrupt(b.deps.SessionID)
	}
}

func (b *bridge) record(role, content string) {
	content = cleanTranscript(content)
	if content == "" || b.deps.Recorder == nil {
		return
	}
	if b.deps.RedactTranscripts {
		content, _ = redact.PII(content)
	}
	b.deps.Recorder.Enqueue(store.TurnRecord{
		UserID:    b.deps.UserID,
		SessionID: b.deps.SessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
}

// refreshVolume looks the device volume up off the loop; a successful answer is
// applied by run before the next turn starts.
func (b *bridge) refreshVolume() {
	if b.deps.Devices == nil {
		return
	}
	go func() {
		v := b.lookupVolume(context.Background())
		if v == nil {
			return
		}
		select {
		case b.volumes <- *v:
		case <-b.done:
		}
	}()
}

func (b *bridge) lookupVolume(ctx context.Context) *int {
	if b.deps.Devices == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := b.deps.Devices.DeviceInfo(ctx, b.deps.UserID)
	if err != nil {
		b.log.Debug("device info lookup failed", "error", err)
		return nil
	}
	if d == nil || d.Volume == nil {
		return nil
	}
	v := *d.Volume
	return &v
}
