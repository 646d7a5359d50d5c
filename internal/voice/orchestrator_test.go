package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/store"
)

type fakeAdapter struct {
	kind       Kind
	cfg        ProviderConfig
	deps       Deps
	connectErr error

	mu   sync.Mutex
	got  []protocol.DeviceMessage
	done chan struct{}
	once sync.Once
}

func (f *fakeAdapter) Connect(context.Context) error {
	if f.connectErr != nil {
		f.shutdown("connect_failed")
		return f.connectErr
	}
	return nil
}

func (f *fakeAdapter) HandleDeviceMessage(msg protocol.DeviceMessage) {
	f.mu.Lock()
	f.got = append(f.got, msg)
	f.mu.Unlock()
}

func (f *fakeAdapter) Close() error {
	f.shutdown("closed")
	return nil
}

func (f *fakeAdapter) Done() <-chan struct{} { return f.done }

func (f *fakeAdapter) shutdown(reason string) {
	f.once.Do(func() {
		_ = f.deps.Device.Close()
		f.deps.OnClose(reason)
		close(f.done)
	})
}

func (f *fakeAdapter) messages() []protocol.DeviceMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.DeviceMessage(nil), f.got...)
}

type orchestratorFixture struct {
	orch     *Orchestrator
	sessions *session.Manager
	adapters chan *fakeAdapter
	dir      *store.InMemoryStore
}

func newOrchestratorFixture(t *testing.T, connectErr error) *orchestratorFixture {
	t.Helper()
	dir := store.NewInMemoryStore()
	dir.PutUser(store.User{
		ID:   "user-1",
		Name: "Ada",
		Personality: &store.Personality{
			Key:      "pirate",
			Prompt:   "You are a pirate.",
			Provider: "grok",
			Voice:    "Rex",
		},
	})
	dir.PutUser(store.User{ID: "user-2"})
	_ = dir.SaveTurn(context.Background(), store.TurnRecord{UserID: "user-1", Role: store.RoleUser, Content: "remember the parrot"})

	sessions := session.NewManager(time.Minute)
	f := &orchestratorFixture{
		sessions: sessions,
		adapters: make(chan *fakeAdapter, 4),
		dir:      dir,
	}
	f.orch = NewOrchestrator(OrchestratorOptions{
		Directory:    dir,
		Sessions:     sessions,
		Logger:       logging.Discard(),
		ContextTurns: 4,
		Settings: Settings{
			DefaultProvider: KindGemini,
			Gemini:          ProviderDefaults{APIKey: "g", Model: "models/test"},
			Grok:            ProviderDefaults{APIKey: "x", Voice: "Ara"},
			Hume:            ProviderDefaults{APIKey: "h"},
		},
	})
	f.orch.newAdapter = func(kind Kind, cfg ProviderConfig, deps Deps) (Adapter, error) {
		a := &fakeAdapter{kind: kind, cfg: cfg, deps: deps, connectErr: connectErr, done: make(chan struct{})}
		f.adapters <- a
		return a, nil
	}
	return f
}

func (f *orchestratorFixture) adapter(t *testing.T) *fakeAdapter {
	t.Helper()
	select {
	case a := <-f.adapters:
		return a
	case <-time.After(testWait):
		t.Fatal("adapter was never created")
		return nil
	}
}

func TestRunConnectionRejectsUnknownUser(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	dev := newDeviceRecorder()

	err := f.orch.RunConnection(context.Background(), "nobody", dev, make(chan protocol.DeviceMessage))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := len(f.sessions.List()); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}

func TestRunConnectionForwardsFramesAndEndsSession(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	dev := newDeviceRecorder()
	inbound := make(chan protocol.DeviceMessage, 4)
	inbound <- protocol.AudioFrame([]byte{1})
	inbound <- protocol.InstructionFrame(protocol.InstructionEndOfSpeech)
	inbound <- protocol.AudioFrame([]byte{2})
	close(inbound)

	if err := f.orch.RunConnection(context.Background(), "user-1", dev, inbound); err != nil {
		t.Fatalf("run connection: %v", err)
	}
	a := f.adapter(t)

	if a.kind != KindGrok {
		t.Fatalf("expected personality provider grok, got %s", a.kind)
	}
	if a.cfg.Voice != "Rex" || a.cfg.APIKey != "x" || a.cfg.FallbackVolume != 100 {
		t.Fatalf("unexpected resolved config %+v", a.cfg)
	}
	for _, want := range []string{"You are a pirate.", "Ada", "remember the parrot"} {
		if !strings.Contains(a.cfg.SystemPrompt, want) {
			t.Fatalf("expected system prompt to contain %q, got %q", want, a.cfg.SystemPrompt)
		}
	}

	got := a.messages()
	if len(got) != 3 || got[0].Audio[0] != 1 || got[1].Instruction != protocol.InstructionEndOfSpeech || got[2].Audio[0] != 2 {
		t.Fatalf("frames not forwarded in order: %+v", got)
	}
	if !dev.isClosed() {
		t.Fatal("expected device to be closed")
	}

	sessions := f.sessions.List()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.Status != session.StatusEnded || s.EndReason != "closed" || s.PersonalityKey != "pirate" || s.Provider != "grok" {
		t.Fatalf("unexpected session record %+v", s)
	}
}

func TestRunConnectionDefaultsProviderWithoutPersonality(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	inbound := make(chan protocol.DeviceMessage)
	close(inbound)

	if err := f.orch.RunConnection(context.Background(), "user-2", newDeviceRecorder(), inbound); err != nil {
		t.Fatalf("run connection: %v", err)
	}
	a := f.adapter(t)
	if a.kind != KindGemini || a.cfg.Model != "models/test" {
		t.Fatalf("expected default gemini config, got %s %+v", a.kind, a.cfg)
	}
	if !strings.HasPrefix(a.cfg.SystemPrompt, basePrompt) {
		t.Fatalf("expected base prompt, got %q", a.cfg.SystemPrompt)
	}
}

func TestRunConnectionConnectFailure(t *testing.T) {
	boom := errors.New("dial refused")
	f := newOrchestratorFixture(t, boom)
	dev := newDeviceRecorder()

	err := f.orch.RunConnection(context.Background(), "user-1", dev, make(chan protocol.DeviceMessage))
	if !errors.Is(err, boom) {
		t.Fatalf("expected connect error, got %v", err)
	}
	s := f.sessions.List()[0]
	if s.Status != session.StatusEnded || s.EndReason != "connect_failed" {
		t.Fatalf("unexpected session after failed connect %+v", s)
	}
	if !dev.isClosed() {
		t.Fatal("expected device to be closed")
	}
}

func TestEndSessionCancelsConnection(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	inbound := make(chan protocol.DeviceMessage)
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.orch.RunConnection(context.Background(), "user-1", newDeviceRecorder(), inbound)
	}()
	f.adapter(t)

	var id string
	waitUntil(t, "active session", func() bool {
		s, ok := f.sessions.ActiveForUser("user-1")
		if ok {
			id = s.ID
		}
		return ok
	})
	if err := f.orch.EndSession(id, "admin"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run connection: %v", err)
		}
	case <-time.After(testWait):
		t.Fatal("connection did not stop")
	}
	s, err := f.sessions.Get(id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.EndReason != "admin" {
		t.Fatalf("expected admin end reason, got %q", s.EndReason)
	}
	if err := f.orch.EndSession("missing", "admin"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRunConnectionReplacesActiveSession(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	first := make(chan error, 1)
	go func() {
		first <- f.orch.RunConnection(context.Background(), "user-1", newDeviceRecorder(), make(chan protocol.DeviceMessage))
	}()
	f.adapter(t)
	waitUntil(t, "first session", func() bool {
		_, ok := f.sessions.ActiveForUser("user-1")
		return ok
	})

	inbound := make(chan protocol.DeviceMessage)
	close(inbound)
	if err := f.orch.RunConnection(context.Background(), "user-1", newDeviceRecorder(), inbound); err != nil {
		t.Fatalf("second connection: %v", err)
	}
	f.adapter(t)

	select {
	case <-first:
	case <-time.After(testWait):
		t.Fatal("first connection was not replaced")
	}
	var replaced int
	for _, s := range f.sessions.List() {
		if s.EndReason == "replaced" {
			replaced++
		}
	}
	if replaced != 1 {
		t.Fatalf("expected one replaced session, got %d", replaced)
	}
}
