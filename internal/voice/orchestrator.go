package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/voicebridge/internal/capture"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/store"
)

const (
	defaultContextTurns = 8
	contextLoadTimeout  = 3 * time.Second
)

var ErrSessionNotFound = errors.New("session not found")

// Directory is the read side of the store the orchestrator needs.
type Directory interface {
	DeviceInfoSource
	User(ctx context.Context, userID string) (store.User, error)
	RecentContext(ctx context.Context, userID string, limit int) ([]store.TurnRecord, error)
}

type OrchestratorOptions struct {
	Directory    Directory
	Recorder     Recorder
	Sessions     *session.Manager
	Metrics      *observability.Metrics
	Logger       *slog.Logger
	Settings     Settings
	ContextTurns int
	// CaptureDir enables raw device audio capture when non-empty.
	CaptureDir string
	// RedactTranscripts masks emails, phone and card numbers in stored turns.
	RedactTranscripts bool
}

// Orchestrator turns an authenticated device connection into a provider session.
type Orchestrator struct {
	dir          Directory
	recorder     Recorder
	sessions     *session.Manager
	metrics      *observability.Metrics
	log          *slog.Logger
	settings     Settings
	contextTurns int
	captureDir   string
	redact       bool

	newAdapter func(Kind, ProviderConfig, Deps) (Adapter, error)

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(0)
	}
	turns := opts.ContextTurns
	if turns < 0 {
		turns = defaultContextTurns
	}
	o := &Orchestrator{
		dir:          opts.Directory,
		recorder:     opts.Recorder,
		sessions:     opts.Sessions,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		settings:     opts.Settings,
		contextTurns: turns,
		captureDir:   opts.CaptureDir,
		redact:       opts.RedactTranscripts,
		newAdapter:   NewAdapter,
		cancels:      make(map[string]context.CancelFunc),
	}
	o.sessions.SetExpireHook(func(s *session.Session) {
		o.log.Info("session expired", "session_id", s.ID, "user_id", s.UserID)
		o.cancel(s.ID)
	})
	return o
}

func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// EndSession ends a live session with reason and tears its connection down.
func (o *Orchestrator) EndSession(sessionID, reason string) error {
	if _, err := o.sessions.End(sessionID, reason); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	o.cancel(sessionID)
	return nil
}

// RunConnection serves one device connection until either side closes. inbound
// carries device frames in arrival order; closing it ends the session. Once a
// session is registered the adapter owns the device and closes it; on earlier
// errors the caller still owns it.
func (o *Orchestrator) RunConnection(ctx context.Context, userID string, device DeviceConn, inbound <-chan protocol.DeviceMessage) error {
	user, err := o.dir.User(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("user %q: %w", userID, err)
		}
		return fmt.Errorf("load user: %w", err)
	}

	kind, err := o.settings.KindFor(user.Personality)
	if err != nil {
		return err
	}

	var history []store.TurnRecord
	if o.contextTurns > 0 {
		hctx, cancel := context.WithTimeout(ctx, contextLoadTimeout)
		history, err = o.dir.RecentContext(hctx, userID, o.contextTurns)
		cancel()
		if err != nil {
			o.log.Warn("load conversation context failed", "user_id", userID, "error", err)
			history = nil
		}
	}

	cfg, err := o.settings.Resolve(kind, user.Personality, BuildSystemPrompt(user, history))
	if err != nil {
		return err
	}

	if prev, ok := o.sessions.ActiveForUser(userID); ok {
		o.log.Info("replacing active session", "session_id", prev.ID, "user_id", userID)
		_ = o.EndSession(prev.ID, "replaced")
	}

	personalityKey := ""
	if user.Personality != nil {
		personalityKey = user.Personality.Key
	}
	sess := o.sessions.Create(session.CreateRequest{
		UserID:         userID,
		PersonalityKey: personalityKey,
		Provider:       string(kind),
		VoiceID:        cfg.Voice,
	})
	o.metrics.SessionStarted()
	log := o.log.With("session_id", sess.ID, "user_id", userID, "provider", string(kind))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.register(sess.ID, cancel)
	defer o.unregister(sess.ID)

	var sink capture.Sink = capture.Nop{}
	if o.captureDir != "" {
		fs, err := capture.OpenFile(o.captureDir, sess.ID)
		if err != nil {
			log.Warn("debug capture disabled", "error", err)
		} else {
			log.Debug("capturing device audio", "path", fs.Path())
			sink = fs
		}
	}

	adapter, err := o.newAdapter(kind, cfg, Deps{
		Device:    device,
		UserID:    userID,
		SessionID: sess.ID,
		Devices:   o.dir,
		Recorder:  o.recorder,
		Capture:   sink,
		Sessions:  o.sessions,
		Logger:    o.log,
		Metrics:   o.metrics,

		RedactTranscripts: o.redact,
		OnClose: func(reason string) {
			if s, err := o.sessions.End(sess.ID, reason); err == nil {
				reason = s.EndReason
			}
			o.metrics.SessionEnded(reason)
		},
	})
	if err != nil {
		_ = sink.Close()
		_, _ = o.sessions.End(sess.ID, "adapter_failed")
		o.metrics.SessionEnded("adapter_failed")
		return fmt.Errorf("create %s adapter: %w", kind, err)
	}

	inboundDone := make(chan struct{})
	go func() {
		defer close(inboundDone)
		for {
			select {
			case msg, ok := <-inbound:
				if !ok {
					return
				}
				o.metrics.WSMessage("inbound", frameLabel(msg))
				adapter.HandleDeviceMessage(msg)
			case <-adapter.Done():
				return
			}
		}
	}()

	log.Info("session starting", "model", cfg.Model, "voice", cfg.Voice)
	if err := adapter.Connect(ctx); err != nil {
		_ = adapter.Close()
		return fmt.Errorf("connect %s: %w", kind, err)
	}

	select {
	case <-adapter.Done():
	case <-ctx.Done():
	case <-inboundDone:
	}
	return adapter.Close()
}

func (o *Orchestrator) register(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

func (o *Orchestrator) cancel(id string) {
	o.mu.Lock()
	cancel := o.cancels[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func frameLabel(msg protocol.DeviceMessage) string {
	if msg.Kind == protocol.FrameAudio {
		return "audio"
	}
	return "instruction"
}
