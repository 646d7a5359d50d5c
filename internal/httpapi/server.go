package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/auth"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/redact"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/store"
	"github.com/ent0n29/voicebridge/internal/voice"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, userID string, device voice.DeviceConn, inbound <-chan protocol.DeviceMessage) error
	EndSession(sessionID, reason string) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	verifier     *auth.Verifier
	metrics      *observability.Metrics
	log          *slog.Logger
	storeMode    string
	upgrader     websocket.Upgrader
	draining     atomic.Bool
}

type Options struct {
	Config       config.Config
	Sessions     *session.Manager
	Orchestrator Orchestrator
	Verifier     *auth.Verifier
	Metrics      *observability.Metrics
	Logger       *slog.Logger
	// StoreMode names the configured persistence backend for status output.
	StoreMode string
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(opts.Config.SessionInactivityTimeout)
	}
	cfg := opts.Config
	return &Server{
		cfg:          cfg,
		sessions:     opts.Sessions,
		orchestrator: opts.Orchestrator,
		verifier:     opts.Verifier,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		storeMode:    opts.StoreMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Devices never send Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleDeviceWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/sessions", s.handleListSessions)
		r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	})

	return r
}

// BeginDrain makes /readyz fail so load balancers stop routing new devices.
func (s *Server) BeginDrain() {
	s.draining.Store(true)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		respondError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"store_mode":       s.storeMode,
		"default_provider": s.cfg.DefaultProvider,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, session.ListResponse{
		Active:   s.sessions.ActiveCount(),
		Sessions: s.sessions.List(),
		AsOf:     time.Now().UTC(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	var err error
	if s.orchestrator != nil {
		err = s.orchestrator.EndSession(id, "admin")
	} else {
		_, err = s.sessions.End(id, "admin")
	}
	if err != nil {
		if errors.Is(err, voice.ErrSessionNotFound) || errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "end_failed", err.Error())
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// authenticate resolves the device's user: a bearer token when present, then the
// user_id query parameter when allowed.
func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.verifier.Enabled() && r.Header.Get("Authorization") != "" {
		return s.verifier.FromRequest(r)
	}
	if s.cfg.AllowQueryUser {
		if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
			return id, nil
		}
	}
	if s.verifier.Enabled() {
		return s.verifier.FromRequest(r)
	}
	return "", auth.ErrUnauthorized
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier.Enabled() {
			if _, err := s.verifier.FromRequest(r); err != nil {
				respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	if s.draining.Load() {
		respondError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	s.metrics.SessionEvent("ws_connected")
	log := s.log.With("user_id", userID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	dev := newDeviceConn(ws)
	inbound := make(chan protocol.DeviceMessage, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		err := s.orchestrator.RunConnection(ctx, userID, dev, inbound)
		if err != nil {
			code, text := closeCodeFor(err)
			log.Warn("device session failed", "error", redact.Secrets(err.Error()))
			_ = dev.CloseWith(code, text)
		}
		_ = dev.Close()
		// Unblocks the read loop below.
		_ = ws.Close()
	}()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(deviceReadTimeout))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(deviceReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(deviceReadTimeout))

		var msg protocol.DeviceMessage
		switch msgType {
		case websocket.BinaryMessage:
			msg = protocol.AudioFrame(data)
		case websocket.TextMessage:
			msg, err = protocol.ParseDeviceText(data)
			if err != nil {
				log.Debug("ignoring device text frame", "error", err)
				continue
			}
		default:
			continue
		}

		select {
		case <-runDone:
			break readLoop
		case inbound <- msg:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	s.metrics.SessionEvent("ws_disconnected")
}

func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return websocket.ClosePolicyViolation, "unknown user"
	case errors.Is(err, voice.ErrMissingAPIKey), errors.Is(err, voice.ErrUnknownProvider):
		return websocket.CloseInternalServerErr, "provider unavailable"
	case errors.Is(err, voice.ErrConnectTimeout):
		return websocket.CloseTryAgainLater, "provider timeout"
	default:
		return websocket.CloseInternalServerErr, "session failed"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
