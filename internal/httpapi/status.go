package httpapi

import (
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	Env             string        `json:"env"`
	DefaultProvider string        `json:"default_provider"`
	StoreMode       string        `json:"store_mode"`
	AuthMode        string        `json:"auth_mode"`
	ActiveSessions  int           `json:"active_sessions"`
	Checks          []statusCheck `json:"checks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]statusCheck, 0, 6)
	checks = append(checks, s.providerChecks()...)
	checks = append(checks, s.storeCheck(), s.authCheck())
	if s.cfg.DebugAudioDir != "" && !s.cfg.IsProduction() {
		checks = append(checks, statusCheck{
			ID:     "debug_capture",
			Status: "warn",
			Label:  "Debug audio capture",
			Detail: "writing raw device audio to " + s.cfg.DebugAudioDir,
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		Env:             s.cfg.Env,
		DefaultProvider: s.cfg.DefaultProvider,
		StoreMode:       s.storeMode,
		AuthMode:        s.authMode(),
		ActiveSessions:  s.sessions.ActiveCount(),
		Checks:          checks,
	})
}

func (s *Server) providerChecks() []statusCheck {
	providers := []struct {
		id, label, key, env string
	}{
		{"gemini", "Gemini Live", s.cfg.GeminiAPIKey, "GEMINI_API_KEY"},
		{"grok", "xAI Grok realtime", s.cfg.XAIAPIKey, "XAI_API_KEY"},
		{"hume", "Hume EVI", s.cfg.HumeAPIKey, "HUME_API_KEY"},
	}
	out := make([]statusCheck, 0, len(providers))
	for _, p := range providers {
		c := statusCheck{ID: p.id + "_key", Label: p.label + " API key", Status: "ok", Detail: "present"}
		if strings.TrimSpace(p.key) == "" {
			c.Status = "warn"
			c.Detail = p.env + " is not set"
			c.Fix = "Set " + p.env + " to serve personalities that use " + p.id + "."
			if strings.EqualFold(s.cfg.DefaultProvider, p.id) {
				c.Status = "error"
			}
		}
		out = append(out, c)
	}
	return out
}

func (s *Server) storeCheck() statusCheck {
	c := statusCheck{ID: "store", Label: "Conversation store", Status: "ok", Detail: s.storeMode}
	if s.storeMode == "" || s.storeMode == "memory" {
		c.Status = "warn"
		c.Detail = "in-memory only"
		c.Fix = "Set DATABASE_URL or SUPABASE_URL to keep history across restarts."
	}
	return c
}

func (s *Server) authCheck() statusCheck {
	c := statusCheck{ID: "auth", Label: "Device authentication", Status: "ok", Detail: s.authMode()}
	if !s.verifier.Enabled() {
		c.Status = "warn"
		c.Fix = "Set JWT_SECRET so devices must present a signed token."
		if s.cfg.IsProduction() {
			c.Status = "error"
		}
	}
	return c
}

func (s *Server) authMode() string {
	switch {
	case s.verifier.Enabled() && s.cfg.AllowQueryUser:
		return "jwt+query"
	case s.verifier.Enabled():
		return "jwt"
	case s.cfg.AllowQueryUser:
		return "query"
	default:
		return "none"
	}
}
