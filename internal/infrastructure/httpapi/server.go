package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"tickrelay/internal/infrastructure/config"
	"tickrelay/internal/infrastructure/forward"
	"tickrelay/internal/infrastructure/hub"
	"tickrelay/internal/infrastructure/session"
	"tickrelay/internal/infrastructure/simulator"
	"tickrelay/internal/infrastructure/svc"
	"tickrelay/internal/infrastructure/upstream"
)

const maxInstruments = 50

// Server exposes the control surface: connection lifecycle, status
// queries, the realtime hub endpoint and the simulator controls.
type Server struct {
	ctx      context.Context // outlives individual requests
	cfg      *config.Config
	registry *upstream.Registry
	fwd      *forward.Forwarder
	hub      *hub.Hub
	sim      *simulator.Manager
}

func NewServer(ctx context.Context, cfg *config.Config, registry *upstream.Registry, fwd *forward.Forwarder, h *hub.Hub, sim *simulator.Manager) *Server {
	return &Server{ctx: ctx, cfg: cfg, registry: registry, fwd: fwd, hub: h, sim: sim}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /disconnect-all", s.handleDisconnectAll)
	mux.HandleFunc("POST /subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /connection-status/{key}", s.handleConnectionStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /simulate", s.handleSimulate)
	mux.HandleFunc("POST /simulate/stop", s.handleSimulateStop)
	mux.HandleFunc("GET /ws", s.hub.ServeWS)
	return mux
}

type connectRequest struct {
	Key         string              `json:"key"`
	Credentials session.Credentials `json:"credentials"`
	Instruments []string            `json:"instruments"`
	BackendURL  string              `json:"backend_url,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" || len(req.Instruments) == 0 {
		writeError(w, http.StatusBadRequest, "key and instruments required")
		return
	}
	if len(req.Instruments) > maxInstruments {
		writeError(w, http.StatusBadRequest, "too many instruments (max 50)")
		return
	}

	creds := s.fillCredentials(req.Credentials)
	if creds.APIKey == "" || creds.ClientCode == "" || creds.Password == "" || creds.TOTPSeed == "" {
		writeError(w, http.StatusBadRequest, "incomplete credentials")
		return
	}

	if _, err := s.registry.Connect(req.Key, creds, req.Instruments, req.BackendURL); err != nil {
		if errors.Is(err, svc.ErrConflict) {
			writeError(w, http.StatusBadRequest, "key already connected: "+req.Key)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"key":              req.Key,
		"instrument_count": len(req.Instruments),
		"status":           "connecting",
	})
}

// fillCredentials overlays request credentials on the configured
// defaults; each field can be supplied either way.
func (s *Server) fillCredentials(in session.Credentials) session.Credentials {
	out := in
	if out.APIKey == "" {
		out.APIKey = s.cfg.Credentials.APIKey
	}
	if out.ClientCode == "" {
		out.ClientCode = s.cfg.Credentials.ClientCode
	}
	if out.Password == "" {
		out.Password = s.cfg.Credentials.Password
	}
	if out.TOTPSeed == "" {
		out.TOTPSeed = s.cfg.Credentials.TOTPSeed
	}
	return out
}

type keyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}

	// Idempotent: disconnecting an unknown key still succeeds.
	s.registry.Disconnect(req.Key)
	writeJSON(w, http.StatusOK, map[string]string{"message": "connection stopped"})
}

func (s *Server) handleDisconnectAll(w http.ResponseWriter, r *http.Request) {
	n := s.registry.DisconnectAll()
	writeJSON(w, http.StatusOK, map[string]int{"disconnected_count": n})
}

type subscribeRequest struct {
	Key         string   `json:"key"`
	Instruments []string `json:"instruments"`
	JwtToken    string   `json:"jwt_token"`
	FeedToken   string   `json:"feed_token"`
	APIKey      string   `json:"api_key"`
	ClientCode  string   `json:"client_code"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" || len(req.Instruments) == 0 ||
		req.JwtToken == "" || req.FeedToken == "" || req.APIKey == "" || req.ClientCode == "" {
		writeError(w, http.StatusBadRequest, "key, instruments, jwt_token, feed_token, api_key, client_code required")
		return
	}

	conn, ok := s.registry.Get(req.Key)
	if !ok {
		writeError(w, http.StatusNotFound, "connection not found: "+req.Key)
		return
	}
	if err := conn.Subscribe(req.Instruments); err != nil {
		if errors.Is(err, svc.ErrNotConnected) {
			writeError(w, http.StatusBadRequest, "connection not ready")
			return
		}
		writeError(w, http.StatusInternalServerError, "subscribe failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "subscribed"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.StatusAll())
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	conn, ok := s.registry.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "connection not found: "+key)
		return
	}
	writeJSON(w, http.StatusOK, conn.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"active_connections": s.registry.ActiveCount(),
		"local_clients":      s.hub.ClientCount(),
		"config":             s.cfg.Display(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fwd.Stats())
}

type simulateRequest struct {
	Token      string `json:"token"`
	IntervalMs int    `json:"interval_ms,omitempty"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	s.sim.Start(s.ctx, req.Token, time.Duration(req.IntervalMs)*time.Millisecond)
	writeJSON(w, http.StatusOK, map[string]string{"message": "simulation started for " + req.Token})
}

func (s *Server) handleSimulateStop(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	s.sim.Stop(req.Token)
	writeJSON(w, http.StatusOK, map[string]string{"message": "simulation stopped for " + req.Token})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
