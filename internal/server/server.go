package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"coder1/bridge/internal/dispatch"
	"coder1/bridge/internal/orchestrator"
	"coder1/bridge/internal/pairing"
	"coder1/bridge/internal/registry"
	"coder1/bridge/internal/store"
)

type Deps struct {
	Logger       *slog.Logger
	Pairing      *pairing.Registry
	Registry     *registry.Registry
	Dispatcher   *dispatch.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Store        *store.Store
	WorkTreeRoot string
	Version      string
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
	hub    *BridgeHub
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s := &Server{deps: deps, logger: logger, mux: http.NewServeMux()}
	s.hub = NewBridgeHub(HubDeps{
		Logger:     logger,
		Registry:   deps.Registry,
		Dispatcher: deps.Dispatcher,
		Store:      deps.Store,
	})
	s.registerPairRoutes()
	s.registerBridgeRoutes()
	s.registerCommandRoutes()
	s.registerTeamRoutes()
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ws/bridge", s.hub.HandleWS)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok", "version": s.deps.Version, "time": time.Now().UTC().Unix()})
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
