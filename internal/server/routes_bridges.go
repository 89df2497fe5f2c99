package server

import (
	"net/http"
	"strings"
)

func (s *Server) registerBridgeRoutes() {
	s.mux.HandleFunc("/api/v1/bridges", s.handleBridgesList)
}

func (s *Server) handleBridgesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "USER_ID_REQUIRED", "user_id is required")
		return
	}
	snapshots := s.deps.Registry.Bridges(userID)
	items := make([]map[string]any, 0, len(snapshots))
	for _, snap := range snapshots {
		items = append(items, map[string]any{
			"bridge_id":         snap.ID,
			"user_id":           snap.UserID,
			"paired_at":         snap.PairedAt.Unix(),
			"last_heartbeat":    snap.LastHeartbeat.Unix(),
			"version":           snap.Version,
			"platform":          snap.Platform,
			"capabilities":      snap.Capabilities,
			"commands_executed": snap.CommandsExecuted,
			"pending_commands":  s.deps.Dispatcher.PendingFor(snap.ID),
			"stats": map[string]any{
				"commands_executed": snap.Stats.CommandsExecuted,
				"uptime_seconds":    snap.Stats.UptimeSeconds,
				"memory_mb":         snap.Stats.MemoryMB,
			},
		})
	}
	respondOK(w, map[string]any{"items": items})
}
