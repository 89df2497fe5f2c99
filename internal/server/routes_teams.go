package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"coder1/bridge/internal/orchestrator"
)

func (s *Server) registerTeamRoutes() {
	s.mux.HandleFunc("/api/v1/teams/spawn", s.handleTeamSpawn)
	s.mux.HandleFunc("/api/v1/teams/status", s.handleTeamStatus)
	s.mux.HandleFunc("/api/v1/teams/cleanup", s.handleTeamCleanup)
	s.mux.HandleFunc("/api/v1/agents/send", s.handleAgentSend)
	s.mux.HandleFunc("/api/v1/agents/broadcast", s.handleAgentBroadcast)
	s.mux.HandleFunc("/api/v1/agents/status", s.handleAgentStatus)
	s.mux.HandleFunc("/api/v1/agents/stop", s.handleAgentStop)
	s.mux.HandleFunc("/api/v1/orchestrator/stats", s.handleOrchestratorStats)
	s.mux.HandleFunc("/api/v1/orchestrator/stop-all", s.handleEmergencyStop)
}

func (s *Server) handleTeamSpawn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var req struct {
		TeamID      string   `json:"team_id"`
		Requirement string   `json:"requirement"`
		Roles       []string `json:"roles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if strings.TrimSpace(req.TeamID) == "" {
		req.TeamID = uuid.NewString()
	}
	if strings.TrimSpace(req.Requirement) == "" {
		respondError(w, http.StatusBadRequest, "REQUIREMENT_REQUIRED", "requirement is required")
		return
	}
	if len(req.Roles) == 0 {
		req.Roles = []string{"frontend", "backend", "testing"}
	}

	view, err := s.deps.Orchestrator.SpawnTeam(r.Context(), req.TeamID, req.Requirement, req.Roles, s.deps.WorkTreeRoot)
	switch {
	case errors.Is(err, orchestrator.ErrMaxTeams):
		respondError(w, http.StatusTooManyRequests, "MAX_CONCURRENT_TEAMS", err.Error())
		return
	case errors.Is(err, orchestrator.ErrTeamExists):
		respondError(w, http.StatusConflict, "TEAM_EXISTS", err.Error())
		return
	case errors.Is(err, orchestrator.ErrDuplicateRole):
		respondError(w, http.StatusBadRequest, "DUPLICATE_ROLE", err.Error())
		return
	case errors.Is(err, orchestrator.ErrAgentSpawn), errors.Is(err, orchestrator.ErrReadyTimeout):
		respondError(w, http.StatusBadGateway, "AGENT_SPAWN_FAILED", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "TEAM_SPAWN_FAILED", err.Error())
		return
	}
	respondOK(w, view)
}

func (s *Server) handleTeamStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	teamID := strings.TrimSpace(r.URL.Query().Get("team_id"))
	if teamID == "" {
		respondError(w, http.StatusBadRequest, "TEAM_ID_REQUIRED", "team_id is required")
		return
	}
	view, err := s.deps.Orchestrator.TeamStatus(teamID)
	if errors.Is(err, orchestrator.ErrTeamNotFound) {
		respondError(w, http.StatusNotFound, "TEAM_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TEAM_STATUS_FAILED", err.Error())
		return
	}
	respondOK(w, view)
}

func (s *Server) handleTeamCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var req struct {
		TeamID string `json:"team_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	err := s.deps.Orchestrator.CleanupTeam(req.TeamID)
	if errors.Is(err, orchestrator.ErrTeamNotFound) {
		respondError(w, http.StatusNotFound, "TEAM_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TEAM_CLEANUP_FAILED", err.Error())
		return
	}
	respondOK(w, map[string]any{"team_id": req.TeamID, "stopped": true})
}

func (s *Server) handleAgentSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var req struct {
		AgentID   string `json:"agent_id"`
		Message   string `json:"message"`
		TimeoutMs int    `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	response, err := s.deps.Orchestrator.SendToAgent(r.Context(), req.AgentID, req.Message, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		s.respondAgentError(w, err)
		return
	}
	respondOK(w, map[string]any{"agent_id": req.AgentID, "response": response})
}

func (s *Server) respondAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrAgentNotFound):
		respondError(w, http.StatusNotFound, "AGENT_NOT_FOUND", err.Error())
	case errors.Is(err, orchestrator.ErrAgentBusy):
		respondError(w, http.StatusConflict, "AGENT_BUSY", err.Error())
	case errors.Is(err, orchestrator.ErrAgentStopped):
		respondError(w, http.StatusGone, "AGENT_STOPPED", err.Error())
	case errors.Is(err, orchestrator.ErrResponseTimeout):
		respondError(w, http.StatusGatewayTimeout, "RESPONSE_TIMEOUT", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "AGENT_SEND_FAILED", err.Error())
	}
}

func (s *Server) handleAgentBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var req struct {
		AgentIDs  []string `json:"agent_ids"`
		Message   string   `json:"message"`
		TimeoutMs int      `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if len(req.AgentIDs) == 0 {
		respondError(w, http.StatusBadRequest, "AGENT_IDS_REQUIRED", "agent_ids is required")
		return
	}
	results := s.deps.Orchestrator.SendToMultipleAgents(r.Context(), req.AgentIDs, req.Message, time.Duration(req.TimeoutMs)*time.Millisecond)
	out := make(map[string]any, len(results))
	for agentID, result := range results {
		entry := map[string]any{"response": result.Response}
		if result.Err != nil {
			entry["error"] = result.Err.Error()
		}
		out[agentID] = entry
	}
	respondOK(w, map[string]any{"results": out})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		respondError(w, http.StatusBadRequest, "AGENT_ID_REQUIRED", "agent_id is required")
		return
	}
	view, err := s.deps.Orchestrator.AgentStatus(agentID)
	if errors.Is(err, orchestrator.ErrAgentNotFound) {
		respondError(w, http.StatusNotFound, "AGENT_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "AGENT_STATUS_FAILED", err.Error())
		return
	}
	respondOK(w, view)
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	err := s.deps.Orchestrator.StopAgent(req.AgentID)
	if errors.Is(err, orchestrator.ErrAgentNotFound) {
		respondError(w, http.StatusNotFound, "AGENT_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "AGENT_STOP_FAILED", err.Error())
		return
	}
	respondOK(w, map[string]any{"agent_id": req.AgentID, "stopped": true})
}

func (s *Server) handleOrchestratorStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	respondOK(w, s.deps.Orchestrator.Snapshot())
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if err := s.deps.Orchestrator.EmergencyStopAll(); err != nil {
		respondError(w, http.StatusInternalServerError, "EMERGENCY_STOP_FAILED", err.Error())
		return
	}
	respondOK(w, map[string]any{"stopped": true})
}
