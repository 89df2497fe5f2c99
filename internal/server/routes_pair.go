package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"coder1/bridge/internal/pairing"
	"coder1/bridge/internal/protocol"
	"coder1/bridge/internal/store"
)

func (s *Server) registerPairRoutes() {
	s.mux.HandleFunc("/api/pair", s.handlePairRedeem)
	s.mux.HandleFunc("/api/pair/issue", s.handlePairIssue)
	// Older IDE builds post to the unprefixed path.
	s.mux.HandleFunc("/pair", s.handlePairRedeem)
}

// handlePairIssue generates a one-time code for the requesting user. The IDE
// shows the code; the bridge CLI redeems it.
func (s *Server) handlePairIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "USER_ID_REQUIRED", "user_id is required")
		return
	}
	code, err := s.deps.Pairing.Issue(req.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PAIR_ISSUE_FAILED", err.Error())
		return
	}
	respondOK(w, map[string]any{"code": code, "expires_in_seconds": int(s.deps.Pairing.TTL() / time.Second)})
}

// handlePairRedeem exchanges a code for a long-lived bridge token. The reply
// never distinguishes unknown codes from expired ones.
func (s *Server) handlePairRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var req struct {
		Code          string `json:"code"`
		Platform      string `json:"platform"`
		Version       string `json:"version"`
		ClaudeVersion string `json:"claude_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	userID, err := s.deps.Pairing.Redeem(req.Code)
	if errors.Is(err, pairing.ErrInvalidOrExpired) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"code":    protocol.CodeInvalidOrExpired,
			"error":   "invalid or expired code",
		})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PAIR_REDEEM_FAILED", err.Error())
		return
	}

	token := uuid.NewString()
	bridgeID := uuid.NewString()
	if err := s.deps.Store.SavePairing(store.PairedBridge{
		Token:    token,
		UserID:   userID,
		BridgeID: bridgeID,
		Platform: strings.TrimSpace(req.Platform),
		Version:  strings.TrimSpace(req.Version),
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "PAIR_PERSIST_FAILED", err.Error())
		return
	}

	s.logger.Info("pairing redeemed", "user_id", userID, "bridge_id", bridgeID, "platform", req.Platform)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"token":     token,
		"bridge_id": bridgeID,
		"user_id":   userID,
	})
}
