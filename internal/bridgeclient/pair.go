package bridgeclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// ErrPairingRejected means the server refused the pairing code. Invalid and
// expired codes are indistinguishable on purpose.
var ErrPairingRejected = errors.New("pairing code invalid or expired")

type PairRequest struct {
	Code          string `json:"code"`
	Platform      string `json:"platform"`
	Version       string `json:"version"`
	ClaudeVersion string `json:"claude_version,omitempty"`
}

type PairResponse struct {
	Success  bool   `json:"success"`
	Token    string `json:"token"`
	BridgeID string `json:"bridge_id"`
	UserID   string `json:"user_id"`
}

type PairClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewPairClient(baseURL string) *PairClient {
	return &PairClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Pair redeems a one-time code for a long-lived bridge token.
func (c *PairClient) Pair(code, version, claudeVersion string) (PairResponse, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return PairResponse{}, errors.New("pairing code is required")
	}

	body, err := json.Marshal(PairRequest{
		Code:          code,
		Platform:      runtime.GOOS,
		Version:       version,
		ClaudeVersion: claudeVersion,
	})
	if err != nil {
		return PairResponse{}, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/pair", bytes.NewBuffer(body))
	if err != nil {
		return PairResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return PairResponse{}, err
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusNotFound {
		return PairResponse{}, ErrPairingRejected
	}
	if res.StatusCode != http.StatusOK {
		return PairResponse{}, fmt.Errorf("pair failed with status: %d", res.StatusCode)
	}

	var out PairResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return PairResponse{}, err
	}
	if !out.Success || strings.TrimSpace(out.Token) == "" {
		return PairResponse{}, ErrPairingRejected
	}
	return out, nil
}
