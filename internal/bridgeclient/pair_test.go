package bridgeclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPairSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/pair" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req PairRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Code != "123456" {
			t.Errorf("unexpected code %q", req.Code)
		}
		_ = json.NewEncoder(w).Encode(PairResponse{
			Success:  true,
			Token:    "tok-xyz",
			BridgeID: "b-1",
			UserID:   "u-1",
		})
	}))
	defer srv.Close()

	res, err := NewPairClient(srv.URL).Pair("123456", "1.0.0", "1.2.3")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if res.Token != "tok-xyz" || res.BridgeID != "b-1" || res.UserID != "u-1" {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestPairRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewPairClient(srv.URL).Pair("000000", "1.0.0", "")
	if !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("expected ErrPairingRejected, got %v", err)
	}
}

func TestPairUnsuccessfulBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PairResponse{Success: false})
	}))
	defer srv.Close()

	_, err := NewPairClient(srv.URL).Pair("123456", "1.0.0", "")
	if !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("expected ErrPairingRejected, got %v", err)
	}
}

func TestPairEmptyCode(t *testing.T) {
	if _, err := NewPairClient("http://unused").Pair("  ", "1.0.0", ""); err == nil {
		t.Fatal("expected error for blank code")
	}
}
