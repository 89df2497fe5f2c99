package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestPairingRoundTrip(t *testing.T) {
	s := openTestStore(t)

	err := s.SavePairing(PairedBridge{
		Token:    "tok-abc",
		UserID:   "user-1",
		BridgeID: "bridge-1",
		Platform: "darwin",
		Version:  "1.2.0",
	})
	if err != nil {
		t.Fatalf("save pairing: %v", err)
	}

	row, err := s.FindByToken("tok-abc")
	if err != nil {
		t.Fatalf("find by token: %v", err)
	}
	if row.UserID != "user-1" || row.BridgeID != "bridge-1" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.PairedAt == 0 {
		t.Fatal("expected paired_at to be set")
	}
}

func TestFindByTokenMissing(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.FindByToken("nope"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	if _, err := s.FindByToken("  "); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for blank token, got %v", err)
	}
}

func TestRevokePairing(t *testing.T) {
	s := openTestStore(t)

	if err := s.SavePairing(PairedBridge{Token: "tok-1", UserID: "u", BridgeID: "b"}); err != nil {
		t.Fatalf("save pairing: %v", err)
	}
	if err := s.RevokePairing("tok-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.FindByToken("tok-1"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected revoked token to be gone, got %v", err)
	}
}

func TestRecentCommandsOrder(t *testing.T) {
	s := openTestStore(t)

	for i, id := range []string{"c1", "c2", "c3"} {
		err := s.RecordCommand(CommandRecord{
			CommandID: id,
			SessionID: "sess",
			BridgeID:  "bridge-1",
			Command:   "npm test",
			ExitCode:  0,
			StartedAt: int64(100 + i),
		})
		if err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	rows, err := s.RecentCommands(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].CommandID != "c3" || rows[1].CommandID != "c2" {
		t.Fatalf("unexpected order: %s, %s", rows[0].CommandID, rows[1].CommandID)
	}
}

func TestRecordCommandValidation(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordCommand(CommandRecord{Command: "ls"}); err == nil {
		t.Fatal("expected error for missing command id")
	}
}
