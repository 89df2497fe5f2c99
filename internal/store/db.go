package store

import (
	"errors"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

// PairedBridge is a long-lived credential row created when a pairing code is
// redeemed. The token is what the bridge presents on reconnect.
type PairedBridge struct {
	ID       uint   `gorm:"primaryKey"`
	Token    string `gorm:"uniqueIndex;size:64"`
	UserID   string `gorm:"index;size:64"`
	BridgeID string `gorm:"size:64"`
	Platform string `gorm:"size:32"`
	Version  string `gorm:"size:32"`
	PairedAt int64
}

// CommandRecord is one dispatched command's outcome, kept for the status
// surface.
type CommandRecord struct {
	ID         uint   `gorm:"primaryKey"`
	CommandID  string `gorm:"index;size:64"`
	SessionID  string `gorm:"size:64"`
	BridgeID   string `gorm:"index;size:64"`
	Command    string
	ExitCode   int
	DurationMs int64
	ErrorText  string
	StartedAt  int64
}

// Open creates (or opens) the sqlite database at path with WAL and a busy
// timeout, and syncs the schema.
func Open(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := gdb.Exec(`PRAGMA journal_mode=WAL;`).Error; err != nil {
		return nil, err
	}
	if err := gdb.Exec(`PRAGMA busy_timeout=5000;`).Error; err != nil {
		return nil, err
	}
	if err := syncSchema(gdb); err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return gdb, nil
}

func syncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(&PairedBridge{}, &CommandRecord{}); err != nil {
		return err
	}
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_command_records_started_at ON command_records(started_at DESC);`).Error
}
