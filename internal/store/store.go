package store

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrTokenNotFound means no paired bridge matches the presented token.
var ErrTokenNotFound = errors.New("pairing token not found")

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db}, nil
}

// SavePairing persists the long-lived token issued at redemption.
func (s *Store) SavePairing(row PairedBridge) error {
	if strings.TrimSpace(row.Token) == "" {
		return errors.New("token is required")
	}
	if row.PairedAt == 0 {
		row.PairedAt = time.Now().UTC().Unix()
	}
	return s.db.Create(&row).Error
}

// FindByToken resolves a reconnect token back to its pairing.
func (s *Store) FindByToken(token string) (PairedBridge, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return PairedBridge{}, ErrTokenNotFound
	}
	var row PairedBridge
	err := s.db.Where("token = ?", token).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PairedBridge{}, ErrTokenNotFound
	}
	if err != nil {
		return PairedBridge{}, err
	}
	return row, nil
}

// RevokePairing deletes a token, ending that bridge's ability to reconnect.
func (s *Store) RevokePairing(token string) error {
	return s.db.Where("token = ?", token).Delete(&PairedBridge{}).Error
}

// RecordCommand appends one command outcome.
func (s *Store) RecordCommand(rec CommandRecord) error {
	if strings.TrimSpace(rec.CommandID) == "" {
		return errors.New("command id is required")
	}
	if rec.StartedAt == 0 {
		rec.StartedAt = time.Now().UTC().Unix()
	}
	return s.db.Create(&rec).Error
}

// RecentCommands returns the newest command records, most recent first.
func (s *Store) RecentCommands(limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows := make([]CommandRecord, 0, limit)
	if err := s.db.Order("started_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
