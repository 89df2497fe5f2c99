package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"
)

// ErrInvalidOrExpired is returned for both unknown and expired codes so a
// caller probing the endpoint cannot tell which half failed.
var ErrInvalidOrExpired = errors.New("invalid or expired pairing code")

const (
	defaultCodeTTL       = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
	codeSpace            = 1000000
)

type codeEntry struct {
	Code      string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
	RandInt       func(max int64) (int64, error)
}

// Registry issues and redeems one-time pairing codes. A user has at most one
// live code; issuing a new one replaces it. Redemption deletes the code under
// the same lock as the lookup, so exactly one concurrent redeemer can win.
type Registry struct {
	logger        *slog.Logger
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	randInt       func(max int64) (int64, error)

	mu     sync.Mutex
	byCode map[string]codeEntry
	byUser map[string]string
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	randFn := opts.RandInt
	if randFn == nil {
		randFn = cryptoRandInt
	}
	return &Registry{
		logger:        logger,
		ttl:           ttl,
		sweepInterval: sweep,
		now:           nowFn,
		randInt:       randFn,
		byCode:        map[string]codeEntry{},
		byUser:        map[string]string{},
	}
}

func cryptoRandInt(max int64) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

// Issue generates a 6-digit code for userID, invalidating any code the user
// already holds.
func (r *Registry) Issue(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	n, err := r.randInt(codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	code := fmt.Sprintf("%06d", n)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byUser[userID]; ok {
		delete(r.byCode, prev)
	}
	r.byUser[userID] = code
	r.byCode[code] = codeEntry{
		Code:      code,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	r.logger.Info("pairing code issued", "user_id", userID, "expires_at", now.Add(r.ttl))
	return code, nil
}

// Redeem exchanges a live code for its userID and deletes it. Expired codes
// are removed lazily here even before the sweep sees them.
func (r *Registry) Redeem(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrInvalidOrExpired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byCode[code]
	if !ok {
		return "", ErrInvalidOrExpired
	}
	delete(r.byCode, code)
	if r.byUser[entry.UserID] == code {
		delete(r.byUser, entry.UserID)
	}
	if r.now().After(entry.ExpiresAt) {
		return "", ErrInvalidOrExpired
	}
	r.logger.Info("pairing code redeemed", "user_id", entry.UserID)
	return entry.UserID, nil
}

// Sweep removes expired codes and returns how many were dropped.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for code, entry := range r.byCode {
		if now.After(entry.ExpiresAt) {
			delete(r.byCode, code)
			if r.byUser[entry.UserID] == code {
				delete(r.byUser, entry.UserID)
			}
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("pairing sweep", "removed", removed)
	}
	return removed
}

// Run sweeps expired codes until ctx is cancelled. Intended as a lifecycle
// run job.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Outstanding reports the number of live codes, for status surfaces.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCode)
}

// TTL reports how long an issued code stays redeemable.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}
