package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coder1/bridge/internal/protocol"
)

// ErrBridgeNotFound means the bridge id is unknown (never registered or
// already evicted).
var ErrBridgeNotFound = errors.New("bridge not found")

const defaultHeartbeatInterval = 30 * time.Second

// Transport is the send side of one bridge websocket. Owned by the server
// connection handler; the registry only forwards through it.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
	Close() error
}

type Metadata struct {
	Version       string
	Platform      string
	ClaudeVersion string
}

type connection struct {
	id            string
	userID        string
	pairedAt      time.Time
	lastHeartbeat time.Time
	version       string
	platform      string
	capabilities  []string
	stats         protocol.BridgeStats
	executed      int
	transport     Transport
}

// Snapshot is a read-only view of one bridge connection for status surfaces.
type Snapshot struct {
	ID               string
	UserID           string
	PairedAt         time.Time
	LastHeartbeat    time.Time
	Version          string
	Platform         string
	Capabilities     []string
	CommandsExecuted int
	Stats            protocol.BridgeStats
}

// PendingCounter reports how many commands are currently pending against a
// bridge. Implemented by the dispatcher. Lock ordering is bridges before
// pending commands: the registry never calls it while holding its own lock.
type PendingCounter interface {
	PendingFor(bridgeID string) int
}

type Options struct {
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
	Now               func() time.Time
}

// Registry is the server-side table of live bridge connections. One user maps
// to a set of bridges (multi-device). All mutation goes through the registry;
// callers only see snapshots.
type Registry struct {
	logger            *slog.Logger
	heartbeatInterval time.Duration
	now               func() time.Time

	mu      sync.Mutex
	bridges map[string]*connection
	byUser  map[string]map[string]struct{}

	pending      PendingCounter
	onBridgeLost func(bridgeID string)
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Registry{
		logger:            logger,
		heartbeatInterval: interval,
		now:               nowFn,
		bridges:           map[string]*connection{},
		byUser:            map[string]map[string]struct{}{},
	}
}

// SetPendingCounter wires the dispatcher's pending-command counts into bridge
// selection.
func (r *Registry) SetPendingCounter(pc PendingCounter) {
	r.mu.Lock()
	r.pending = pc
	r.mu.Unlock()
}

// OnBridgeLost registers the cascade hook fired after a bridge is evicted or
// disconnects. Called outside the registry lock.
func (r *Registry) OnBridgeLost(fn func(bridgeID string)) {
	r.mu.Lock()
	r.onBridgeLost = fn
	r.mu.Unlock()
}

// Register adds a bridge connection for userID and returns its id.
func (r *Registry) Register(userID string, md Metadata, t Transport) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	id := uuid.NewString()
	now := r.now()
	conn := &connection{
		id:            id,
		userID:        userID,
		pairedAt:      now,
		lastHeartbeat: now,
		version:       strings.TrimSpace(md.Version),
		platform:      strings.TrimSpace(md.Platform),
		capabilities:  deriveCapabilities(md),
		transport:     t,
	}

	r.mu.Lock()
	r.bridges[id] = conn
	set := r.byUser[userID]
	if set == nil {
		set = map[string]struct{}{}
		r.byUser[userID] = set
	}
	set[id] = struct{}{}
	r.mu.Unlock()

	r.logger.Info("bridge registered", "bridge_id", id, "user_id", userID, "platform", conn.platform)
	return id, nil
}

func deriveCapabilities(md Metadata) []string {
	caps := []string{"cli.execute", "file.read", "file.write"}
	switch strings.ToLower(strings.TrimSpace(md.Platform)) {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd":
		caps = append(caps, "shell.unix")
	}
	return caps
}

// Unregister removes a bridge, closes its transport and fires the
// bridge-lost cascade. Removing the last bridge of a user drops the user
// entry.
func (r *Registry) Unregister(bridgeID, reason string) {
	r.mu.Lock()
	conn, ok := r.bridges[bridgeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bridges, bridgeID)
	if set := r.byUser[conn.userID]; set != nil {
		delete(set, bridgeID)
		if len(set) == 0 {
			delete(r.byUser, conn.userID)
		}
	}
	onLost := r.onBridgeLost
	r.mu.Unlock()

	if conn.transport != nil {
		_ = conn.transport.Close()
	}
	r.logger.Info("bridge unregistered", "bridge_id", bridgeID, "user_id", conn.userID, "reason", reason)
	if onLost != nil {
		onLost(bridgeID)
	}
}

// SelectBridge picks the user's bridge with the fewest pending commands.
// Ties break deterministically by pairing time, then id.
func (r *Registry) SelectBridge(userID string) (string, bool) {
	r.mu.Lock()
	set := r.byUser[strings.TrimSpace(userID)]
	candidates := make([]*connection, 0, len(set))
	for id := range set {
		if conn := r.bridges[id]; conn != nil {
			candidates = append(candidates, conn)
		}
	}
	pc := r.pending
	r.mu.Unlock()

	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].pairedAt.Equal(candidates[j].pairedAt) {
			return candidates[i].pairedAt.Before(candidates[j].pairedAt)
		}
		return candidates[i].id < candidates[j].id
	})
	best := candidates[0]
	if pc != nil {
		bestN := pc.PendingFor(best.id)
		for _, c := range candidates[1:] {
			if n := pc.PendingFor(c.id); n < bestN {
				best, bestN = c, n
			}
		}
	}
	return best.id, true
}

// OnHeartbeat refreshes liveness and stats. Pending-command state is owned by
// the dispatcher and untouched here.
func (r *Registry) OnHeartbeat(bridgeID string, stats protocol.BridgeStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.bridges[bridgeID]
	if !ok {
		return ErrBridgeNotFound
	}
	conn.lastHeartbeat = r.now()
	conn.stats = stats
	return nil
}

// IncrementExecuted bumps the bridge's completed-command counter.
func (r *Registry) IncrementExecuted(bridgeID string) {
	r.mu.Lock()
	if conn, ok := r.bridges[bridgeID]; ok {
		conn.executed++
	}
	r.mu.Unlock()
}

// SendTo forwards a message over the bridge's transport.
func (r *Registry) SendTo(ctx context.Context, bridgeID string, msg protocol.Message) error {
	r.mu.Lock()
	conn, ok := r.bridges[bridgeID]
	r.mu.Unlock()
	if !ok || conn.transport == nil {
		return ErrBridgeNotFound
	}
	return conn.transport.Send(ctx, msg)
}

// Bridges returns snapshots of a user's live bridges, oldest first.
func (r *Registry) Bridges(userID string) []Snapshot {
	r.mu.Lock()
	set := r.byUser[strings.TrimSpace(userID)]
	out := make([]Snapshot, 0, len(set))
	for id := range set {
		if conn := r.bridges[id]; conn != nil {
			out = append(out, snapshotOf(conn))
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PairedAt.Equal(out[j].PairedAt) {
			return out[i].PairedAt.Before(out[j].PairedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns one bridge's view, if it is still registered.
func (r *Registry) Snapshot(bridgeID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.bridges[bridgeID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(conn), true
}

func snapshotOf(conn *connection) Snapshot {
	caps := make([]string, len(conn.capabilities))
	copy(caps, conn.capabilities)
	return Snapshot{
		ID:               conn.id,
		UserID:           conn.userID,
		PairedAt:         conn.pairedAt,
		LastHeartbeat:    conn.lastHeartbeat,
		Version:          conn.version,
		Platform:         conn.platform,
		Capabilities:     caps,
		CommandsExecuted: conn.executed,
		Stats:            conn.stats,
	}
}

// staleBridges reports bridges whose last heartbeat is older than the
// eviction window (three missed intervals).
func (r *Registry) staleBridges() []string {
	cutoff := r.now().Add(-3 * r.heartbeatInterval)
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []string
	for id, conn := range r.bridges {
		if conn.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}
