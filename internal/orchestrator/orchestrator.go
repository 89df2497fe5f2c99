package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrTeamNotFound    = errors.New("team not found")
	ErrAgentBusy       = errors.New("agent already has a request in flight")
	ErrAgentStopped    = errors.New("agent stopped")
	ErrAgentSpawn      = errors.New("agent spawn failed")
	ErrReadyTimeout    = errors.New("agent did not become ready in time")
	ErrResponseTimeout = errors.New("agent response timed out")
	ErrMaxTeams        = errors.New("max concurrent teams reached")
	ErrTeamExists      = errors.New("team id already in use")
	ErrDuplicateRole   = errors.New("duplicate role in team")
)

const (
	defaultMaxConcurrentTeams = 3
	defaultReadyTimeout       = 30 * time.Second
	defaultSendTimeout        = 2 * time.Minute
	defaultStopGrace          = 5 * time.Second
	defaultRingSize           = 64 * 1024
	readyMinOutputLength      = 16
	sendPollInterval          = 200 * time.Millisecond
)

type Options struct {
	Logger             *slog.Logger
	AgentCommand       []string
	MaxConcurrentTeams int
	ReadyTimeout       time.Duration
	StopGrace          time.Duration
	Detector           ResponseCompletionDetector
	RingSize           int
}

// Orchestrator spawns and supervises teams of PTY-backed CLI agents. Teams
// own their agents; the orchestrator's maps are the only index of either.
type Orchestrator struct {
	logger       *slog.Logger
	command      []string
	maxTeams     int
	readyTimeout time.Duration
	stopGrace    time.Duration
	detector     ResponseCompletionDetector
	ringSize     int
	starter      startProcessFunc

	mu           sync.Mutex
	teams        map[string]*teamSession
	agents       map[string]*agentSession
	totalSpawned int
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	command := opts.AgentCommand
	if len(command) == 0 {
		command = []string{"claude"}
	}
	maxTeams := opts.MaxConcurrentTeams
	if maxTeams <= 0 {
		maxTeams = defaultMaxConcurrentTeams
	}
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	detector := opts.Detector
	if detector == nil {
		detector = NewHeuristicDetector()
	}
	ringSize := opts.RingSize
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	return &Orchestrator{
		logger:       logger,
		command:      command,
		maxTeams:     maxTeams,
		readyTimeout: readyTimeout,
		stopGrace:    stopGrace,
		detector:     detector,
		ringSize:     ringSize,
		starter:      startPTYProcess,
		teams:        map[string]*teamSession{},
		agents:       map[string]*agentSession{},
	}
}

// SpawnTeam starts one agent per role in parallel. If any agent fails to
// spawn, already-spawned siblings are stopped before the error propagates,
// so a partial team never lingers.
func (o *Orchestrator) SpawnTeam(ctx context.Context, teamID, requirement string, roles []string, workTreeRoot string) (TeamStatusView, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return TeamStatusView{}, errors.New("team id is required")
	}
	if len(roles) == 0 {
		return TeamStatusView{}, errors.New("at least one role is required")
	}
	// Agent ids are teamID-role, so a repeated role would collide and strand
	// an unreachable process.
	cleaned := make([]string, 0, len(roles))
	seen := map[string]struct{}{}
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			return TeamStatusView{}, errors.New("role names must be non-empty")
		}
		if _, dup := seen[role]; dup {
			return TeamStatusView{}, fmt.Errorf("%w: %q", ErrDuplicateRole, role)
		}
		seen[role] = struct{}{}
		cleaned = append(cleaned, role)
	}
	roles = cleaned

	team := &teamSession{
		teamID:      teamID,
		requirement: requirement,
		roles:       append([]string(nil), roles...),
		createdAt:   time.Now(),
		status:      TeamSpawning,
		agents:      map[string]*agentSession{},
	}

	o.mu.Lock()
	if _, exists := o.teams[teamID]; exists {
		o.mu.Unlock()
		return TeamStatusView{}, ErrTeamExists
	}
	active := 0
	for _, t := range o.teams {
		t.mu.Lock()
		if t.status == TeamSpawning || t.status == TeamReady {
			active++
		}
		t.mu.Unlock()
	}
	if active >= o.maxTeams {
		o.mu.Unlock()
		return TeamStatusView{}, ErrMaxTeams
	}
	o.teams[teamID] = team
	o.mu.Unlock()

	o.logger.Info("spawning team", "team_id", teamID, "roles", roles)

	type spawnResult struct {
		agent *agentSession
		err   error
	}
	results := make([]spawnResult, len(roles))
	var wg sync.WaitGroup
	for i, role := range roles {
		wg.Add(1)
		go func(i int, role string) {
			defer wg.Done()
			agentID := teamID + "-" + role
			agent, err := o.spawnAgent(ctx, agentID, teamID, role, requirement, workTreeRoot)
			results[i] = spawnResult{agent: agent, err: err}
		}(i, role)
	}
	wg.Wait()

	var firstErr error
	for _, res := range results {
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
	}
	if firstErr != nil {
		// Roll back the agents that did come up.
		var rollback sync.WaitGroup
		for _, res := range results {
			if res.agent == nil {
				continue
			}
			rollback.Add(1)
			go func(a *agentSession) {
				defer rollback.Done()
				if err := o.stopSession(a); err != nil {
					o.logger.Error("rollback stop failed", "agent_id", a.agentID, "error", err)
				}
			}(res.agent)
		}
		rollback.Wait()
		o.mu.Lock()
		delete(o.teams, teamID)
		o.mu.Unlock()
		o.logger.Error("team spawn failed", "team_id", teamID, "error", firstErr)
		return TeamStatusView{}, fmt.Errorf("%w: %v", ErrAgentSpawn, firstErr)
	}

	o.mu.Lock()
	for _, res := range results {
		o.agents[res.agent.agentID] = res.agent
		o.totalSpawned++
	}
	o.mu.Unlock()
	team.mu.Lock()
	for _, res := range results {
		team.agents[res.agent.agentID] = res.agent
	}
	team.status = TeamReady
	team.mu.Unlock()

	o.logger.Info("team ready", "team_id", teamID, "agents", len(roles))
	return o.teamView(team), nil
}

// spawnAgent creates the working directory (pre-existing is fine), starts the
// PTY, waits for the ready signal and seeds the role persona as the first
// conversation turn.
func (o *Orchestrator) spawnAgent(ctx context.Context, agentID, teamID, role, requirement, workTreeRoot string) (*agentSession, error) {
	workDir := filepath.Join(workTreeRoot, teamID, role)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work tree for %s: %w", agentID, err)
	}

	agent := newAgentSession(agentID, teamID, role, workDir, o.ringSize)
	proc, err := o.starter(workDir, o.command, agent.onOutput)
	if err != nil {
		return nil, fmt.Errorf("start agent %s: %w", agentID, err)
	}
	agent.proc = proc

	if err := o.waitReady(ctx, agent); err != nil {
		_ = o.stopSession(agent)
		return nil, err
	}

	persona := rolePersona(role, requirement)
	if _, err := proc.Write([]byte(persona + "\n")); err != nil {
		_ = o.stopSession(agent)
		return nil, fmt.Errorf("send persona to %s: %w", agentID, err)
	}
	agent.recordTurn("system", persona)
	agent.setStatus(AgentReady)

	go o.watchExit(agent)
	o.logger.Info("agent ready", "agent_id", agentID, "role", role, "work_dir", workDir)
	return agent, nil
}

// waitReady polls the output ring until the CLI looks interactive: a greeting
// token, a prompt character, or simply enough output.
func (o *Orchestrator) waitReady(ctx context.Context, agent *agentSession) error {
	deadline := time.NewTimer(o.readyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrReadyTimeout, agent.agentID)
		case <-agent.proc.Done():
			return fmt.Errorf("%w: %s exited during startup", ErrAgentSpawn, agent.agentID)
		case <-agent.outputNotify:
		case <-ticker.C:
		}
		if readySignal(string(agent.output.Bytes())) {
			return nil
		}
	}
}

func readySignal(output string) bool {
	text := strings.TrimSpace(stripANSI(output))
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "welcome") || strings.Contains(lower, "claude") {
		return true
	}
	if strings.ContainsAny(text, ">$#") {
		return true
	}
	return len(text) >= readyMinOutputLength
}

// SendToAgent writes a message to the agent's PTY and waits for the
// completion detector to declare the response finished. Only one send per
// agent may be in flight; callers serialize their own sends.
func (o *Orchestrator) SendToAgent(ctx context.Context, agentID, message string, timeout time.Duration) (string, error) {
	agent := o.agent(agentID)
	if agent == nil {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if !agent.beginSend(firstLine(message)) {
		return "", fmt.Errorf("%w: %s", ErrAgentBusy, agentID)
	}

	if _, err := agent.proc.Write([]byte(message + "\n")); err != nil {
		agent.endSend(AgentError)
		return "", fmt.Errorf("write to agent %s: %w", agentID, err)
	}
	agent.recordTurn("user", message)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(sendPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			agent.endSend(AgentReady)
			return "", ctx.Err()
		case <-agent.stopCh:
			agent.endSend(AgentStopped)
			return "", fmt.Errorf("%w: %s", ErrAgentStopped, agentID)
		case <-agent.proc.Done():
			response, _ := agent.responseSnapshot()
			agent.endSend(AgentCompleted)
			return response, fmt.Errorf("agent %s process exited mid-response", agentID)
		case <-deadline.C:
			agent.endSend(AgentReady)
			return "", fmt.Errorf("%w: %s after %s", ErrResponseTimeout, agentID, timeout)
		case <-agent.outputNotify:
		case <-ticker.C:
		}
		response, lastOutput := agent.responseSnapshot()
		if o.detector.Done(response, time.Since(lastOutput)) {
			agent.recordTurn("assistant", response)
			agent.endSend(AgentReady)
			return response, nil
		}
	}
}

// SendResult is one agent's outcome from a fan-out send.
type SendResult struct {
	Response string
	Err      error
}

// SendToMultipleAgents fans the message out concurrently. Per-agent failures
// are captured in the result map and do not abort the others.
func (o *Orchestrator) SendToMultipleAgents(ctx context.Context, agentIDs []string, message string, timeout time.Duration) map[string]SendResult {
	results := make(map[string]SendResult, len(agentIDs))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, agentID := range agentIDs {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			response, err := o.SendToAgent(ctx, agentID, message, timeout)
			mu.Lock()
			results[agentID] = SendResult{Response: response, Err: err}
			mu.Unlock()
		}(agentID)
	}
	wg.Wait()
	return results
}

// StopAgent gracefully terminates one agent, escalating to a hard kill, and
// removes it from its team and the orchestrator.
func (o *Orchestrator) StopAgent(agentID string) error {
	o.mu.Lock()
	agent, ok := o.agents[agentID]
	var team *teamSession
	if ok {
		delete(o.agents, agentID)
		team = o.teams[agent.teamID]
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if team != nil {
		team.mu.Lock()
		delete(team.agents, agentID)
		team.mu.Unlock()
	}
	return o.stopSession(agent)
}

// stopSession drives the terminate→kill escalation. Any in-flight send is
// rejected via the session's stop channel.
func (o *Orchestrator) stopSession(agent *agentSession) error {
	agent.setStatus(AgentStopping)
	agent.markStopped()
	defer agent.setStatus(AgentStopped)

	proc := agent.proc
	if proc == nil {
		return nil
	}
	select {
	case <-proc.Done():
		return nil
	default:
	}
	if err := proc.Terminate(); err != nil {
		o.logger.Warn("graceful terminate failed", "agent_id", agent.agentID, "error", err)
	}
	select {
	case <-proc.Done():
		return nil
	case <-time.After(o.stopGrace):
	}
	o.logger.Warn("escalating to hard kill", "agent_id", agent.agentID)
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill agent %s: %w", agent.agentID, err)
	}
	select {
	case <-proc.Done():
		return nil
	case <-time.After(o.stopGrace):
		return fmt.Errorf("agent %s did not exit after kill", agent.agentID)
	}
}

// CleanupTeam stops all of a team's agents in parallel, then removes the
// team.
func (o *Orchestrator) CleanupTeam(teamID string) error {
	o.mu.Lock()
	team, ok := o.teams[teamID]
	if ok {
		delete(o.teams, teamID)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}

	team.mu.Lock()
	agents := make([]*agentSession, 0, len(team.agents))
	for _, agent := range team.agents {
		agents = append(agents, agent)
	}
	team.agents = map[string]*agentSession{}
	team.status = TeamStopped
	team.mu.Unlock()

	o.mu.Lock()
	for _, agent := range agents {
		delete(o.agents, agent.agentID)
	}
	o.mu.Unlock()

	err := o.stopAll(agents)
	o.logger.Info("team cleaned up", "team_id", teamID, "agents", len(agents))
	return err
}

// EmergencyStopAll stops every agent everywhere. Every stop is awaited;
// failures are logged and joined, never swallowed.
func (o *Orchestrator) EmergencyStopAll() error {
	o.mu.Lock()
	agents := make([]*agentSession, 0, len(o.agents))
	for _, agent := range o.agents {
		agents = append(agents, agent)
	}
	o.agents = map[string]*agentSession{}
	teams := o.teams
	o.teams = map[string]*teamSession{}
	o.mu.Unlock()

	for _, team := range teams {
		team.mu.Lock()
		team.status = TeamStopped
		team.agents = map[string]*agentSession{}
		team.mu.Unlock()
	}

	o.logger.Warn("emergency stop", "agents", len(agents))
	return o.stopAll(agents)
}

func (o *Orchestrator) stopAll(agents []*agentSession) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, agent := range agents {
		wg.Add(1)
		go func(a *agentSession) {
			defer wg.Done()
			if err := o.stopSession(a); err != nil {
				o.logger.Error("agent stop failed", "agent_id", a.agentID, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(agent)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// watchExit flips the agent to completed (or error) when its process exits on
// its own.
func (o *Orchestrator) watchExit(agent *agentSession) {
	<-agent.proc.Done()
	switch agent.getStatus() {
	case AgentStopping, AgentStopped:
		return
	}
	if agent.proc.ExitCode() > 0 {
		agent.setStatus(AgentError)
		o.logger.Warn("agent exited with error", "agent_id", agent.agentID, "exit_code", agent.proc.ExitCode())
		return
	}
	agent.setStatus(AgentCompleted)
	o.logger.Info("agent process completed", "agent_id", agent.agentID)
}

// AgentStatus returns the status API view for one agent.
func (o *Orchestrator) AgentStatus(agentID string) (AgentStatusView, error) {
	agent := o.agent(agentID)
	if agent == nil {
		return AgentStatusView{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return agent.statusView(), nil
}

// TeamStatus returns the status API view for one team.
func (o *Orchestrator) TeamStatus(teamID string) (TeamStatusView, error) {
	o.mu.Lock()
	team, ok := o.teams[teamID]
	o.mu.Unlock()
	if !ok {
		return TeamStatusView{}, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	return o.teamView(team), nil
}

func (o *Orchestrator) teamView(team *teamSession) TeamStatusView {
	team.mu.Lock()
	agents := make([]AgentStatusView, 0, len(team.agents))
	for _, agent := range team.agents {
		agents = append(agents, agent.statusView())
	}
	view := TeamStatusView{
		TeamID:      team.teamID,
		Requirement: team.requirement,
		Status:      team.status,
		Agents:      agents,
		CreatedAt:   team.createdAt,
	}
	team.mu.Unlock()

	view.Progress = computeProgress(agents)
	return view
}

// computeProgress is a coarse roll-up: planning counts personas delivered,
// development counts agents that have exchanged real turns, testing tracks
// the testing role specifically.
func computeProgress(agents []AgentStatusView) TeamProgress {
	if len(agents) == 0 {
		return TeamProgress{}
	}
	var planning, development, testing, testingAgents int
	for _, a := range agents {
		if a.ConversationLength >= 1 {
			planning++
		}
		if a.ConversationLength > 1 {
			development++
		}
		if a.Role == "testing" {
			testingAgents++
			if a.ConversationLength > 1 {
				testing++
			}
		}
	}
	progress := TeamProgress{
		Planning:    planning * 100 / len(agents),
		Development: development * 100 / len(agents),
	}
	if testingAgents > 0 {
		progress.Testing = testing * 100 / testingAgents
	}
	progress.Overall = (progress.Planning + progress.Development + progress.Testing) / 3
	return progress
}

// ResizeAgent resizes an agent's PTY.
func (o *Orchestrator) ResizeAgent(agentID string, rows, cols uint16) error {
	agent := o.agent(agentID)
	if agent == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return agent.proc.Resize(rows, cols)
}

// CleanupIdle stops agents with no activity for maxIdle and returns their
// ids.
func (o *Orchestrator) CleanupIdle(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)
	o.mu.Lock()
	var idle []string
	for id, agent := range o.agents {
		if agent.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	o.mu.Unlock()
	for _, id := range idle {
		o.logger.Info("stopping idle agent", "agent_id", id)
		if err := o.StopAgent(id); err != nil {
			o.logger.Error("idle stop failed", "agent_id", id, "error", err)
		}
	}
	return idle
}

// RunIdleSweep runs the idle cleanup loop until ctx is cancelled.
func (o *Orchestrator) RunIdleSweep(ctx context.Context, interval, maxIdle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.CleanupIdle(maxIdle)
		}
	}
}

// Stats is a snapshot of orchestrator-wide counters.
type Stats struct {
	ActiveTeams  int `json:"active_teams"`
	ActiveAgents int `json:"active_agents"`
	TotalSpawned int `json:"total_spawned"`
}

func (o *Orchestrator) Snapshot() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		ActiveTeams:  len(o.teams),
		ActiveAgents: len(o.agents),
		TotalSpawned: o.totalSpawned,
	}
}

func (o *Orchestrator) agent(agentID string) *agentSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.agents[agentID]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
