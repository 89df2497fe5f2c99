package orchestrator

import (
	"strings"
	"sync"
	"time"
)

type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentReady        AgentStatus = "ready"
	AgentWorking      AgentStatus = "working"
	AgentCompleted    AgentStatus = "completed"
	AgentError        AgentStatus = "error"
	AgentStopping     AgentStatus = "stopping"
	AgentStopped      AgentStatus = "stopped"
)

type TeamStatus string

const (
	TeamSpawning TeamStatus = "spawning"
	TeamReady    TeamStatus = "ready"
	TeamError    TeamStatus = "error"
	TeamStopped  TeamStatus = "stopped"
)

type ConversationTurn struct {
	Role    string    `json:"role"` // system | user | assistant
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// agentSession owns one PTY-backed CLI process. The team owns the session;
// the session only knows its team by id.
type agentSession struct {
	agentID      string
	teamID       string
	role         string
	workTreePath string

	proc   agentProcess
	output *ringBuffer

	// stopCh is closed exactly once when the agent is told to stop; it
	// rejects any in-flight send.
	stopCh   chan struct{}
	stopOnce sync.Once

	// outputNotify wakes the send loop when fresh output arrives.
	outputNotify chan struct{}

	mu           sync.Mutex
	status       AgentStatus
	currentTask  string
	conversation []ConversationTurn
	response     strings.Builder
	lastOutput   time.Time
	lastActivity time.Time
	waiting      bool
}

func newAgentSession(agentID, teamID, role, workTreePath string, ringSize int) *agentSession {
	now := time.Now()
	return &agentSession{
		agentID:      agentID,
		teamID:       teamID,
		role:         role,
		workTreePath: workTreePath,
		output:       newRingBuffer(ringSize),
		stopCh:       make(chan struct{}),
		outputNotify: make(chan struct{}, 1),
		status:       AgentInitializing,
		lastOutput:   now,
		lastActivity: now,
	}
}

// onOutput is the PTY read callback. It feeds both the bounded ring and the
// in-flight response buffer.
func (a *agentSession) onOutput(chunk []byte) {
	a.output.Write(chunk)
	a.mu.Lock()
	a.response.Write(chunk)
	now := time.Now()
	a.lastOutput = now
	a.lastActivity = now
	a.mu.Unlock()
	select {
	case a.outputNotify <- struct{}{}:
	default:
	}
}

func (a *agentSession) setStatus(s AgentStatus) {
	a.mu.Lock()
	a.status = s
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

func (a *agentSession) getStatus() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *agentSession) markStopped() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// beginSend claims the single in-flight request slot and resets the response
// buffer. Returns false if a send is already outstanding.
func (a *agentSession) beginSend(task string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.waiting {
		return false
	}
	switch a.status {
	case AgentStopping, AgentStopped, AgentCompleted, AgentError:
		return false
	}
	a.waiting = true
	a.status = AgentWorking
	a.currentTask = task
	a.response.Reset()
	a.lastActivity = time.Now()
	return true
}

func (a *agentSession) endSend(nextStatus AgentStatus) {
	a.mu.Lock()
	a.waiting = false
	if a.status == AgentWorking {
		a.status = nextStatus
	}
	a.currentTask = ""
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

// responseSnapshot returns the buffered response and when output last
// arrived.
func (a *agentSession) responseSnapshot() (string, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.response.String(), a.lastOutput
}

func (a *agentSession) recordTurn(role, content string) {
	a.mu.Lock()
	a.conversation = append(a.conversation, ConversationTurn{Role: role, Content: content, At: time.Now()})
	a.mu.Unlock()
}

func (a *agentSession) conversationLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conversation)
}

func (a *agentSession) idleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// AgentStatusView is the status API shape for one agent.
type AgentStatusView struct {
	AgentID            string      `json:"agent_id"`
	TeamID             string      `json:"team_id"`
	Role               string      `json:"role"`
	Status             AgentStatus `json:"status"`
	CurrentTask        string      `json:"current_task,omitempty"`
	LastActivity       time.Time   `json:"last_activity"`
	ConversationLength int         `json:"conversation_length"`
	IsActive           bool        `json:"is_active"`
}

func (a *agentSession) statusView() AgentStatusView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentStatusView{
		AgentID:            a.agentID,
		TeamID:             a.teamID,
		Role:               a.role,
		Status:             a.status,
		CurrentTask:        a.currentTask,
		LastActivity:       a.lastActivity,
		ConversationLength: len(a.conversation),
		IsActive:           a.status == AgentReady || a.status == AgentWorking,
	}
}

// teamSession owns its agents outright; destroying the team destroys them.
type teamSession struct {
	teamID      string
	requirement string
	roles       []string
	createdAt   time.Time

	mu     sync.Mutex
	status TeamStatus
	agents map[string]*agentSession
}

type TeamProgress struct {
	Overall     int `json:"overall"`
	Planning    int `json:"planning"`
	Development int `json:"development"`
	Testing     int `json:"testing"`
}

type TeamStatusView struct {
	TeamID      string            `json:"team_id"`
	Requirement string            `json:"requirement"`
	Status      TeamStatus        `json:"status"`
	Agents      []AgentStatusView `json:"agents"`
	Progress    TeamProgress      `json:"progress"`
	CreatedAt   time.Time         `json:"created_at"`
}
