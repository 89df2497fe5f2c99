package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// ErrCLINotFound means the agent CLI binary is not installed or on PATH.
var ErrCLINotFound = errors.New("agent CLI not found")

const (
	defaultPTYRows uint16 = 40
	defaultPTYCols uint16 = 120
)

// agentProcess is the PTY-backed child an AgentSession exclusively owns.
type agentProcess interface {
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Terminate() error
	Kill() error
	Done() <-chan struct{}
	ExitCode() int
}

// startProcessFunc exists so tests can substitute a scripted fake for the
// real PTY.
type startProcessFunc func(workDir string, command []string, onOutput func([]byte)) (agentProcess, error)

type ptyProcess struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	done     chan struct{}
	exitCode int
}

func startPTYProcess(workDir string, command []string, onOutput func([]byte)) (agentProcess, error) {
	if len(command) == 0 {
		return nil, errors.New("agent command is required")
	}
	binPath, err := exec.LookPath(command[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCLINotFound, command[0])
	}

	cmd := exec.Command(binPath, command[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultPTYRows, Cols: defaultPTYCols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &ptyProcess{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go p.readLoop(onOutput)
	go p.waitLoop()
	return p, nil
}

func (p *ptyProcess) readLoop(onOutput func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (p *ptyProcess) waitLoop() {
	_ = p.cmd.Wait()
	if state := p.cmd.ProcessState; state != nil && state.ExitCode() > 0 {
		p.exitCode = state.ExitCode()
	}
	_ = p.ptmx.Close()
	close(p.done)
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(rows, cols uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *ptyProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *ptyProcess) Done() <-chan struct{} {
	return p.done
}

func (p *ptyProcess) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}
