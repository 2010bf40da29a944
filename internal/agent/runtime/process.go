// Package runtime supervises agent instances: spawning them as child
// processes (or containers), watching health, restarting on crash with
// backoff, and persisting lifecycle history (spec §4.4).
package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// ExitInfo describes how a supervised process terminated.
type ExitInfo struct {
	ExitCode int
	Signal   string
}

// AgentProcess is anything the pool can start, signal, and wait on. The
// two implementations are a local os/exec child process and a
// Docker-managed container; agent.dispatch and the health loop only ever
// see this interface.
type AgentProcess interface {
	// Start spawns the process and returns once it is running.
	Start(ctx context.Context, cfg v1.AgentConfig, instanceID string, logPath string) error
	// Signal sends a termination signal (SIGTERM/SIGKILL semantics).
	Signal(ctx context.Context, kill bool) error
	// Wait blocks until the process exits and reports how.
	Wait(ctx context.Context) (ExitInfo, error)
	// PID returns the OS-visible process id, or 0 for containers without one.
	PID() int
}

// LocalProcess runs an agent as a plain child process, redirecting its
// stdout/stderr to an append-only log file and writing a pid file next to
// it, the way a supervised long-running worker would.
type LocalProcess struct {
	cmd     *exec.Cmd
	logFile *os.File
	pidPath string
}

// NewLocalProcess constructs an unstarted LocalProcess.
func NewLocalProcess() *LocalProcess { return &LocalProcess{} }

func (p *LocalProcess) Start(ctx context.Context, cfg v1.AgentConfig, instanceID string, logPath string) error {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return cerrors.ChildProcess("failed to create log directory", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return cerrors.ChildProcess("failed to open agent log", err)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("AGENT_ID=%s", instanceID),
		fmt.Sprintf("AGENT_PORT=%d", cfg.Port),
	)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return cerrors.ChildProcess("failed to start agent process", err)
	}

	p.cmd = cmd
	p.logFile = logFile
	p.pidPath = filepath.Join(filepath.Dir(logPath), instanceID+".pid")
	_ = os.WriteFile(p.pidPath, []byte(fmt.Sprintf("%d", cmd.Process.Pid)), 0o644)
	return nil
}

func (p *LocalProcess) Signal(ctx context.Context, kill bool) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return cerrors.Internal("process not started", nil)
	}
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		return cerrors.ChildProcess("failed to signal agent process", err)
	}
	return nil
}

func (p *LocalProcess) Wait(ctx context.Context) (ExitInfo, error) {
	err := p.cmd.Wait()
	_ = p.logFile.Close()
	_ = os.Remove(p.pidPath)

	if err == nil {
		return ExitInfo{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		info := ExitInfo{ExitCode: exitErr.ExitCode()}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			info.Signal = status.Signal().String()
		}
		return info, nil
	}
	return ExitInfo{ExitCode: -1}, cerrors.ChildProcess("agent process wait failed", err)
}

func (p *LocalProcess) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// gracePeriod is how long Stop waits after SIGTERM before escalating to
// SIGKILL (spec §4.4, §5: every child-process stop has a hard 5s grace).
const gracePeriod = 5 * time.Second
