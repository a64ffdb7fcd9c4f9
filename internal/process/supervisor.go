package process

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/forgebuild/forgebuild/pkg/errors"
	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/metrics"
)

// DefaultKillGrace is how long a process gets to exit after a graceful
// termination signal before it is force killed
const DefaultKillGrace = 30 * time.Second

// StartOptions configures a spawned build process
type StartOptions struct {
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Status describes one tracked process
type Status struct {
	PID      int  `json:"pid"`
	Alive    bool `json:"alive"`
	ExitCode int  `json:"exit_code"`
}

// Handle refers to a process started by the supervisor
type Handle struct {
	Name string
	PID  int

	proc *managedProcess
}

// Wait blocks until the process exits or the context is cancelled,
// returning the exit code
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.proc.done:
		return h.proc.exitCode, h.proc.exitErr
	}
}

type managedProcess struct {
	name     string
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	exitErr  error
	exited   bool
}

// Supervisor tracks spawned build subprocesses by name and supports
// graceful-then-forceful termination. Registry mutation happens under one
// mutex; spawning and waiting happen outside it.
type Supervisor struct {
	procs map[string]*managedProcess
	grace time.Duration

	mu      sync.Mutex
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewSupervisor creates a process supervisor. A non-positive grace period
// falls back to DefaultKillGrace.
func NewSupervisor(grace time.Duration, m *metrics.Metrics) *Supervisor {
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	return &Supervisor{
		procs:   make(map[string]*managedProcess),
		grace:   grace,
		logger:  logging.GetLogger(),
		metrics: m,
	}
}

// Start spawns a command under the given name. If a process is already
// tracked under that name it is killed first; the last writer wins.
func (s *Supervisor) Start(ctx context.Context, name string, command []string, opts StartOptions) (*Handle, error) {
	if name == "" {
		return nil, errors.NewValidationError("process name cannot be empty")
	}
	if len(command) == 0 {
		return nil, errors.NewValidationError("process command cannot be empty")
	}

	s.mu.Lock()
	existing, exists := s.procs[name]
	s.mu.Unlock()
	if exists {
		s.logger.Warn("Replacing already tracked process", "name", name)
		s.killProcess(name, existing)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.NewExternalError(command[0], "failed to start process").WithCause(err)
	}

	proc := &managedProcess{
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[name] = proc
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		proc.exited = true
		proc.exitErr = err
		proc.exitCode = cmd.ProcessState.ExitCode()
		s.mu.Unlock()
		close(proc.done)
	}()

	s.logger.Info("Process started",
		"name", name,
		"pid", cmd.Process.Pid,
		"command", command[0],
		"build_id", logging.GetBuildID(ctx),
	)

	return &Handle{Name: name, PID: cmd.Process.Pid, proc: proc}, nil
}

// Kill terminates the named process, gracefully first and forcefully after
// the grace period. Returns false if the name is untracked or the process
// has already exited.
func (s *Supervisor) Kill(name string) bool {
	s.mu.Lock()
	proc, exists := s.procs[name]
	if !exists || proc.exited {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	return s.killProcess(name, proc)
}

// KillAll terminates every tracked process and reports per-name success
func (s *Supervisor) KillAll() map[string]bool {
	s.mu.Lock()
	tracked := make(map[string]*managedProcess, len(s.procs))
	for name, proc := range s.procs {
		tracked[name] = proc
	}
	s.mu.Unlock()

	results := make(map[string]bool, len(tracked))
	for name, proc := range tracked {
		if proc.exited {
			results[name] = false
			continue
		}
		results[name] = s.killProcess(name, proc)
	}
	return results
}

// Status returns the current state of every tracked process
func (s *Supervisor) Status() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]Status, len(s.procs))
	for name, proc := range s.procs {
		statuses[name] = Status{
			PID:      proc.cmd.Process.Pid,
			Alive:    !proc.exited,
			ExitCode: proc.exitCode,
		}
	}
	return statuses
}

// Remove drops a tracked process from the registry without touching it
func (s *Supervisor) Remove(name string) {
	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
}

// killProcess sends SIGTERM, waits for the grace period and escalates to
// SIGKILL if the process has not exited
func (s *Supervisor) killProcess(name string, proc *managedProcess) bool {
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("Failed to signal process",
			"name", name,
			"error", err.Error(),
		)
	}

	select {
	case <-proc.done:
		s.logger.Info("Process terminated gracefully",
			"name", name,
			"pid", proc.cmd.Process.Pid,
		)
		s.metrics.RecordProcessKilled("graceful")
	case <-time.After(s.grace):
		if err := proc.cmd.Process.Kill(); err != nil {
			s.logger.Error("Failed to force kill process",
				"name", name,
				"pid", proc.cmd.Process.Pid,
				"error", err.Error(),
			)
			return false
		}
		<-proc.done
		s.logger.Warn("Process force killed after grace period",
			"name", name,
			"pid", proc.cmd.Process.Pid,
			"grace", s.grace.String(),
		)
		s.metrics.RecordProcessKilled("forced")
	}

	s.mu.Lock()
	if s.procs[name] == proc {
		delete(s.procs, name)
	}
	s.mu.Unlock()

	return true
}
