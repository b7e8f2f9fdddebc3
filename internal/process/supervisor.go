package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status is the state of the supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusBackoff  Status = "backoff"
	StatusFailed   Status = "failed"
)

// Defaults applied by NewSupervisor to zero Config fields.
const (
	DefaultRestartDelay        = 2 * time.Second
	DefaultMaxRestartDelay     = time.Minute
	DefaultStableThreshold     = 2 * time.Minute
	DefaultGracefulTimeout     = 10 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second

	// maxHealthFailures consecutive failed checks kill the process.
	maxHealthFailures = 3

	healthCheckTimeout = 5 * time.Second
)

// ErrAlreadyRunning is returned by Start on a running supervisor.
var ErrAlreadyRunning = errors.New("process: already running")

// Config describes the supervised process.
type Config struct {
	// Name labels log records.
	Name string

	Binary string
	Args   []string

	// RestartDelay is the first backoff; it doubles per consecutive failure
	// up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last for the backoff and the
	// attempt counter to reset.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is the SIGTERM to SIGKILL grace on Stop.
	GracefulTimeout time.Duration

	// HealthCheck reports whether the running process is healthy; optional.
	HealthCheck         func(ctx context.Context) error
	HealthCheckInterval time.Duration
}

// Logger is the logging surface. *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Supervisor runs one child process and keeps it alive.
//
// Thread Safety: All methods are safe for concurrent use.
type Supervisor struct {
	cfg Config

	mu        sync.RWMutex
	cmd       *exec.Cmd
	status    Status
	restarts  int
	attempt   int
	lastErr   error
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	logger   Logger
	loggerMu sync.RWMutex
}

// NewSupervisor creates a supervisor. Nothing runs until Start.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = max(DefaultMaxRestartDelay, cfg.RestartDelay)
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = DefaultStableThreshold
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = DefaultGracefulTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	return &Supervisor{cfg: cfg, status: StatusStopped}
}

// SetLogger sets the logger.
func (s *Supervisor) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	s.logger = logger
}

func (s *Supervisor) log() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	if s.logger == nil {
		return nopLogger{}
	}
	return s.logger
}

// Start launches the process and the supervision loop. A failure to launch
// the first time is returned; later failures are retried.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.status = StatusStarting
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	cmd, err := s.launch(runCtx)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.status = StatusFailed
		s.lastErr = err
		s.cancel = nil
		s.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.done = done
	s.mu.Unlock()

	go s.supervise(runCtx, cmd, done)
	return nil
}

// launch starts one instance of the process in its own process group.
func (s *Supervisor) launch(ctx context.Context) (*exec.Cmd, error) {
	//nolint:gosec // Binary comes from the operator's configuration
	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.forward("stdout", stdout)
	go s.forward("stderr", stderr)

	s.log().Info("bridge process started", "name", s.cfg.Name, "pid", cmd.Process.Pid)
	return cmd, nil
}

// forward logs the process output line by line.
func (s *Supervisor) forward(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		s.log().Debug("bridge output", "name", s.cfg.Name, "stream", stream, "line", sc.Text())
	}
}

// supervise waits for each instance to end and relaunches it until ctx is
// cancelled or the attempts run out.
func (s *Supervisor) supervise(ctx context.Context, cmd *exec.Cmd, done chan struct{}) {
	defer close(done)

	for {
		err := s.wait(ctx, cmd)
		if ctx.Err() != nil {
			s.setStatus(StatusStopped, nil)
			return
		}

		s.mu.Lock()
		ran := time.Since(s.startedAt)
		if ran >= s.cfg.StableThreshold {
			s.attempt = 0
		}
		s.attempt++
		attempt := s.attempt
		s.lastErr = err
		s.status = StatusBackoff
		s.mu.Unlock()

		if s.cfg.MaxRestartAttempts > 0 && attempt > s.cfg.MaxRestartAttempts {
			s.log().Error("bridge process keeps failing, giving up",
				"name", s.cfg.Name, "attempts", attempt-1, "error", err)
			s.setStatus(StatusFailed, err)
			return
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()

		delay := s.backoff(attempt)
		s.log().Warn("bridge process exited, restarting",
			"name", s.cfg.Name, "error", err, "ran", ran.Round(time.Second),
			"attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			s.setStatus(StatusStopped, nil)
			return
		case <-time.After(delay):
		}

		next, launchErr := s.launch(ctx)
		for launchErr != nil {
			if ctx.Err() != nil {
				s.setStatus(StatusStopped, nil)
				return
			}
			s.log().Error("restarting bridge process failed", "name", s.cfg.Name, "error", launchErr)
			s.mu.Lock()
			s.attempt++
			attempt = s.attempt
			s.mu.Unlock()
			if s.cfg.MaxRestartAttempts > 0 && attempt > s.cfg.MaxRestartAttempts {
				s.setStatus(StatusFailed, launchErr)
				return
			}
			select {
			case <-ctx.Done():
				s.setStatus(StatusStopped, nil)
				return
			case <-time.After(s.backoff(attempt)):
			}
			next, launchErr = s.launch(ctx)
		}
		cmd = next
	}
}

// backoff returns RestartDelay doubled per attempt after the first, capped.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.RestartDelay
	for i := 1; i < attempt && d < s.cfg.MaxRestartDelay; i++ {
		d *= 2
	}
	return min(d, s.cfg.MaxRestartDelay)
}

// wait returns when the process exits, ctx ends (SIGTERM, then SIGKILL after
// the grace), or the health check fails maxHealthFailures times in a row
// (the process is then killed).
func (s *Supervisor) wait(ctx context.Context, cmd *exec.Cmd) error {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	var tick <-chan time.Time
	if s.cfg.HealthCheck != nil {
		ticker := time.NewTicker(s.cfg.HealthCheckInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	failures := 0
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited with status 0")
			}
			return err
		case <-ctx.Done():
			signalGroup(cmd, syscall.SIGTERM)
			select {
			case <-exited:
			case <-time.After(s.cfg.GracefulTimeout):
				s.log().Warn("bridge did not stop in time, killing it", "name", s.cfg.Name)
				signalGroup(cmd, syscall.SIGKILL)
				<-exited
			}
			return ctx.Err()
		case <-tick:
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := s.cfg.HealthCheck(checkCtx)
			cancel()
			if err == nil {
				if failures > 0 {
					s.log().Info("bridge health recovered", "name", s.cfg.Name)
				}
				failures = 0
				continue
			}
			failures++
			s.log().Warn("bridge health check failed", "name", s.cfg.Name, "error", err, "failures", failures)
			if failures >= maxHealthFailures {
				s.log().Error("bridge is unresponsive, killing it", "name", s.cfg.Name)
				signalGroup(cmd, syscall.SIGKILL)
				<-exited
				return fmt.Errorf("killed after %d failed health checks: %w", failures, err)
			}
		}
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the group created by Setpgid.
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		//nolint:errcheck // Fall back to the leader only
		cmd.Process.Signal(sig)
	}
}

// Stop terminates the process and waits for the supervision loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	s.log().Info("stopping bridge process", "name", s.cfg.Name)
	cancel()
	if done != nil {
		<-done
	}
}

func (s *Supervisor) setStatus(st Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	if err != nil {
		s.lastErr = err
	}
}

// Stats is a snapshot of the supervisor.
type Stats struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
}

// Stats returns the current snapshot.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Name: s.cfg.Name, Status: s.status, Restarts: s.restarts}
	if s.status == StatusRunning && s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
		st.Uptime = time.Since(s.startedAt)
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsRunning reports whether an instance is running.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == StatusRunning
}
