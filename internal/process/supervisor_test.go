package process

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewSupervisor_Defaults(t *testing.T) {
	s := NewSupervisor(Config{Binary: "/usr/local/bin/tuya-bridge"})

	if s.cfg.Name != "/usr/local/bin/tuya-bridge" {
		t.Errorf("Name = %q, want the binary", s.cfg.Name)
	}
	if s.cfg.RestartDelay != DefaultRestartDelay {
		t.Errorf("RestartDelay = %v, want %v", s.cfg.RestartDelay, DefaultRestartDelay)
	}
	if s.cfg.MaxRestartDelay != DefaultMaxRestartDelay {
		t.Errorf("MaxRestartDelay = %v, want %v", s.cfg.MaxRestartDelay, DefaultMaxRestartDelay)
	}
	if s.cfg.GracefulTimeout != DefaultGracefulTimeout {
		t.Errorf("GracefulTimeout = %v, want %v", s.cfg.GracefulTimeout, DefaultGracefulTimeout)
	}
	if s.Status() != StatusStopped || s.IsRunning() {
		t.Errorf("Status() = %q, want stopped", s.Status())
	}
}

func TestSupervisor_Backoff(t *testing.T) {
	s := NewSupervisor(Config{
		Binary:          "/bin/true",
		RestartDelay:    time.Second,
		MaxRestartDelay: 10 * time.Second,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := s.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSupervisor_StartStop(t *testing.T) {
	s := NewSupervisor(Config{Name: "sleeper", Binary: "/bin/sh", Args: []string{"-c", "sleep 30"}})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	st := s.Stats()
	if st.Status != StatusRunning || st.PID == 0 {
		t.Errorf("Stats() = %+v, want running with a pid", st)
	}

	s.Stop()
	if s.Status() != StatusStopped {
		t.Errorf("Status() after Stop = %q, want stopped", s.Status())
	}
	if s.Stats().Restarts != 0 {
		t.Errorf("Restarts = %d, want 0 after a requested stop", s.Stats().Restarts)
	}
	s.Stop()
}

func TestSupervisor_StartMissingBinary(t *testing.T) {
	s := NewSupervisor(Config{Binary: "/nonexistent/tuya-bridge"})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want error")
	}
	if s.Status() != StatusFailed {
		t.Errorf("Status() = %q, want failed", s.Status())
	}
}

func TestSupervisor_RestartsUntilLimit(t *testing.T) {
	s := NewSupervisor(Config{
		Name:               "crasher",
		Binary:             "/bin/sh",
		Args:               []string{"-c", "exit 3"},
		RestartDelay:       10 * time.Millisecond,
		MaxRestartDelay:    20 * time.Millisecond,
		MaxRestartAttempts: 2,
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitFor(t, "failed status", func() bool { return s.Status() == StatusFailed })

	st := s.Stats()
	if st.Restarts != 2 {
		t.Errorf("Restarts = %d, want 2", st.Restarts)
	}
	if st.LastError == "" {
		t.Error("LastError is empty, want the exit status")
	}
}

func TestSupervisor_HealthCheckKills(t *testing.T) {
	var checks atomic.Int32
	s := NewSupervisor(Config{
		Name:                "hung",
		Binary:              "/bin/sh",
		Args:                []string{"-c", "sleep 30"},
		RestartDelay:        time.Hour,
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheck: func(context.Context) error {
			checks.Add(1)
			return errors.New("no health record")
		},
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitFor(t, "backoff after kill", func() bool { return s.Status() == StatusBackoff })
	if got := checks.Load(); got < maxHealthFailures {
		t.Errorf("health checks = %d, want at least %d", got, maxHealthFailures)
	}
}

func TestSupervisor_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSupervisor(Config{Binary: "/bin/sh", Args: []string{"-c", "sleep 30"}})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	waitFor(t, "stopped status", func() bool { return s.Status() == StatusStopped })
	s.Stop()
}
