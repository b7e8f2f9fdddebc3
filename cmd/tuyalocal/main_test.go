package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/tuyalocal-core/internal/bridges/tuya"
	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/config"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/database"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/logging"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("TUYALOCAL_CONFIG", "")

	tests := []struct {
		name        string
		args        []string
		wantPath    string
		wantVersion bool
	}{
		{"defaults", nil, defaultConfigPath, false},
		{"long flag", []string{"--config", "/etc/tuyalocal.yaml"}, "/etc/tuyalocal.yaml", false},
		{"short flag", []string{"-c", "local.yaml"}, "local.yaml", false},
		{"version", []string{"--version"}, defaultConfigPath, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args)
			if err != nil {
				t.Fatalf("parseFlags() error = %v", err)
			}
			if got.configPath != tt.wantPath {
				t.Errorf("configPath = %q, want %q", got.configPath, tt.wantPath)
			}
			if got.showVersion != tt.wantVersion {
				t.Errorf("showVersion = %v, want %v", got.showVersion, tt.wantVersion)
			}
		})
	}
}

func TestParseFlags_Errors(t *testing.T) {
	if _, err := parseFlags([]string{"--nope"}); err == nil {
		t.Error("parseFlags(--nope) expected error")
	}
	if _, err := parseFlags([]string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("parseFlags(--help) error = %v, want ErrHelp", err)
	}
}

func TestGetConfigPath_Env(t *testing.T) {
	t.Setenv("TUYALOCAL_CONFIG", "/srv/tuyalocal/config.yaml")

	if got := getConfigPath(); got != "/srv/tuyalocal/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env value", got)
	}
	opts, err := parseFlags([]string{"-c", "flag.yaml"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "flag.yaml" {
		t.Errorf("configPath = %q, want the flag to win over the env", opts.configPath)
	}
}

// TestRun_InvalidConfig verifies run fails with an invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_InvalidDevice verifies run refuses a seed entry that fails validation.
func TestRun_InvalidDevice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  path: "` + filepath.Join(dir, "tuyalocal.db") + `"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1
    client_id: "test-client"
logging:
  level: error
  format: text
  output: stdout
devices:
  - id: plug1
    host: 192.0.2.10
    local_key: "0123456789abcdef"
    reset_dps: "18,x"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, path); err == nil {
		t.Fatal("run() should fail with an invalid device entry")
	}
}

func TestLoadDevices(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := device.NewSQLiteRepository(db.DB)
	log := logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", &bytes.Buffer{})
	seed := []config.DeviceConfig{
		{ID: "plug2", Host: "192.0.2.11", LocalKey: "key-2"},
		{ID: "plug1", Host: "192.0.2.10", LocalKey: "key-1"},
	}

	got, err := loadDevices(ctx, repo, seed, log)
	if err != nil {
		t.Fatalf("loadDevices() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "plug1" {
		t.Fatalf("loadDevices() = %+v, want plug1 and plug2 ordered by id", got)
	}

	if err := repo.UpdateKeys(ctx, device.KeyUpdate{DeviceID: "plug1", LocalKey: "rotated"}); err != nil {
		t.Fatalf("UpdateKeys() error = %v", err)
	}
	got, err = loadDevices(ctx, repo, seed, log)
	if err != nil {
		t.Fatalf("second loadDevices() error = %v", err)
	}
	if got[0].LocalKey != "rotated" {
		t.Errorf("plug1 key = %q, want the stored key to win over the file", got[0].LocalKey)
	}
}

func TestBridgeHealthCheck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name    string
		msg     tuya.HealthMessage
		ok      bool
		wantErr bool
	}{
		{"no record", tuya.HealthMessage{}, false, true},
		{"fresh", tuya.HealthMessage{Timestamp: now.Add(-10 * time.Second), Status: tuya.HealthHealthy}, true, false},
		{"degraded but fresh", tuya.HealthMessage{Timestamp: now, Status: tuya.HealthDegraded}, true, false},
		{"stale", tuya.HealthMessage{Timestamp: now.Add(-2 * time.Minute), Status: tuya.HealthHealthy}, true, true},
		{"stopping", tuya.HealthMessage{Timestamp: now, Status: tuya.HealthStopping}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := func() (tuya.HealthMessage, bool) { return tt.msg, tt.ok }
			check := bridgeHealthCheck(last, 90*time.Second, clock)

			err := check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
