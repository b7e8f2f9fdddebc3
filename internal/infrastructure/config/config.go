package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the tuyalocal core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	NATS      NATSConfig      `yaml:"nats"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Session   SessionConfig   `yaml:"session"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetentionDays bounds the state_history table. 0 keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// NATSConfig contains the optional NATS event bus settings.
type NATSConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	Name           string `yaml:"name"`
	ReconnectWait  int    `yaml:"reconnect_wait"`
	MaxReconnects  int    `yaml:"max_reconnects"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	ConnectTimeout int    `yaml:"connect_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT validation settings.
// An empty secret disables token checks on write endpoints.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// CloudConfig contains the vendor cloud account used for key rotation lookups.
type CloudConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ClientID    string `yaml:"client_id"`
	UserID      string `yaml:"user_id"`
	Secret      string `yaml:"client_secret"`
	AccessToken string `yaml:"access_token"`

	// RefreshInterval is the minimum spacing between device list refreshes (seconds).
	RefreshInterval int `yaml:"refresh_interval"`

	// ForcedRefreshInterval applies to forced refreshes (seconds).
	ForcedRefreshInterval int `yaml:"forced_refresh_interval"`

	// RequestTimeout bounds each HTTP request (seconds).
	RequestTimeout int `yaml:"request_timeout"`
}

// BridgeConfig contains settings for the protocol bridge that owns device sockets.
type BridgeConfig struct {
	// Protocol is the topic segment used by the bridge (default "tuya").
	Protocol string `yaml:"protocol"`

	// RequestTimeout bounds a single request/response exchange (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// OpenTimeout bounds the open (connect + handshake) exchange (seconds).
	OpenTimeout int `yaml:"open_timeout"`

	// HealthInterval is how often the core health message is published (seconds).
	HealthInterval int `yaml:"health_interval"`

	// Supervisor runs the bridge daemon as a child process when enabled.
	Supervisor BridgeSupervisorConfig `yaml:"supervisor"`
}

// BridgeSupervisorConfig describes a bridge daemon the core starts and restarts.
type BridgeSupervisorConfig struct {
	Enabled bool     `yaml:"enabled"`
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`

	// RestartDelay is the first restart backoff (seconds); it doubles per
	// consecutive failure up to MaxRestartDelay.
	RestartDelay    int `yaml:"restart_delay"`
	MaxRestartDelay int `yaml:"max_restart_delay"`

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// HealthTimeout is how stale the bridge health record may get before the
	// daemon counts as hung (seconds). 0 disables the watchdog.
	HealthTimeout int `yaml:"health_timeout"`
}

// SessionConfig tunes device session timing.
type SessionConfig struct {
	// ReconnectInterval is the base reconnect backoff (seconds).
	ReconnectInterval int `yaml:"reconnect_interval"`

	// GatewayWait is how long a sub-device waits for a busy or absent gateway (seconds).
	GatewayWait int `yaml:"gateway_wait"`

	// OfflineWait is the idle step for a sub-device reported offline (seconds).
	OfflineWait int `yaml:"offline_wait"`

	// HeartbeatInterval is the transport heartbeat period (seconds).
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// OfflineWindow is how long a sub-device may report offline before it is
	// disconnected (seconds). Divided by HeartbeatInterval to get an event count.
	OfflineWindow int `yaml:"offline_window"`

	// BackoffSlowdownAttempts is the failed-attempt count after which the reconnect
	// backoff doubles.
	BackoffSlowdownAttempts int `yaml:"backoff_slowdown_attempts"`

	// ShutdownGrace delays entity shutdown after an unexpected disconnect (seconds).
	ShutdownGrace int `yaml:"shutdown_grace"`

	// FlushDelayMillis is the coalescing pause before a pending write is sent.
	FlushDelayMillis int `yaml:"flush_delay_ms"`
}

// DeviceConfig is one entry of the seed device list.
type DeviceConfig struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Host            string   `yaml:"host"`
	LocalKey        string   `yaml:"local_key"`
	ProtocolVersion string   `yaml:"protocol_version"`
	NodeID          string   `yaml:"node_id"`
	GatewayID       string   `yaml:"gateway_id"`
	DPs             []string `yaml:"dps"`
	ResetDPs        string   `yaml:"reset_dps"`
	SleepTime       int      `yaml:"sleep_time"`
	ScanInterval    int      `yaml:"scan_interval"`
	ManualDPs       string   `yaml:"manual_dps"`
	EnableDebug     bool     `yaml:"enable_debug"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TUYALOCAL_SECTION_KEY
// For example: TUYALOCAL_DATABASE_PATH, TUYALOCAL_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:                 "./data/tuyalocal.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tuyalocal-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "tuyalocal-core",
			ReconnectWait:  2,
			MaxReconnects:  -1,
			SubjectPrefix:  "tuyalocal",
			ConnectTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Cloud: CloudConfig{
			Endpoint:              "https://apigw.tuyaeu.com",
			RefreshInterval:       300,
			ForcedRefreshInterval: 10,
			RequestTimeout:        10,
		},
		Bridge: BridgeConfig{
			Protocol:       "tuya",
			RequestTimeout: 5,
			OpenTimeout:    10,
			HealthInterval: 30,
			Supervisor: BridgeSupervisorConfig{
				RestartDelay:    2,
				MaxRestartDelay: 60,
				HealthTimeout:   90,
			},
		},
		Session: SessionConfig{
			ReconnectInterval:       5,
			GatewayWait:             3,
			OfflineWait:             1,
			HeartbeatInterval:       10,
			OfflineWindow:           300,
			BackoffSlowdownAttempts: 30,
			ShutdownGrace:           3,
			FlushDelayMillis:        1,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TUYALOCAL_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TUYALOCAL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("TUYALOCAL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TUYALOCAL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TUYALOCAL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("TUYALOCAL_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("TUYALOCAL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("TUYALOCAL_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	// Cloud credentials never belong in a checked-in file.
	if v := os.Getenv("TUYALOCAL_CLOUD_CLIENT_SECRET"); v != "" {
		cfg.Cloud.Secret = v
	}
	if v := os.Getenv("TUYALOCAL_CLOUD_ACCESS_TOKEN"); v != "" {
		cfg.Cloud.AccessToken = v
	}

	if v := os.Getenv("TUYALOCAL_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// supportedProtocolVersions lists the device protocol versions the bridge speaks.
var supportedProtocolVersions = map[string]bool{
	"3.1": true, "3.2": true, "3.3": true, "3.4": true, "3.5": true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required when nats is enabled")
	}

	if c.Cloud.Enabled {
		if c.Cloud.Endpoint == "" {
			errs = append(errs, "cloud.endpoint is required when cloud is enabled")
		}
		if c.Cloud.AccessToken == "" {
			errs = append(errs, "cloud.access_token is required when cloud is enabled (set TUYALOCAL_CLOUD_ACCESS_TOKEN)")
		}
	}

	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if c.Bridge.Protocol == "" {
		errs = append(errs, "bridge.protocol is required")
	}
	if c.Bridge.Supervisor.Enabled && c.Bridge.Supervisor.Binary == "" {
		errs = append(errs, "bridge.supervisor.binary is required when the supervisor is enabled")
	}

	if c.Session.ReconnectInterval <= 0 {
		errs = append(errs, "session.reconnect_interval must be positive")
	}
	if c.Session.HeartbeatInterval <= 0 {
		errs = append(errs, "session.heartbeat_interval must be positive")
	}

	errs = append(errs, c.validateDevices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateDevices checks the seed device list.
func (c *Config) validateDevices() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Devices))

	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.ID == "" {
			errs = append(errs, prefix+".id is required")
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, d.ID))
		}
		seen[d.ID] = true

		if d.NodeID == "" && d.Host == "" {
			errs = append(errs, fmt.Sprintf("%s.host is required for device %q", prefix, d.ID))
		}
		if d.NodeID != "" && d.GatewayID == "" {
			errs = append(errs, fmt.Sprintf("%s.gateway_id is required for sub-device %q", prefix, d.ID))
		}
		if d.LocalKey == "" {
			errs = append(errs, fmt.Sprintf("%s.local_key is required for device %q", prefix, d.ID))
		}
		if d.ProtocolVersion != "" && !supportedProtocolVersions[d.ProtocolVersion] {
			errs = append(errs, fmt.Sprintf("%s.protocol_version %q is not supported", prefix, d.ProtocolVersion))
		}
		if d.SleepTime < 0 || d.ScanInterval < 0 {
			errs = append(errs, fmt.Sprintf("%s sleep_time and scan_interval must not be negative", prefix))
		}
	}

	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// OfflineEventThreshold converts the offline window into a heartbeat count.
// It never returns less than 1.
func (s SessionConfig) OfflineEventThreshold() int {
	if s.HeartbeatInterval <= 0 {
		return 1
	}
	n := s.OfflineWindow / s.HeartbeatInterval
	if n < 1 {
		return 1
	}
	return n
}

// Seconds converts a seconds setting into a Duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}
