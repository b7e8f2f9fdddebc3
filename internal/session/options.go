package session

import (
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/config"
)

const (
	// DefaultOfflineThreshold is the number of consecutive offline heartbeats
	// (10s each) that confirm a sub-device is gone: about five minutes.
	DefaultOfflineThreshold = 30

	// DefaultBackoffSlowdownAttempts is the failed reconnect count after which
	// the reconnect interval doubles. Equal to DefaultOfflineThreshold today;
	// the two are tuned separately.
	DefaultBackoffSlowdownAttempts = 30

	DefaultReconnectInterval = 5 * time.Second
	DefaultGatewayWait       = 3 * time.Second
	DefaultOfflineWait       = 1 * time.Second
	DefaultShutdownGrace     = 3 * time.Second
	DefaultFlushDelay        = time.Millisecond
	DefaultConnectRetries    = 3

	// initialUpdateAge backdates a new session's last update so that only
	// devices with a longer sleep window start out asleep.
	initialUpdateAge = 5 * time.Second
)

// Options tune session timing. Zero fields take the defaults.
type Options struct {
	ReconnectInterval time.Duration
	GatewayWait       time.Duration
	OfflineWait       time.Duration
	ShutdownGrace     time.Duration
	FlushDelay        time.Duration

	// ConnectRetries bounds dial attempts of standalone devices per connect.
	ConnectRetries int

	// OfflineThreshold is the presence confirmation count.
	OfflineThreshold int

	// BackoffSlowdownAttempts is the backoff pacing count.
	BackoffSlowdownAttempts int

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the production timing.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

// OptionsFromConfig maps the session section of the configuration.
func OptionsFromConfig(c config.SessionConfig) Options {
	return Options{
		ReconnectInterval:       config.Seconds(c.ReconnectInterval),
		GatewayWait:             config.Seconds(c.GatewayWait),
		OfflineWait:             config.Seconds(c.OfflineWait),
		ShutdownGrace:           config.Seconds(c.ShutdownGrace),
		FlushDelay:              time.Duration(c.FlushDelayMillis) * time.Millisecond,
		OfflineThreshold:        c.OfflineEventThreshold(),
		BackoffSlowdownAttempts: c.BackoffSlowdownAttempts,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.GatewayWait <= 0 {
		o.GatewayWait = DefaultGatewayWait
	}
	if o.OfflineWait <= 0 {
		o.OfflineWait = DefaultOfflineWait
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = DefaultFlushDelay
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = DefaultConnectRetries
	}
	if o.OfflineThreshold <= 0 {
		o.OfflineThreshold = DefaultOfflineThreshold
	}
	if o.BackoffSlowdownAttempts <= 0 {
		o.BackoffSlowdownAttempts = DefaultBackoffSlowdownAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
