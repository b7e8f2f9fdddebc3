package diagnostics

import (
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/config"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// ErrUnknownDevice is returned by Device for an id with no session.
var ErrUnknownDevice = errors.New("diagnostics: unknown device")

// Sessions is the session lookup the collector reads. *session.Registry
// satisfies it.
type Sessions interface {
	Get(id string) (*session.Session, bool)
	Sessions() []*session.Session
	Counts() session.Counts
}

// CloudCache exposes the last fetched cloud directory without refreshing
// it. *cloud.Client satisfies it.
type CloudCache interface {
	Cached() map[string]device.CloudDevice
	LastRefresh() time.Time
}

// CloudSettings is the masked cloud section of the configuration.
type CloudSettings struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	Secret      string `json:"client_secret"`
	AccessToken string `json:"access_token"`
}

// Report is the coordinator-wide dump.
type Report struct {
	GeneratedAt  time.Time                     `json:"generated_at"`
	Version      string                        `json:"version,omitempty"`
	Cloud        CloudSettings                 `json:"cloud"`
	Counts       session.Counts                `json:"counts"`
	Devices      map[string]device.Config      `json:"devices"`
	CloudDevices map[string]device.CloudDevice `json:"cloud_devices"`
	CloudRefresh *time.Time                    `json:"cloud_refreshed_at,omitempty"`
}

// DeviceReport is the dump of one device.
type DeviceReport struct {
	DeviceConfig    device.Config       `json:"device_config"`
	Session         session.Snapshot    `json:"session"`
	DeviceCloudInfo *device.CloudDevice `json:"device_cloud_info,omitempty"`
}

// Collector assembles diagnostics reports.
type Collector struct {
	cloudCfg config.CloudConfig
	version  string
	sessions Sessions
	cloud    CloudCache
	now      func() time.Time
}

// New creates a collector. cloud may be nil when the directory is disabled.
func New(cloudCfg config.CloudConfig, version string, sessions Sessions, cloud CloudCache) *Collector {
	return &Collector{
		cloudCfg: cloudCfg,
		version:  version,
		sessions: sessions,
		cloud:    cloud,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Export returns the masked coordinator report. Fake gateways are left
// out of the device list; they are not configured devices.
func (c *Collector) Export() Report {
	r := Report{
		GeneratedAt: c.now(),
		Version:     c.version,
		Cloud: CloudSettings{
			Enabled:     c.cloudCfg.Enabled,
			Endpoint:    c.cloudCfg.Endpoint,
			ClientID:    Obfuscate(c.cloudCfg.ClientID, 3, 3),
			UserID:      Obfuscate(c.cloudCfg.UserID, 3, 3),
			Secret:      Obfuscate(c.cloudCfg.Secret, 3, 3),
			AccessToken: Obfuscate(c.cloudCfg.AccessToken, 3, 3),
		},
		Counts:       c.sessions.Counts(),
		Devices:      make(map[string]device.Config),
		CloudDevices: make(map[string]device.CloudDevice),
	}

	for _, s := range c.sessions.Sessions() {
		if s.IsFakeGateway() {
			continue
		}
		r.Devices[s.ID()] = maskConfig(s.Config())
	}

	if c.cloud != nil {
		for id, d := range c.cloud.Cached() {
			r.CloudDevices[id] = maskCloudDevice(d)
		}
		if t := c.cloud.LastRefresh(); !t.IsZero() {
			r.CloudRefresh = &t
		}
	}
	return r
}

// Device returns the masked report of one device.
func (c *Collector) Device(id string) (DeviceReport, error) {
	s, ok := c.sessions.Get(id)
	if !ok {
		return DeviceReport{}, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}

	snap := s.Snapshot()
	r := DeviceReport{
		DeviceConfig: maskConfig(snap.Config),
		Session:      snap,
	}
	if c.cloud != nil {
		if d, ok := c.cloud.Cached()[id]; ok {
			masked := maskCloudDevice(d)
			r.DeviceCloudInfo = &masked
		}
	}
	return r, nil
}
