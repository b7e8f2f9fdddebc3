package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/config"
)

const (
	maxNameLength = 100
	maxDPs        = 255
)

var supportedVersions = map[string]struct{}{
	"3.1": {}, "3.2": {}, "3.3": {}, "3.4": {}, "3.5": {},
}

// Validate checks a device configuration and returns the first problem,
// wrapped in ErrInvalidDevice.
func Validate(c Config) error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	case len(c.Name) > maxNameLength:
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	case c.LocalKey == "":
		return fmt.Errorf("%w: local_key is required for %q", ErrInvalidDevice, c.ID)
	case c.IsSubDevice() && c.GatewayID == "":
		return fmt.Errorf("%w: gateway_id is required for sub-device %q", ErrInvalidDevice, c.ID)
	case !c.IsSubDevice() && c.Host == "":
		return fmt.Errorf("%w: host is required for %q", ErrInvalidDevice, c.ID)
	case c.GatewayID != "" && c.GatewayID == c.ID:
		return fmt.Errorf("%w: %q cannot be its own gateway", ErrInvalidDevice, c.ID)
	case c.SleepTime < 0 || c.ScanInterval < 0:
		return fmt.Errorf("%w: sleep_time and scan_interval must not be negative", ErrInvalidDevice)
	case len(c.DPs) > maxDPs:
		return fmt.Errorf("%w: too many datapoints", ErrInvalidDevice)
	}
	if _, ok := supportedVersions[c.ProtocolVersion]; !ok {
		return fmt.Errorf("%w: protocol_version %q is not supported", ErrInvalidDevice, c.ProtocolVersion)
	}
	return nil
}

// ParseDPList splits a comma separated datapoint list such as "1, 2,18".
// Blank entries are dropped. Every id must be a non-negative integer.
func ParseDPList(s string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDPList, part)
		}
		out = append(out, strconv.Itoa(n))
	}
	return out, nil
}

// ParseResetDPs parses the reset datapoint list into integers.
func ParseResetDPs(s string) ([]int, error) {
	ids, err := ParseDPList(s)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		n, _ := strconv.Atoi(id) //nolint:errcheck // validated by ParseDPList
		out = append(out, n)
	}
	return out, nil
}

// FromConfig converts a seed entry of config.yaml into a validated Config.
func FromConfig(dc config.DeviceConfig) (Config, error) {
	resetDPs, err := ParseResetDPs(dc.ResetDPs)
	if err != nil {
		return Config{}, fmt.Errorf("device %q reset_dps: %w", dc.ID, err)
	}
	manual, err := ParseDPList(dc.ManualDPs)
	if err != nil {
		return Config{}, fmt.Errorf("device %q manual_dps: %w", dc.ID, err)
	}

	version := dc.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}

	c := Config{
		ID:              dc.ID,
		Name:            dc.Name,
		Host:            dc.Host,
		LocalKey:        dc.LocalKey,
		ProtocolVersion: version,
		NodeID:          dc.NodeID,
		GatewayID:       dc.GatewayID,
		DPs:             append([]string(nil), dc.DPs...),
		ResetDPs:        resetDPs,
		SleepTime:       dc.SleepTime,
		ScanInterval:    dc.ScanInterval,
		ManualDPs:       manual,
		EnableDebug:     dc.EnableDebug,
	}
	if err := Validate(c); err != nil {
		return Config{}, err
	}
	return c, nil
}
