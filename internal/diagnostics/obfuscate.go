package diagnostics

import "github.com/nerrad567/tuyalocal-core/internal/device"

// Mask widths applied to cloud device records.
const (
	maskIP       = 1
	maskUID      = 3
	maskLocalKey = 3
	maskLocation = 0
)

// Obfuscate replaces the middle of s with "...", keeping start leading and
// end trailing bytes. s is returned unchanged when it is too short to hide
// anything.
func Obfuscate(s string, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}
	if len(s) <= start+end {
		return s
	}
	return s[:start] + "..." + s[len(s)-end:]
}

// maskCloudDevice masks the identifying fields of a cloud record. Empty
// fields stay empty.
func maskCloudDevice(d device.CloudDevice) device.CloudDevice {
	d.IP = maskNonEmpty(d.IP, maskIP)
	d.UID = maskNonEmpty(d.UID, maskUID)
	d.LocalKey = maskNonEmpty(d.LocalKey, maskLocalKey)
	d.Lat = maskNonEmpty(d.Lat, maskLocation)
	d.Lon = maskNonEmpty(d.Lon, maskLocation)
	return d
}

func maskNonEmpty(s string, n int) string {
	if s == "" {
		return s
	}
	return Obfuscate(s, n, n)
}

// maskConfig masks a device configuration's local key.
func maskConfig(c device.Config) device.Config {
	c.LocalKey = Obfuscate(c.LocalKey, maskLocalKey, maskLocalKey)
	return c
}
