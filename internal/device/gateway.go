package device

import "sort"

// FindGateway resolves the gateway of sub-device id from a cloud device
// list: a non-sub device sharing the sub-device's local key. Returns false
// when id is unknown, not a sub-device, or no gateway matches. Ties break
// on the lowest id so the result is stable.
func FindGateway(id string, devices map[string]CloudDevice) (CloudDevice, bool) {
	sub, ok := devices[id]
	if !ok || !sub.Sub || sub.LocalKey == "" {
		return CloudDevice{}, false
	}

	ids := make([]string, 0, len(devices))
	for candidate := range devices {
		ids = append(ids, candidate)
	}
	sort.Strings(ids)

	for _, candidate := range ids {
		d := devices[candidate]
		if candidate == id || d.Sub {
			continue
		}
		if d.LocalKey == sub.LocalKey {
			return d, true
		}
	}
	return CloudDevice{}, false
}
