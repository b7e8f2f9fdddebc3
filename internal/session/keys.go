package session

import (
	"context"

	"github.com/nerrad567/tuyalocal-core/internal/device"
)

// updateLocalKey asks the cloud directory for the device's current key and
// adopts it when it changed. Sub-devices also take the cloud node id and the
// gateway resolved from the cloud list. The change is persisted through the
// key store. Failures are logged and leave the session as it is.
func (s *Session) updateLocalKey(ctx context.Context) {
	if s.deps.Directory == nil {
		return
	}

	devices, err := s.deps.Directory.Devices(ctx, true)
	if err != nil {
		s.logWarn("Failed to refresh cloud device list", "error", err)
		return
	}

	cloud, ok := devices[s.id]
	if !ok || cloud.LocalKey == "" || cloud.LocalKey == s.localKey() {
		return
	}

	update := device.KeyUpdate{DeviceID: s.id, LocalKey: cloud.LocalKey}
	if s.IsSubDevice() {
		update.NodeID = cloud.NodeID
		if gw, found := device.FindGateway(s.id, devices); found {
			update.GatewayID = gw.ID
		}
		if update.NodeID != "" || update.GatewayID != "" {
			// Leave the old gateway under the old node id before moving.
			s.detachFromGateway()
		}
	}

	s.mu.Lock()
	s.cfg.LocalKey = update.LocalKey
	if update.NodeID != "" {
		s.cfg.NodeID = update.NodeID
	}
	if update.GatewayID != "" {
		s.cfg.GatewayID = update.GatewayID
	}
	s.mu.Unlock()

	if update.GatewayID != "" {
		s.logInfo("Gateway id has been updated", "gateway_id", update.GatewayID)
	}

	if s.deps.Keys != nil {
		if err := s.deps.Keys.UpdateKeys(ctx, update); err != nil {
			s.logWarn("Failed to persist rotated local key", "error", err)
		}
	}
	s.logInfo("Local key has been updated")
}
