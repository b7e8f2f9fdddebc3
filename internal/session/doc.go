// Package session is the device connection core of tuyalocal.
//
// A Session is the connection state machine of one logical device:
//
//	Disconnected -> Connecting -> Connected -> Disconnected ...
//	any state -> Closed (terminal)
//
// Standalone devices and gateways dial their own Transport through a
// Dialer. Sub-devices borrow the live transport of their gateway, found by
// id in the Registry; the gateway keeps a node-id keyed map of attached
// children, connects them one by one after its own connect, and tells each
// of them when its transport goes away. Gateways that are not configured
// are replaced by fake gateways that only route commands.
//
// Failed attempts arm a single reconnect loop per session. Failures that
// point at stale credentials (decode errors, rejected keys, sub-devices the
// gateway does not answer for) trigger one lookup in the cloud Directory and
// persist a rotated key through the KeyStore.
//
// PresenceTracker filters the noisy presence reports gateways send for their
// sub-devices. EventBridge turns status updates into notifications
// (states_update, device_triggered, device_dp_triggered) and broadcasts the
// full status of a device to its subscribers.
//
// Usage:
//
//	reg := session.NewRegistry(session.Deps{Dialer: dialer, Events: events})
//	if err := reg.Setup(configs); err != nil {
//	    return err
//	}
//	_ = reg.ConnectAll(ctx)
//	defer reg.CloseAll(context.Background())
package session
