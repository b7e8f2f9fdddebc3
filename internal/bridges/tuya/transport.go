package tuya

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// Transport is one open bridge session. It implements session.Transport.
// The bridge owns the wire protocol; every call here is a request on the
// client's topics.
type Transport struct {
	client    *Client
	sessionID string
	deviceID  string
	listener  session.Listener

	mu        sync.Mutex
	connected bool
	closed    bool
}

// SessionID returns the bridge session id.
func (t *Transport) SessionID() string { return t.sessionID }

// Status implements session.Transport. A reply without dps yields a nil
// status.
func (t *Transport) Status(ctx context.Context, nodeID string) (device.State, error) {
	resp, err := t.call(ctx, ActionStatus, nodeID, nil)
	if err != nil {
		return nil, err
	}
	raw, ok := resp.Data["dps"]
	if !ok || raw == nil {
		return nil, nil
	}
	dps, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: status dps is %T", session.ErrDecodeFailed, raw)
	}
	return device.State(dps), nil
}

// SetDPs implements session.Transport.
func (t *Transport) SetDPs(ctx context.Context, dps device.State, nodeID string) error {
	_, err := t.call(ctx, ActionSetDPs, nodeID, map[string]any{"dps": dps})
	return err
}

// Reset implements session.Transport.
func (t *Transport) Reset(ctx context.Context, dpIDs []int, nodeID string) error {
	_, err := t.call(ctx, ActionReset, nodeID, map[string]any{"dp_ids": dpIDs})
	return err
}

// UpdateDPs implements session.Transport.
func (t *Transport) UpdateDPs(ctx context.Context, nodeID string) error {
	_, err := t.call(ctx, ActionUpdateDPs, nodeID, nil)
	return err
}

// KeepAlive implements session.Transport. Fire and forget.
func (t *Transport) KeepAlive(enabled bool) {
	t.notify(ActionKeepAlive, map[string]any{"enabled": enabled})
}

// AddDPsToRequest implements session.Transport. Fire and forget.
func (t *Transport) AddDPsToRequest(dps map[string]any) {
	if len(dps) == 0 {
		return
	}
	t.notify(ActionAddDPs, map[string]any{"dps": dps})
}

// EnableDebug implements session.Transport. Fire and forget.
func (t *Transport) EnableDebug(enabled bool, label string) {
	t.notify(ActionDebug, map[string]any{"enabled": enabled, "label": label})
}

// IsConnected implements session.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// Close implements session.Transport. The session is unregistered first, so
// no listener callback follows Close.
func (t *Transport) Close() error {
	if !t.markClosed() {
		return nil
	}
	t.client.unregister(t.sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), t.client.requestTimeout)
	defer cancel()
	_, err := t.client.request(ctx, RequestMessage{
		SessionID: t.sessionID,
		Action:    ActionClose,
		DeviceID:  t.deviceID,
	}, t.client.requestTimeout)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("closing bridge session: %w", err)
	}
	return nil
}

// markClosed reports whether this call closed the transport.
func (t *Transport) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	t.connected = false
	return true
}

func (t *Transport) call(ctx context.Context, action Action, nodeID string, params map[string]any) (ResponseMessage, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ResponseMessage{}, ErrTransportClosed
	}

	resp, err := t.client.request(ctx, RequestMessage{
		SessionID: t.sessionID,
		Action:    action,
		DeviceID:  t.deviceID,
		NodeID:    nodeID,
		Params:    params,
	}, t.client.requestTimeout)
	if errors.Is(err, session.ErrHostUnreachable) {
		t.drop(string(action) + ": host unreachable")
	}
	return resp, err
}

func (t *Transport) notify(action Action, params map[string]any) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.client.send(RequestMessage{
		SessionID: t.sessionID,
		Action:    action,
		DeviceID:  t.deviceID,
		Params:    params,
	})
}

// drop marks the link dead and tells the listener once.
func (t *Transport) drop(reason string) {
	t.mu.Lock()
	if !t.connected || t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.mu.Unlock()

	t.client.logDebug("bridge session dropped", "device_id", t.deviceID, "reason", reason)
	t.listener.Disconnected(reason)
}

func (t *Transport) handleEvent(ev EventMessage) error {
	t.mu.Lock()
	live := !t.closed
	t.mu.Unlock()
	if !live {
		return nil
	}

	switch ev.Type {
	case EventStatus:
		if len(ev.DPS) == 0 {
			return nil
		}
		t.listener.StatusUpdated(ev.NodeID, ev.DPS)
	case EventDisconnected:
		reason := ev.Reason
		if reason == "" {
			reason = "disconnected by bridge"
		}
		t.drop(reason)
	case EventSubdevice:
		sig, ok := ParsePresence(ev.State)
		if !ok {
			return fmt.Errorf("%w: presence state %q", ErrInvalidMessage, ev.State)
		}
		t.listener.SubdeviceState(ev.NodeID, sig)
	default:
		return fmt.Errorf("%w: event type %q", ErrInvalidMessage, ev.Type)
	}
	return nil
}
