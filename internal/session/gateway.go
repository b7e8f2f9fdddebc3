package session

import (
	"context"
	"fmt"
	"sort"
)

// gateway returns the session this sub-device is routed through, looked up
// by id in the registry. Nil for devices without a gateway.
func (s *Session) gateway() *Session {
	s.mu.Lock()
	gatewayID := s.cfg.GatewayID
	sub := s.isSubDeviceLocked()
	s.mu.Unlock()

	if !sub || gatewayID == "" || s.registry == nil {
		return nil
	}
	gw, ok := s.registry.Get(gatewayID)
	if !ok || gw == s {
		return nil
	}
	return gw
}

func (s *Session) gatewayLabel() string {
	if gw := s.gateway(); gw != nil {
		return gw.Config().Label()
	}
	return s.Config().Label()
}

// localKey returns the key currently in use.
func (s *Session) localKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.LocalKey
}

// borrowGatewayTransport returns the gateway's live transport. A sub-device
// whose key no longer matches the gateway's is marked absent and detached
// rather than connected with a key that cannot be right.
func (s *Session) borrowGatewayTransport() (Transport, error) {
	gw := s.gateway()
	if gw == nil {
		return nil, fmt.Errorf("%w: gateway %q is not configured", ErrNoGateway, s.Config().GatewayID)
	}

	if gw.localKey() != s.localKey() {
		s.mu.Lock()
		first := s.presence.MarkAbsent()
		s.mu.Unlock()
		if first {
			s.logWarn("Sub-device local key does not match the gateway local key")
		}
		s.detachFromGateway()
		return nil, fmt.Errorf("%w: local key differs from gateway %q", ErrNoGateway, gw.ID())
	}

	gw.mu.Lock()
	tr := gw.transport
	connected := gw.connectedLocked()
	connecting := gw.task != nil
	gw.mu.Unlock()

	switch {
	case !connected && connecting:
		return nil, fmt.Errorf("%w: gateway %q is connecting", ErrGatewayBusy, gw.ID())
	case !connected:
		return nil, fmt.Errorf("%w: gateway %q is not connected", ErrConnectFailed, gw.ID())
	}
	return tr, nil
}

// attachChild registers a sub-device under its node id. Idempotent.
func (s *Session) attachChild(nodeID string, child *Session) {
	if nodeID == "" || child == nil {
		return
	}
	s.mu.Lock()
	s.children[nodeID] = child
	s.mu.Unlock()
}

// detachChild removes child if it is still the one registered under nodeID.
// Idempotent.
func (s *Session) detachChild(nodeID string, child *Session) {
	s.mu.Lock()
	if cur, ok := s.children[nodeID]; ok && cur == child {
		delete(s.children, nodeID)
	}
	s.mu.Unlock()
}

// detachFromGateway removes this sub-device from its gateway's registry.
func (s *Session) detachFromGateway() {
	gw := s.gateway()
	if gw == nil {
		return
	}
	gw.detachChild(s.Config().NodeID, s)
}

// child returns the attached sub-device for nodeID, or nil.
func (s *Session) child(nodeID string) *Session {
	if nodeID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.children[nodeID]
	if c == s {
		return nil
	}
	return c
}

// Children returns a snapshot of the attached sub-devices ordered by node id.
func (s *Session) Children() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenSnapshotLocked()
}

func (s *Session) childrenSnapshotLocked() []*Session {
	nodes := make([]string, 0, len(s.children))
	for nodeID := range s.children {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)

	out := make([]*Session, 0, len(nodes))
	for _, nodeID := range nodes {
		out = append(out, s.children[nodeID])
	}
	return out
}

func (s *Session) childIDsLocked() []string {
	if len(s.children) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.children))
	for _, c := range s.children {
		ids = append(ids, c.ID())
	}
	sort.Strings(ids)
	return ids
}

func (s *Session) hasChildren() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children) > 0
}

// connectChildren connects the attached sub-devices one at a time over a
// snapshot of the registry, which children may change while it runs. The
// sequence stops once the gateway itself drops.
func (s *Session) connectChildren(ctx context.Context) {
	for _, child := range s.Children() {
		if ctx.Err() != nil || !s.Connected() {
			return
		}
		child.Connect(ctx)
	}
}
