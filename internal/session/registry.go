package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/tuyalocal-core/internal/device"
)

// Registry owns the sessions of one running core. It is the id-based
// lookup sub-devices use to find their gateway.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry whose sessions share deps.
func NewRegistry(deps Deps) *Registry {
	if deps.Events == nil {
		deps.Events = NewEventBridge()
	}
	deps.Options = deps.Options.withDefaults()
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Events returns the event bridge shared by the sessions.
func (r *Registry) Events() *EventBridge {
	return r.deps.Events
}

// Setup creates a session per configuration. A sub-device whose gateway is
// not configured gets a fake gateway built from the sub-device's own
// address and key. Every sub-device is registered with its gateway.
func (r *Registry) Setup(configs []device.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cfg := range configs {
		if _, exists := r.sessions[cfg.ID]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateDevice, cfg.ID)
		}
		r.sessions[cfg.ID] = NewSession(cfg, r.deps, r)
	}

	for _, cfg := range configs {
		if !cfg.IsSubDevice() {
			continue
		}
		gw, ok := r.sessions[cfg.GatewayID]
		if !ok {
			fake := device.Config{
				ID:              cfg.GatewayID,
				Name:            cfg.Name,
				Host:            cfg.Host,
				LocalKey:        cfg.LocalKey,
				ProtocolVersion: cfg.ProtocolVersion,
				NodeID:          cfg.NodeID,
				EnableDebug:     cfg.EnableDebug,
				Fake:            true,
			}
			gw = NewSession(fake, r.deps, r)
			r.sessions[fake.ID] = gw
		}
		gw.attachChild(cfg.NodeID, r.sessions[cfg.ID])
	}
	return nil
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns every session ordered by id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ConnectAll connects every device that owns a transport, in parallel.
// Sub-devices are connected by their gateway once it is up.
func (r *Registry) ConnectAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range r.Sessions() {
		if s.IsSubDevice() {
			continue
		}
		s := s
		g.Go(func() error {
			s.Connect(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// CloseAll closes every session in parallel and waits for them, or for ctx.
func (r *Registry) CloseAll(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range r.Sessions() {
		s := s
		g.Go(func() error {
			s.Close()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait() //nolint:errcheck // Close never fails
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("closing sessions: %w", ctx.Err())
	}
}

// Counts summarises the session states for health reporting. Fake
// gateways are not counted.
type Counts struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Connecting   int `json:"connecting"`
	Disconnected int `json:"disconnected"`
}

// Counts returns the current state distribution.
func (r *Registry) Counts() Counts {
	var c Counts
	for _, s := range r.Sessions() {
		if s.IsFakeGateway() {
			continue
		}
		c.Total++
		switch s.State() {
		case StateConnected:
			c.Connected++
		case StateConnecting:
			c.Connecting++
		default:
			c.Disconnected++
		}
	}
	return c
}

// SetValues routes a write to the session of deviceID.
func (r *Registry) SetValues(ctx context.Context, deviceID string, dps device.State) error {
	s, ok := r.Get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	return s.SetValues(ctx, dps)
}
