package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/device"
)

// Deps are the collaborators shared by every session of a registry.
type Deps struct {
	Dialer    Dialer
	Events    *EventBridge
	Directory Directory // optional
	Keys      KeyStore  // optional
	Logger    Logger    // optional
	Options   Options
}

// connectTask is the handle of one in-flight connect attempt.
type connectTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Session is the connection state machine of one logical device: a
// standalone device, a gateway, a sub-device borrowing its gateway's
// transport, or a fake gateway that only routes commands.
//
// All background work (connect attempts, the reconnect loop, periodic
// refresh, child connects) runs under the session's base context and is
// awaited by Close.
//
// Thread Safety: All methods are safe for concurrent use.
type Session struct {
	id   string
	fake bool

	deps     Deps
	opts     Options
	registry *Registry // gateway lookup by id; nil for detached sessions
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// dispatchMu orders status broadcasts of this session. Taken before mu.
	dispatchMu sync.Mutex

	mu           sync.Mutex
	cfg          device.Config
	status       device.State
	pending      device.State
	transport    Transport
	owned        bool
	task         *connectTask
	created      time.Time
	lastUpdate   time.Time
	lastErr      error
	closing      bool
	reconnecting bool
	children     map[string]*Session // node id -> attached sub-device
	presence     *PresenceTracker
	entities     []Entity

	onClose       []func()
	refreshCancel context.CancelFunc
	shutdownTimer *time.Timer
	entitySub     func()
}

// NewSession creates a session for cfg. The session does nothing until
// Connect is called. registry may be nil for a session without gateway.
func NewSession(cfg device.Config, deps Deps, registry *Registry) *Session {
	opts := deps.Options.withDefaults()
	if deps.Events == nil {
		deps.Events = NewEventBridge()
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       cfg.ID,
		fake:     cfg.Fake,
		deps:     deps,
		opts:     opts,
		registry: registry,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		status:   device.State{},
		pending:  device.State{},
		created:  opts.Now(),
		children: make(map[string]*Session),
		presence: NewPresenceTracker(opts.OfflineThreshold),
	}
	s.onClose = append(s.onClose, s.stopRefresh, s.stopShutdownTimer, s.unsubscribeEntities)
	return s
}

// ID returns the device id.
func (s *Session) ID() string { return s.id }

// IsFakeGateway reports whether the session only routes commands.
func (s *Session) IsFakeGateway() bool { return s.fake }

// Config returns a copy of the current device configuration, including a
// rotated local key.
func (s *Session) Config() device.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// IsSubDevice reports whether the session borrows a gateway transport.
func (s *Session) IsSubDevice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSubDeviceLocked()
}

func (s *Session) isSubDeviceLocked() bool {
	return s.cfg.NodeID != "" && !s.fake
}

// Connected reports whether the session holds a live transport.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedLocked()
}

func (s *Session) connectedLocked() bool {
	return s.transport != nil && s.transport.IsConnected()
}

// Connecting reports whether a connect attempt is in flight.
func (s *Session) Connecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task != nil
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closing:
		return StateClosed
	case s.task != nil:
		return StateConnecting
	case s.connectedLocked():
		return StateConnected
	default:
		return StateDisconnected
	}
}

// Status returns a copy of the last known status.
func (s *Session) Status() device.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Clone()
}

// Pending returns a copy of the buffered writes.
func (s *Session) Pending() device.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Clone()
}

// LastError returns the failure of the latest connect attempt, nil after
// a successful one.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Reconnecting reports whether the reconnect loop runs.
func (s *Session) Reconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnecting
}

// AddEntities binds presentation entities to the session. They are
// restored after every successful connect.
func (s *Session) AddEntities(entities ...Entity) {
	s.mu.Lock()
	s.entities = append(s.entities, entities...)
	s.mu.Unlock()
}

// isSleepLocked reports whether the device is inside its sleep window,
// measured from the last status report.
func (s *Session) isSleepLocked() bool {
	if s.cfg.SleepTime <= 0 {
		return false
	}
	ref := s.lastUpdate
	if ref.IsZero() {
		ref = s.created.Add(-initialUpdateAge)
	}
	return s.opts.Now().Sub(ref) < s.cfg.SleepDuration()
}

// Connect starts a connect attempt unless the session is closing or already
// connecting. A connected session re-dispatches its status instead. The call
// waits for the attempt (or ctx) except for sleeping devices, which often
// answer with an unsolicited push long after a caller gives up.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.closing || s.task != nil {
		s.mu.Unlock()
		return
	}
	if s.connectedLocked() {
		s.mu.Unlock()
		s.dispatchStatus()
		return
	}
	t := s.startConnectLocked()
	sleeping := s.isSleepLocked()
	s.mu.Unlock()

	if t == nil || sleeping {
		return
	}
	select {
	case <-t.done:
	case <-ctx.Done():
	}
}

// startConnectLocked launches a connect attempt. Returns nil when closing.
func (s *Session) startConnectLocked() *connectTask {
	if s.closing {
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &connectTask{cancel: cancel, done: make(chan struct{})}
	s.task = t
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer cancel()

		err := s.makeConnection(ctx, t)

		s.mu.Lock()
		if s.task == t {
			s.task = nil
		}
		if !errors.Is(err, ErrCancelled) {
			s.lastErr = err
		}
		s.mu.Unlock()
	}()
	return t
}

// makeConnection runs one connect attempt: resolve a transport, fetch the
// status, then bring the device into service. On failure the reconnect loop
// is armed and, when the failure points at stale credentials, the cloud
// directory is consulted once.
func (s *Session) makeConnection(ctx context.Context, t *connectTask) error {
	s.mu.Lock()
	cfg := s.cfg
	sub := s.isSubDeviceLocked()
	restore := s.isSleepLocked() && len(s.status) == 0
	s.mu.Unlock()

	if restore {
		s.applyStatus(device.RestoreState(), false)
	}

	s.logForced("Trying to connect", "host", cfg.Host)

	tr, refreshKey, err := s.resolveTransport(ctx, cfg, sub)
	if tr != nil {
		var status device.State
		status, refreshKey, err = s.handshake(ctx, tr, cfg, sub)
		if err == nil {
			err = s.commit(ctx, t, tr, !sub, status)
		}
		if err != nil {
			s.release(tr, !sub)
		}
	}

	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
		s.logDebug("Connect attempt cancelled")
		return ErrCancelled
	}

	s.mu.Lock()
	s.ensureReconnectLocked()
	s.mu.Unlock()

	if refreshKey {
		s.updateLocalKey(ctx)
	}
	return err
}

// resolveTransport dials a standalone device, retrying up to
// ConnectRetries times, or borrows the gateway transport of a sub-device.
func (s *Session) resolveTransport(ctx context.Context, cfg device.Config, sub bool) (Transport, bool, error) {
	if sub {
		tr, err := s.borrowGatewayTransport()
		if err != nil {
			if errors.Is(err, ErrGatewayBusy) {
				s.logDebug("Gateway is busy", "gateway_id", cfg.GatewayID)
			} else {
				s.logWarn("Failed to use gateway", "gateway_id", cfg.GatewayID, "error", err)
			}
			return nil, errors.Is(err, ErrNoGateway), err
		}
		if cfg.EnableDebug {
			tr.EnableDebug(true, s.gatewayLabel())
		}
		tr.AddDPsToRequest(cfg.DPsToRequest())
		return tr, false, nil
	}

	params := DialParams{
		Host:            cfg.Host,
		DeviceID:        cfg.ID,
		LocalKey:        cfg.LocalKey,
		ProtocolVersion: cfg.ProtocolVersion,
		EnableDebug:     cfg.EnableDebug,
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.ConnectRetries; attempt++ {
		tr, err := s.deps.Dialer.Dial(ctx, params, s)
		if err == nil {
			tr.EnableDebug(cfg.EnableDebug, cfg.Label())
			tr.AddDPsToRequest(cfg.DPsToRequest())
			return tr, false, nil
		}
		if ctx.Err() != nil {
			return nil, false, ErrCancelled
		}
		lastErr = fmt.Errorf("%w: %w", ErrConnectFailed, err)

		s.mu.Lock()
		sleeping := s.isSleepLocked()
		s.mu.Unlock()

		if errors.Is(err, ErrHostUnreachable) && !sleeping {
			s.logWarn("Connection failed", "error", err)
			break
		}
		if !sleeping {
			s.logWarn("Failed to connect", "host", cfg.Host, "attempt", attempt, "error", err)
		}
		if errors.Is(err, ErrInvalidKey) {
			return nil, true, lastErr
		}
	}
	return nil, false, lastErr
}

// handshake resets the configured datapoints and reads the full status.
// It reports whether the failure calls for a key refresh.
func (s *Session) handshake(ctx context.Context, tr Transport, cfg device.Config, sub bool) (device.State, bool, error) {
	if len(cfg.ResetDPs) > 0 {
		s.logDebug("Resetting datapoints", "dps", cfg.ResetDPs)
		if err := tr.Reset(ctx, cfg.ResetDPs, cfg.NodeID); err != nil {
			return s.handshakeFailed(ctx, cfg, sub, err)
		}
	}

	s.logDebug("Retrieving initial state")
	status, err := tr.Status(ctx, cfg.NodeID)
	if err == nil && status == nil {
		err = ErrEmptyStatus
	}
	if err != nil {
		if s.fake && errors.Is(err, ErrNotFound) {
			// A fake gateway has no datapoints of its own.
			return nil, false, nil
		}
		return s.handshakeFailed(ctx, cfg, sub, err)
	}
	return status, false, nil
}

func (s *Session) handshakeFailed(ctx context.Context, cfg device.Config, sub bool, err error) (device.State, bool, error) {
	switch {
	case ctx.Err() != nil:
		return nil, false, ErrCancelled
	case errors.Is(err, ErrDecodeFailed):
		s.logError("Handshake failed, reply could not be decoded", "host", cfg.Host, "error", err)
		return nil, true, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	case s.fake:
		s.logWarn("Failed to use device as gateway", "error", err)
		return nil, true, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	case sub:
		s.logWarn("Handshake failed, sub-device is not connected", "host", cfg.Host, "error", err)
		return nil, true, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	default:
		s.logWarn("Handshake failed", "host", cfg.Host, "error", err)
		return nil, false, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
}

// commit adopts the transport and brings the device into service.
func (s *Session) commit(ctx context.Context, t *connectTask, tr Transport, owned bool, status device.State) error {
	s.mu.Lock()
	if ctx.Err() != nil || s.closing {
		s.mu.Unlock()
		return ErrCancelled
	}
	s.transport = tr
	s.owned = owned
	if s.task == t {
		s.task = nil
	}
	s.lastErr = nil
	s.presence.Reset()
	cfg := s.cfg
	entities := append([]Entity(nil), s.entities...)
	s.subscribeEntitiesLocked()
	s.startRefreshLocked()
	s.mu.Unlock()

	if status != nil {
		s.applyStatus(status, true)
	}

	for _, e := range entities {
		if err := e.RestoreStateWhenConnected(ctx); err != nil {
			s.logWarn("Failed to restore entity state", "error", err)
		}
	}

	if cfg.IsSubDevice() && !s.fake {
		if gw := s.gateway(); gw != nil {
			gw.attachChild(cfg.NodeID, s)
		}
	}

	s.logForced("Connected", "host", cfg.Host)

	s.mu.Lock()
	restore := len(s.status) == 0 && cfg.HasManualDP(device.RestoreDP)
	flush := len(s.pending) > 0
	s.mu.Unlock()

	if restore {
		s.applyStatus(device.RestoreState(), false)
	}
	if flush {
		if err := s.flush(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			s.logDebug("Failed to flush pending values", "error", err)
		}
	}

	gateway := s.hasChildren() || s.fake
	if gateway {
		s.mu.Lock()
		if !s.closing {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.connectChildren(s.ctx)
			}()
		}
		s.mu.Unlock()
	}
	if owned {
		tr.KeepAlive(gateway || cfg.SleepTime == 0)
	}
	return nil
}

// release drops a transport after a failed attempt. Only owned transports
// are closed; a borrowed one belongs to the gateway.
func (s *Session) release(tr Transport, owned bool) {
	s.mu.Lock()
	if s.transport == tr {
		s.transport = nil
	}
	s.mu.Unlock()
	if owned {
		if err := tr.Close(); err != nil {
			s.logDebug("Closing transport failed", "error", err)
		}
	}
}

// ensureReconnectLocked starts the reconnect loop unless it runs already.
func (s *Session) ensureReconnectLocked() {
	if s.closing || s.reconnecting {
		return
	}
	s.reconnecting = true
	pending := s.task
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconnectLoop(s.ctx, pending)
	}()
}

// reconnectLoop retries until the session connects or closes. Sub-devices
// confirmed offline and sub-devices whose gateway is down or busy wait
// without trying. pending is the attempt that armed the loop, if any; it is
// awaited and counted before the first retry.
func (s *Session) reconnectLoop(ctx context.Context, pending *connectTask) {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	attempts := 0
	for ctx.Err() == nil {
		t := pending
		pending = nil
		if t == nil {
			s.mu.Lock()
			if s.closing {
				s.mu.Unlock()
				return
			}
			sub := s.isSubDeviceLocked()
			offline := s.presence.OfflineCount()
			s.mu.Unlock()

			if sub && offline >= s.opts.OfflineThreshold {
				if !s.sleep(ctx, s.opts.OfflineWait) {
					break
				}
				continue
			}
			if gw := s.gateway(); gw != nil && (!gw.Connected() || gw.Connecting()) {
				if !s.sleep(ctx, s.opts.GatewayWait) {
					break
				}
				continue
			}

			s.mu.Lock()
			t = s.task
			if t == nil && !s.connectedLocked() {
				t = s.startConnectLocked()
			}
			s.mu.Unlock()
		}

		if t != nil {
			select {
			case <-t.done:
			case <-ctx.Done():
				s.logForced("Reconnect loop cancelled")
				return
			}
		}

		s.mu.Lock()
		connected := s.connectedLocked()
		sleeping := s.isSleepLocked()
		absent := s.presence.Absent()
		s.mu.Unlock()

		if connected {
			if !sleeping && attempts > 0 {
				s.logInfo("Reconnect succeeded", "attempts", attempts)
			}
			return
		}

		attempts++
		scale := time.Duration(1)
		if absent || attempts > s.opts.BackoffSlowdownAttempts {
			scale = 2
		}
		if !s.sleep(ctx, scale*s.opts.ReconnectInterval) {
			break
		}
	}
}

// sleep waits d or until ctx ends. Returns false when ctx ended.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// CheckConnection waits for the session's own connect attempt, else for its
// gateway's, so that a write does not race an attempt in progress. Returns
// ErrNotConnected when still disconnected afterwards.
func (s *Session) CheckConnection(ctx context.Context) error {
	s.mu.Lock()
	connected := s.connectedLocked()
	t := s.task
	s.mu.Unlock()

	if !connected && t != nil {
		waitTask(ctx, t)
		connected = s.Connected()
	}
	if !connected {
		if gw := s.gateway(); gw != nil {
			gw.mu.Lock()
			gt := gw.task
			gw.mu.Unlock()
			if gt != nil {
				waitTask(ctx, gt)
			}
		}
		connected = s.Connected()
	}
	if !connected {
		s.logError("Not connected to device", "device", s.Config().Label())
		return ErrNotConnected
	}
	return nil
}

func waitTask(ctx context.Context, t *connectTask) {
	select {
	case <-t.done:
	case <-ctx.Done():
	}
}

// SetValues writes datapoint values. With a transport the values are
// buffered for a short coalescing pause and then flushed in one write. A
// disconnected sleeping device keeps them for its next connect. Any other
// disconnected device rejects them with ErrNotConnected; they are dropped.
func (s *Session) SetValues(ctx context.Context, dps device.State) error {
	s.mu.Lock()
	switch {
	case s.closing:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.transport != nil:
		s.pending.Merge(dps)
		s.mu.Unlock()
		if !s.sleep(ctx, s.opts.FlushDelay) {
			return ErrCancelled
		}
		return s.flush(ctx)
	case s.isSleepLocked():
		s.pending.Merge(dps)
		s.mu.Unlock()
		s.logDebug("Device is asleep, values buffered", "dps", dps)
		return nil
	default:
		s.mu.Unlock()
		s.logError("Device is not connected, values dropped", "dps", dps)
		return ErrNotConnected
	}
}

// flush sends the pending values. The buffer is cleared with the attempt;
// a failed write is not retried.
func (s *Session) flush(ctx context.Context) error {
	if err := s.CheckConnection(ctx); err != nil {
		s.mu.Lock()
		if !s.isSleepLocked() {
			s.pending = device.State{}
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	tr := s.transport
	nodeID := s.cfg.NodeID
	payload := s.pending
	if tr == nil || len(payload) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.pending = device.State{}
	s.mu.Unlock()

	if err := tr.SetDPs(ctx, payload, nodeID); err != nil {
		s.logForced("Failed to set values", "dps", payload, "error", err)
		return fmt.Errorf("%w: %w", ErrSetFailed, err)
	}
	return nil
}

// applyStatus merges a status report and broadcasts the result. report is
// false for the synthetic restore marker, which must not move the sleep
// clock.
func (s *Session) applyStatus(update device.State, report bool) {
	if s.fake {
		return
	}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if report {
		s.lastUpdate = s.opts.Now()
	}
	old := s.status.Clone()
	s.status.Merge(update)
	current := s.status.Clone()
	s.mu.Unlock()

	s.deps.Events.HandleUpdate(s.id, old, update)
	s.deps.Events.Dispatch(s.id, current)
}

func (s *Session) dispatchStatus() {
	if s.fake {
		return
	}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.deps.Events.Dispatch(s.id, s.Status())
}

// StatusUpdated implements Listener. Reports for an attached sub-device are
// routed to it. A report for any other node id belongs to a sub-device that
// is not attached right now and is dropped.
func (s *Session) StatusUpdated(nodeID string, dps device.State) {
	if child := s.child(nodeID); child != nil {
		child.applyStatus(dps, true)
		return
	}
	s.mu.Lock()
	own := s.cfg.NodeID
	s.mu.Unlock()
	if nodeID != "" && nodeID != own {
		s.logDebug("Status for a detached sub-device dropped", "node_id", nodeID, "dps", dps)
		return
	}
	s.applyStatus(dps, true)
}

// Disconnected implements Listener. The transport is dropped, children are
// told their gateway went away, and unless the session is closing the
// reconnect loop and the delayed entity shutdown are armed.
func (s *Session) Disconnected(reason string) {
	s.mu.Lock()
	s.transport = nil
	s.owned = false
	s.stopRefreshLocked()
	// The cancelled attempt keeps its handle until it has unwound; the
	// reconnect loop armed below waits for it first.
	if s.task != nil {
		s.task.cancel()
	}
	children := s.childrenSnapshotLocked()
	closing := s.closing
	s.mu.Unlock()

	for _, child := range children {
		child.Disconnected("gateway disconnected")
	}

	if closing {
		return
	}

	s.mu.Lock()
	s.ensureReconnectLocked()
	s.scheduleShutdownLocked(reason)
	s.mu.Unlock()
}

// SubdeviceState implements Listener.
func (s *Session) SubdeviceState(nodeID string, state PresenceSignal) {
	if child := s.child(nodeID); child != nil {
		child.observePresence(state)
		return
	}
	if s.IsSubDevice() {
		s.observePresence(state)
	}
}

func (s *Session) observePresence(state PresenceSignal) {
	s.mu.Lock()
	d := s.presence.Observe(state)
	nodeID := s.cfg.NodeID
	s.mu.Unlock()

	if d.BackFromAbsent {
		s.logInfo("Sub-device is back", "node_id", nodeID)
	}
	switch d.Change {
	case PresenceMarkedAbsent:
		s.logInfo("Sub-device is absent", "node_id", nodeID)
	case PresenceAbsentConfirmed:
		s.detachFromGateway()
		s.Disconnected("device is absent")
	case PresenceRecovered:
		s.logInfo("Device is online", "node_id", nodeID)
	case PresenceWentOffline:
		s.logWarn("Sub-device is offline", "node_id", nodeID)
	case PresenceOfflineConfirmed:
		s.Disconnected("device is offline")
	}
}

// scheduleShutdownLocked arms the delayed entity shutdown, replacing an
// earlier one.
func (s *Session) scheduleShutdownLocked(reason string) {
	if s.shutdownTimer != nil {
		s.shutdownTimer.Stop()
	}
	delay := s.opts.ShutdownGrace + s.cfg.SleepDuration()
	s.shutdownTimer = time.AfterFunc(delay, func() { s.shutdownEntities(reason) })
}

// shutdownEntities broadcasts a nil status unless the device is connected
// or asleep, then logs why it went away.
func (s *Session) shutdownEntities(reason string) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.isSleepLocked() || s.connectedLocked() {
		s.mu.Unlock()
		return
	}
	closing := s.closing
	sub := s.isSubDeviceLocked()
	lowPower := s.cfg.SleepTime > 0
	since := s.opts.Now().Sub(s.lastUpdate)
	if s.lastUpdate.IsZero() {
		since = s.opts.Now().Sub(s.created)
	}
	s.mu.Unlock()

	if !s.fake {
		s.deps.Events.Dispatch(s.id, nil)
	}
	if closing {
		return
	}

	switch {
	case sub:
		s.logInfo("Sub-device disconnected", "reason", reason)
	case lowPower:
		s.logInfo("The device is still out of reach", "since", since.Truncate(time.Second).String())
	default:
		s.logInfo("Disconnected", "reason", reason)
	}
}

// subscribeEntitiesLocked re-dispatches the status whenever presentation
// adds an entity to this device.
func (s *Session) subscribeEntitiesLocked() {
	if s.entitySub != nil {
		return
	}
	s.entitySub = s.deps.Events.OnEntityAdded(s.id, func(entityID string) {
		s.logDebug("New entity added", "entity_id", entityID)
		s.dispatchStatus()
	})
}

func (s *Session) unsubscribeEntities() {
	s.mu.Lock()
	unsub := s.entitySub
	s.entitySub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// startRefreshLocked starts the scan interval refresh.
func (s *Session) startRefreshLocked() {
	if s.cfg.ScanInterval <= 0 || s.refreshCancel != nil || s.closing {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.refreshCancel = cancel
	interval := s.cfg.ScanDuration()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refresh(ctx)
			}
		}
	}()
}

func (s *Session) refresh(ctx context.Context) {
	s.mu.Lock()
	tr := s.transport
	connected := s.connectedLocked()
	nodeID := s.cfg.NodeID
	s.mu.Unlock()
	if !connected {
		return
	}

	s.logDebug("Refreshing datapoints")
	if err := tr.UpdateDPs(ctx, nodeID); err != nil && !errors.Is(err, ErrTimeout) {
		s.logDebug("Refresh failed", "error", err)
	}
}

func (s *Session) stopRefresh() {
	s.mu.Lock()
	s.stopRefreshLocked()
	s.mu.Unlock()
}

func (s *Session) stopRefreshLocked() {
	if s.refreshCancel != nil {
		s.refreshCancel()
		s.refreshCancel = nil
	}
}

func (s *Session) stopShutdownTimer() {
	s.mu.Lock()
	if s.shutdownTimer != nil {
		s.shutdownTimer.Stop()
		s.shutdownTimer = nil
	}
	s.mu.Unlock()
}

// Close stops the session: the on-close callbacks run, in-flight work is
// cancelled and awaited, and an owned transport is closed. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closing = true
	s.mu.Unlock()

	s.shutdownEntities("")

	s.mu.Lock()
	callbacks := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}

	s.cancel()
	s.wg.Wait()

	s.detachFromGateway()

	s.mu.Lock()
	tr, owned := s.transport, s.owned
	s.transport = nil
	s.owned = false
	s.task = nil
	s.mu.Unlock()

	if tr != nil && owned {
		if err := tr.Close(); err != nil {
			s.logDebug("Closing transport failed", "error", err)
		}
	}
	s.logForced("Closed connection")
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	State        string        `json:"state"`
	Connected    bool          `json:"connected"`
	Connecting   bool          `json:"connecting"`
	SubDevice    bool          `json:"sub_device"`
	FakeGateway  bool          `json:"fake_gateway"`
	Status       device.State  `json:"status"`
	Pending      int           `json:"pending"`
	LastUpdate   *time.Time    `json:"last_update,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Absent       bool          `json:"absent"`
	OfflineCount int           `json:"offline_count"`
	Reconnecting bool          `json:"reconnecting"`
	Children     []string      `json:"children,omitempty"`
	Config       device.Config `json:"-"`
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := StateDisconnected
	switch {
	case s.closing:
		state = StateClosed
	case s.task != nil:
		state = StateConnecting
	case s.connectedLocked():
		state = StateConnected
	}

	snap := Snapshot{
		ID:           s.id,
		Name:         s.cfg.Label(),
		State:        state.String(),
		Connected:    state == StateConnected,
		Connecting:   state == StateConnecting,
		SubDevice:    s.isSubDeviceLocked(),
		FakeGateway:  s.fake,
		Status:       s.status.Clone(),
		Pending:      len(s.pending),
		Absent:       s.presence.Absent(),
		OfflineCount: s.presence.OfflineCount(),
		Reconnecting: s.reconnecting,
		Children:     s.childIDsLocked(),
		Config:       s.cfg,
	}
	if !s.lastUpdate.IsZero() {
		t := s.lastUpdate
		snap.LastUpdate = &t
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

func (s *Session) logDebug(msg string, args ...any) {
	s.logger.Debug(msg, s.attrs(args)...)
}

func (s *Session) logInfo(msg string, args ...any) {
	s.logger.Info(msg, s.attrs(args)...)
}

func (s *Session) logWarn(msg string, args ...any) {
	s.logger.Warn(msg, s.attrs(args)...)
}

func (s *Session) logError(msg string, args ...any) {
	s.logger.Error(msg, s.attrs(args)...)
}

// logForced logs at info for devices with debugging enabled, else at debug.
func (s *Session) logForced(msg string, args ...any) {
	s.mu.Lock()
	debug := s.cfg.EnableDebug
	s.mu.Unlock()
	if debug {
		s.logInfo(msg, args...)
		return
	}
	s.logDebug(msg, args...)
}

func (s *Session) attrs(args []any) []any {
	s.mu.Lock()
	label := s.cfg.Label()
	s.mu.Unlock()
	return append([]any{"device_id", s.id, "device", label}, args...)
}
