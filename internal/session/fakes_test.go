package session

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/device"
)

// fakeTransport records calls and answers status requests from a script.
type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	status      map[string]device.State // node id -> status
	statusErr   error
	setCalls    []device.State
	setNodes    []string
	resetCalls  [][]int
	updateCalls int
	keepAlive   []bool
	requested   map[string]any
	closeCalls  int
	listener    Listener
}

func newFakeTransport(status device.State) *fakeTransport {
	return &fakeTransport{
		connected: true,
		status:    map[string]device.State{"": status},
		requested: map[string]any{},
	}
}

func (f *fakeTransport) Status(ctx context.Context, nodeID string) (device.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st, ok := f.status[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (f *fakeTransport) SetDPs(ctx context.Context, dps device.State, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, dps.Clone())
	f.setNodes = append(f.setNodes, nodeID)
	return nil
}

func (f *fakeTransport) Reset(ctx context.Context, dpIDs []int, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls = append(f.resetCalls, dpIDs)
	return nil
}

func (f *fakeTransport) UpdateDPs(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	return ErrTimeout
}

func (f *fakeTransport) KeepAlive(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlive = append(f.keepAlive, enabled)
}

func (f *fakeTransport) AddDPsToRequest(dps map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range dps {
		f.requested[k] = v
	}
}

func (f *fakeTransport) EnableDebug(bool, string) {}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.connected = false
	return nil
}

// SimulateDisconnect drops the link and notifies the listener.
func (f *fakeTransport) SimulateDisconnect(reason string) {
	f.mu.Lock()
	f.connected = false
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l.Disconnected(reason)
	}
}

// SimulateStatus pushes an unsolicited status report.
func (f *fakeTransport) SimulateStatus(nodeID string, dps device.State) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.StatusUpdated(nodeID, dps)
}

// SimulatePresence pushes a sub-device presence report.
func (f *fakeTransport) SimulatePresence(nodeID string, sig PresenceSignal) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.SubdeviceState(nodeID, sig)
}

func (f *fakeTransport) GetSetCalls() []device.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.State(nil), f.setCalls...)
}

func (f *fakeTransport) GetCloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *fakeTransport) GetKeepAlive() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.keepAlive...)
}

func (f *fakeTransport) GetResetCalls() [][]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int(nil), f.resetCalls...)
}

func (f *fakeTransport) setStatusErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

// fakeDialer hands out transports per device id. A device listed in
// block waits until its channel is closed or ctx ends.
type fakeDialer struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	errs       map[string][]error // consumed one per dial before succeeding
	block      map[string]chan struct{}
	stubborn   bool // blocked dials ignore ctx
	dials      map[string]int
	dialTimes  map[string][]time.Time
	params     []DialParams
	inflight   int
	maxFlight  int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		transports: map[string]*fakeTransport{},
		errs:       map[string][]error{},
		block:      map[string]chan struct{}{},
		dials:      map[string]int{},
		dialTimes:  map[string][]time.Time{},
	}
}

func (d *fakeDialer) Dial(ctx context.Context, p DialParams, l Listener) (Transport, error) {
	d.mu.Lock()
	d.dials[p.DeviceID]++
	d.dialTimes[p.DeviceID] = append(d.dialTimes[p.DeviceID], time.Now())
	d.params = append(d.params, p)
	d.inflight++
	d.maxFlight = max(d.maxFlight, d.inflight)
	gate := d.block[p.DeviceID]
	stubborn := d.stubborn
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inflight--
		d.mu.Unlock()
	}()

	if gate != nil {
		if stubborn {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if errs := d.errs[p.DeviceID]; len(errs) > 0 {
		d.errs[p.DeviceID] = errs[1:]
		return nil, errs[0]
	}
	tr, ok := d.transports[p.DeviceID]
	if !ok {
		return nil, ErrHostUnreachable
	}
	tr.mu.Lock()
	tr.listener = l
	tr.connected = true
	tr.mu.Unlock()
	return tr, nil
}

func (d *fakeDialer) GetDials(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[id]
}

func (d *fakeDialer) GetDialTimes(id string) []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dialTimes[id]...)
}

func (d *fakeDialer) GetMaxInflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxFlight
}

func (d *fakeDialer) GetParams() []DialParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialParams(nil), d.params...)
}

// fakeDirectory returns a fixed cloud device list.
type fakeDirectory struct {
	mu      sync.Mutex
	devices map[string]device.CloudDevice
	calls   []bool
}

func (f *fakeDirectory) Devices(ctx context.Context, force bool) (map[string]device.CloudDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, force)
	return f.devices, nil
}

func (f *fakeDirectory) GetCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.calls...)
}

// fakeKeyStore records key updates.
type fakeKeyStore struct {
	mu      sync.Mutex
	updates []device.KeyUpdate
}

func (f *fakeKeyStore) UpdateKeys(ctx context.Context, u device.KeyUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeKeyStore) GetUpdates() []device.KeyUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.KeyUpdate(nil), f.updates...)
}

// eventRecorder collects notifications and status broadcasts.
type eventRecorder struct {
	mu       sync.Mutex
	events   []Event
	statuses map[string][]device.State
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{statuses: map[string][]device.State{}}
}

func (r *eventRecorder) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) HandleStatus(deviceID string, status device.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[deviceID] = append(r.statuses[deviceID], status)
}

func (r *eventRecorder) GetEvents() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) GetStatuses(deviceID string) []device.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.State(nil), r.statuses[deviceID]...)
}

// fakeEntity counts restore calls.
type fakeEntity struct {
	mu       sync.Mutex
	restores int
}

func (e *fakeEntity) RestoreStateWhenConnected(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restores++
	return nil
}

func (e *fakeEntity) GetRestores() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restores
}

// testOptions keeps every wait short.
func testOptions() Options {
	return Options{
		ReconnectInterval: 20 * time.Millisecond,
		GatewayWait:       10 * time.Millisecond,
		OfflineWait:       10 * time.Millisecond,
		ShutdownGrace:     30 * time.Millisecond,
		FlushDelay:        time.Millisecond,
		OfflineThreshold:  3,
	}
}

func plugConfig(id string) device.Config {
	return device.Config{
		ID:              id,
		Name:            "Plug " + id,
		Host:            "192.168.1.50",
		LocalKey:        "key-" + id,
		ProtocolVersion: "3.3",
	}
}

func subConfig(id, nodeID, gatewayID, key string) device.Config {
	return device.Config{
		ID:              id,
		Name:            "Sensor " + id,
		LocalKey:        key,
		ProtocolVersion: "3.3",
		NodeID:          nodeID,
		GatewayID:       gatewayID,
	}
}

func (f *fakeTransport) setNodeStatus(nodeID string, st device.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st == nil {
		delete(f.status, nodeID)
		return
	}
	f.status[nodeID] = st
}

func (f *fakeTransport) GetUpdateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCalls
}

func (d *fakeDialer) set(id string, tr *fakeTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports[id] = tr
}

func (d *fakeDialer) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.transports, id)
}

func (d *fakeDialer) setBlock(id string, gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block[id] = gate
}

func (f *fakeDirectory) set(devices map[string]device.CloudDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}
