package tuya

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

func TestTransport_Status(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want device.State
	}{
		{
			name: "datapoints",
			data: map[string]any{"dps": map[string]any{"1": true, "2": 10}},
			want: device.State{"1": true, "2": float64(10)},
		},
		{
			name: "no datapoints",
			data: map[string]any{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockMQTT()
			m.setRespond(acceptAll(tt.data))
			tr := dial(t, newStartedClient(t, m), &fakeListener{})

			got, err := tr.Status(context.Background(), "n1")
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Status() = %v, want %v", got, tt.want)
			}

			reqs := m.GetRequests(t)
			last := reqs[len(reqs)-1]
			if last.Action != ActionStatus || last.NodeID != "n1" {
				t.Errorf("request = %+v, want status for node n1", last)
			}
		})
	}
}

func TestTransport_StatusUndecodable(t *testing.T) {
	m := newMockMQTT()
	m.setRespond(acceptAll(map[string]any{"dps": "garbage"}))
	tr := dial(t, newStartedClient(t, m), &fakeListener{})

	if _, err := tr.Status(context.Background(), ""); !errors.Is(err, session.ErrDecodeFailed) {
		t.Errorf("Status() error = %v, want ErrDecodeFailed", err)
	}
}

func TestTransport_Requests(t *testing.T) {
	m := newMockMQTT()
	m.setRespond(acceptAll(nil))
	tr := dial(t, newStartedClient(t, m), &fakeListener{})
	ctx := context.Background()

	if err := tr.SetDPs(ctx, device.State{"1": false}, ""); err != nil {
		t.Fatalf("SetDPs() error = %v", err)
	}
	if err := tr.Reset(ctx, []int{18, 19}, "n1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := tr.UpdateDPs(ctx, ""); err != nil {
		t.Fatalf("UpdateDPs() error = %v", err)
	}
	tr.KeepAlive(true)
	tr.AddDPsToRequest(map[string]any{"9": nil})
	tr.AddDPsToRequest(nil)
	tr.EnableDebug(true, "Plug")

	var actions []Action
	for _, r := range m.GetRequests(t) {
		actions = append(actions, r.Action)
	}
	want := []Action{ActionOpen, ActionSetDPs, ActionReset, ActionUpdateDPs, ActionKeepAlive, ActionAddDPs, ActionDebug}
	if !reflect.DeepEqual(actions, want) {
		t.Errorf("actions = %v, want %v", actions, want)
	}

	reqs := m.GetRequests(t)
	if dps, _ := reqs[1].Params["dps"].(map[string]any); dps["1"] != false {
		t.Errorf("set_dps params = %v, want dps 1=false", reqs[1].Params)
	}
	if reqs[4].Params["enabled"] != true {
		t.Errorf("keep_alive params = %v, want enabled", reqs[4].Params)
	}
}

func TestTransport_UpdateTimeout(t *testing.T) {
	m := newMockMQTT()
	m.setRespond(func(req RequestMessage) *ResponseMessage {
		if req.Action == ActionUpdateDPs {
			return nil
		}
		return &ResponseMessage{Success: true}
	})
	tr := dial(t, newStartedClient(t, m), &fakeListener{})

	if err := tr.UpdateDPs(context.Background(), ""); !errors.Is(err, session.ErrTimeout) {
		t.Errorf("UpdateDPs() error = %v, want ErrTimeout", err)
	}
	if !tr.IsConnected() {
		t.Error("a timeout must not drop the transport")
	}
}

func TestTransport_Events(t *testing.T) {
	m := newMockMQTT()
	m.setRespond(acceptAll(nil))
	l := &fakeListener{}
	tr := dial(t, newStartedClient(t, m), l)
	sid := tr.SessionID()

	events := []EventMessage{
		{SessionID: sid, Type: EventStatus, DPS: device.State{"1": true}},
		{SessionID: sid, Type: EventStatus, NodeID: "n1", DPS: device.State{"101": 20.0}},
		{SessionID: sid, Type: EventStatus},
		{SessionID: sid, Type: EventSubdevice, NodeID: "n1", State: "absent"},
		{SessionID: sid, Type: EventSubdevice, NodeID: "n1", State: "online"},
		{SessionID: "other", Type: EventDisconnected},
	}
	for _, ev := range events {
		if err := m.SimulateEvent(t, ev); err != nil {
			t.Fatalf("event %+v: error = %v", ev, err)
		}
	}

	if !reflect.DeepEqual(l.nodes, []string{"", "n1"}) {
		t.Errorf("status nodes = %v, want [\"\" n1]", l.nodes)
	}
	if !reflect.DeepEqual(l.presence, []session.PresenceSignal{session.PresenceAbsent, session.PresenceOnline}) {
		t.Errorf("presence = %v, want [absent online]", l.presence)
	}
	if len(l.GetDisconnects()) != 0 {
		t.Errorf("disconnects = %v, want none", l.GetDisconnects())
	}

	if err := m.SimulateEvent(t, EventMessage{SessionID: sid, Type: EventSubdevice, State: "sideways"}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("bad presence error = %v, want ErrInvalidMessage", err)
	}
	if err := m.SimulateEvent(t, EventMessage{SessionID: sid, Type: "nonsense"}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("bad type error = %v, want ErrInvalidMessage", err)
	}
}

func TestTransport_DisconnectedEvent(t *testing.T) {
	m := newMockMQTT()
	m.setRespond(acceptAll(nil))
	l := &fakeListener{}
	tr := dial(t, newStartedClient(t, m), l)

	for j := 0; j < 2; j++ {
		if err := m.SimulateEvent(t, EventMessage{SessionID: tr.SessionID(), Type: EventDisconnected, Reason: "heartbeat lost"}); err != nil {
			t.Fatalf("SimulateEvent() error = %v", err)
		}
	}

	if tr.IsConnected() {
		t.Error("IsConnected() = true after disconnected event")
	}
	if got := l.GetDisconnects(); !reflect.DeepEqual(got, []string{"heartbeat lost"}) {
		t.Errorf("disconnects = %v, want exactly one", got)
	}
}

func TestTransport_HostUnreachableDrops(t *testing.T) {
	m := newMockMQTT()
	m.setRespond(acceptAll(nil))
	l := &fakeListener{}
	tr := dial(t, newStartedClient(t, m), l)

	m.setRespond(failWith(ErrCodeHostUnreachable))
	err := tr.SetDPs(context.Background(), device.State{"1": true}, "")

	if !errors.Is(err, session.ErrHostUnreachable) {
		t.Errorf("SetDPs() error = %v, want ErrHostUnreachable", err)
	}
	if tr.IsConnected() {
		t.Error("IsConnected() = true after host unreachable")
	}
	if len(l.GetDisconnects()) != 1 {
		t.Errorf("disconnects = %v, want one", l.GetDisconnects())
	}
}

func TestTransport_Close(t *testing.T) {
	m := newMockMQTT()
	m.setRespond(acceptAll(nil))
	l := &fakeListener{}
	c := newStartedClient(t, m)
	tr := dial(t, c, l)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if tr.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if got := c.Stats().OpenSessions; got != 0 {
		t.Errorf("OpenSessions = %d, want 0", got)
	}

	// No callbacks after Close.
	if err := m.SimulateEvent(t, EventMessage{SessionID: tr.SessionID(), Type: EventDisconnected}); err != nil {
		t.Fatalf("SimulateEvent() error = %v", err)
	}
	if len(l.GetDisconnects()) != 0 {
		t.Errorf("disconnects after Close = %v, want none", l.GetDisconnects())
	}

	if _, err := tr.Status(context.Background(), ""); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Status() after Close error = %v, want ErrTransportClosed", err)
	}

	var closes int
	for _, r := range m.GetRequests(t) {
		if r.Action == ActionClose {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("close requests = %d, want 1", closes)
	}
}

func TestTransport_CloseNotFoundIsIgnored(t *testing.T) {
	m := newMockMQTT()
	m.setRespond(acceptAll(nil))
	tr := dial(t, newStartedClient(t, m), &fakeListener{})

	m.setRespond(failWith(ErrCodeNotFound))
	if err := tr.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil for an already closed bridge session", err)
	}
}

func TestParsePresence(t *testing.T) {
	tests := []struct {
		in     string
		want   session.PresenceSignal
		wantOK bool
	}{
		{"online", session.PresenceOnline, true},
		{"offline", session.PresenceOffline, true},
		{"absent", session.PresenceAbsent, true},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePresence(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParsePresence(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestResponseError(t *testing.T) {
	if err := responseError(nil); !errors.Is(err, ErrBridgeError) {
		t.Errorf("responseError(nil) = %v, want ErrBridgeError", err)
	}
	err := responseError(&ResponseError{Code: ErrCodeKeyInvalid})
	if err != session.ErrInvalidKey {
		t.Errorf("responseError(KEY_INVALID) = %v, want the bare sentinel", err)
	}
}
