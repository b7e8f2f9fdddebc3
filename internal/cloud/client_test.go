package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/config"
)

// fakeCloud serves one home with the given devices JSON.
type fakeCloud struct {
	homeCalls   atomic.Int32
	deviceCalls atomic.Int32

	mu      sync.Mutex
	devices string
	homeErr bool
}

func (f *fakeCloud) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(homesPath, func(w http.ResponseWriter, r *http.Request) {
		f.homeCalls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		f.mu.Lock()
		fail := f.homeErr
		f.mu.Unlock()
		if fail {
			fmt.Fprint(w, `{"success":false,"code":1010,"msg":"token invalid"}`)
			return
		}
		fmt.Fprint(w, `{"success":true,"result":[{"ownerId":42,"name":"Home"}]}`)
	})
	mux.HandleFunc(devicesPath, func(w http.ResponseWriter, r *http.Request) {
		f.deviceCalls.Add(1)
		if got := r.URL.Query().Get("homeId"); got != "42" {
			t.Errorf("homeId = %q, want 42", got)
		}
		f.mu.Lock()
		body := f.devices
		f.mu.Unlock()
		fmt.Fprintf(w, `{"success":true,"result":%s}`, body)
	})
	return mux
}

func (f *fakeCloud) setDevices(body string) {
	f.mu.Lock()
	f.devices = body
	f.mu.Unlock()
}

func newTestClient(t *testing.T, f *fakeCloud) (*Client, *time.Time) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	c := New(config.CloudConfig{
		Endpoint:    srv.URL + "/",
		AccessToken: "token-1",
		ClientID:    "client-1",
	}, srv.Client(), nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

const twoDevices = `[
	{"id":"gw1","name":"Gateway","local_key":"key-a","ip":"203.0.113.7","online":true},
	{"id":"sub1","name":"Sensor","local_key":"key-a","node_id":"a4c1","sub":true}
]`

func TestClient_Devices(t *testing.T) {
	f := &fakeCloud{devices: twoDevices}
	c, _ := newTestClient(t, f)

	got, err := c.Devices(context.Background(), false)
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Devices()) = %d, want 2", len(got))
	}
	sub := got["sub1"]
	if sub.LocalKey != "key-a" || sub.NodeID != "a4c1" || !sub.Sub {
		t.Errorf("sub1 = %+v, want key-a on node a4c1", sub)
	}
	if got["gw1"].IP != "203.0.113.7" || !got["gw1"].Online {
		t.Errorf("gw1 = %+v, want online at 203.0.113.7", got["gw1"])
	}
}

func TestClient_Throttle(t *testing.T) {
	tests := []struct {
		name      string
		advance   time.Duration
		force     bool
		wantCalls int32
	}{
		{"fresh list is reused", 60 * time.Second, false, 1},
		{"stale list is refreshed", 301 * time.Second, false, 2},
		{"forced inside window is reused", 5 * time.Second, true, 1},
		{"forced after short window refreshes", 11 * time.Second, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCloud{devices: twoDevices}
			c, now := newTestClient(t, f)

			if _, err := c.Devices(context.Background(), false); err != nil {
				t.Fatalf("first Devices() error = %v", err)
			}
			*now = now.Add(tt.advance)
			if _, err := c.Devices(context.Background(), tt.force); err != nil {
				t.Fatalf("second Devices() error = %v", err)
			}

			if got := f.deviceCalls.Load(); got != tt.wantCalls {
				t.Errorf("device list requests = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestClient_EmptyListIsNeverFresh(t *testing.T) {
	f := &fakeCloud{devices: `[]`}
	c, _ := newTestClient(t, f)

	for j := 0; j < 2; j++ {
		if _, err := c.Devices(context.Background(), false); err != nil {
			t.Fatalf("Devices() error = %v", err)
		}
	}
	if got := f.homeCalls.Load(); got != 2 {
		t.Errorf("home requests = %d, want 2", got)
	}
}

func TestClient_RefreshMergesAndStamps(t *testing.T) {
	f := &fakeCloud{devices: twoDevices}
	c, now := newTestClient(t, f)

	if _, err := c.Devices(context.Background(), true); err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if !c.LastRefresh().Equal(*now) {
		t.Errorf("LastRefresh() = %v, want %v", c.LastRefresh(), *now)
	}

	f.setDevices(`[{"id":"sub1","local_key":"key-b","node_id":"a4c1","sub":true}]`)
	*now = now.Add(time.Minute)
	got, err := c.Devices(context.Background(), true)
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if got["sub1"].LocalKey != "key-b" {
		t.Errorf("sub1 key = %q, want rotated key-b", got["sub1"].LocalKey)
	}
	if _, ok := got["gw1"]; !ok {
		t.Error("gw1 dropped, want earlier records kept")
	}
}

func TestClient_APIError(t *testing.T) {
	f := &fakeCloud{devices: twoDevices, homeErr: true}
	c, _ := newTestClient(t, f)

	_, err := c.Devices(context.Background(), true)
	if !errors.Is(err, ErrAPI) {
		t.Errorf("Devices() error = %v, want ErrAPI", err)
	}
	if len(c.Cached()) != 0 {
		t.Errorf("Cached() = %v, want empty", c.Cached())
	}
}

func TestClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c := New(config.CloudConfig{Endpoint: srv.URL}, srv.Client(), nil)

	if _, err := c.Devices(context.Background(), false); !errors.Is(err, ErrRequestFailed) {
		t.Errorf("Devices() error = %v, want ErrRequestFailed", err)
	}
}

func TestClient_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	t.Cleanup(srv.Close)
	c := New(config.CloudConfig{Endpoint: srv.URL}, srv.Client(), nil)

	if _, err := c.Devices(context.Background(), false); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Devices() error = %v, want ErrInvalidResponse", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(config.CloudConfig{}, nil, nil)

	if c.refreshInterval != DefaultRefreshInterval {
		t.Errorf("refreshInterval = %v, want %v", c.refreshInterval, DefaultRefreshInterval)
	}
	if c.forcedInterval != DefaultForcedRefreshInterval {
		t.Errorf("forcedInterval = %v, want %v", c.forcedInterval, DefaultForcedRefreshInterval)
	}
	if c.httpClient.Timeout != DefaultRequestTimeout {
		t.Errorf("http timeout = %v, want %v", c.httpClient.Timeout, DefaultRequestTimeout)
	}
}
