package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/config"
)

// API paths.
const (
	homesPath   = "/v1.0/m/life/users/homes"
	devicesPath = "/v1.0/m/life/ha/home/devices"
)

// Defaults mirror the configuration defaults.
const (
	DefaultRefreshInterval       = 300 * time.Second
	DefaultForcedRefreshInterval = 10 * time.Second
	DefaultRequestTimeout        = 10 * time.Second
)

// maxResponseSize caps a decoded reply.
const maxResponseSize = 4 << 20

// Logger is the optional logging surface. *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Client is the cloud device directory. It implements session.Directory.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	accessToken string
	clientID    string
	userID      string

	refreshInterval time.Duration
	forcedInterval  time.Duration

	mu          sync.Mutex
	devices     map[string]device.CloudDevice
	lastRefresh time.Time

	group singleflight.Group
	now   func() time.Time

	logger Logger
}

// New creates a directory client from the cloud configuration. httpClient
// may be nil.
func New(cfg config.CloudConfig, httpClient *http.Client, logger Logger) *Client {
	timeout := config.Seconds(cfg.RequestTimeout)
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	refresh := config.Seconds(cfg.RefreshInterval)
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	forced := config.Seconds(cfg.ForcedRefreshInterval)
	if forced <= 0 {
		forced = DefaultForcedRefreshInterval
	}

	return &Client{
		httpClient:      httpClient,
		endpoint:        strings.TrimRight(cfg.Endpoint, "/"),
		accessToken:     cfg.AccessToken,
		clientID:        cfg.ClientID,
		userID:          cfg.UserID,
		refreshInterval: refresh,
		forcedInterval:  forced,
		devices:         make(map[string]device.CloudDevice),
		now:             time.Now,
		logger:          logger,
	}
}

// Devices returns the account's devices keyed by device id. The cached list
// is returned while it is fresh; force shortens the freshness window rather
// than bypassing it.
func (c *Client) Devices(ctx context.Context, force bool) (map[string]device.CloudDevice, error) {
	interval := c.refreshInterval
	if force {
		interval = c.forcedInterval
	}

	c.mu.Lock()
	fresh := len(c.devices) > 0 && c.now().Sub(c.lastRefresh) < interval
	c.mu.Unlock()
	if fresh {
		c.logDebug("cloud device list is recent, not refreshing")
		return c.Cached(), nil
	}

	_, err, _ := c.group.Do("devices", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return c.Cached(), nil
}

// Cached returns a copy of the last fetched list without refreshing.
func (c *Client) Cached() map[string]device.CloudDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]device.CloudDevice, len(c.devices))
	for id, d := range c.devices {
		out[id] = d
	}
	return out
}

// LastRefresh returns when the list was last fetched.
func (c *Client) LastRefresh() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefresh
}

func (c *Client) refresh(ctx context.Context) error {
	homes, err := c.homes(ctx)
	if err != nil {
		return err
	}

	fetched := make(map[string]device.CloudDevice)
	for _, home := range homes {
		var records []deviceRecord
		q := url.Values{"homeId": {home}}
		if err := c.get(ctx, devicesPath, q, &records); err != nil {
			return fmt.Errorf("listing devices of home %s: %w", home, err)
		}
		for _, r := range records {
			fetched[r.ID] = r.toDevice()
		}
	}

	c.mu.Lock()
	for id, d := range fetched {
		c.devices[id] = d
	}
	c.lastRefresh = c.now()
	total := len(c.devices)
	c.mu.Unlock()

	c.logInfo("cloud device list refreshed", "homes", len(homes), "devices", total)
	return nil
}

func (c *Client) homes(ctx context.Context) ([]string, error) {
	var records []struct {
		OwnerID json.Number `json:"ownerId"`
	}
	if err := c.get(ctx, homesPath, nil, &records); err != nil {
		return nil, fmt.Errorf("listing homes: %w", err)
	}
	homes := make([]string, 0, len(records))
	for _, r := range records {
		homes = append(homes, r.OwnerID.String())
	}
	return homes, nil
}

// envelope is the common reply wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Code    json.Number     `json:"code"`
	Msg     string          `json:"msg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	u := c.endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if c.clientID != "" {
		req.Header.Set("client_id", c.clientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrRequestFailed, path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading body: %w", ErrRequestFailed, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if !env.Success {
		return fmt.Errorf("%w: error %s: %s", ErrAPI, env.Code, env.Msg)
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("%w: result: %w", ErrInvalidResponse, err)
	}
	return nil
}

// deviceRecord is the cloud's device shape.
type deviceRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	LocalKey  string `json:"local_key"`
	NodeID    string `json:"node_id"`
	UID       string `json:"uid"`
	IP        string `json:"ip"`
	Lat       string `json:"lat"`
	Lon       string `json:"lon"`
	Category  string `json:"category"`
	ProductID string `json:"product_id"`
	Sub       bool   `json:"sub"`
	Online    bool   `json:"online"`
}

func (r deviceRecord) toDevice() device.CloudDevice {
	return device.CloudDevice(r)
}

func (c *Client) logDebug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

func (c *Client) logInfo(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Info(msg, args...)
	}
}
