package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// Client defaults.
const (
	DefaultProtocol       = "tuya"
	DefaultRequestTimeout = 5 * time.Second
	DefaultOpenTimeout    = 10 * time.Second
)

// MQTTClient is the subset of the MQTT client the bridge client uses.
// *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Logger is the optional logging surface. *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configure a Client.
type Options struct {
	// MQTT is the broker connection. Required.
	MQTT MQTTClient

	// Protocol is the topic segment of the bridge. Default "tuya".
	Protocol string

	// QoS for requests and subscriptions. Default 1.
	QoS byte

	RequestTimeout time.Duration
	OpenTimeout    time.Duration

	Logger Logger
}

// Client talks to the external protocol bridge daemon over MQTT and
// implements session.Dialer. Each Dial opens one bridge session; requests are
// correlated by id and events are routed by session id to the Transport that
// owns it.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	mqtt           MQTTClient
	topics         mqtt.Topics
	protocol       string
	qos            byte
	requestTimeout time.Duration
	openTimeout    time.Duration

	pending   map[string]chan ResponseMessage
	pendingMu sync.Mutex

	transports   map[string]*Transport // session id
	transportsMu sync.RWMutex

	health   *HealthMessage
	healthMu sync.RWMutex

	started atomic.Bool

	requestsSent   atomic.Uint64
	requestsFailed atomic.Uint64
	eventsReceived atomic.Uint64

	newID func() string
	now   func() time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// NewClient creates a client. Call Start before dialing.
func NewClient(opts Options) (*Client, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Protocol == "" {
		opts.Protocol = DefaultProtocol
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}

	return &Client{
		mqtt:           opts.MQTT,
		protocol:       opts.Protocol,
		qos:            opts.QoS,
		requestTimeout: opts.RequestTimeout,
		openTimeout:    opts.OpenTimeout,
		pending:        make(map[string]chan ResponseMessage),
		transports:     make(map[string]*Transport),
		newID:          uuid.NewString,
		now:            time.Now,
		logger:         opts.Logger,
	}, nil
}

// Start subscribes to the bridge's response, event and health topics.
func (c *Client) Start() error {
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{c.topics.AllBridgeResponses(c.protocol), c.handleResponse},
		{c.topics.AllBridgeEvents(c.protocol), c.handleEvent},
		{c.topics.BridgeHealth(c.protocol), c.handleHealth},
	}
	for _, s := range subs {
		if err := c.mqtt.Subscribe(s.topic, c.qos, s.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}
	c.started.Store(true)
	c.logInfo("bridge client started", "protocol", c.protocol)
	return nil
}

// Stop unsubscribes, fails every waiting request with ErrStopped and marks
// the open transports closed without notifying their listeners.
func (c *Client) Stop() {
	if !c.started.Swap(false) {
		return
	}
	for _, topic := range []string{
		c.topics.AllBridgeResponses(c.protocol),
		c.topics.AllBridgeEvents(c.protocol),
		c.topics.BridgeHealth(c.protocol),
	} {
		if err := c.mqtt.Unsubscribe(topic); err != nil {
			c.logWarn("unsubscribe failed", "topic", topic, "error", err)
		}
	}

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.transportsMu.Lock()
	transports := c.transports
	c.transports = make(map[string]*Transport)
	c.transportsMu.Unlock()
	for _, t := range transports {
		t.markClosed()
	}
}

// Dial opens a bridge session for the device and returns its Transport.
// Events for the session are delivered to listener from then on.
func (c *Client) Dial(ctx context.Context, p session.DialParams, listener session.Listener) (session.Transport, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}

	t := &Transport{
		client:    c,
		sessionID: c.newID(),
		deviceID:  p.DeviceID,
		listener:  listener,
	}

	_, err := c.request(ctx, RequestMessage{
		SessionID: t.sessionID,
		Action:    ActionOpen,
		DeviceID:  p.DeviceID,
		Params: map[string]any{
			"host":             p.Host,
			"local_key":        p.LocalKey,
			"protocol_version": p.ProtocolVersion,
			"debug":            p.EnableDebug,
		},
	}, c.openTimeout)
	if err != nil {
		if errors.Is(err, session.ErrTimeout) || ctx.Err() != nil {
			// The bridge may still open the session; ask it to drop it.
			c.send(RequestMessage{SessionID: t.sessionID, Action: ActionClose, DeviceID: p.DeviceID})
		}
		return nil, err
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	c.transportsMu.Lock()
	c.transports[t.sessionID] = t
	c.transportsMu.Unlock()

	c.logDebug("bridge session opened", "device_id", p.DeviceID, "session_id", t.sessionID)
	return t, nil
}

// request publishes req and waits for its response, for ctx, or for timeout.
// A failed response is returned as an error matching the session sentinels.
func (c *Client) request(ctx context.Context, req RequestMessage, timeout time.Duration) (ResponseMessage, error) {
	req.ID = c.newID()
	req.Timestamp = c.now().UTC()

	ch := make(chan ResponseMessage, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.publish(req); err != nil {
		c.requestsFailed.Add(1)
		return ResponseMessage{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			c.requestsFailed.Add(1)
			return ResponseMessage{}, ErrStopped
		}
		if !resp.Success {
			c.requestsFailed.Add(1)
			return resp, responseError(resp.Error)
		}
		return resp, nil
	case <-timer.C:
		c.requestsFailed.Add(1)
		return ResponseMessage{}, fmt.Errorf("%w: %s after %v", session.ErrTimeout, req.Action, timeout)
	case <-ctx.Done():
		return ResponseMessage{}, ctx.Err()
	}
}

// send publishes req without waiting for a response.
func (c *Client) send(req RequestMessage) {
	req.ID = c.newID()
	req.Timestamp = c.now().UTC()
	if err := c.publish(req); err != nil {
		c.requestsFailed.Add(1)
		c.logDebug("bridge request not sent", "action", req.Action, "error", err)
	}
}

func (c *Client) publish(req RequestMessage) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshalling %s request: %w", req.Action, err)
	}
	c.requestsSent.Add(1)
	if err := c.mqtt.Publish(c.topics.BridgeRequest(c.protocol, req.ID), payload, c.qos, false); err != nil {
		return fmt.Errorf("%w: publishing %s request: %w", ErrBridgeError, req.Action, err)
	}
	return nil
}

func (c *Client) handleResponse(topic string, payload []byte) error {
	var resp ResponseMessage
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("%w: response: %w", ErrInvalidMessage, err)
	}
	if resp.RequestID == "" {
		resp.RequestID = mqtt.LastSegment(topic)
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logDebug("response for unknown request", "request_id", resp.RequestID)
		return nil
	}
	ch <- resp
	return nil
}

func (c *Client) handleEvent(topic string, payload []byte) error {
	var ev EventMessage
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("%w: event: %w", ErrInvalidMessage, err)
	}
	if ev.SessionID == "" {
		ev.SessionID = mqtt.LastSegment(topic)
	}
	c.eventsReceived.Add(1)

	c.transportsMu.RLock()
	t, ok := c.transports[ev.SessionID]
	c.transportsMu.RUnlock()
	if !ok {
		c.logDebug("event for unknown session", "session_id", ev.SessionID, "type", ev.Type)
		return nil
	}
	return t.handleEvent(ev)
}

func (c *Client) handleHealth(_ string, payload []byte) error {
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: health: %w", ErrInvalidMessage, err)
	}

	c.healthMu.Lock()
	prev := c.health
	c.health = &msg
	c.healthMu.Unlock()

	if prev == nil || prev.Status != msg.Status {
		c.logInfo("bridge health changed", "status", msg.Status, "reason", msg.Reason)
	}
	return nil
}

func (c *Client) unregister(sessionID string) {
	c.transportsMu.Lock()
	delete(c.transports, sessionID)
	c.transportsMu.Unlock()
}

// BridgeHealth returns the last health record the bridge published.
func (c *Client) BridgeHealth() (HealthMessage, bool) {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	if c.health == nil {
		return HealthMessage{}, false
	}
	return *c.health, true
}

// Stats is a snapshot of client counters.
type Stats struct {
	OpenSessions   int    `json:"open_sessions"`
	RequestsSent   uint64 `json:"requests_sent"`
	RequestsFailed uint64 `json:"requests_failed"`
	EventsReceived uint64 `json:"events_received"`
}

// Stats returns the client counters.
func (c *Client) Stats() Stats {
	c.transportsMu.RLock()
	open := len(c.transports)
	c.transportsMu.RUnlock()
	return Stats{
		OpenSessions:   open,
		RequestsSent:   c.requestsSent.Load(),
		RequestsFailed: c.requestsFailed.Load(),
		EventsReceived: c.eventsReceived.Load(),
	}
}

// SetLogger sets the logger.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (c *Client) logInfo(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (c *Client) logWarn(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}
