package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// DefaultCommandTimeout bounds one command write.
const DefaultCommandTimeout = 10 * time.Second

// Subscriber is the MQTT surface of the command handler. *mqtt.Client
// satisfies it.
type Subscriber interface {
	Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Writer applies datapoint writes. *session.Registry satisfies it.
type Writer interface {
	SetValues(ctx context.Context, deviceID string, dps device.State) error
}

// CommandHandlerConfig configures a CommandHandler.
type CommandHandlerConfig struct {
	Client Subscriber
	Writer Writer
	QoS    byte

	// Timeout bounds each write. Default: 10 seconds.
	Timeout time.Duration
}

// CommandHandler turns MQTT commands into session writes and publishes an
// acknowledgment for each.
type CommandHandler struct {
	client  Subscriber
	writer  Writer
	qos     byte
	timeout time.Duration
	topics  mqtt.Topics

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	now func() time.Time
}

// NewCommandHandler creates a handler. Call Start to subscribe.
func NewCommandHandler(cfg CommandHandlerConfig) *CommandHandler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandHandler{
		client:  cfg.Client,
		writer:  cfg.Writer,
		qos:     cfg.QoS,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets the logger for this handler.
func (h *CommandHandler) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start subscribes to tuyalocal/command/+. Writes run on their own
// goroutines so the MQTT callback never waits for a device.
func (h *CommandHandler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.started = true
	h.mu.Unlock()

	if err := h.client.Subscribe(h.topics.AllCommands(), h.qos, h.handleMessage); err != nil {
		h.Stop()
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	return nil
}

// Stop unsubscribes, cancels writes in flight and waits for them.
func (h *CommandHandler) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	cancel := h.cancel
	h.mu.Unlock()

	if err := h.client.Unsubscribe(h.topics.AllCommands()); err != nil {
		h.logDebug("unsubscribing from commands failed", "error", err)
	}
	cancel()
	h.wg.Wait()
}

func (h *CommandHandler) handleMessage(topic string, payload []byte) error {
	deviceID := mqtt.LastSegment(topic)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.publishAck(deviceID, cmd.ID, fmt.Errorf("%w: %w", ErrInvalidCommand, err))
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if len(cmd.DPS) == 0 {
		h.publishAck(deviceID, cmd.ID, fmt.Errorf("%w: no datapoints", ErrInvalidCommand))
		return fmt.Errorf("%w: no datapoints", ErrInvalidCommand)
	}

	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	ctx := h.ctx
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		h.execute(ctx, deviceID, cmd)
	}()
	return nil
}

func (h *CommandHandler) execute(ctx context.Context, deviceID string, cmd CommandMessage) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.writer.SetValues(ctx, deviceID, cmd.DPS)
	if err != nil {
		h.logInfo("command failed", "device_id", deviceID, "error", err)
	}
	h.publishAck(deviceID, cmd.ID, err)
}

func (h *CommandHandler) publishAck(deviceID, commandID string, err error) {
	ack := AckMessage{
		CommandID: commandID,
		Timestamp: h.now(),
		DeviceID:  deviceID,
		Status:    AckAccepted,
	}
	if err != nil {
		ack.Status = AckFailed
		ack.Error = &AckError{Code: ackCode(err), Message: err.Error()}
	}

	payload, mErr := json.Marshal(ack)
	if mErr != nil {
		h.logWarn("marshalling ack failed", "error", mErr)
		return
	}
	if pErr := h.client.Publish(h.topics.Ack(deviceID), payload, h.qos, false); pErr != nil {
		h.logWarn("publishing ack failed", "device_id", deviceID, "error", pErr)
	}
}

func ackCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, session.ErrUnknownDevice):
		return ErrCodeUnknownDevice
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrSessionClosed):
		return ErrCodeNotConnected
	case errors.Is(err, session.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeSetFailed
	}
}

func (h *CommandHandler) getLogger() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

func (h *CommandHandler) logDebug(msg string, args ...any) {
	if l := h.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (h *CommandHandler) logInfo(msg string, args ...any) {
	if l := h.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (h *CommandHandler) logWarn(msg string, args ...any) {
	if l := h.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}
