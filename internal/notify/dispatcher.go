package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// DefaultQueueSize bounds the dispatcher queue.
const DefaultQueueSize = 1024

// DefaultSinkTimeout bounds one sink call.
const DefaultSinkTimeout = 5 * time.Second

// Logger is the optional logging surface. *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Sink receives notifications on the dispatcher goroutine. Calls for one
// sink never overlap.
type Sink interface {
	Name() string
	HandleEvent(ctx context.Context, e session.Event) error
	HandleStatus(ctx context.Context, u StatusUpdate) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds pending items. Default: 1024.
	QueueSize int

	// SinkTimeout bounds each sink call. Default: 5 seconds.
	SinkTimeout time.Duration
}

type item struct {
	event  *session.Event
	status *StatusUpdate
}

// Dispatcher decouples the session layer from slow sinks. It implements
// session.Notifier and session.StatusSink; both only enqueue. When the
// queue is full the item is dropped and counted.
type Dispatcher struct {
	sinks       []Sink
	queue       chan item
	sinkTimeout time.Duration

	dropped atomic.Uint64

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex

	now func() time.Time
}

// NewDispatcher creates a dispatcher delivering to sinks in order.
func NewDispatcher(cfg DispatcherConfig, sinks ...Sink) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	timeout := cfg.SinkTimeout
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	return &Dispatcher{
		sinks:       sinks,
		queue:       make(chan item, size),
		sinkTimeout: timeout,
		done:        make(chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets the logger for this dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// HandleEvent implements session.Notifier.
func (d *Dispatcher) HandleEvent(e session.Event) {
	d.enqueue(item{event: &e})
}

// HandleStatus implements session.StatusSink. The status is copied.
func (d *Dispatcher) HandleStatus(deviceID string, status device.State) {
	d.enqueue(item{status: &StatusUpdate{
		DeviceID:  deviceID,
		State:     status.Clone(),
		Timestamp: d.now(),
	}})
}

func (d *Dispatcher) enqueue(it item) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.queue <- it:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.logWarn("notification queue full, dropping", "dropped", n)
		}
	}
}

// Dropped returns how many items were discarded on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Start begins delivery. Call Stop to shut down.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop delivers what is already queued and returns. Safe to call multiple
// times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			d.drain()
			return
		case it := <-d.queue:
			d.deliver(it)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case it := <-d.queue:
			d.deliver(it)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(it item) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.sinkTimeout)
		var err error
		switch {
		case it.event != nil:
			err = s.HandleEvent(ctx, *it.event)
		case it.status != nil:
			err = s.HandleStatus(ctx, *it.status)
		}
		cancel()
		if err != nil {
			d.logDebug("sink delivery failed", "sink", s.Name(), "error", err)
		}
	}
}

func (d *Dispatcher) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Dispatcher) logDebug(msg string, args ...any) {
	if l := d.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (d *Dispatcher) logWarn(msg string, args ...any) {
	if l := d.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}
