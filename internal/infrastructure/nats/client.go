package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	natsgo "github.com/nats-io/nats.go"

	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/config"
)

var (
	ErrDisabled         = errors.New("nats: disabled in configuration")
	ErrConnectionFailed = errors.New("nats: connection failed")
	ErrNotConnected     = errors.New("nats: not connected")
	ErrPublishFailed    = errors.New("nats: publish failed")
)

// Logger is the optional logging surface. *logging.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// conn is the subset of *natsgo.Conn the client drives.
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
}

// Client publishes JSON messages on subjects under a fixed prefix.
type Client struct {
	conn   conn
	prefix string

	closeOnce sync.Once
}

// Connect dials the NATS server with reconnect handlers that log through
// logger (may be nil).
func Connect(ctx context.Context, cfg config.NATSConfig, logger Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	name := cfg.Name
	if name == "" {
		name = "tuyalocal-core"
	}

	opts := []natsgo.Option{
		natsgo.Name(name),
		natsgo.ReconnectWait(config.Seconds(cfg.ReconnectWait)),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if logger != nil {
				logger.Warn("disconnected from nats", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			if logger != nil {
				logger.Info("reconnected to nats", "url", nc.ConnectedUrl())
			}
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
			if logger == nil {
				return
			}
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats error", "subject", subject, "error", err)
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, natsgo.Timeout(config.Seconds(cfg.ConnectTimeout)))
	}

	nc, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return newClient(nc, cfg.SubjectPrefix), nil
}

func newClient(c conn, prefix string) *Client {
	if prefix == "" {
		prefix = "tuyalocal"
	}
	return &Client{conn: c, prefix: prefix}
}

// Subject joins parts under the prefix. Dots and wildcards inside a part
// are replaced with '_' so ids cannot change the subject structure.
func (c *Client) Subject(parts ...string) string {
	clean := make([]string, 0, len(parts)+1)
	clean = append(clean, c.prefix)
	for _, p := range parts {
		if p == "" {
			continue
		}
		clean = append(clean, strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(p))
	}
	return strings.Join(clean, ".")
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshalling payload: %w", ErrPublishFailed, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// IsConnected reports the live connection state.
func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

// Close drains pending messages and closes the connection. Safe on nil and
// idempotent.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Drain()
	})
	if err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}
