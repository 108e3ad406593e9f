// Package events publishes case lifecycle events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// Publisher emits case lifecycle events. Publishing is best effort:
// implementations log failures and never return them.
type Publisher interface {
	Publish(ctx context.Context, event core.CaseEvent)
	Close()
}

// Config configures the NATS publisher
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// conn is the part of *nats.Conn the publisher uses
type conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes events as JSON on <prefix>.<event type>
type NATSPublisher struct {
	conn   conn
	prefix string
	logger *zap.SugaredLogger
}

// NewNATSPublisher connects to NATS
func NewNATSPublisher(cfg Config, logger *zap.SugaredLogger) (*NATSPublisher, error) {
	if cfg.Name == "" {
		cfg.Name = "warden"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Infow("NATS publisher initialized", "url", cfg.URL, "prefix", cfg.SubjectPrefix)
	return newNATSPublisher(nc, cfg.SubjectPrefix, logger), nil
}

func newNATSPublisher(c conn, prefix string, logger *zap.SugaredLogger) *NATSPublisher {
	if prefix == "" {
		prefix = "warden"
	}
	return &NATSPublisher{conn: c, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the subject an event type is published on
func (p *NATSPublisher) Subject(t core.CaseEventType) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ctx context.Context, event core.CaseEvent) {
	if err := ctx.Err(); err != nil {
		metrics.EventsPublished.WithLabelValues(string(event.Type), "dropped").Inc()
		return
	}
	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(event.Type), "failure").Inc()
		p.logger.Warnw("Failed to marshal case event", "type", event.Type, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(event.Type), data); err != nil {
		metrics.EventsPublished.WithLabelValues(string(event.Type), "failure").Inc()
		p.logger.Warnw("Failed to publish case event", "type", event.Type, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type), "success").Inc()
}

// Close closes the connection
func (p *NATSPublisher) Close() {
	p.conn.Close()
}

// Noop discards events
type Noop struct{}

func (Noop) Publish(context.Context, core.CaseEvent) {}

func (Noop) Close() {}
