// Package notifier fans host events out to pluggable sinks.
//
// The Dispatcher consumes events one at a time, in arrival order, and
// hands each to every registered Sink. A sink that fails or panics is
// logged and skipped; it never affects the other sinks or later events.
// Sinks doing network I/O queue the work on their own goroutine and
// return immediately.
package notifier

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"fleetstat/internal/protocol"
)

// EventKind tags a notification
type EventKind int

const (
	NodeUp EventKind = iota
	NodeDown
	Custom
)

func (k EventKind) String() string {
	switch k {
	case NodeUp:
		return "NodeUp"
	case NodeDown:
		return "NodeDown"
	case Custom:
		return "Custom"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event pairs a kind with the host state that triggered it
type Event struct {
	Kind EventKind
	Host protocol.HostState
}

// Sink is a notification target
type Sink interface {
	Kind() string
	Notify(kind EventKind, host *protocol.HostState) error
}

// Config groups the settings of every built-in sink
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Webhook WebhookConfig `yaml:"webhook"`
	NATS    NATSConfig    `yaml:"nats"`
	Redis   RedisConfig   `yaml:"redis"`
}

// BuildSinks creates the enabled sinks. On error, sinks created so far are closed.
func BuildSinks(cfg Config, logger logrus.FieldLogger) ([]Sink, error) {
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		CloseSinks(sinks, logger)
		return nil, err
	}

	if cfg.Log.Enabled {
		s, err := NewLogSink(cfg.Log, logger)
		if err != nil {
			return fail(fmt.Errorf("log sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if cfg.Webhook.Enabled {
		s, err := NewWebhookSink(cfg.Webhook, logger)
		if err != nil {
			return fail(fmt.Errorf("webhook sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if cfg.NATS.Enabled {
		s, err := NewNATSSink(cfg.NATS, logger)
		if err != nil {
			return fail(fmt.Errorf("nats sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if cfg.Redis.Enabled {
		s, err := NewRedisSink(cfg.Redis, logger)
		if err != nil {
			return fail(fmt.Errorf("redis sink: %w", err))
		}
		sinks = append(sinks, s)
	}

	return sinks, nil
}

// CloseSinks closes every sink that holds resources
func CloseSinks(sinks []Sink, logger logrus.FieldLogger) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.WithError(err).WithField("sink", s.Kind()).Warn("failed to close sink")
			}
		}
	}
}

// Dispatcher delivers events to sinks
type Dispatcher struct {
	logger   logrus.FieldLogger
	sinks    []Sink
	failures *prometheus.CounterVec
}

// NewDispatcher creates a dispatcher. failures may be nil; when set it
// is incremented with the sink kind as its only label.
func NewDispatcher(logger logrus.FieldLogger, failures *prometheus.CounterVec, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		logger:   logger,
		sinks:    sinks,
		failures: failures,
	}
}

// Sinks returns the registered sinks
func (d *Dispatcher) Sinks() []Sink {
	return d.sinks
}

// Run consumes events until ctx is done or events is closed
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Dispatch(ev)
		}
	}
}

// Dispatch hands a single event to every sink
func (d *Dispatcher) Dispatch(ev Event) {
	d.logger.WithFields(logrus.Fields{
		"event": ev.Kind.String(),
		"host":  ev.Host.Name,
	}).Trace("dispatching event")

	for _, s := range d.sinks {
		if err := d.notifyOne(s, ev); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"sink":  s.Kind(),
				"event": ev.Kind.String(),
				"host":  ev.Host.Name,
			}).Error("sink notify failed")
			if d.failures != nil {
				d.failures.WithLabelValues(s.Kind()).Inc()
			}
		}
	}
}

func (d *Dispatcher) notifyOne(s Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()

	host := ev.Host
	return s.Notify(ev.Kind, &host)
}

// Close releases sink resources
func (d *Dispatcher) Close() {
	CloseSinks(d.sinks, d.logger)
}
