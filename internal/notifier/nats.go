package notifier

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"fleetstat/internal/protocol"
)

const (
	natsKind             = "nats"
	defaultSubjectPrefix = "fleetstat.events"
)

// NATSConfig configures the NATS sink
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// msgPublisher is the part of *nats.Conn the sink needs
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes events as JSON messages on
// <prefix>.<event>, e.g. fleetstat.events.nodedown
type NATSSink struct {
	conn   *nats.Conn
	pub    msgPublisher
	prefix string
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewNATSSink connects to the configured server
func NewNATSSink(cfg NATSConfig, logger logrus.FieldLogger) (*NATSSink, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	logger = logger.WithField("sink", natsKind)
	nc, err := nats.Connect(url,
		nats.Name("fleetstat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s := newNATSSink(nc, cfg.SubjectPrefix, logger)
	s.conn = nc
	return s, nil
}

func newNATSSink(pub msgPublisher, prefix string, logger logrus.FieldLogger) *NATSSink {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSSink{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
		now:    time.Now,
	}
}

func (s *NATSSink) Kind() string {
	return natsKind
}

// Subject returns the subject events of kind are published on
func (s *NATSSink) Subject(kind EventKind) string {
	return s.prefix + "." + strings.ToLower(kind.String())
}

// Notify publishes without waiting; the client library buffers the
// message and flushes it from its own goroutine.
func (s *NATSSink) Notify(kind EventKind, host *protocol.HostState) error {
	data, err := json.Marshal(NewMessage(kind, host, s.now()))
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	msg := nats.NewMsg(s.Subject(kind))
	msg.Data = data
	msg.Header.Set("Host", host.Name)
	msg.Header.Set("Event", kind.String())

	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Close drains the connection
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
