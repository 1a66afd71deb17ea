package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fleetstat/internal/protocol"
)

const (
	webhookKind           = "webhook"
	defaultWebhookTimeout = 5 * time.Second
)

// WebhookReceiver is a single webhook endpoint
type WebhookReceiver struct {
	Enabled  bool              `yaml:"enabled"`
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	// Template renders the request body; empty sends a JSON Message
	Template string `yaml:"tpl"`
	// MinInterval throttles deliveries to this receiver; zero disables throttling
	MinInterval time.Duration `yaml:"min_interval"`
}

// WebhookConfig configures the webhook sink
type WebhookConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Receivers []WebhookReceiver `yaml:"receiver"`
}

type webhookTarget struct {
	WebhookReceiver
	tpl     *template.Template
	limiter *rate.Limiter
}

// WebhookSink POSTs events to HTTP receivers
type WebhookSink struct {
	client  *http.Client
	targets []*webhookTarget
	queue   *deliveryQueue
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewWebhookSink creates a webhook sink for the enabled receivers
func NewWebhookSink(cfg WebhookConfig, logger logrus.FieldLogger) (*WebhookSink, error) {
	logger = logger.WithField("sink", webhookKind)
	s := &WebhookSink{
		client: &http.Client{},
		logger: logger,
		now:    time.Now,
	}

	for i, r := range cfg.Receivers {
		if !r.Enabled {
			continue
		}
		if r.URL == "" {
			return nil, fmt.Errorf("receiver %d has no url", i)
		}
		if r.Timeout <= 0 {
			r.Timeout = defaultWebhookTimeout
		}
		t := &webhookTarget{WebhookReceiver: r}
		if r.Template != "" {
			tpl, err := ParseTemplate(fmt.Sprintf("%s-%d", webhookKind, i), r.Template)
			if err != nil {
				return nil, err
			}
			t.tpl = tpl
		}
		if r.MinInterval > 0 {
			t.limiter = rate.NewLimiter(rate.Every(r.MinInterval), 1)
		}
		s.targets = append(s.targets, t)
	}

	s.queue = newDeliveryQueue(defaultQueueSize*len(s.targets), logger)
	return s, nil
}

func (s *WebhookSink) Kind() string {
	return webhookKind
}

func (s *WebhookSink) Notify(kind EventKind, host *protocol.HostState) error {
	now := s.now()
	for _, t := range s.targets {
		body, err := s.body(t, kind, host, now)
		if err != nil {
			return fmt.Errorf("%s: %w", t.URL, err)
		}
		if len(body) == 0 {
			continue
		}
		if t.limiter != nil && !t.limiter.Allow() {
			s.logger.WithField("url", t.URL).Debug("webhook throttled")
			continue
		}

		target := t
		if err := s.queue.submit(func() { s.post(target, body) }); err != nil {
			return fmt.Errorf("%s: %w", t.URL, err)
		}
	}
	return nil
}

func (s *WebhookSink) body(t *webhookTarget, kind EventKind, host *protocol.HostState, now time.Time) ([]byte, error) {
	if t.tpl == nil {
		return json.Marshal(NewMessage(kind, host, now))
	}
	content, err := Render(t.tpl, kind, host, now)
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

func (s *WebhookSink) post(t *webhookTarget, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		s.logger.WithError(err).WithField("url", t.URL).Error("failed to build webhook request")
		return
	}
	if t.tpl == nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if t.Username != "" && t.Password != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.WithError(err).WithField("url", t.URL).Error("webhook send failed")
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	entry := s.logger.WithFields(logrus.Fields{"url": t.URL, "status": resp.StatusCode})
	if resp.StatusCode >= 300 {
		entry.Warn("webhook rejected message")
		return
	}
	entry.Debug("webhook delivered")
}

// Close waits for in-flight deliveries
func (s *WebhookSink) Close() error {
	s.queue.close()
	return nil
}
