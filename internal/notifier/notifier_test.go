package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetstat/internal/protocol"
	"fleetstat/internal/test/testutil"
)

type recordingSink struct {
	kind  string
	err   error
	panic bool

	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Kind() string { return s.kind }

func (s *recordingSink) Notify(kind EventKind, host *protocol.HostState) error {
	if s.panic {
		panic("boom")
	}
	s.mu.Lock()
	s.events = append(s.events, kind.String()+":"+host.Name)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.events...)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "NodeUp", NodeUp.String())
	assert.Equal(t, "NodeDown", NodeDown.String())
	assert.Equal(t, "Custom", Custom.String())
	assert.Equal(t, "EventKind(9)", EventKind(9).String())
}

func TestDispatcherIsolatesSinks(t *testing.T) {
	logger := testutil.NewTestLogger(t)
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "failures"}, []string{"sink"})

	failing := &recordingSink{kind: "failing", err: errors.New("unreachable")}
	panicking := &recordingSink{kind: "panicking", panic: true}
	healthy := &recordingSink{kind: "healthy"}

	d := NewDispatcher(logger.Logger(), failures, failing, panicking, healthy)
	d.Dispatch(Event{Kind: NodeDown, Host: protocol.HostState{Name: "h1"}})
	d.Dispatch(Event{Kind: NodeUp, Host: protocol.HostState{Name: "h1"}})

	assert.Equal(t, []string{"NodeDown:h1", "NodeUp:h1"}, healthy.seen())
	assert.Equal(t, []string{"NodeDown:h1", "NodeUp:h1"}, failing.seen())
	assert.Equal(t, 2.0, promtest.ToFloat64(failures.WithLabelValues("failing")))
	assert.Equal(t, 2.0, promtest.ToFloat64(failures.WithLabelValues("panicking")))
	assert.Equal(t, 0.0, promtest.ToFloat64(failures.WithLabelValues("healthy")))
	logger.RequireContains(t, "sink panicked")
}

func TestDispatcherRunPreservesOrder(t *testing.T) {
	ctx := testutil.NewTestContext(t).Context()
	sink := &recordingSink{kind: "rec"}
	d := NewDispatcher(testutil.NewTestLogger(t).Logger(), nil, sink)

	events := make(chan Event, 8)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, events) }()

	events <- Event{Kind: NodeUp, Host: protocol.HostState{Name: "a"}}
	events <- Event{Kind: Custom, Host: protocol.HostState{Name: "b"}}
	events <- Event{Kind: NodeDown, Host: protocol.HostState{Name: "c"}}
	close(events)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after channel close")
	}
	assert.Equal(t, []string{"NodeUp:a", "Custom:b", "NodeDown:c"}, sink.seen())
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(nil, nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, make(chan Event)) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestBuildSinks(t *testing.T) {
	logger := testutil.NewTestLogger(t).Logger()

	sinks, err := BuildSinks(Config{}, logger)
	require.NoError(t, err)
	assert.Empty(t, sinks)

	dir := t.TempDir()
	sinks, err = BuildSinks(Config{
		Log: LogConfig{Enabled: true, LogDir: dir},
		Webhook: WebhookConfig{
			Enabled:   true,
			Receivers: []WebhookReceiver{{Enabled: true, URL: "http://127.0.0.1:1/hook"}},
		},
	}, logger)
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	assert.Equal(t, "log", sinks[0].Kind())
	assert.Equal(t, "webhook", sinks[1].Kind())
	CloseSinks(sinks, logger)

	_, err = BuildSinks(Config{
		Log:     LogConfig{Enabled: true, LogDir: dir},
		Webhook: WebhookConfig{Enabled: true, Receivers: []WebhookReceiver{{Enabled: true}}},
	}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook sink")
}

func TestNewMessage(t *testing.T) {
	now := time.Unix(1700000000, 0)
	host := &protocol.HostState{Name: "h1", Alias: "One"}

	a := NewMessage(NodeDown, host, now)
	b := NewMessage(NodeDown, host, now)

	assert.Equal(t, "NodeDown", a.Event)
	assert.Equal(t, int64(1700000000), a.Timestamp)
	assert.Equal(t, "One", a.Host.Alias)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}
