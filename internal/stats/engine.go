// Package stats is the aggregation engine of fleetstat.
//
// Reports enter through Report and are queued on a bounded ingress
// channel. A single consolidator goroutine merges them into the state
// table, an aggregator goroutine sweeps the table on a fixed cadence and
// publishes snapshots, and a dispatcher goroutine fans notification
// events out to sinks. The goroutines only share the state table, which
// is guarded by a mutex, and the published snapshot, which is swapped
// atomically and never mutated after publication.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fleetstat/internal/notifier"
	"fleetstat/internal/protocol"
	"fleetstat/internal/registry"
	"fleetstat/internal/util"
)

var errNilReport = errors.New("nil report")

const (
	DefaultQueueSize    = 512
	DefaultTickInterval = 500 * time.Millisecond
	DefaultSaveInterval = 60 * time.Second
	MinInterval         = 30 * time.Second
)

// Options tunes the engine. Zero values select the defaults; the
// offline, notify and group GC windows are raised to MinInterval.
type Options struct {
	OfflineThreshold time.Duration
	NotifyInterval   time.Duration
	GroupGC          time.Duration
	SaveInterval     time.Duration
	TickInterval     time.Duration
	QueueSize        int

	// StatsFile is where snapshots are persisted; empty disables saving
	StatsFile string

	// MinAgentVersion flags reports from older agents; empty disables the check
	MinAgentVersion string

	Logger  logrus.FieldLogger
	Metrics *Metrics

	// Now is the time source; defaults to time.Now
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.OfflineThreshold < MinInterval {
		o.OfflineThreshold = MinInterval
	}
	if o.NotifyInterval < MinInterval {
		o.NotifyInterval = MinInterval
	}
	if o.GroupGC < MinInterval {
		o.GroupGC = MinInterval
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = DefaultSaveInterval
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// published is an immutable snapshot with its cached encodings
type published struct {
	snap   *protocol.Snapshot
	public []byte
	admin  []byte
}

// Engine consolidates reports into host state and publishes snapshots
type Engine struct {
	opts       Options
	logger     logrus.FieldLogger
	metrics    *Metrics
	registry   *registry.Registry
	dispatcher *notifier.Dispatcher
	minAgent   *version.Version
	now        func() time.Time

	ingress chan *protocol.Report
	events  chan notifier.Event

	mu     sync.Mutex
	states map[string]*protocol.HostState

	current atomic.Pointer[published]

	subMu       sync.RWMutex
	subscribers []func(*protocol.Snapshot)

	// owned by the aggregator
	lastGC     time.Time
	lastNotify time.Time
	lastSave   time.Time
}

// New creates an engine over reg delivering events through dispatcher.
// dispatcher may be nil; events are then buffered up to QueueSize and
// dropped once the buffer is full.
func New(reg *registry.Registry, dispatcher *notifier.Dispatcher, opts Options) (*Engine, error) {
	opts.setDefaults()

	e := &Engine{
		opts:       opts,
		logger:     opts.Logger.WithField("component", "stats"),
		metrics:    opts.Metrics,
		registry:   reg,
		dispatcher: dispatcher,
		now:        opts.Now,
		ingress:    make(chan *protocol.Report, opts.QueueSize),
		events:     make(chan notifier.Event, opts.QueueSize),
		states:     make(map[string]*protocol.HostState),
	}

	if opts.MinAgentVersion != "" {
		v, err := version.NewVersion(opts.MinAgentVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid minimum agent version: %w", err)
		}
		e.minAgent = v
	}

	e.lastGC = e.now()
	if err := e.publish(protocol.NewSnapshot(e.lastGC)); err != nil {
		return nil, err
	}
	return e, nil
}

// Run starts the consolidator, aggregator and dispatcher and blocks
// until ctx is cancelled. Queued reports and events are discarded.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.consolidateLoop(ctx)
		return nil
	})
	g.Go(func() error {
		e.aggregateLoop(ctx)
		return nil
	})
	if e.dispatcher != nil {
		g.Go(func() error {
			return e.dispatcher.Run(ctx, e.events)
		})
	}

	e.logger.WithFields(logrus.Fields{
		"offline_threshold": e.opts.OfflineThreshold,
		"notify_interval":   e.opts.NotifyInterval,
		"group_gc":          e.opts.GroupGC,
		"hosts":             e.registry.Len(),
	}).Info("stats engine started")

	err := g.Wait()
	e.logger.Info("stats engine stopped")
	return err
}

// Report decodes a JSON record and queues it. Malformed records are
// logged and dropped. It blocks while the ingress queue is full, until
// ctx is done.
func (e *Engine) Report(ctx context.Context, data []byte) {
	r, err := protocol.DecodeReport(data)
	if err != nil {
		e.drop(DropDecode, "", err)
		return
	}
	e.ReportStat(ctx, r)
}

// ReportValue queues an already decoded JSON object
func (e *Engine) ReportValue(ctx context.Context, m map[string]any) {
	r := protocol.NewReport()
	if err := util.ConvertMapToStruct(m, r); err != nil {
		e.drop(DropDecode, "", err)
		return
	}
	e.ReportStat(ctx, r)
}

// ReportStat queues a report. Nil or nameless reports are dropped.
func (e *Engine) ReportStat(ctx context.Context, r *protocol.Report) {
	if r == nil {
		e.drop(DropDecode, "", errNilReport)
		return
	}
	if err := r.Validate(); err != nil {
		e.drop(DropDecode, "", err)
		return
	}

	select {
	case e.ingress <- r:
		e.metrics.Reports.Inc()
	case <-ctx.Done():
		e.drop(DropCancelled, r.Name, ctx.Err())
	}
}

// Snapshot returns the latest published snapshot. Callers must not modify it.
func (e *Engine) Snapshot() *protocol.Snapshot {
	return e.current.Load().snap
}

// SnapshotJSON returns the public encoding of the latest snapshot
func (e *Engine) SnapshotJSON() []byte {
	return e.current.Load().public
}

// AdminSnapshotJSON returns the latest snapshot including geo and system info
func (e *Engine) AdminSnapshotJSON() []byte {
	return e.current.Load().admin
}

// Subscribe registers fn to be called with every published snapshot.
// fn runs on the aggregator goroutine and must not block.
func (e *Engine) Subscribe(fn func(*protocol.Snapshot)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Registry returns the host registry the engine resolves reports against
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

func (e *Engine) publish(snap *protocol.Snapshot) error {
	admin, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	public, err := snap.Public().Encode()
	if err != nil {
		return fmt.Errorf("failed to encode public snapshot: %w", err)
	}
	e.current.Store(&published{snap: snap, public: public, admin: admin})

	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, fn := range e.subscribers {
		fn(snap)
	}
	return nil
}

// emit queues an event for the dispatcher
func (e *Engine) emit(ctx context.Context, kind notifier.EventKind, st protocol.HostState) {
	e.metrics.Events.WithLabelValues(kind.String()).Inc()
	e.logger.WithFields(logrus.Fields{
		"event": kind.String(),
		"host":  st.Name,
	}).Debug("emitting event")

	ev := notifier.Event{Kind: kind, Host: st}
	if e.dispatcher == nil {
		select {
		case e.events <- ev:
		default:
			e.logger.WithField("event", kind.String()).Warn("event buffer full, event dropped")
		}
		return
	}

	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

func (e *Engine) drop(reason, host string, err error) {
	e.metrics.ReportsDropped.WithLabelValues(reason).Inc()
	entry := e.logger.WithField("reason", reason)
	if host != "" {
		entry = entry.WithField("host", host)
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("invalid stat dropped")
}
