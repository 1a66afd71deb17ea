package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetstat/internal/notifier"
	"fleetstat/internal/protocol"
	"fleetstat/internal/registry"
	"fleetstat/internal/test/testutil"
)

var testStart = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, hosts []registry.HostConfig, groups []registry.HostGroup, mutate ...func(*Options)) (*Engine, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(testStart)
	opts := Options{
		Logger:    testutil.NewTestLogger(t).Logger(),
		Now:       clock.Now,
		StatsFile: filepath.Join(t.TempDir(), "stats.json"),
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(registry.New(hosts, groups), nil, opts)
	require.NoError(t, err)
	return e, clock
}

func newReport(name string) *protocol.Report {
	r := protocol.NewReport()
	r.Name = name
	return r
}

func drainEvents(e *Engine) []notifier.Event {
	var out []notifier.Event
	for {
		select {
		case ev := <-e.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventKinds(events []notifier.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind.String()+":"+ev.Host.Name)
	}
	return out
}

func findHost(t *testing.T, snap *protocol.Snapshot, name string) protocol.HostState {
	t.Helper()
	for _, s := range snap.Servers {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("host %s not in snapshot", name)
	return protocol.HostState{}
}

func TestConsolidateFillsIdentity(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{
		{Name: "h1", Alias: "Box", Location: "us", Type: "kvm", Notify: true, Labels: "ndd=1"},
	}, nil)
	ctx := context.Background()

	r := newReport("h1")
	r.Uptime = 3 * 86400
	r.Location = "override"
	e.consolidate(ctx, r)
	e.tick(ctx)

	st := findHost(t, e.Snapshot(), "h1")
	assert.Equal(t, "Box", st.Alias)
	assert.Equal(t, "override", st.Location)
	assert.Equal(t, "kvm", st.Type)
	assert.Equal(t, "ndd=1", st.Labels)
	assert.Equal(t, "3 days", st.Uptime)
	assert.Equal(t, uint64(10000), st.Weight)
	assert.Equal(t, uint64(testStart.Unix()), st.LatestTS)
	assert.True(t, st.Notify)
}

func TestEffectiveNotify(t *testing.T) {
	tests := []struct {
		name          string
		cfg, reported bool
		want          bool
	}{
		{"both", true, true, true},
		{"config off", false, true, false},
		{"report off", true, false, false},
		{"neither", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, []registry.HostConfig{{Name: "h1", Notify: tt.cfg}}, nil)
			r := newReport("h1")
			r.Notify = tt.reported
			e.consolidate(context.Background(), r)

			e.mu.Lock()
			defer e.mu.Unlock()
			assert.Equal(t, tt.want, e.states["h1"].Notify)
		})
	}
}

func TestConsolidateDrops(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{
		{Name: "h1", Notify: true},
		{Name: "off", Disabled: true},
	}, []registry.HostGroup{{Gid: "g1"}})
	ctx := context.Background()

	e.consolidate(ctx, newReport("ghost"))
	e.consolidate(ctx, newReport("off"))
	nogroup := newReport("h2")
	nogroup.Gid = "missing"
	e.consolidate(ctx, nogroup)
	e.Report(ctx, []byte("{not json"))
	e.Report(ctx, []byte(`{"load_1": 1}`))

	dropped := e.metrics.ReportsDropped
	assert.Equal(t, 1.0, promtest.ToFloat64(dropped.WithLabelValues(DropUnknown)))
	assert.Equal(t, 1.0, promtest.ToFloat64(dropped.WithLabelValues(DropDisabled)))
	assert.Equal(t, 1.0, promtest.ToFloat64(dropped.WithLabelValues(DropNoGroup)))
	assert.Equal(t, 2.0, promtest.ToFloat64(dropped.WithLabelValues(DropDecode)))

	e.mu.Lock()
	assert.Empty(t, e.states)
	e.mu.Unlock()
}

func TestLatestTSNonDecreasing(t *testing.T) {
	e, clock := newTestEngine(t, []registry.HostConfig{{Name: "h1", Notify: true}}, nil)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 10; i++ {
		e.consolidate(ctx, newReport("h1"))
		e.tick(ctx)
		st := findHost(t, e.Snapshot(), "h1")
		assert.GreaterOrEqual(t, st.LatestTS, last)
		assert.True(t, st.Online())
		last = st.LatestTS
		clock.Advance(5 * time.Second)
	}
}

func TestOfflineFiresSingleNodeDown(t *testing.T) {
	e, clock := newTestEngine(t, []registry.HostConfig{{Name: "h1", Notify: true}}, nil)
	ctx := context.Background()

	e.consolidate(ctx, newReport("h1"))
	e.tick(ctx)
	assert.Equal(t, []string{"Custom:h1"}, eventKinds(drainEvents(e)))

	clock.Advance(31 * time.Second)
	e.tick(ctx)
	assert.Equal(t, []string{"NodeDown:h1"}, eventKinds(drainEvents(e)))

	st := findHost(t, e.Snapshot(), "h1")
	assert.False(t, st.Online4)
	assert.False(t, st.Online6)
	assert.True(t, st.Disabled)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		e.tick(ctx)
	}
	assert.Empty(t, drainEvents(e))
	assert.True(t, findHost(t, e.Snapshot(), "h1").Disabled)
	assert.Equal(t, 1.0, promtest.ToFloat64(e.metrics.Hosts.WithLabelValues("disabled")))
}

func TestReturningHostFiresNodeUp(t *testing.T) {
	tests := []struct {
		name   string
		notify bool
		want   []string
	}{
		{"notify enabled", true, []string{"NodeUp:h1"}},
		{"notify disabled", false, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, clock := newTestEngine(t, []registry.HostConfig{{Name: "h1", Notify: tt.notify}}, nil)
			ctx := context.Background()

			e.consolidate(ctx, newReport("h1"))
			e.tick(ctx)
			clock.Advance(45 * time.Second)
			e.tick(ctx)
			down := findHost(t, e.Snapshot(), "h1")
			assert.False(t, down.Online())
			drainEvents(e)

			e.consolidate(ctx, newReport("h1"))
			assert.Equal(t, tt.want, eventKinds(drainEvents(e)))

			e.consolidate(ctx, newReport("h1"))
			assert.Empty(t, drainEvents(e))

			e.tick(ctx)
			st := findHost(t, e.Snapshot(), "h1")
			assert.True(t, st.Online())
			assert.False(t, st.Disabled)
		})
	}
}

func TestNotifyGateIsShared(t *testing.T) {
	e, clock := newTestEngine(t, []registry.HostConfig{
		{Name: "a", Notify: true},
		{Name: "b", Notify: true},
	}, nil)
	ctx := context.Background()

	e.consolidate(ctx, newReport("a"))
	e.consolidate(ctx, newReport("b"))
	e.tick(ctx)
	assert.Len(t, drainEvents(e), 2)

	clock.Advance(10 * time.Second)
	e.tick(ctx)
	assert.Empty(t, drainEvents(e))

	clock.Advance(21 * time.Second)
	e.tick(ctx)
	assert.Len(t, drainEvents(e), 2)
}

func TestNetworkAccounting(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{{Name: "h1", Notify: true}}, nil)
	ctx := context.Background()
	e.registry.SeedBaselines("h1", 100, 1000)

	r := newReport("h1")
	r.NetworkIn, r.NetworkOut = 150, 1300
	e.consolidate(ctx, r)

	e.mu.Lock()
	st := *e.states["h1"]
	e.mu.Unlock()
	assert.Equal(t, uint64(50), st.LastNetworkIn)
	assert.Equal(t, uint64(300), st.LastNetworkOut)
	assert.Equal(t, uint64(100), st.BaselineNetworkIn)

	r = newReport("h1")
	r.NetworkIn, r.NetworkOut = 20, 1400
	e.consolidate(ctx, r)

	e.mu.Lock()
	st = *e.states["h1"]
	e.mu.Unlock()
	assert.Equal(t, uint64(0), st.LastNetworkIn)
	assert.Equal(t, uint64(400), st.LastNetworkOut)

	cfg, ok := e.registry.Host("h1")
	require.True(t, ok)
	assert.Equal(t, uint64(20), cfg.LastNetworkIn)
	assert.Equal(t, uint64(1000), cfg.LastNetworkOut)
}

func TestVnstatSkipsAccounting(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{{Name: "h1"}}, nil)
	e.registry.SeedBaselines("h1", 100, 100)

	r := newReport("h1")
	r.Vnstat = true
	r.NetworkIn, r.LastNetworkIn = 500, 42
	e.consolidate(context.Background(), r)

	e.mu.Lock()
	assert.Equal(t, uint64(42), e.states["h1"].LastNetworkIn)
	e.mu.Unlock()

	cfg, _ := e.registry.Host("h1")
	assert.Equal(t, uint64(100), cfg.LastNetworkIn)
}

func TestRotationWindowResetsBaseline(t *testing.T) {
	e, clock := newTestEngine(t, []registry.HostConfig{{Name: "h1", MonthStart: 15}}, nil)
	ctx := context.Background()
	e.registry.SeedBaselines("h1", 100, 100)

	clock.Set(time.Date(2024, 3, 15, 0, 3, 0, 0, time.UTC))
	r := newReport("h1")
	r.NetworkIn, r.NetworkOut = 500, 700
	e.consolidate(ctx, r)

	cfg, _ := e.registry.Host("h1")
	assert.Equal(t, uint64(500), cfg.LastNetworkIn)
	assert.Equal(t, uint64(700), cfg.LastNetworkOut)

	clock.Set(time.Date(2024, 3, 15, 0, 6, 0, 0, time.UTC))
	r = newReport("h1")
	r.NetworkIn, r.NetworkOut = 800, 700
	e.consolidate(ctx, r)

	e.mu.Lock()
	assert.Equal(t, uint64(300), e.states["h1"].LastNetworkIn)
	e.mu.Unlock()
}

func TestGroupRebindKeepsBaseline(t *testing.T) {
	e, _ := newTestEngine(t, nil, []registry.HostGroup{
		{Gid: "a", Location: "us", Type: "kvm", Notify: true},
		{Gid: "b", Location: "de", Type: "lxc", Notify: false},
	})
	ctx := context.Background()

	r := newReport("h1")
	r.Gid = "a"
	r.NetworkIn = 1000
	e.consolidate(ctx, r)

	r = newReport("h1")
	r.Gid = "b"
	r.NetworkIn = 1200
	e.consolidate(ctx, r)
	e.tick(ctx)

	st := findHost(t, e.Snapshot(), "h1")
	assert.Equal(t, "b", st.Gid)
	assert.Equal(t, "de", st.Location)
	assert.Equal(t, "lxc", st.Type)
	assert.False(t, st.Notify)
	assert.Equal(t, uint64(10000-200), st.Weight)
	assert.Equal(t, uint64(200), st.LastNetworkIn)
	assert.Equal(t, uint64(1000), st.BaselineNetworkIn)
}

func TestGroupGC(t *testing.T) {
	e, clock := newTestEngine(t, []registry.HostConfig{{Name: "static"}}, []registry.HostGroup{{Gid: "g"}})
	ctx := context.Background()

	dyn := newReport("dyn")
	dyn.Gid = "g"
	e.consolidate(ctx, dyn)
	e.consolidate(ctx, newReport("static"))
	assert.Equal(t, 2, e.registry.Len())

	clock.Advance(20 * time.Second)
	e.tick(ctx)
	assert.Len(t, e.Snapshot().Servers, 2)

	clock.Advance(20 * time.Second)
	e.tick(ctx)

	snap := e.Snapshot()
	require.Len(t, snap.Servers, 1)
	assert.Equal(t, "static", snap.Servers[0].Name)
	assert.False(t, snap.Servers[0].Online())
	_, ok := e.registry.Host("dyn")
	assert.False(t, ok)
	assert.Equal(t, 1, e.registry.Len())
}

func TestSnapshotOrdering(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{
		{Name: "first"},
		{Name: "second"},
	}, []registry.HostGroup{{Gid: "g"}})
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha"} {
		r := newReport(name)
		r.Gid = "g"
		e.consolidate(ctx, r)
	}
	e.consolidate(ctx, newReport("second"))
	e.consolidate(ctx, newReport("first"))
	e.tick(ctx)

	var names []string
	for _, s := range e.Snapshot().Servers {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"first", "second", "alpha", "zeta"}, names)
}

func TestSnapshotEncodings(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{{Name: "h1"}}, nil)
	ctx := context.Background()

	var published []*protocol.Snapshot
	e.Subscribe(func(s *protocol.Snapshot) { published = append(published, s) })

	r := newReport("h1")
	r.IpInfo = &protocol.IpInfo{Query: "203.0.113.7", Country: "NL"}
	r.SysInfo = &protocol.SysInfo{OSRelease: "Alpine Linux v3.19", Version: "1.0.0"}
	e.consolidate(ctx, r)
	e.consolidate(ctx, newReport("h1"))
	e.tick(ctx)

	require.Len(t, published, 1)
	assert.Same(t, e.Snapshot(), published[0])

	st := findHost(t, e.Snapshot(), "h1")
	require.NotNil(t, st.IpInfo, "ip info must survive a report without one")
	assert.Equal(t, "os=alpine", st.Labels)

	var public map[string]any
	require.NoError(t, json.Unmarshal(e.SnapshotJSON(), &public))
	server := public["servers"].([]any)[0].(map[string]any)
	assert.NotContains(t, server, "ip_info")
	assert.NotContains(t, server, "sys_info")
	assert.Equal(t, float64(testStart.Unix()), public["updated"])

	var admin protocol.Snapshot
	require.NoError(t, json.Unmarshal(e.AdminSnapshotJSON(), &admin))
	require.NotNil(t, admin.Servers[0].IpInfo)
	assert.Equal(t, "NL", admin.Servers[0].IpInfo.Country)
}

func TestEmptySnapshotBeforeFirstTick(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	assert.Empty(t, e.Snapshot().Servers)
	assert.JSONEq(t, fmt.Sprintf(`{"updated":%d,"servers":[]}`, testStart.Unix()), string(e.SnapshotJSON()))
}

func TestReportValue(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{{Name: "h1"}}, nil)
	ctx := context.Background()

	e.ReportValue(ctx, map[string]any{"name": "h1", "network_in": 5, "online6": false})
	e.ReportValue(ctx, map[string]any{"network_in": 5})

	require.Len(t, e.ingress, 1)
	r := <-e.ingress
	assert.Equal(t, "h1", r.Name)
	assert.Equal(t, uint64(5), r.NetworkIn)
	assert.True(t, r.Online4)
	assert.False(t, r.Online6)
	assert.True(t, r.Notify)
	assert.Equal(t, 1.0, promtest.ToFloat64(e.metrics.ReportsDropped.WithLabelValues(DropDecode)))
}

func TestReportStatHonoursContext(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{{Name: "h1"}}, nil, func(o *Options) {
		o.QueueSize = 1
	})

	e.ReportStat(context.Background(), newReport("h1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e.ReportStat(ctx, newReport("h1"))

	assert.Equal(t, 1.0, promtest.ToFloat64(e.metrics.Reports))
	assert.Equal(t, 1.0, promtest.ToFloat64(e.metrics.ReportsDropped.WithLabelValues(DropCancelled)))
}

func TestReportStatRejectsInvalid(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{{Name: "h1"}}, nil)
	ctx := context.Background()

	e.ReportStat(ctx, nil)
	e.ReportStat(ctx, &protocol.Report{})

	assert.Empty(t, e.ingress)
	assert.Equal(t, 0.0, promtest.ToFloat64(e.metrics.Reports))
	assert.Equal(t, 2.0, promtest.ToFloat64(e.metrics.ReportsDropped.WithLabelValues(DropDecode)))
}

func TestEmitWithoutDispatcherNeverBlocks(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{{Name: "h1"}}, nil, func(o *Options) {
		o.QueueSize = 2
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			e.emit(context.Background(), notifier.Custom, protocol.HostState{Name: "h1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked without a dispatcher")
	}
	assert.Len(t, e.events, 2)
	assert.Equal(t, 5.0, promtest.ToFloat64(e.metrics.Events.WithLabelValues(notifier.Custom.String())))
}

func TestConsolidateConcurrentWithTick(t *testing.T) {
	const rounds = 500
	e, clock := newTestEngine(t, []registry.HostConfig{{Name: "h1", Notify: true}}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			r := newReport("h1")
			r.SysInfo = &protocol.SysInfo{OSRelease: "Ubuntu 22.04"}
			e.consolidate(ctx, r)
			clock.Advance(31 * time.Second)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			e.tick(ctx)
		}
	}()
	wg.Wait()

	for _, ev := range drainEvents(e) {
		assert.Equal(t, "h1", ev.Host.Name)
	}
	e.tick(ctx)
	findHost(t, e.Snapshot(), "h1")
}

func TestGroupGCConcurrentWithReports(t *testing.T) {
	const rounds = 500
	e, clock := newTestEngine(t, nil, []registry.HostGroup{{Gid: "g"}})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			r := newReport("member")
			r.Gid = "g"
			r.NetworkIn = uint64(1000 + i)
			e.consolidate(ctx, r)
			clock.Advance(31 * time.Second)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			e.collectGroups(uint64(clock.Now().Unix()))
		}
	}()
	wg.Wait()

	// every group member still in the state table keeps its config
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, st := range e.states {
		cfg, ok := e.registry.Host(name)
		require.True(t, ok, "state for %s without config", name)
		assert.Equal(t, st.Gid, cfg.Gid)
	}
}

func TestOutdatedAgents(t *testing.T) {
	e, _ := newTestEngine(t, []registry.HostConfig{{Name: "h1"}}, nil, func(o *Options) {
		o.MinAgentVersion = "1.2.0"
	})
	ctx := context.Background()

	for _, v := range []string{"1.1.9", "1.2.0", "2.0.0", "garbage", ""} {
		r := newReport("h1")
		r.SysInfo = &protocol.SysInfo{Version: v}
		e.consolidate(ctx, r)
	}
	assert.Equal(t, 1.0, promtest.ToFloat64(e.metrics.OutdatedAgents))

	_, err := New(registry.New(nil, nil), nil, Options{MinAgentVersion: "not.a.version!"})
	require.Error(t, err)
}

func TestOptionsFloors(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil, func(o *Options) {
		o.OfflineThreshold = time.Second
		o.NotifyInterval = 0
		o.GroupGC = 10 * time.Second
	})
	assert.Equal(t, MinInterval, e.opts.OfflineThreshold)
	assert.Equal(t, MinInterval, e.opts.NotifyInterval)
	assert.Equal(t, MinInterval, e.opts.GroupGC)
	assert.Equal(t, DefaultSaveInterval, e.opts.SaveInterval)
	assert.Equal(t, DefaultTickInterval, e.opts.TickInterval)
	assert.Equal(t, DefaultQueueSize, cap(e.ingress))
}

func TestBurstOfConcurrentReports(t *testing.T) {
	const n = 1000
	hosts := make([]registry.HostConfig, n)
	for i := range hosts {
		hosts[i] = registry.HostConfig{Name: fmt.Sprintf("host-%04d", i)}
	}

	e, err := New(registry.New(hosts, nil), nil, Options{
		Logger:       testutil.NewTestLogger(t).Logger(),
		TickInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.Report(ctx, []byte(fmt.Sprintf(`{"name":"host-%04d","load_1":%d}`, i, i)))
		}(i)
	}
	wg.Wait()

	testutil.WaitFor(t, testutil.RetryConfig{Timeout: 10 * time.Second, Delay: 20 * time.Millisecond}, func() bool {
		return len(e.Snapshot().Servers) == n
	}, "all reports consolidated")

	for _, s := range e.Snapshot().Servers {
		var idx int
		_, err := fmt.Sscanf(s.Name, "host-%04d", &idx)
		require.NoError(t, err)
		assert.Equal(t, float64(idx), s.Load1)
	}
	assert.Equal(t, float64(n), promtest.ToFloat64(e.metrics.Reports))

	cancel()
	require.NoError(t, <-done)
}
