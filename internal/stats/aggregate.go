package stats

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"fleetstat/internal/notifier"
	"fleetstat/internal/protocol"
)

func (e *Engine) aggregateLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one sweep: group GC, liveness, labels, notifications,
// snapshot publication and persistence
func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		e.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	now := e.now()
	nowTS := uint64(now.Unix())

	if now.Sub(e.lastGC) >= e.opts.GroupGC {
		e.collectGroups(nowTS)
		e.lastGC = now
	}

	offline := uint64(e.opts.OfflineThreshold.Seconds())
	notifyDue := e.lastNotify.Add(e.opts.NotifyInterval).Before(now)

	var events []notifier.Event
	snap := protocol.NewSnapshot(now)

	e.mu.Lock()
	for _, st := range e.states {
		if st.Disabled {
			snap.Servers = append(snap.Servers, *st)
			continue
		}
		if st.LatestTS+offline < nowTS {
			st.Online4 = false
			st.Online6 = false
		}
		deriveOSLabel(st)

		if notifyDue && st.Notify {
			if st.Online() {
				events = append(events, notifier.Event{Kind: notifier.Custom, Host: *st})
			} else {
				st.Disabled = true
				events = append(events, notifier.Event{Kind: notifier.NodeDown, Host: *st})
			}
		}
		snap.Servers = append(snap.Servers, *st)
	}
	e.mu.Unlock()

	if len(events) > 0 {
		e.lastNotify = now
	}
	for _, ev := range events {
		e.emit(ctx, ev.Kind, ev.Host)
	}

	sortServers(snap.Servers)
	if err := e.publish(snap); err != nil {
		e.logger.WithError(err).Error("failed to publish snapshot")
		return
	}
	e.recordHosts(snap)

	if now.Sub(e.lastSave) >= e.opts.SaveInterval && len(snap.Servers) > 0 {
		e.lastSave = now
		e.save()
	}
}

// collectGroups drops group members that have not reported within the GC window
func (e *Engine) collectGroups(nowTS uint64) {
	window := uint64(e.opts.GroupGC.Seconds())

	var expired []string
	e.mu.Lock()
	for name, st := range e.states {
		if st.Gid != "" && st.LatestTS+window < nowTS {
			expired = append(expired, name)
			delete(e.states, name)
		}
	}
	if len(expired) > 0 {
		e.registry.Remove(expired...)
	}
	e.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	e.logger.WithField("hosts", expired).Info("expired group members removed")
}

// sortServers orders by weight descending, then position, then alias
func sortServers(servers []protocol.HostState) {
	sort.SliceStable(servers, func(i, j int) bool {
		a, b := &servers[i], &servers[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}
		return a.Alias < b.Alias
	})
}

func (e *Engine) recordHosts(snap *protocol.Snapshot) {
	var online, offline, disabled float64
	for i := range snap.Servers {
		switch st := &snap.Servers[i]; {
		case st.Disabled:
			disabled++
		case st.Online():
			online++
		default:
			offline++
		}
	}
	e.metrics.Hosts.WithLabelValues("online").Set(online)
	e.metrics.Hosts.WithLabelValues("offline").Set(offline)
	e.metrics.Hosts.WithLabelValues("disabled").Set(disabled)

	e.logger.WithFields(logrus.Fields{
		"online":   online,
		"offline":  offline,
		"disabled": disabled,
	}).Trace("snapshot published")
}
