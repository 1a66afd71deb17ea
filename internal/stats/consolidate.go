package stats

import (
	"context"
	"errors"

	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"

	"fleetstat/internal/notifier"
	"fleetstat/internal/protocol"
	"fleetstat/internal/registry"
)

func (e *Engine) consolidateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-e.ingress:
			e.consolidate(ctx, r)
		}
	}
}

// consolidate merges one report into the state table
func (e *Engine) consolidate(ctx context.Context, r *protocol.Report) {
	entry := e.logger.WithFields(logrus.Fields{"host": r.Name, "gid": r.Gid})
	entry.Trace("recv stat")

	e.checkAgent(r)

	now := e.now()

	// Binding and insertion share e.mu with group GC, so a member
	// cannot lose its config between the two.
	e.mu.Lock()
	cfg, err := e.registry.Bind(r.Name, r.Gid)
	if err != nil {
		e.mu.Unlock()
		e.rejectBind(entry, r.Name, err)
		return
	}

	st := newHostState(r, &cfg)
	st.LatestTS = uint64(now.Unix())

	reset := false
	if !r.Vnstat {
		rotate := rotationDue(now, cfg.MonthStart)
		baseIn, derivedIn, resetIn := rebase(r.NetworkIn, cfg.LastNetworkIn, rotate)
		baseOut, derivedOut, resetOut := rebase(r.NetworkOut, cfg.LastNetworkOut, rotate)
		if resetIn || resetOut {
			e.registry.SetBaselines(cfg.Name, baseIn, baseOut)
			reset = true
		}
		st.LastNetworkIn, st.LastNetworkOut = derivedIn, derivedOut
		st.BaselineNetworkIn, st.BaselineNetworkOut = baseIn, baseOut
	}

	nodeUp := false
	if prev, ok := e.states[st.Name]; ok {
		nodeUp = st.Notify && prev.LatestTS+uint64(e.opts.OfflineThreshold.Seconds()) < st.LatestTS
		if st.IpInfo == nil {
			st.IpInfo = prev.IpInfo
		}
		if st.SysInfo == nil {
			st.SysInfo = prev.SysInfo
		}
	}
	e.states[st.Name] = st
	// st is shared with the aggregator once inserted
	event := *st
	e.mu.Unlock()

	if reset {
		entry.WithFields(logrus.Fields{
			"baseline_in":  event.BaselineNetworkIn,
			"baseline_out": event.BaselineNetworkOut,
		}).Debug("network baseline reset")
	}
	entry.Trace("update stat")
	if nodeUp {
		e.emit(ctx, notifier.NodeUp, event)
	}
}

// rejectBind records why a report could not be bound to a host
func (e *Engine) rejectBind(entry logrus.Ext1FieldLogger, name string, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownGroup):
		e.drop(DropNoGroup, name, err)
	case errors.Is(err, registry.ErrHostDisabled):
		e.metrics.ReportsDropped.WithLabelValues(DropDisabled).Inc()
		entry.Trace("host disabled, stat ignored")
	default:
		e.drop(DropUnknown, name, err)
	}
}

// newHostState builds host state from a report, filling identity from cfg
func newHostState(r *protocol.Report, cfg *registry.HostConfig) *protocol.HostState {
	st := &protocol.HostState{
		Name:     cfg.Name,
		Alias:    r.Alias,
		Type:     r.Type,
		Location: r.Location,
		Gid:      cfg.Gid,
		Notify:   cfg.Notify && r.Notify,
		Vnstat:   r.Vnstat,
		Online4:  r.Online4,
		Online6:  r.Online6,
		Uptime:   formatUptime(r.Uptime),

		Load1:  r.Load1,
		Load5:  r.Load5,
		Load15: r.Load15,

		Ping10010: r.Ping10010,
		Ping189:   r.Ping189,
		Ping10086: r.Ping10086,
		Time10010: r.Time10010,
		Time189:   r.Time189,
		Time10086: r.Time10086,

		TCPCount:     r.TCPCount,
		UDPCount:     r.UDPCount,
		ProcessCount: r.ProcessCount,
		ThreadCount:  r.ThreadCount,

		NetworkRx:      r.NetworkRx,
		NetworkTx:      r.NetworkTx,
		NetworkIn:      r.NetworkIn,
		NetworkOut:     r.NetworkOut,
		LastNetworkIn:  r.LastNetworkIn,
		LastNetworkOut: r.LastNetworkOut,

		CPU:         r.CPU,
		MemoryTotal: r.MemoryTotal,
		MemoryUsed:  r.MemoryUsed,
		SwapTotal:   r.SwapTotal,
		SwapUsed:    r.SwapUsed,
		HddTotal:    r.HddTotal,
		HddUsed:     r.HddUsed,

		Labels: cfg.Labels,
		Custom: r.Custom,
		SI:     r.SI,

		IpInfo:  r.IpInfo,
		SysInfo: r.SysInfo,

		Weight: cfg.Weight,
		Pos:    cfg.Pos,
	}

	if st.Alias == "" {
		st.Alias = cfg.Alias
	}
	if st.Location == "" {
		st.Location = cfg.Location
	}
	if st.Type == "" {
		st.Type = cfg.Type
	}
	return st
}

// checkAgent counts reports from agents older than the configured minimum
func (e *Engine) checkAgent(r *protocol.Report) {
	if e.minAgent == nil || r.SysInfo == nil || r.SysInfo.Version == "" {
		return
	}
	v, err := version.NewVersion(r.SysInfo.Version)
	if err != nil {
		e.logger.WithField("host", r.Name).WithError(err).Debug("unparseable agent version")
		return
	}
	if v.LessThan(e.minAgent) {
		e.metrics.OutdatedAgents.Inc()
		e.logger.WithFields(logrus.Fields{
			"host":    r.Name,
			"version": v.String(),
			"minimum": e.minAgent.String(),
		}).Debug("outdated agent")
	}
}
