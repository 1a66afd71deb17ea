// Package node serves the collector's HTTP surface: report ingestion,
// snapshot reads, Prometheus metrics and the websocket snapshot stream.
package node

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"fleetstat/internal/protocol"
	"fleetstat/internal/stats"
	"fleetstat/internal/util"
)

const (
	// GroupAuthHeader switches report authentication to group credentials
	GroupAuthHeader = "ssr-auth"
	groupAuthValue  = "group"

	defaultMaxBodyBytes = 1 << 20
	shutdownTimeout     = 5 * time.Second
)

// Options configures the HTTP surface
type Options struct {
	Addr      string
	AdminUser string
	// AdminPass protects the full snapshot; empty disables that endpoint
	AdminPass    string
	MaxBodyBytes int64

	// Failed report authentications from one address before it is refused
	MaxAuthFailures int
	BlockDuration   time.Duration
}

type Node struct {
	mu sync.Mutex

	// Core components
	opts       Options
	engine     *stats.Engine
	gatherer   prometheus.Gatherer
	wsManager  *WSManager
	blocklist  *Blocklist
	httpServer *http.Server
	listener   net.Listener
	logger     logrus.FieldLogger

	startTime time.Time
	done      chan struct{}
}

// NewNode wires the HTTP surface to engine. metrics may be nil; gatherer
// defaults to the global Prometheus registry.
func NewNode(engine *stats.Engine, gatherer prometheus.Gatherer, metrics *stats.Metrics, opts Options, logger logrus.FieldLogger) *Node {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var wsGauge prometheus.Gauge
	if metrics != nil {
		wsGauge = metrics.WebsocketClient
	}

	n := &Node{
		opts:      opts,
		engine:    engine,
		gatherer:  gatherer,
		wsManager: NewWSManager(engine.SnapshotJSON, wsGauge, logger),
		blocklist: NewBlocklist(opts.MaxAuthFailures, opts.BlockDuration),
		logger:    logger.WithField("component", "http"),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	engine.Subscribe(func(*protocol.Snapshot) {
		n.wsManager.Broadcast(engine.SnapshotJSON())
	})

	return n
}

// Handler returns the request router
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /report", n.handleReport)
	mux.HandleFunc("GET /json/stats.json", n.handleStats)
	mux.HandleFunc("GET /admin/stats.json", n.handleAdminStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(n.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", n.wsManager.handleWebSocket)
	mux.HandleFunc("GET /healthz", n.handleHealth)
	return mux
}

// Start binds the listen address and serves until ctx is done or Stop is called
func (n *Node) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.opts.Addr, err)
	}

	n.mu.Lock()
	n.listener = ln
	n.httpServer = &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := n.httpServer
	n.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.WithError(err).Error("http server error")
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			if err := n.Stop(); err != nil {
				n.logger.WithError(err).Error("error stopping http server")
			}
		case <-n.done:
		}
	}()

	n.logger.WithField("addr", ln.Addr().String()).Info("http server listening")
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener != nil {
		return n.listener.Addr().String()
	}
	return n.opts.Addr
}

// Stop shuts the server down and disconnects websocket subscribers
func (n *Node) Stop() error {
	n.mu.Lock()
	srv := n.httpServer
	n.httpServer = nil
	if srv != nil {
		close(n.done)
	}
	n.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	n.wsManager.Stop()
	return err
}

func (n *Node) handleReport(w http.ResponseWriter, r *http.Request) {
	remote := util.GetRemoteIP(r)
	if n.blocklist.IsBlocked(remote) {
		writeError(w, http.StatusForbidden, "IP is blocked")
		return
	}

	user, pass, ok := r.BasicAuth()
	group := r.Header.Get(GroupAuthHeader) == groupAuthValue
	reg := n.engine.Registry()

	if ok && group {
		ok = reg.GroupAuth(user, pass)
	} else if ok {
		ok = reg.Auth(user, pass)
	}
	if !ok {
		blocked := n.blocklist.RecordFailedAttempt(remote)
		n.logger.WithFields(logrus.Fields{
			"user":    user,
			"group":   group,
			"remote":  remote,
			"blocked": blocked,
		}).Warn("report rejected: bad credentials")
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	n.blocklist.RecordSuccess(remote)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, n.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if group {
		var m map[string]any
		if err := json.Unmarshal(body, &m); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		m["gid"] = user
		n.engine.ReportValue(r.Context(), m)
	} else {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		n.engine.Report(r.Context(), body)
	}

	writeJSON(w, http.StatusOK, []byte(`{"code":0}`))
}

func (n *Node) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.engine.SnapshotJSON())
}

func (n *Node) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if !n.adminAuth(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, n.engine.AdminSnapshotJSON())
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, _ := json.Marshal(map[string]any{
		"status":  "ok",
		"uptime":  int64(time.Since(n.startTime).Seconds()),
		"updated": n.engine.Snapshot().Updated,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) adminAuth(r *http.Request) bool {
	if n.opts.AdminPass == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(n.opts.AdminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(n.opts.AdminPass)) == 1
	return userOK && passOK
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}
