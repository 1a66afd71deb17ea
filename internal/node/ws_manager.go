package node

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"fleetstat/internal/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 4
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// WSManager streams snapshots to websocket subscribers
type WSManager struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	upgrader websocket.Upgrader
	latest   func() []byte
	gauge    prometheus.Gauge
	logger   logrus.FieldLogger

	// Connection tracking
	activeConns sync.WaitGroup
}

// NewWSManager creates a manager; latest supplies the snapshot sent on connect
func NewWSManager(latest func() []byte, gauge prometheus.Gauge, logger logrus.FieldLogger) *WSManager {
	return &WSManager{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		latest: latest,
		gauge:  gauge,
		logger: logger.WithField("component", "ws"),
	}
}

// Broadcast queues data for every subscriber. Subscribers that have
// not drained earlier frames skip this one.
func (wm *WSManager) Broadcast(data []byte) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	for c := range wm.clients {
		select {
		case c.send <- data:
		default:
			wm.logger.WithField("remote", c.conn.RemoteAddr().String()).Trace("slow subscriber, frame skipped")
		}
	}
}

// Clients returns the number of connected subscribers
func (wm *WSManager) Clients() int {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return len(wm.clients)
}

// Stop disconnects every subscriber and waits for their goroutines
func (wm *WSManager) Stop() {
	wm.mu.Lock()
	for c := range wm.clients {
		c.conn.Close()
	}
	wm.mu.Unlock()

	wm.activeConns.Wait()
}

func (wm *WSManager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	remoteIP := util.GetRemoteIP(r)

	conn, err := wm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wm.logger.WithError(err).WithField("remote", remoteIP).Warn("websocket upgrade failed")
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	if data := wm.latest(); len(data) > 0 {
		c.send <- data
	}

	wm.activeConns.Add(1)
	wm.register(c)
	wm.logger.WithField("remote", remoteIP).Debug("websocket subscriber connected")

	go wm.writePump(c)
	wm.readPump(c)

	wm.unregister(c)
	wm.activeConns.Done()
	wm.logger.WithField("remote", remoteIP).Debug("websocket subscriber disconnected")
}

func (wm *WSManager) register(c *wsClient) {
	wm.mu.Lock()
	wm.clients[c] = struct{}{}
	n := len(wm.clients)
	wm.mu.Unlock()
	wm.setGauge(n)
}

func (wm *WSManager) unregister(c *wsClient) {
	wm.mu.Lock()
	delete(wm.clients, c)
	n := len(wm.clients)
	c.close()
	wm.mu.Unlock()
	wm.setGauge(n)
}

func (wm *WSManager) setGauge(n int) {
	if wm.gauge != nil {
		wm.gauge.Set(float64(n))
	}
}

// readPump discards client frames and returns when the connection fails
func (wm *WSManager) readPump(c *wsClient) {
	defer c.conn.Close()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (wm *WSManager) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
