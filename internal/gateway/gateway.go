// Package gateway terminates device WebSocket connections, drives the
// handshake, and hands each authenticated connection off to a device
// session for the lifetime of the socket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/devicegateway/internal/backend"
	"github.com/postalsys/devicegateway/internal/device"
	"github.com/postalsys/devicegateway/internal/gwsession"
	"github.com/postalsys/devicegateway/internal/identity"
	"github.com/postalsys/devicegateway/internal/logging"
	"github.com/postalsys/devicegateway/internal/metrics"
	"github.com/postalsys/devicegateway/internal/recovery"
)

// wsReadLimit bounds a single inbound WebSocket message. Record-layer
// frames plus the CCM tag are small; this just guards against a
// misbehaving device flooding memory.
const wsReadLimit = 1 << 20

// ErrDeviceAlreadyConnected is returned when a second connection attempts
// to open for a device path that already has an active session.
var ErrDeviceAlreadyConnected = errors.New("gateway: device already connected")

// Collaborators bundles every backend dependency the gateway wires into
// each accepted device session.
type Collaborators struct {
	Auth            backend.Auth
	DeviceStore     backend.DeviceStore
	ScriptStore     backend.ScriptStore
	PubSub          backend.PubSub
	TelemetryParser backend.TelemetryParser
	TelemetrySink   backend.TelemetrySink
	Metrics         backend.MetricsTracker
	RetryTable      *identity.RetryTable
	TickInterval    time.Duration
}

// Gateway accepts device WebSocket connections, resolves device identity,
// drives the gwsession handshake, and runs the resulting device.Session
// until the connection closes.
type Gateway struct {
	collab      Collaborators
	logger      *slog.Logger
	promMetrics *metrics.Metrics
	handshaker  *gwsession.Handshaker

	mu       sync.Mutex
	sessions map[identity.DevicePath]*device.Session
}

// New builds a Gateway.
func New(collab Collaborators, logger *slog.Logger, promMetrics *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Gateway{
		collab:      collab,
		logger:      logger,
		promMetrics: promMetrics,
		handshaker:  gwsession.NewHandshaker(),
		sessions:    make(map[identity.DevicePath]*device.Session),
	}
}

// Register wires the device endpoint onto mux at pattern, e.g.
// "GET /wssk/{partId}/{deviceId}".
func (g *Gateway) Register(mux *http.ServeMux, pattern string) {
	mux.HandleFunc(pattern, g.handleConnect)
}

// ActiveSessions returns the number of devices currently connected.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.sessions {
		if s != nil {
			n++
		}
	}
	return n
}

func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	defer recovery.RecoverWithCallback(g.logger, "gateway.handleConnect", func(recovered interface{}) {
		g.recordHandshakeError("panic")
	})

	ctx := r.Context()
	partID := r.PathValue("partId")
	deviceID := r.PathValue("deviceId")

	id, err := g.collab.Auth.ResolveDevice(ctx, partID, deviceID)
	if err != nil {
		g.recordHandshakeError("unknown_device")
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	path, err := id.Path()
	if err != nil {
		http.Error(w, "bad device identity", http.StatusBadRequest)
		return
	}

	if !g.reserve(path) {
		g.recordHandshakeError("already_connected")
		http.Error(w, ErrDeviceAlreadyConnected.Error(), http.StatusConflict)
		return
	}
	defer g.release(path)

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	wsConn.SetReadLimit(wsReadLimit)
	conn := &wsMessageConn{conn: wsConn}

	start := time.Now()
	sess, err := g.handshaker.Accept(ctx, conn, id.DeviceKey)
	if err != nil {
		g.recordHandshakeError("handshake_failed")
		wsConn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	if g.promMetrics != nil {
		g.promMetrics.RecordHandshake(time.Since(start).Seconds())
	}

	logger := g.logger.With(logging.KeyDevicePath, path.String())

	devSession, err := device.NewSession(sess, id, device.Collaborators{
		DeviceStore:     g.collab.DeviceStore,
		ScriptStore:     g.collab.ScriptStore,
		PubSub:          g.collab.PubSub,
		TelemetryParser: g.collab.TelemetryParser,
		TelemetrySink:   g.collab.TelemetrySink,
		Metrics:         g.collab.Metrics,
		RetryTable:      g.collab.RetryTable,
		TickInterval:    g.collab.TickInterval,
	}, logger, g.promMetrics)
	if err != nil {
		_ = sess.Close("session setup failed")
		return
	}

	g.mu.Lock()
	g.sessions[path] = devSession
	g.mu.Unlock()

	if err := devSession.Start(ctx); err != nil {
		logger.Warn("device session start failed", logging.KeyError, err.Error())
		devSession.Close("start failed")
		return
	}

	g.readLoop(ctx, path, sess, devSession, logger)
}

// readLoop decrypts and dispatches inbound records until the connection
// errors out, then tears down the device session. Mirrors the teacher's
// stream read-loop goroutines: one blocking read per iteration, dispatch
// inline, no buffering beyond what the record layer itself does.
func (g *Gateway) readLoop(ctx context.Context, path identity.DevicePath, sess *gwsession.Session, devSession *device.Session, logger *slog.Logger) {
	defer recovery.RecoverWithLog(logger, "gateway.readLoop")
	defer devSession.Close("connection closed")

	for {
		plaintext, err := sess.ReadRecord(ctx)
		if err != nil {
			if g.promMetrics != nil {
				g.promMetrics.RecordFrameError("read_record")
			}
			return
		}
		if err := devSession.HandleInboundRecord(ctx, plaintext); err != nil {
			logger.Warn("inbound record dispatch failed", logging.KeyError, err.Error())
		}
	}
}

// reserve claims path for a new connection attempt, rejecting a second
// concurrent session for the same device.
func (g *Gateway) reserve(path identity.DevicePath) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.sessions[path]; exists {
		return false
	}
	g.sessions[path] = nil
	return true
}

func (g *Gateway) release(path identity.DevicePath) {
	g.mu.Lock()
	delete(g.sessions, path)
	g.mu.Unlock()
}

func (g *Gateway) recordHandshakeError(errType string) {
	if g.promMetrics != nil {
		g.promMetrics.RecordHandshakeError(errType)
	}
}

// wsMessageConn adapts an nhooyr.io/websocket connection to
// gwsession.MessageConn: one binary WebSocket message per record.
type wsMessageConn struct {
	conn *websocket.Conn
}

func (w *wsMessageConn) ReadMessage(ctx context.Context) ([]byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("gateway: unexpected websocket message type %v", typ)
	}
	return data, nil
}

func (w *wsMessageConn) WriteMessage(ctx context.Context, payload []byte) error {
	return w.conn.Write(ctx, websocket.MessageBinary, payload)
}

func (w *wsMessageConn) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}
