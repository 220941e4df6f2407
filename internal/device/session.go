package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/devicegateway/internal/backend"
	"github.com/postalsys/devicegateway/internal/deploy"
	"github.com/postalsys/devicegateway/internal/gwsession"
	"github.com/postalsys/devicegateway/internal/identity"
	"github.com/postalsys/devicegateway/internal/logging"
	"github.com/postalsys/devicegateway/internal/metrics"
	"github.com/postalsys/devicegateway/internal/recovery"
)

// SessionState is the device session's lifecycle state, mirroring the
// teacher's peer.ConnectionState enum shape.
type SessionState int32

const (
	StateHandshaking SessionState = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Stats accumulates per-session counters since the last tick flush.
// Extra holds any zero-initialized fields a stats collaborator defines
// beyond the three required counters.
type Stats struct {
	C2D     uint64
	C2DResp uint64
	D2C     uint64
	Extra   map[string]uint64
}

func (s *Stats) empty() bool {
	if s.C2D != 0 || s.C2DResp != 0 || s.D2C != 0 {
		return false
	}
	for _, v := range s.Extra {
		if v != 0 {
			return false
		}
	}
	return true
}

func (s *Stats) reset() {
	s.C2D = 0
	s.C2DResp = 0
	s.D2C = 0
	s.Extra = nil
}

// Collaborators bundles every external dependency a Session needs.
// Grouping them mirrors how the teacher's peer.Manager takes its
// external dependencies as one config struct rather than a long
// parameter list.
type Collaborators struct {
	DeviceStore     backend.DeviceStore
	ScriptStore     backend.ScriptStore
	PubSub          backend.PubSub
	TelemetryParser backend.TelemetryParser
	TelemetrySink   backend.TelemetrySink
	Metrics         backend.MetricsTracker
	RetryTable      *identity.RetryTable
	TickInterval    time.Duration
}

// Session owns one device's handshake/record connection, its deploy
// engine, and its backend bridge. One goroutine per Session reads inbound
// records; decryption and dispatch are synchronous in that goroutine so
// nonce increments and deploy state transitions stay strictly ordered.
type Session struct {
	path       identity.DevicePath
	identity   backend.DeviceIdentity
	sess       *gwsession.Session
	deploy     *deploy.Engine
	stats      Stats
	collab     Collaborators
	logger     *slog.Logger
	promMetrics *metrics.Metrics

	stateMu sync.Mutex
	state   SessionState

	lastMsg int64

	closeOnce sync.Once
	unsub     func()
	tickStop  chan struct{}
	tickWG    sync.WaitGroup
}

// NewSession wraps an authenticated gwsession.Session with the device
// identity and collaborator set. The returned Session is still in
// StateAuthenticated; call Start to subscribe to the backend and begin
// the tick schedule.
func NewSession(sess *gwsession.Session, id backend.DeviceIdentity, collab Collaborators, logger *slog.Logger, promMetrics *metrics.Metrics) (*Session, error) {
	path, err := id.Path()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if collab.TickInterval == 0 {
		collab.TickInterval = 2 * time.Second
	}

	return &Session{
		path:       path,
		identity:   id,
		sess:       sess,
		deploy:     deploy.NewEngine(),
		collab:     collab,
		logger:     logger,
		promMetrics: promMetrics,
		state:      StateAuthenticated,
		tickStop:   make(chan struct{}),
	}, nil
}

func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Start subscribes to the backend plane and launches the tick loop,
// transitioning the session into StateActive. It must be called at most
// once.
func (s *Session) Start(ctx context.Context) error {
	unsub, err := s.collab.PubSub.Subscribe(ctx, s.path, func(msg backend.InboundFromBackend) {
		if err := s.handleInbound(ctx, msg); err != nil {
			s.logger.Warn("inbound backend dispatch failed",
				logging.KeyDevicePath, s.path.String(),
				logging.KeyError, err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("device: subscribe: %w", err)
	}
	s.unsub = unsub
	s.setState(StateActive)
	if s.promMetrics != nil {
		s.promMetrics.RecordSessionStart()
		s.promMetrics.RecordSubscribe()
	}

	if s.identity.ScriptID != nil {
		if err := s.syncScript(ctx, s.identity); err != nil {
			s.logger.Warn("initial script sync failed",
				logging.KeyDevicePath, s.path.String(),
				logging.KeyError, err.Error())
		}
	}

	s.tickWG.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// HandleInboundRecord classifies and dispatches one record that the
// caller's I/O loop has already read and decrypted. Nonce
// increments happen inside sess.ReadRecord/WriteRecord; this method only
// ever sees plaintext.
func (s *Session) HandleInboundRecord(ctx context.Context, plaintext []byte) error {
	s.lastMsg = time.Now().UnixNano()

	frame, err := Classify(plaintext)
	if err != nil {
		s.publishWarning(ctx, err.Error())
		return nil
	}

	switch frame.Kind {
	case FrameKindWire:
		s.stats.D2C++
		return s.publish(ctx, backend.OutboundToBackend{
			Kind:  backend.KindFrame,
			Frame: &backend.OutboundFrame{Payload64: base64Encode(frame.Payload)},
		})
	case FrameKindCommand:
		return s.dispatchCommand(ctx, frame.Opcode, frame.Payload)
	default:
		return nil
	}
}

func (s *Session) dispatchCommand(ctx context.Context, opcode uint16, payload []byte) error {
	if s.promMetrics != nil {
		s.promMetrics.RecordFrameReceived(fmt.Sprintf("0x%02x", opcode))
	}

	switch opcode {
	case OpUpload:
		s.stats.D2C++
		rec, err := DecodeUpload(payload)
		if err != nil {
			s.publishWarning(ctx, "malformed upload frame")
			return nil
		}
		return s.publish(ctx, backend.OutboundToBackend{
			Kind:       backend.KindJacsUpload,
			JacsUpload: &backend.OutboundJacsUpload{Label: rec.Label, Values: rec.Values},
		})

	case OpUploadBin:
		s.stats.D2C++
		if s.collab.TelemetryParser != nil {
			rec, err := s.collab.TelemetryParser.Parse(payload)
			if err != nil {
				if s.promMetrics != nil {
					s.promMetrics.RecordTelemetryParseError()
				}
				s.publishWarning(ctx, "telemetry parse error")
			} else if s.collab.TelemetrySink != nil {
				if err := s.collab.TelemetrySink.Insert(ctx, s.path.PartitionKey, rec); err != nil {
					s.publishWarning(ctx, "telemetry insert error")
				} else if s.promMetrics != nil {
					s.promMetrics.RecordTelemetryInsert()
				}
			}
		}
		return s.publish(ctx, backend.OutboundToBackend{
			Kind:      backend.KindUploadBin,
			UploadBin: &backend.OutboundUploadBin{Payload64: base64Encode(payload)},
		})

	case OpAckCloudCommand:
		s.stats.C2DResp++
		rec, err := DecodeAckCloudCommand(payload)
		if err != nil {
			s.publishWarning(ctx, "malformed ack frame")
			return nil
		}
		return s.publish(ctx, backend.OutboundToBackend{
			Kind: backend.KindMethodRes,
			MethodRes: &backend.OutboundMethodRes{
				RequestID:  rec.RequestID,
				StatusCode: rec.StatusCode,
				Result:     rec.Result,
			},
		})

	case OpPongEcho:
		return s.publish(ctx, backend.OutboundToBackend{
			Kind: backend.KindPong,
			Pong: &backend.OutboundPong{Payload64: base64Encode(payload)},
		})

	case OpKeepaliveRequest:
		return s.sendRecord(ctx, EncodeKeepaliveReply(payload))

	case uint16(deploy.OpRequestHash), uint16(deploy.OpBeginUpload), uint16(deploy.OpChunk), uint16(deploy.OpFinalize), uint16(deploy.OpReject):
		err := s.deploy.OnAck(byte(opcode), payload, time.Now(), s.collab.RetryTable, s.path, s.deploySend(ctx))
		if s.promMetrics != nil {
			switch s.deploy.LastOutcome() {
			case deploy.OutcomeSucceeded:
				s.promMetrics.RecordDeploySuccess()
			case deploy.OutcomeFailed:
				s.promMetrics.RecordDeployFailure()
			}
		}
		return err

	default:
		s.publishWarning(ctx, fmt.Sprintf("unknown opcode 0x%02x", opcode))
		return nil
	}
}

// handleInbound dispatches one backend-originated message to the device.
func (s *Session) handleInbound(ctx context.Context, msg backend.InboundFromBackend) error {
	switch msg.Kind {
	case backend.KindMethod:
		if msg.Method == nil {
			s.publishWarning(ctx, "missing method payload")
			return nil
		}
		s.stats.C2D++
		return s.sendRecord(ctx, EncodeMethodCall(msg.Method.RequestID, msg.Method.Method, msg.Method.Args))

	case backend.KindFrameTo:
		if msg.FrameTo == nil {
			return nil
		}
		return s.sendRecord(ctx, msg.FrameTo.Payload)

	case backend.KindSetFwd:
		if msg.SetFwd == nil {
			return nil
		}
		return s.sendRecord(ctx, EncodeSetFwd(msg.SetFwd.Enabled))

	case backend.KindPing:
		if msg.Ping == nil {
			return nil
		}
		return s.sendRecord(ctx, EncodePing(msg.Ping.Payload))

	case backend.KindUpdate:
		if msg.Update == nil {
			return nil
		}
		return s.syncScript(ctx, msg.Update.Identity)

	default:
		return nil
	}
}

// syncScript loads the assigned program from storage and hands it to the
// deploy engine.
func (s *Session) syncScript(ctx context.Context, id backend.DeviceIdentity) error {
	if id.ScriptID == nil || id.ScriptVersion == nil {
		return nil
	}
	if s.collab.ScriptStore == nil {
		return nil
	}
	body, err := s.collab.ScriptStore.GetScriptBody(ctx, *id.ScriptID, *id.ScriptVersion)
	if err != nil {
		s.publishWarning(ctx, "script load failed")
		return nil
	}
	s.logger.Info("script sync starting",
		logging.KeyDevicePath, s.path.String(),
		logging.KeyScriptID, *id.ScriptID,
		"script_size", humanize.Bytes(uint64(len(body))))
	if s.promMetrics != nil {
		s.promMetrics.RecordDeployAttempt()
	}
	if s.collab.Metrics != nil {
		s.collab.Metrics.Track(ctx, "deploy_attempt",
			map[string]any{"script_id": *id.ScriptID, "script_version": *id.ScriptVersion},
			nil,
			backend.TagOverrides{"device_path": s.path.String()})
	}
	return s.deploy.SyncScript(*id.ScriptID, *id.ScriptVersion, body, time.Now(), s.collab.RetryTable, s.path, s.deploySend(ctx))
}

func (s *Session) deploySend(ctx context.Context) deploy.SendFunc {
	return func(opcode byte, payload []byte) error {
		frame := make([]byte, 0, 1+len(payload))
		frame = append(frame, opcode)
		frame = append(frame, payload...)
		if opcode == deploy.OpChunk {
			if s.promMetrics != nil {
				s.promMetrics.RecordDeployBytesSent(len(payload))
			}
			st := s.deploy.State()
			s.logger.Debug("deploy chunk sent",
				logging.KeyDevicePath, s.path.String(),
				"sent", humanize.Bytes(uint64(st.Ptr+len(payload))),
				"total", humanize.Bytes(uint64(len(st.Buffer))))
		}
		if s.promMetrics != nil {
			s.promMetrics.RecordFrameSent(fmt.Sprintf("0x%02x", opcode))
		}
		return s.sendRecord(ctx, frame)
	}
}

func (s *Session) sendRecord(ctx context.Context, payload []byte) error {
	if err := s.sess.WriteRecord(ctx, payload); err != nil {
		return fmt.Errorf("device: write record: %w", err)
	}
	return nil
}

func (s *Session) publish(ctx context.Context, evt backend.OutboundToBackend) error {
	if s.collab.PubSub == nil {
		return nil
	}
	start := time.Now()
	err := s.collab.PubSub.Publish(ctx, s.path, evt)
	if s.promMetrics != nil {
		s.promMetrics.RecordBackendPublish(time.Since(start).Seconds())
		if err != nil {
			s.promMetrics.RecordBackendPublishError()
		}
	}
	if err != nil {
		return fmt.Errorf("device: publish: %w", err)
	}
	return nil
}

func (s *Session) publishWarning(ctx context.Context, message string) {
	_ = s.publish(ctx, backend.OutboundToBackend{
		Kind:    backend.KindWarning,
		Warning: &backend.OutboundWarning{Message: message},
	})
	s.logger.Warn("protocol warning",
		logging.KeyDevicePath, s.path.String(),
		logging.KeyError, message)
}

// tickLoop flushes accumulated stats every TickInterval, mirroring the
// teacher's keepaliveLoop: a ticker plus a select over the stop channel.
func (s *Session) tickLoop(ctx context.Context) {
	defer s.tickWG.Done()
	defer recovery.RecoverWithLog(s.logger, "device.Session.tickLoop")

	ticker := time.NewTicker(s.collab.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.tickStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushTick(ctx)
		}
	}
}

// flushTick implements testable property 8 (tick emptiness): if no
// activity occurred since the last tick, no flush and no event occur.
func (s *Session) flushTick(ctx context.Context) {
	if s.lastMsg == 0 && s.stats.empty() {
		return
	}

	stats := s.stats
	s.stats.reset()
	s.lastMsg = 0

	if s.collab.DeviceStore != nil {
		deployedHex := ""
		if dh := s.deploy.State().DeployedHash; dh != nil {
			deployedHex = hex.EncodeToString(dh[:])
		}
		now := time.Now()
		if err := s.collab.DeviceStore.UpdateDevice(ctx, s.path, func(d *backend.DeviceIdentity) {
			d.LastActivity = now
			d.DeployedHashHex = deployedHex
		}); err != nil {
			s.logger.Warn("device record update failed",
				logging.KeyDevicePath, s.path.String(),
				logging.KeyError, err.Error())
		}
	}

	_ = s.publish(ctx, backend.OutboundToBackend{
		Kind: backend.KindTick,
		Tick: &backend.OutboundTick{
			C2D:     stats.C2D,
			C2DResp: stats.C2DResp,
			D2C:     stats.D2C,
			Extra:   stats.Extra,
		},
	})

	if s.collab.Metrics != nil {
		s.collab.Metrics.Track(ctx, "tick", nil,
			map[string]float64{
				"c2d":      float64(stats.C2D),
				"c2d_resp": float64(stats.C2DResp),
				"d2c":      float64(stats.D2C),
			},
			backend.TagOverrides{"device_path": s.path.String()})
	}
}

// Close idempotently tears the session down: unsubscribes from the
// backend, stops the tick schedule, and marks the session closed. Safe to
// call more than once, mirroring peer.Connection.Close's closeOnce guard.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.tickStop)
		if s.unsub != nil {
			s.unsub()
			if s.promMetrics != nil {
				s.promMetrics.RecordUnsubscribe()
			}
		}
		s.setState(StateClosed)
		if s.promMetrics != nil {
			s.promMetrics.RecordSessionClose(reason)
		}
		_ = s.sess.Close(reason)
	})
	s.tickWG.Wait()
}
