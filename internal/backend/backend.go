// Package backend declares the gateway's external collaborator
// interfaces (auth, device/script storage, pub/sub, telemetry, metrics)
// and the tagged-union message types exchanged with the backend plane.
package backend

import (
	"context"
	"time"

	"github.com/postalsys/devicegateway/internal/identity"
)

// DeviceIdentity is the device record resolved by the auth collaborator:
// its path, display name, long-term key, an optional program assignment,
// and the fields the gateway's periodic tick persists back to storage.
type DeviceIdentity struct {
	PartitionKey  string
	RowKey        string
	DisplayName   string
	DeviceKey     [32]byte
	ScriptID      *string
	ScriptVersion *int

	LastActivity    time.Time
	DeployedHashHex string
}

// Path returns the DevicePath for this identity.
func (d DeviceIdentity) Path() (identity.DevicePath, error) {
	return identity.NewDevicePath(d.PartitionKey, d.RowKey)
}

// TelemetryRecord is the result of parsing one binary telemetry payload
// (opcode 0x81). Fields is collaborator-defined: the binfmt parser
// decides what keys it produces.
type TelemetryRecord struct {
	Fields map[string]float64
}

// TagOverrides carries per-event tag key/value pairs forwarded to a
// metrics/telemetry tracker, e.g. device path or script id.
type TagOverrides map[string]string

// Auth resolves a device's identity given its routing path.
type Auth interface {
	ResolveDevice(ctx context.Context, partitionKey, rowKey string) (DeviceIdentity, error)
}

// DeviceStore reads and mutates persisted device records.
type DeviceStore interface {
	GetDevice(ctx context.Context, path identity.DevicePath) (DeviceIdentity, error)
	UpdateDevice(ctx context.Context, path identity.DevicePath, mutate func(*DeviceIdentity)) error
}

// ScriptStore loads a deployable program image by id and version.
type ScriptStore interface {
	GetScriptBody(ctx context.Context, scriptID string, version int) ([]byte, error)
}

// PubSub is the bidirectional backend bridge: one subscription per
// device, and publishes of device-originated events.
type PubSub interface {
	Publish(ctx context.Context, path identity.DevicePath, evt OutboundToBackend) error
	Subscribe(ctx context.Context, path identity.DevicePath, handler func(InboundFromBackend)) (unsub func(), err error)
}

// TelemetryParser decodes a binary telemetry payload (opcode 0x81).
type TelemetryParser interface {
	Parse(data []byte) (TelemetryRecord, error)
}

// TelemetrySink persists a parsed telemetry record.
type TelemetrySink interface {
	Insert(ctx context.Context, partitionKey string, rec TelemetryRecord) error
}

// MetricsTracker records a named event with free-form properties,
// numeric measurements, and tag overrides, mirroring the teacher's
// Prometheus/event-tracking seam.
type MetricsTracker interface {
	Track(ctx context.Context, event string, properties map[string]any, measurements map[string]float64, tags TagOverrides)
}

// InboundFromBackend is a tagged-union message delivered to a device
// session via its PubSub subscription. Kind selects which payload field
// is populated.
type InboundFromBackend struct {
	Kind string

	Method  *InboundMethod
	FrameTo *InboundFrameTo
	SetFwd  *InboundSetFwd
	Ping    *InboundPing
	Update  *InboundUpdate
}

const (
	KindMethod  = "method"
	KindFrameTo = "frameTo"
	KindSetFwd  = "setfwd"
	KindPing    = "ping"
	KindUpdate  = "update"
)

// InboundMethod requests a cloud-to-device RPC call: a method name and a
// numeric-array argument list.
type InboundMethod struct {
	RequestID uint32
	Method    string
	Args      []float64
}

// InboundFrameTo carries a raw wire frame to pass straight through the
// record layer, unwrapped.
type InboundFrameTo struct {
	Payload []byte
}

// InboundSetFwd toggles frame forwarding on or off.
type InboundSetFwd struct {
	Enabled bool
}

// InboundPing requests a keepalive echo with the given payload.
type InboundPing struct {
	Payload []byte
}

// InboundUpdate signals that the device's script assignment changed and
// syncScript should run against the given identity snapshot.
type InboundUpdate struct {
	Identity DeviceIdentity
}

// OutboundToBackend is a tagged-union event published from a device
// session to the backend plane.
type OutboundToBackend struct {
	Kind string

	Warning   *OutboundWarning
	MethodRes *OutboundMethodRes
	JacsUpload *OutboundJacsUpload
	UploadBin *OutboundUploadBin
	Frame     *OutboundFrame
	Pong      *OutboundPong
	Tick      *OutboundTick
}

const (
	KindWarning    = "warning"
	KindMethodRes  = "methodRes"
	KindJacsUpload = "jacsUpload"
	KindUploadBin  = "uploadBin"
	KindFrame      = "frame"
	KindPong       = "pong"
	KindTick       = "tick"
)

// OutboundWarning reports a non-fatal protocol or collaborator error.
type OutboundWarning struct {
	Message string
}

// OutboundMethodRes reports the device's acknowledgment of a prior
// method call.
type OutboundMethodRes struct {
	RequestID  uint32
	StatusCode uint32
	Result     []float64
}

// OutboundJacsUpload reports a labelled-tuple telemetry upload.
type OutboundJacsUpload struct {
	Label  string
	Values []float64
}

// OutboundUploadBin reports a raw binary telemetry upload, base64-encoded
// for transport to the backend plane.
type OutboundUploadBin struct {
	Payload64 string
}

// OutboundFrame forwards a raw jacdac wire frame, base64-encoded.
type OutboundFrame struct {
	Payload64 string
}

// OutboundPong echoes a device pong response.
type OutboundPong struct {
	Payload64 string
}

// OutboundTick reports the periodic flush of accumulated session stats.
type OutboundTick struct {
	C2D      uint64
	C2DResp  uint64
	D2C      uint64
	Extra    map[string]uint64
}
