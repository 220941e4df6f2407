// Package device implements the per-device protocol session: inbound
// frame dispatch (compressed command vs. jacdac wire frame), the command
// opcode table, outbound command encoding, stats accounting, and the
// periodic activity tick.
package device

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
)

// Inbound command opcodes (device -> gateway). Untyped so they compare
// directly against both DecodedFrame.Opcode (uint16) and raw byte values.
const (
	OpUpload           = 0x80
	OpUploadBin        = 0x81
	OpAckCloudCommand  = 0x83
	OpPongEcho         = 0x91
	OpKeepaliveRequest = 0x92
)

// ErrFrameTooShort is returned when a raw inbound frame is shorter than
// the minimum header size, or a jacdac wire frame's declared length
// exceeds the bytes actually available.
var ErrFrameTooShort = errors.New("device: frame too short")

// ErrUnknownOpcode is returned by DecodeUpload/DecodeAckCloudCommand when
// the payload is malformed for the opcode in question.
var ErrUnknownOpcode = errors.New("device: unknown or malformed opcode payload")

// FrameKind distinguishes the two inbound frame shapes.
type FrameKind int

const (
	// FrameKindCommand is a compressed command frame: msg[2] == 0.
	FrameKindCommand FrameKind = iota
	// FrameKindWire is a raw jacdac wire frame: msg[2] != 0.
	FrameKindWire
)

// DecodedFrame is the result of classifying one raw inbound record.
type DecodedFrame struct {
	Kind    FrameKind
	Opcode  uint16 // valid only when Kind == FrameKindCommand
	Payload []byte
}

// Classify implements the inbound frame dispatch rule (testable property
// 5): a frame must be at least 4 bytes. msg[2] == 0 routes to the
// compressed command path with opcode = u16-LE at offset 0, payload
// starting at offset 4. msg[2] != 0 routes to the jacdac wire-frame path
// with length msg[2]+12; a declared length greater than the frame's
// actual length is ErrFrameTooShort.
func Classify(msg []byte) (DecodedFrame, error) {
	if len(msg) < 4 {
		return DecodedFrame{}, ErrFrameTooShort
	}

	if msg[2] == 0 {
		opcode := binary.LittleEndian.Uint16(msg[0:2])
		return DecodedFrame{
			Kind:    FrameKindCommand,
			Opcode:  opcode,
			Payload: msg[4:],
		}, nil
	}

	flen := int(msg[2]) + 12
	if flen > len(msg) {
		return DecodedFrame{}, ErrFrameTooShort
	}
	return DecodedFrame{
		Kind:    FrameKindWire,
		Payload: msg[:flen],
	}, nil
}

// UploadRecord is the decoded payload of an OpUpload (0x80) frame: a
// zero-terminated UTF-8 label followed by packed little-endian float64
// values.
type UploadRecord struct {
	Label  string
	Values []float64
}

// DecodeUpload parses an OpUpload payload.
func DecodeUpload(payload []byte) (UploadRecord, error) {
	nul := -1
	for i, b := range payload {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return UploadRecord{}, ErrUnknownOpcode
	}

	label := string(payload[:nul])
	rest := payload[nul+1:]
	if len(rest)%8 != 0 {
		return UploadRecord{}, ErrUnknownOpcode
	}

	values := make([]float64, len(rest)/8)
	for i := range values {
		bits := binary.LittleEndian.Uint64(rest[i*8 : i*8+8])
		values[i] = math.Float64frombits(bits)
	}
	return UploadRecord{Label: label, Values: values}, nil
}

// AckCloudCommandRecord is the decoded payload of an OpAckCloudCommand
// (0x83) frame.
type AckCloudCommandRecord struct {
	RequestID  uint32
	StatusCode uint32
	Result     []float64
}

// DecodeAckCloudCommand parses an OpAckCloudCommand payload: u32 rid, u32
// statusCode, then zero or more packed little-endian float64 results.
func DecodeAckCloudCommand(payload []byte) (AckCloudCommandRecord, error) {
	if len(payload) < 8 {
		return AckCloudCommandRecord{}, ErrUnknownOpcode
	}
	rid := binary.LittleEndian.Uint32(payload[0:4])
	status := binary.LittleEndian.Uint32(payload[4:8])

	rest := payload[8:]
	if len(rest)%8 != 0 {
		return AckCloudCommandRecord{}, ErrUnknownOpcode
	}
	result := make([]float64, len(rest)/8)
	for i := range result {
		bits := binary.LittleEndian.Uint64(rest[i*8 : i*8+8])
		result[i] = math.Float64frombits(bits)
	}
	return AckCloudCommandRecord{RequestID: rid, StatusCode: status, Result: result}, nil
}

// EncodeMethodCall builds an outbound 0x83 method-call frame: header
// opcode, u32 rid, method name UTF-8, a zero separator byte, then the
// packed little-endian float64 argument array.
func EncodeMethodCall(requestID uint32, method string, args []float64) []byte {
	buf := make([]byte, 0, 1+4+len(method)+1+8*len(args))
	buf = append(buf, 0x83)
	var ridBuf [4]byte
	binary.LittleEndian.PutUint32(ridBuf[:], requestID)
	buf = append(buf, ridBuf[:]...)
	buf = append(buf, []byte(method)...)
	buf = append(buf, 0)
	for _, v := range args {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		buf = append(buf, b[:]...)
	}
	return buf
}

// EncodeSetFwd builds an outbound 0x90 set-forwarding frame.
func EncodeSetFwd(enabled bool) []byte {
	v := byte(0)
	if enabled {
		v = 1
	}
	return []byte{0x90, v}
}

// EncodePing builds an outbound 0x91 ping frame carrying payload.
func EncodePing(payload []byte) []byte {
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, 0x91)
	buf = append(buf, payload...)
	return buf
}

// EncodeKeepaliveReply builds the 0x92 keepalive reply: a 4-byte compressed
// command header (opcode 0x92 as u16-LE, then two zero bytes) followed by
// the same payload the device sent.
func EncodeKeepaliveReply(payload []byte) []byte {
	buf := make([]byte, 0, 4+len(payload))
	buf = append(buf, 0x92, 0x00, 0x00, 0x00)
	buf = append(buf, payload...)
	return buf
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
