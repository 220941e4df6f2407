package device

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64le(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// TestClassifyCommandFrame is testable property 5: msg[2]==0 routes to
// the command path with opcode = u16-LE(msg[0..2]).
func TestClassifyCommandFrame(t *testing.T) {
	msg := append([]byte{0x80, 0x00, 0x00, 0x00}, []byte("payload")...)
	frame, err := Classify(msg)
	require.NoError(t, err)
	assert.Equal(t, FrameKindCommand, frame.Kind)
	assert.Equal(t, uint16(0x0080), frame.Opcode)
	assert.Equal(t, []byte("payload"), frame.Payload)
}

// TestClassifyWireFrame is testable property 5's second half: msg[2]!=0
// routes to the wire-frame path with flen = msg[2]+12, and flen >
// len(msg) is a "frame too short" error.
func TestClassifyWireFrame(t *testing.T) {
	msg := make([]byte, 20)
	msg[2] = 0x05 // flen = 17

	frame, err := Classify(msg)
	require.NoError(t, err)
	assert.Equal(t, FrameKindWire, frame.Kind)
	assert.Len(t, frame.Payload, 17)

	short := make([]byte, 10)
	short[2] = 0x05 // flen = 17, > len(short)
	_, err = Classify(short)
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestClassifyTooShort(t *testing.T) {
	_, err := Classify([]byte{1, 2})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

// TestUploadScenario is scenario S3: a compressed frame
// [80 00 00 00 'h' 'i' 00 <8 bytes f64 3.14>] yields label "hi" and
// values [3.14].
func TestUploadScenario(t *testing.T) {
	msg := []byte{0x80, 0x00, 0x00, 0x00, 'h', 'i', 0x00}
	msg = append(msg, f64le(3.14)...)

	frame, err := Classify(msg)
	require.NoError(t, err)
	assert.Equal(t, uint16(OpUpload), frame.Opcode)

	rec, err := DecodeUpload(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, "hi", rec.Label)
	require.Len(t, rec.Values, 1)
	assert.InDelta(t, 3.14, rec.Values[0], 1e-9)
}

// TestKeepaliveScenario is scenario S6: inbound [92 00 00 00 de ad be ef]
// produces outbound [92 00 00 00 de ad be ef].
func TestKeepaliveScenario(t *testing.T) {
	msg := []byte{0x92, 0x00, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef}

	frame, err := Classify(msg)
	require.NoError(t, err)
	assert.Equal(t, uint16(OpKeepaliveRequest), frame.Opcode)

	reply := EncodeKeepaliveReply(frame.Payload)
	assert.Equal(t, []byte{0x92, 0x00, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef}, reply)
}

func TestDecodeAckCloudCommand(t *testing.T) {
	payload := make([]byte, 0, 16)
	var ridBuf, statusBuf [4]byte
	binary.LittleEndian.PutUint32(ridBuf[:], 42)
	binary.LittleEndian.PutUint32(statusBuf[:], 0)
	payload = append(payload, ridBuf[:]...)
	payload = append(payload, statusBuf[:]...)
	payload = append(payload, f64le(1.5)...)

	rec, err := DecodeAckCloudCommand(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), rec.RequestID)
	assert.Equal(t, uint32(0), rec.StatusCode)
	require.Len(t, rec.Result, 1)
	assert.InDelta(t, 1.5, rec.Result[0], 1e-9)

	_, err = DecodeAckCloudCommand([]byte{1, 2})
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestEncodeMethodCall(t *testing.T) {
	buf := EncodeMethodCall(7, "blink", []float64{1, 2})
	assert.Equal(t, byte(0x83), buf[0])
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf[1:5]))
	rest := buf[5:]
	nul := -1
	for i, b := range rest {
		if b == 0 {
			nul = i
			break
		}
	}
	require.NotEqual(t, -1, nul)
	assert.Equal(t, "blink", string(rest[:nul]))
}

func TestEncodeSetFwd(t *testing.T) {
	assert.Equal(t, []byte{0x90, 0x01}, EncodeSetFwd(true))
	assert.Equal(t, []byte{0x90, 0x00}, EncodeSetFwd(false))
}
