// Package deploy implements the program-deployment state machine: loading
// a signed binary image from storage, streaming it to a device in
// bounded chunks, verifying installation by hash, and retrying with
// backoff recorded in a cross-session identity.RetryTable.
package deploy

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/devicegateway/internal/identity"
)

// Device-visible deploy opcodes.
const (
	OpRequestHash byte = 0x93
	OpBeginUpload byte = 0x94
	OpChunk       byte = 0x95
	OpFinalize    byte = 0x96
	OpReject      byte = 0xFF
)

// BytecodeMaxPkt is the maximum payload size of a single 0x95 chunk.
const BytecodeMaxPkt = 192

// MinProgramSize is the minimum valid program length in bytes.
const MinProgramSize = 128

// ProgramMagic is the required first 8 bytes of every valid program image.
var ProgramMagic = [8]byte{0x4A, 0x61, 0x63, 0x53, 0x0A, 0x7E, 0x6A, 0x9A}

var (
	// ErrProgramTooShort is returned by ValidateProgram for images under
	// MinProgramSize bytes.
	ErrProgramTooShort = errors.New("deploy: program shorter than minimum size")
	// ErrBadMagic is returned by ValidateProgram when the leading 8 bytes
	// do not match ProgramMagic.
	ErrBadMagic = errors.New("deploy: bad program magic")
	// ErrMismatchedAck is returned by OnAck when the device's opcode does
	// not match the opcode the engine is currently expecting.
	ErrMismatchedAck = errors.New("deploy: mismatched device acknowledgment")
)

// ValidateProgram checks a candidate program image against the minimum
// size and magic-byte requirements.
func ValidateProgram(program []byte) error {
	if len(program) < MinProgramSize {
		return ErrProgramTooShort
	}
	if !bytes.Equal(program[:8], ProgramMagic[:]) {
		return ErrBadMagic
	}
	return nil
}

// backoffDuration implements deployTimeout = now + (2 + min(numFail, 20)) *
// 10 seconds, matching identity.RetryTable's own formula.
func backoffDuration(numFail int) time.Duration {
	steps := numFail
	if steps > 20 {
		steps = 20
	}
	return time.Duration(2+steps) * 10 * time.Second
}

// SendFunc transmits one device-visible opcode frame.
type SendFunc func(opcode byte, payload []byte) error

// Outcome reports how the most recent OnAck call affected deployment
// state, so callers can translate it into metrics/telemetry without the
// engine itself taking a metrics dependency.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

// State is the per-connection deployment state for one device session.
// Cross-session retry bookkeeping lives outside State, in an
// identity.RetryTable, so it survives a disconnect/reconnect.
type State struct {
	Buffer        []byte
	Hash          [32]byte
	DeployedHash  *[32]byte
	Ptr           int
	Cmd           byte
	ScriptID      string
	ScriptVersion int

	// hashConfirmedOnce records that a 0x96 finalize ack has set
	// DeployedHash = Hash (an install we believed had succeeded). The
	// re-verifying 0x93 round that follows converts a device hash that
	// still disagrees into a terminal failure rather than another upload.
	hashConfirmedOnce bool

	lastOutcome Outcome
}

// Engine drives one device's State through the deploy state machine.
type Engine struct {
	state State
}

// NewEngine creates an idle Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// State returns the engine's current per-connection state, for inspection
// and persistence (e.g. writing DeployedHash to a device record).
func (e *Engine) State() State { return e.state }

// Idle reports whether no deployment is currently in flight.
func (e *Engine) Idle() bool { return e.state.Cmd == 0 }

// LastOutcome reports how the most recent OnAck call resolved, for callers
// that translate deploy progress into metrics or telemetry. It is reset to
// OutcomeNone at the start of every OnAck call.
func (e *Engine) LastOutcome() Outcome { return e.state.lastOutcome }

// SyncScript loads a new program assignment. It validates and hashes the
// program, clears any previously buffered program, and — if the device's
// last known installed hash is absent or differs — kicks off
// EnsureDeployed. If the device already reports the same hash, this call
// produces no device-visible traffic (testable property 6).
func (e *Engine) SyncScript(scriptID string, scriptVersion int, program []byte, now time.Time, retry *identity.RetryTable, path identity.DevicePath, send SendFunc) error {
	if err := ValidateProgram(program); err != nil {
		return err
	}

	e.state.Buffer = nil
	e.state.Hash = [32]byte{}

	hash := sha256.Sum256(program)
	e.state.Buffer = program
	e.state.Hash = hash
	e.state.ScriptID = scriptID
	e.state.ScriptVersion = scriptVersion
	e.state.hashConfirmedOnce = false

	if e.state.DeployedHash != nil && *e.state.DeployedHash == hash {
		return nil
	}
	return e.EnsureDeployed(now, retry, path, send)
}

// EnsureDeployed begins (or re-verifies) a deployment, unless a deployment
// is already in flight or the device is within its backoff window
// (testable property 7).
func (e *Engine) EnsureDeployed(now time.Time, retry *identity.RetryTable, path identity.DevicePath, send SendFunc) error {
	if !e.Idle() {
		return nil
	}
	if retry.Blocked(path, now) {
		return nil
	}
	if err := send(OpRequestHash, nil); err != nil {
		return fmt.Errorf("deploy: request hash: %w", err)
	}
	e.state.Cmd = OpRequestHash
	return nil
}

// OnAck feeds one device acknowledgment frame into the state machine. The
// opcode must be one of OpRequestHash..OpFinalize or OpReject; payload
// carries the installed hash (for OpRequestHash acks) or is otherwise
// opcode-specific.
func (e *Engine) OnAck(opcode byte, payload []byte, now time.Time, retry *identity.RetryTable, path identity.DevicePath, send SendFunc) error {
	e.state.lastOutcome = OutcomeNone

	if opcode == OpReject || (isDeployOpcode(opcode) && opcode != e.state.Cmd) {
		e.fail(now, retry, path)
		return ErrMismatchedAck
	}

	switch e.state.Cmd {
	case OpRequestHash:
		return e.onHashReport(payload, now, retry, path, send)
	case OpBeginUpload, OpChunk:
		return e.onUploadAck(now, retry, path, send)
	case OpFinalize:
		return e.onFinalizeAck(now, retry, path, send)
	default:
		return nil
	}
}

func isDeployOpcode(opcode byte) bool {
	switch opcode {
	case OpRequestHash, OpBeginUpload, OpChunk, OpFinalize:
		return true
	default:
		return false
	}
}

func (e *Engine) onHashReport(payload []byte, now time.Time, retry *identity.RetryTable, path identity.DevicePath, send SendFunc) error {
	var reported [32]byte
	copy(reported[:], payload)

	if reported == e.state.Hash {
		retry.RecordSuccess(path)
		e.state.lastOutcome = OutcomeSucceeded
		e.state.Cmd = 0
		return nil
	}

	if e.state.hashConfirmedOnce {
		e.fail(now, retry, path)
		return nil
	}

	lengthPayload := make([]byte, 4)
	putUint32LE(lengthPayload, uint32(len(e.state.Buffer)))
	if err := send(OpBeginUpload, lengthPayload); err != nil {
		return fmt.Errorf("deploy: begin upload: %w", err)
	}
	e.state.Ptr = 0
	e.state.Cmd = OpBeginUpload
	return nil
}

func (e *Engine) onUploadAck(now time.Time, retry *identity.RetryTable, path identity.DevicePath, send SendFunc) error {
	remaining := len(e.state.Buffer) - e.state.Ptr
	if remaining > 0 {
		chunkLen := remaining
		if chunkLen > BytecodeMaxPkt {
			chunkLen = BytecodeMaxPkt
		}
		chunk := e.state.Buffer[e.state.Ptr : e.state.Ptr+chunkLen]
		if err := send(OpChunk, chunk); err != nil {
			return fmt.Errorf("deploy: send chunk: %w", err)
		}
		e.state.Ptr += chunkLen
		e.state.Cmd = OpChunk
		return nil
	}

	if err := send(OpFinalize, nil); err != nil {
		return fmt.Errorf("deploy: finalize: %w", err)
	}
	e.state.Cmd = OpFinalize
	return nil
}

func (e *Engine) onFinalizeAck(now time.Time, retry *identity.RetryTable, path identity.DevicePath, send SendFunc) error {
	hash := e.state.Hash
	e.state.DeployedHash = &hash
	retry.RecordSuccess(path)
	e.state.lastOutcome = OutcomeSucceeded
	e.state.hashConfirmedOnce = true
	e.state.Cmd = 0

	return e.EnsureDeployed(now, retry, path, send)
}

func (e *Engine) fail(now time.Time, retry *identity.RetryTable, path identity.DevicePath) {
	retry.RecordFailure(path, now)
	e.state.lastOutcome = OutcomeFailed
	e.state.Cmd = 0
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
