// Package gwsession implements the device gateway's handshake and
// record-layer session: deriving per-connection keys (v1 AES-block KDF or
// v2 HKDF), and framed, authenticated-encrypted record I/O with
// per-direction monotonic nonces.
package gwsession

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/postalsys/devicegateway/internal/gwcrypto"
)

// Version identifies the key-derivation scheme negotiated during the
// handshake.
type Version uint16

const (
	// VersionJacdac is the v1 scheme: AES-256 block KDF.
	VersionJacdac Version = 1
	// VersionDevs is the v2 scheme: HKDF-SHA256.
	VersionDevs Version = 2
)

// ServerHelloMagic is the little-endian magic value that opens every
// cleartext server hello record.
const ServerHelloMagic uint32 = 0xCEE428CA

// selectorPattern matches the device-facing protocol selector string:
// "devs-key-<32 hex>" (v2) or "jacdac-key-<32 hex>" (v1).
var selectorPattern = regexp.MustCompile(`^(devs|jacdac)-key-([0-9a-fA-F]{32})$`)

var (
	// ErrBadSelector is returned when the initial protocol selector does
	// not match the expected form.
	ErrBadSelector = errors.New("gwsession: no proto-key")
	// ErrBadSelectorSize is returned when the selector's hex payload does
	// not decode to 16 bytes.
	ErrBadSelectorSize = errors.New("gwsession: wrong proto-key size")
	// ErrBadAuth is returned when the first post-handshake record fails to
	// authenticate or does not begin with 16 zero bytes.
	ErrBadAuth = errors.New("gwsession: bad auth")
	// ErrShortServerHello is returned when a server hello cannot be parsed.
	ErrShortServerHello = errors.New("gwsession: short server hello")
)

// ParseSelector parses the device protocol selector, returning the
// negotiated version and the 16-byte client_random it carries.
func ParseSelector(selector string) (Version, [16]byte, error) {
	var clientRandom [16]byte

	m := selectorPattern.FindStringSubmatch(selector)
	if m == nil {
		return 0, clientRandom, ErrBadSelector
	}

	raw, err := hexDecode(m[2])
	if err != nil || len(raw) != 16 {
		return 0, clientRandom, ErrBadSelectorSize
	}
	copy(clientRandom[:], raw)

	switch m[1] {
	case "devs":
		return VersionDevs, clientRandom, nil
	case "jacdac":
		return VersionJacdac, clientRandom, nil
	default:
		return 0, clientRandom, ErrBadSelector
	}
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// DeriveKeyV1 implements the jacdac (v1) key derivation: concatenate
// AES-256 block encryptions of the first and second halves of
// client_random||server_random under the device's long-term key.
func DeriveKeyV1(devKey [32]byte, clientRandom, serverRandom [16]byte) ([32]byte, error) {
	var key [32]byte

	var block1, block2 [16]byte
	copy(block1[:8], clientRandom[:8])
	copy(block1[8:], serverRandom[:8])
	copy(block2[:8], clientRandom[8:])
	copy(block2[8:], serverRandom[8:])

	out1, err := gwcrypto.AESBlock(devKey, block1)
	if err != nil {
		return key, err
	}
	out2, err := gwcrypto.AESBlock(devKey, block2)
	if err != nil {
		return key, err
	}
	copy(key[:16], out1[:])
	copy(key[16:], out2[:])
	return key, nil
}

// DeriveKeyV2 implements the devs (v2) key derivation: HKDF-SHA256 with an
// empty salt, ikm=devKey, info=client_random||server_random.
func DeriveKeyV2(devKey [32]byte, clientRandom, serverRandom [16]byte) ([32]byte, error) {
	var key [32]byte
	info := append(append([]byte{}, clientRandom[:]...), serverRandom[:]...)
	out, err := gwcrypto.HKDFSHA256(devKey[:], info, 32)
	if err != nil {
		return key, err
	}
	copy(key[:], out)
	return key, nil
}

// DeriveSessionKey derives the session key for the given version.
func DeriveSessionKey(version Version, devKey [32]byte, clientRandom, serverRandom [16]byte) ([32]byte, error) {
	switch version {
	case VersionJacdac:
		return DeriveKeyV1(devKey, clientRandom, serverRandom)
	case VersionDevs:
		return DeriveKeyV2(devKey, clientRandom, serverRandom)
	default:
		return [32]byte{}, fmt.Errorf("gwsession: unknown version %d", version)
	}
}

// EncodeServerHello serializes the cleartext server hello: magic (LE),
// version (LE), server_random. Always 24 bytes.
func EncodeServerHello(version Version, serverRandom [16]byte) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], ServerHelloMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(version))
	copy(buf[8:], serverRandom[:])
	return buf
}

// DecodeServerHello parses a cleartext server hello record.
func DecodeServerHello(buf []byte) (Version, [16]byte, error) {
	var serverRandom [16]byte
	if len(buf) != 24 {
		return 0, serverRandom, ErrShortServerHello
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != ServerHelloMagic {
		return 0, serverRandom, fmt.Errorf("gwsession: bad magic")
	}
	version := Version(binary.LittleEndian.Uint32(buf[4:8]))
	copy(serverRandom[:], buf[8:])
	return version, serverRandom, nil
}

// MessageConn is the minimal transport seam this package depends on: a
// bidirectional, message-framed byte channel with a handshake-time
// selector. One record corresponds to exactly one transport message.
type MessageConn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, payload []byte) error
	Close(reason string) error
}

// State is the session's lifecycle state.
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
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

// Session is an authenticated, encrypted record-layer connection to one
// device. It owns the session key and both nonce counters and serializes
// outbound writes.
type Session struct {
	conn    MessageConn
	key     [32]byte
	version Version

	writeMu      sync.Mutex
	clientNonce  [gwcrypto.NonceSize]byte
	serverNonce  [gwcrypto.NonceSize]byte
	state        State
	stateMu      sync.Mutex
}

// newSession wraps conn with the derived key and initial nonces.
func newSession(conn MessageConn, version Version, key [32]byte) *Session {
	return &Session{
		conn:        conn,
		key:         key,
		version:     version,
		clientNonce: gwcrypto.InitClientNonce(),
		serverNonce: gwcrypto.InitServerNonce(),
		state:       StateHandshaking,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Version reports the negotiated key-derivation scheme.
func (s *Session) Version() Version { return s.version }

// Close marks the session closed and tears down the underlying transport.
func (s *Session) Close(reason string) error {
	s.setState(StateClosed)
	return s.conn.Close(reason)
}

// writeEncrypted CCM-encrypts payload under the server nonce, sends it, and
// increments the server nonce. Outbound sends are serialized: only one is
// ever in flight for a given Session.
func (s *Session) writeEncrypted(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ct, err := gwcrypto.CCMEncrypt(s.key, s.serverNonce, payload)
	if err != nil {
		return fmt.Errorf("gwsession: encrypt: %w", err)
	}
	if err := s.conn.WriteMessage(ctx, ct); err != nil {
		return fmt.Errorf("gwsession: write: %w", err)
	}
	if err := gwcrypto.IncNonce13(&s.serverNonce); err != nil {
		// The server nonce cannot advance without reuse: end the session.
		s.setState(StateClosed)
		_ = s.conn.Close("nonce exhausted")
		return fmt.Errorf("gwsession: %w", err)
	}
	return nil
}

// WriteRecord encrypts and sends one outbound record.
func (s *Session) WriteRecord(ctx context.Context, payload []byte) error {
	return s.writeEncrypted(ctx, payload)
}

// ReadRecord reads the next inbound transport message, CCM-decrypts it
// with the client nonce, and increments the client nonce regardless of
// outcome — nonce counters advance once per record no matter whether
// decryption succeeds, matching the device's own bookkeeping.
func (s *Session) ReadRecord(ctx context.Context) ([]byte, error) {
	raw, err := s.conn.ReadMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("gwsession: read: %w", err)
	}

	plaintext, decErr := gwcrypto.CCMDecrypt(s.key, s.clientNonce, raw)

	if incErr := gwcrypto.IncNonce13(&s.clientNonce); incErr != nil {
		return nil, fmt.Errorf("gwsession: %w", incErr)
	}

	if decErr != nil {
		return nil, ErrBadAuth
	}
	return plaintext, nil
}

// Handshaker performs the server-initiated device handshake.
type Handshaker struct{}

// NewHandshaker creates a Handshaker.
func NewHandshaker() *Handshaker { return &Handshaker{} }

// Accept performs the full responder-side handshake described in spec §4.2
// over conn, given the device's long-term key. On success the returned
// Session is in StateAuthenticated.
func (h *Handshaker) Accept(ctx context.Context, conn MessageConn, devKey [32]byte) (*Session, error) {
	selectorMsg, err := conn.ReadMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("gwsession: read selector: %w", err)
	}

	version, clientRandom, err := ParseSelector(string(selectorMsg))
	if err != nil {
		return nil, err
	}

	serverRandomBytes, err := gwcrypto.RandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("gwsession: server random: %w", err)
	}
	var serverRandom [16]byte
	copy(serverRandom[:], serverRandomBytes)

	key, err := DeriveSessionKey(version, devKey, clientRandom, serverRandom)
	if err != nil {
		return nil, err
	}

	sess := newSession(conn, version, key)

	hello := EncodeServerHello(version, serverRandom)
	if err := conn.WriteMessage(ctx, hello); err != nil {
		return nil, fmt.Errorf("gwsession: write hello: %w", err)
	}

	// Auth record: CCM-encrypt 32 zero bytes; this is the first encrypted
	// frame and primes the device to expect the first client record.
	if err := sess.writeEncrypted(ctx, make([]byte, 32)); err != nil {
		return nil, fmt.Errorf("gwsession: write auth record: %w", err)
	}

	plaintext, err := sess.ReadRecord(ctx)
	if err != nil {
		return nil, err
	}
	if len(plaintext) < 32 || !bytes.Equal(plaintext[:16], make([]byte, 16)) {
		return nil, ErrBadAuth
	}

	sess.setState(StateAuthenticated)
	return sess, nil
}

// versionString renders a Version for diagnostics.
func versionString(v Version) string {
	return "v" + strconv.Itoa(int(v))
}
