package device

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/devicegateway/internal/backend"
	"github.com/postalsys/devicegateway/internal/deploy"
	"github.com/postalsys/devicegateway/internal/gwcrypto"
	"github.com/postalsys/devicegateway/internal/gwsession"
	"github.com/postalsys/devicegateway/internal/identity"
	"github.com/postalsys/devicegateway/internal/logging"
)

// pipeConn is a minimal in-memory gwsession.MessageConn, mirroring the
// one used in the gwsession package's own handshake tests.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipePair() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 8)
	ba := make(chan []byte, 8)
	closed := make(chan struct{})
	return &pipeConn{in: ba, out: ab, closed: closed}, &pipeConn{in: ab, out: ba, closed: closed}
}

func (p *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, errors.New("pipeConn: closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WriteMessage(ctx context.Context, payload []byte) error {
	select {
	case p.out <- append([]byte(nil), payload...):
		return nil
	case <-p.closed:
		return errors.New("pipeConn: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close(reason string) error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// deviceSide plays the device half of the handshake and keeps decrypting
// whatever the gateway writes afterward, publishing plaintext frames onto
// a channel so tests can assert on Session's outbound traffic.
type deviceSide struct {
	conn         *pipeConn
	key          [32]byte
	clientNonce  [13]byte
	serverNonce  [13]byte
	outbound     chan []byte
}

func newDeviceSide(t *testing.T, conn *pipeConn, devKey [32]byte) *deviceSide {
	t.Helper()

	var clientRandom [16]byte
	for i := range clientRandom {
		clientRandom[i] = byte(i + 9)
	}
	selector := "devs-key-"
	for _, b := range clientRandom {
		selector += hexDigit(b>>4) + hexDigit(b&0xf)
	}
	require.NoError(t, conn.WriteMessage(context.Background(), []byte(selector)))

	helloMsg, err := conn.ReadMessage(context.Background())
	require.NoError(t, err)
	version, serverRandom, err := gwsession.DecodeServerHello(helloMsg)
	require.NoError(t, err)
	require.Equal(t, gwsession.VersionDevs, version)

	key, err := gwsession.DeriveKeyV2(devKey, clientRandom, serverRandom)
	require.NoError(t, err)

	clientNonce := gwcrypto.InitClientNonce()
	serverNonce := gwcrypto.InitServerNonce()

	authRecord, err := conn.ReadMessage(context.Background())
	require.NoError(t, err)
	_, err = gwcrypto.CCMDecrypt(key, serverNonce, authRecord)
	require.NoError(t, err)
	require.NoError(t, gwcrypto.IncNonce13(&serverNonce))

	firstClient := make([]byte, 32)
	ct, err := gwcrypto.CCMEncrypt(key, clientNonce, firstClient)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(context.Background(), ct))
	require.NoError(t, gwcrypto.IncNonce13(&clientNonce))

	d := &deviceSide{conn: conn, key: key, clientNonce: clientNonce, serverNonce: serverNonce, outbound: make(chan []byte, 16)}
	go d.pump()
	return d
}

func hexDigit(n byte) string {
	const digits = "0123456789abcdef"
	return string(digits[n])
}

func (d *deviceSide) pump() {
	for {
		raw, err := d.conn.ReadMessage(context.Background())
		if err != nil {
			return
		}
		pt, err := gwcrypto.CCMDecrypt(d.key, d.serverNonce, raw)
		_ = gwcrypto.IncNonce13(&d.serverNonce)
		if err != nil {
			continue
		}
		d.outbound <- pt
	}
}

func (d *deviceSide) expect(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case msg := <-d.outbound:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for outbound frame from session")
		return nil
	}
}

func newTestSession(t *testing.T) (*Session, *deviceSide, *backend.MemoryStore, identity.DevicePath) {
	t.Helper()

	var devKey [32]byte
	for i := range devKey {
		devKey[i] = byte(i)
	}
	id := backend.DeviceIdentity{PartitionKey: "p1", RowKey: "r1", DisplayName: "sensor", DeviceKey: devKey}
	return newTestSessionWithIdentity(t, id, devKey)
}

// newTestSessionWithIdentity mirrors newTestSession but lets a caller supply
// an identity (e.g. with a ScriptID/ScriptVersion pre-assigned) so deploy
// wiring at connect time can be exercised directly against a Session rather
// than through the gateway's HTTP handler.
func newTestSessionWithIdentity(t *testing.T, id backend.DeviceIdentity, devKey [32]byte) (*Session, *deviceSide, *backend.MemoryStore, identity.DevicePath) {
	t.Helper()

	serverConn, deviceConn := newPipePair()

	type result struct {
		sess *gwsession.Session
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		sess, err := gwsession.NewHandshaker().Accept(context.Background(), serverConn, devKey)
		resCh <- result{sess, err}
	}()

	ds := newDeviceSide(t, deviceConn, devKey)
	res := <-resCh
	require.NoError(t, res.err)

	store := NewTestMemoryStore(t)
	path, err := identity.NewDevicePath(id.PartitionKey, id.RowKey)
	require.NoError(t, err)

	require.NoError(t, store.PutDevice(id))

	collab := Collaborators{
		DeviceStore:  store,
		ScriptStore:  store,
		PubSub:       store,
		Metrics:      backend.NoopMetrics{},
		RetryTable:   identity.NewRetryTable(),
		TickInterval: 20 * time.Millisecond,
	}

	session, err := NewSession(res.sess, id, collab, logging.NopLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))

	t.Cleanup(func() { session.Close("test teardown") })

	return session, ds, store, path
}

// NewTestMemoryStore is a thin constructor indirection so this file reads
// naturally; it's just backend.NewMemoryStore.
func NewTestMemoryStore(t *testing.T) *backend.MemoryStore {
	t.Helper()
	return backend.NewMemoryStore()
}

func TestSessionUploadPublishesAndIncrementsD2C(t *testing.T) {
	session, _, store, _ := newTestSession(t)

	msg := []byte{0x80, 0x00, 0x00, 0x00, 'h', 'i', 0x00}
	msg = append(msg, f64le(3.14)...)

	require.NoError(t, session.HandleInboundRecord(context.Background(), msg))

	published := store.Published()
	require.Len(t, published, 1)
	assert.Equal(t, backend.KindJacsUpload, published[0].Kind)
	assert.Equal(t, "hi", published[0].JacsUpload.Label)
	assert.Equal(t, uint64(1), session.stats.D2C)
}

func TestSessionKeepaliveEchoesPayload(t *testing.T) {
	session, ds, _, _ := newTestSession(t)

	msg := []byte{0x92, 0x00, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, session.HandleInboundRecord(context.Background(), msg))

	reply := ds.expect(t, time.Second)
	assert.Equal(t, []byte{0x92, 0x00, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef}, reply)
}

// TestTickEmptiness is testable property 8: with no activity between two
// ticks, no stats flush occurs and no event is emitted.
func TestTickEmptiness(t *testing.T) {
	_, _, store, _ := newTestSession(t)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, store.Published())
}

func TestTickFlushAfterActivity(t *testing.T) {
	session, _, store, path := newTestSession(t)

	msg := []byte{0x92, 0x00, 0x00, 0x00, 0x01}
	require.NoError(t, session.HandleInboundRecord(context.Background(), msg))

	require.Eventually(t, func() bool {
		for _, evt := range store.Published() {
			if evt.Kind == backend.KindTick {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	dev, err := store.GetDevice(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, dev.LastActivity.IsZero())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	session, _, _, _ := newTestSession(t)
	session.Close("first")
	session.Close("second")
	assert.Equal(t, StateClosed, session.State())
}

func validDeployProgram(size int) []byte {
	buf := make([]byte, size)
	copy(buf, deploy.ProgramMagic[:])
	for i := 8; i < size; i++ {
		buf[i] = byte(i)
	}
	return buf
}

// TestSessionDeploysAssignedScriptOnConnect drives the full 0x93-0x96 opcode
// sequence against a Session whose identity already carries a ScriptID at
// construction time, with no KindUpdate nudge from the backend.
func TestSessionDeploysAssignedScriptOnConnect(t *testing.T) {
	var devKey [32]byte
	for i := range devKey {
		devKey[i] = byte(i + 40)
	}
	scriptID := "firmware-v9"
	scriptVersion := 1
	id := backend.DeviceIdentity{
		PartitionKey:  "p6",
		RowKey:        "r6",
		DeviceKey:     devKey,
		ScriptID:      &scriptID,
		ScriptVersion: &scriptVersion,
	}

	serverConn, deviceConn := newPipePair()
	type result struct {
		sess *gwsession.Session
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		sess, err := gwsession.NewHandshaker().Accept(context.Background(), serverConn, devKey)
		resCh <- result{sess, err}
	}()
	ds := newDeviceSide(t, deviceConn, devKey)
	res := <-resCh
	require.NoError(t, res.err)

	store := NewTestMemoryStore(t)
	program := validDeployProgram(250)
	store.PutScript(scriptID, scriptVersion, program)
	require.NoError(t, store.PutDevice(id))

	collab := Collaborators{
		DeviceStore:  store,
		ScriptStore:  store,
		PubSub:       store,
		Metrics:      backend.NoopMetrics{},
		RetryTable:   identity.NewRetryTable(),
		TickInterval: 20 * time.Millisecond,
	}
	session, err := NewSession(res.sess, id, collab, logging.NopLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(func() { session.Close("test teardown") })

	req := ds.expect(t, time.Second)
	require.Equal(t, []byte{deploy.OpRequestHash}, req)

	wrongHash := make([]byte, 32)
	require.NoError(t, session.HandleInboundRecord(context.Background(),
		append([]byte{deploy.OpRequestHash, 0x00, 0x00, 0x00}, wrongHash...)))

	begin := ds.expect(t, time.Second)
	require.Len(t, begin, 5)
	require.Equal(t, deploy.OpBeginUpload, begin[0])
	assert.Equal(t, uint32(len(program)), binary.LittleEndian.Uint32(begin[1:5]))
	require.NoError(t, session.HandleInboundRecord(context.Background(), []byte{deploy.OpBeginUpload, 0x00, 0x00, 0x00}))

	chunk1 := ds.expect(t, time.Second)
	require.Equal(t, deploy.OpChunk, chunk1[0])
	require.Len(t, chunk1[1:], deploy.BytecodeMaxPkt)
	require.NoError(t, session.HandleInboundRecord(context.Background(), []byte{deploy.OpChunk, 0x00, 0x00, 0x00}))

	chunk2 := ds.expect(t, time.Second)
	require.Equal(t, deploy.OpChunk, chunk2[0])
	assert.Equal(t, program, append(append([]byte{}, chunk1[1:]...), chunk2[1:]...))
	require.NoError(t, session.HandleInboundRecord(context.Background(), []byte{deploy.OpChunk, 0x00, 0x00, 0x00}))

	finalize := ds.expect(t, time.Second)
	require.Equal(t, []byte{deploy.OpFinalize}, finalize)
	require.NoError(t, session.HandleInboundRecord(context.Background(), []byte{deploy.OpFinalize, 0x00, 0x00, 0x00}))

	reverify := ds.expect(t, time.Second)
	require.Equal(t, []byte{deploy.OpRequestHash}, reverify)

	hash := sha256.Sum256(program)
	require.NoError(t, session.HandleInboundRecord(context.Background(),
		append([]byte{deploy.OpRequestHash, 0x00, 0x00, 0x00}, hash[:]...)))

	assert.Equal(t, deploy.OutcomeSucceeded, session.deploy.LastOutcome())
}

// TestSessionKindUpdateTriggersScriptSync exercises the backend-pushed
// KindUpdate path on a Session that connected with no script assigned.
func TestSessionKindUpdateTriggersScriptSync(t *testing.T) {
	session, ds, store, path := newTestSession(t)

	scriptID := "firmware-v10"
	scriptVersion := 1
	program := validDeployProgram(150)
	store.PutScript(scriptID, scriptVersion, program)

	require.NoError(t, session.handleInbound(context.Background(), backend.InboundFromBackend{
		Kind: backend.KindUpdate,
		Update: &backend.InboundUpdate{Identity: backend.DeviceIdentity{
			PartitionKey:  path.PartitionKey,
			RowKey:        path.RowKey,
			ScriptID:      &scriptID,
			ScriptVersion: &scriptVersion,
		}},
	}))

	req := ds.expect(t, time.Second)
	require.Equal(t, []byte{deploy.OpRequestHash}, req)
}
