package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/postalsys/devicegateway/internal/identity"
)

// MemoryStore is an in-memory DeviceStore/Auth/ScriptStore/PubSub/
// TelemetrySink, used by the dev-mode backend config and by tests. It is
// not meant for production use: no persistence, no partitioning.
type MemoryStore struct {
	mu       sync.Mutex
	devices  map[identity.DevicePath]DeviceIdentity
	scripts  map[string][]byte
	subs     map[identity.DevicePath][]func(InboundFromBackend)
	published []publishedEvent
	telemetry []TelemetryRecord
}

type publishedEvent struct {
	Path identity.DevicePath
	Evt  OutboundToBackend
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[identity.DevicePath]DeviceIdentity),
		scripts: make(map[string][]byte),
		subs:    make(map[identity.DevicePath][]func(InboundFromBackend)),
	}
}

// PutDevice registers a device identity for later resolution/lookup.
func (m *MemoryStore) PutDevice(id DeviceIdentity) error {
	path, err := id.Path()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[path] = id
	return nil
}

// PutScript registers a program body under (scriptID, version).
func (m *MemoryStore) PutScript(scriptID string, version int, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[scriptKey(scriptID, version)] = body
}

func scriptKey(scriptID string, version int) string {
	return fmt.Sprintf("%s@%d", scriptID, version)
}

// ResolveDevice implements Auth.
func (m *MemoryStore) ResolveDevice(ctx context.Context, partitionKey, rowKey string) (DeviceIdentity, error) {
	path, err := identity.NewDevicePath(partitionKey, rowKey)
	if err != nil {
		return DeviceIdentity{}, err
	}
	return m.GetDevice(ctx, path)
}

// GetDevice implements DeviceStore.
func (m *MemoryStore) GetDevice(ctx context.Context, path identity.DevicePath) (DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.devices[path]
	if !ok {
		return DeviceIdentity{}, fmt.Errorf("backend: unknown device %s", path)
	}
	return id, nil
}

// UpdateDevice implements DeviceStore.
func (m *MemoryStore) UpdateDevice(ctx context.Context, path identity.DevicePath, mutate func(*DeviceIdentity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.devices[path]
	if !ok {
		return fmt.Errorf("backend: unknown device %s", path)
	}
	mutate(&id)
	m.devices[path] = id
	return nil
}

// GetScriptBody implements ScriptStore.
func (m *MemoryStore) GetScriptBody(ctx context.Context, scriptID string, version int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.scripts[scriptKey(scriptID, version)]
	if !ok {
		return nil, fmt.Errorf("backend: unknown script %s@%d", scriptID, version)
	}
	return body, nil
}

// Publish implements PubSub.
func (m *MemoryStore) Publish(ctx context.Context, path identity.DevicePath, evt OutboundToBackend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedEvent{Path: path, Evt: evt})
	return nil
}

// Subscribe implements PubSub.
func (m *MemoryStore) Subscribe(ctx context.Context, path identity.DevicePath, handler func(InboundFromBackend)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[path] = append(m.subs[path], handler)
	idx := len(m.subs[path]) - 1

	unsub := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		handlers := m.subs[path]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
	return unsub, nil
}

// Deliver dispatches msg to every active subscriber of path, simulating a
// backend-originated push. Used by tests.
func (m *MemoryStore) Deliver(path identity.DevicePath, msg InboundFromBackend) {
	m.mu.Lock()
	handlers := append([]func(InboundFromBackend){}, m.subs[path]...)
	m.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(msg)
		}
	}
}

// Insert implements TelemetrySink.
func (m *MemoryStore) Insert(ctx context.Context, partitionKey string, rec TelemetryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = append(m.telemetry, rec)
	return nil
}

// Published returns a snapshot of every event published so far. Used by
// tests.
func (m *MemoryStore) Published() []OutboundToBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundToBackend, 0, len(m.published))
	for _, p := range m.published {
		out = append(out, p.Evt)
	}
	return out
}

// NoopMetrics is a MetricsTracker that discards every event; used where a
// real Prometheus/event-tracking backend is not configured.
type NoopMetrics struct{}

// Track implements MetricsTracker.
func (NoopMetrics) Track(ctx context.Context, event string, properties map[string]any, measurements map[string]float64, tags TagOverrides) {
}
