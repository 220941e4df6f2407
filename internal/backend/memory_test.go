package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/devicegateway/internal/identity"
)

func TestMemoryStoreDeviceRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	id := DeviceIdentity{PartitionKey: "p1", RowKey: "r1", DisplayName: "sensor"}
	require.NoError(t, store.PutDevice(id))

	got, err := store.ResolveDevice(context.Background(), "p1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "sensor", got.DisplayName)

	path, err := identity.NewDevicePath("p1", "r1")
	require.NoError(t, err)
	require.NoError(t, store.UpdateDevice(context.Background(), path, func(d *DeviceIdentity) {
		d.DisplayName = "renamed"
	}))

	got, err = store.GetDevice(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.DisplayName)
}

func TestMemoryStorePubSub(t *testing.T) {
	store := NewMemoryStore()
	path, err := identity.NewDevicePath("p1", "r1")
	require.NoError(t, err)

	var received []InboundFromBackend
	unsub, err := store.Subscribe(context.Background(), path, func(msg InboundFromBackend) {
		received = append(received, msg)
	})
	require.NoError(t, err)

	store.Deliver(path, InboundFromBackend{Kind: KindPing, Ping: &InboundPing{Payload: []byte("hi")}})
	require.Len(t, received, 1)
	assert.Equal(t, KindPing, received[0].Kind)

	unsub()
	store.Deliver(path, InboundFromBackend{Kind: KindPing})
	assert.Len(t, received, 1)
}

func TestMemoryStorePublish(t *testing.T) {
	store := NewMemoryStore()
	path, err := identity.NewDevicePath("p1", "r1")
	require.NoError(t, err)

	require.NoError(t, store.Publish(context.Background(), path, OutboundToBackend{
		Kind: KindPong,
		Pong: &OutboundPong{Payload64: "aGk="},
	}))

	published := store.Published()
	require.Len(t, published, 1)
	assert.Equal(t, KindPong, published[0].Kind)
}
