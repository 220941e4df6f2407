// Package identity provides the device path identifier and the
// process-wide deployment retry state that must survive a device
// reconnecting within the same process.
package identity

import (
	"errors"
	"fmt"
)

// ErrEmptyDevicePath is returned when either key component is empty.
var ErrEmptyDevicePath = errors.New("identity: partition key and row key must be non-empty")

// DevicePath is the stable identifier for a device: its partition key and
// row key, as resolved by the auth collaborator. It is used as the map key
// for cross-session deployment retry state and as the device's routing key
// on the backend pub/sub plane.
type DevicePath struct {
	PartitionKey string
	RowKey       string
}

// NewDevicePath builds a DevicePath, validating both components are set.
func NewDevicePath(partitionKey, rowKey string) (DevicePath, error) {
	if partitionKey == "" || rowKey == "" {
		return DevicePath{}, ErrEmptyDevicePath
	}
	return DevicePath{PartitionKey: partitionKey, RowKey: rowKey}, nil
}

// String returns a human-readable "partitionKey/rowKey" representation,
// suitable for logging and as a backend subscription topic.
func (p DevicePath) String() string {
	return fmt.Sprintf("%s/%s", p.PartitionKey, p.RowKey)
}

// IsZero reports whether the DevicePath is uninitialized.
func (p DevicePath) IsZero() bool {
	return p.PartitionKey == "" && p.RowKey == ""
}

// Equal reports whether two DevicePaths identify the same device.
func (p DevicePath) Equal(other DevicePath) bool {
	return p == other
}
