package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDevicePath(t *testing.T) {
	_, err := NewDevicePath("", "row")
	assert.ErrorIs(t, err, ErrEmptyDevicePath)

	p, err := NewDevicePath("part", "row")
	require.NoError(t, err)
	assert.Equal(t, "part/row", p.String())
	assert.False(t, p.IsZero())
}

// TestRetryTableBackoff is testable property 7: after k consecutive
// failures, the next attempt is blocked until at least
// (2 + min(k, 20)) * 10 seconds have elapsed.
func TestRetryTableBackoff(t *testing.T) {
	table := NewRetryTable()
	path, err := NewDevicePath("p1", "r1")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)

	for k := 1; k <= 25; k++ {
		table.RecordFailure(path, now)
		expectedSteps := k
		if expectedSteps > 20 {
			expectedSteps = 20
		}
		wantTimeout := now.Add(time.Duration(2+expectedSteps) * 10 * time.Second)

		assert.True(t, table.Blocked(path, now))
		assert.False(t, table.Blocked(path, wantTimeout.Add(time.Second)))
	}

	table.RecordSuccess(path)
	assert.False(t, table.Blocked(path, now))
}

func TestRetryTableIndependentDevices(t *testing.T) {
	table := NewRetryTable()
	a, _ := NewDevicePath("p", "a")
	b, _ := NewDevicePath("p", "b")

	now := time.Now()
	table.RecordFailure(a, now)
	table.RecordFailure(b, now)
	assert.True(t, table.Blocked(a, now))
	assert.True(t, table.Blocked(b, now))

	table.RecordSuccess(a)
	assert.False(t, table.Blocked(a, now))
	assert.True(t, table.Blocked(b, now))
	assert.Equal(t, 2, table.Size())
}
