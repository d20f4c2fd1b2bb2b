package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordAndSeen(t *testing.T) {
	ctx := context.Background()
	d := NewMemory(time.Hour, 10)

	_, ok, err := d.Seen(ctx, "payment.completed:p1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Record(ctx, "payment.completed:p1", Applied))
	require.NoError(t, d.Record(ctx, "payment.completed:p1", Rejected("INSUFFICIENT_BALANCE")))

	out, ok, err := d.Seen(ctx, "payment.completed:p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Applied, out, "first outcome wins")
}

func TestMemoryExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemory(time.Minute, 0)
	d.now = func() time.Time { return now }

	require.NoError(t, d.Record(ctx, "k1", Applied))
	now = now.Add(30 * time.Second)
	require.NoError(t, d.Record(ctx, "k2", Applied))

	now = now.Add(31 * time.Second)
	_, ok, _ := d.Seen(ctx, "k1")
	assert.False(t, ok)
	_, ok, _ = d.Seen(ctx, "k2")
	assert.True(t, ok)
	assert.Equal(t, 1, d.Len())
}

func TestMemoryBoundedSize(t *testing.T) {
	ctx := context.Background()
	d := NewMemory(time.Hour, 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Record(ctx, fmt.Sprintf("k%d", i), Applied))
	}
	assert.Equal(t, 3, d.Len())

	_, ok, _ := d.Seen(ctx, "k0")
	assert.False(t, ok)
	_, ok, _ = d.Seen(ctx, "k4")
	assert.True(t, ok)
}

func TestOutcomeIsRejection(t *testing.T) {
	assert.True(t, Rejected("ACCOUNT_NOT_OPERABLE").IsRejection())
	assert.False(t, Applied.IsRejection())
}
