package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client, err := Dial(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	first := NewLock(client, time.Minute)
	second := NewLock(client, time.Minute)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire a held lock")

	// releasing someone else's lock leaves it in place
	require.NoError(t, second.Unlock(ctx))
	assert.True(t, mr.Exists(LockKey))

	require.NoError(t, first.Unlock(ctx))
	assert.False(t, mr.Exists(LockKey))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_Expires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client, err := Dial(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	crashed := NewLock(client, time.Minute)
	ok, err := crashed.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = NewLock(client, time.Minute).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_RedisDown(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client, err := Dial(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	mr.Close()

	_, err = NewLock(client, 0).TryLock(ctx)
	assert.Error(t, err)
}
