package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/entity"
)

func newTestRedisTransport(t *testing.T) *RedisTransport {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisTransport(rdb, cache.NewPresenceCache(rdb), time.Minute, zerolog.Nop())
}

func TestRedisTransportBroadcast(t *testing.T) {
	tr := newTestRedisTransport(t)
	ctx := context.Background()

	a, err := tr.Subscribe(ctx, "d1", "alice")
	require.NoError(t, err)
	defer a.Close()
	b, err := tr.Subscribe(ctx, "d1", "bob")
	require.NoError(t, err)
	defer b.Close()

	msg, err := NewMessage(TypeHeartbeat, "d1", "alice", 7, nil)
	require.NoError(t, err)
	require.NoError(t, a.Broadcast(ctx, msg))

	got := recvMessage(t, b)
	assert.Equal(t, TypeHeartbeat, got.Type)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, uint64(7), got.Version)

	echo := recvMessage(t, a)
	assert.Equal(t, "alice", echo.UserID, "sender receives its own broadcast")
}

func TestRedisTransportPresence(t *testing.T) {
	tr := newTestRedisTransport(t)
	ctx := context.Background()

	a, err := tr.Subscribe(ctx, "d1", "alice")
	require.NoError(t, err)
	defer a.Close()
	recvPresence(t, a, PresenceSync)

	b, err := tr.Subscribe(ctx, "d1", "bob")
	require.NoError(t, err)
	require.NoError(t, b.Track(ctx, entity.UserPresence{Name: "Bob", Status: entity.StatusActive}))

	join := recvPresence(t, a, PresenceJoin)
	require.Len(t, join.Members, 1)
	assert.Equal(t, "Bob", join.Members[0].Name)

	require.NoError(t, b.Close())
	leave := recvPresence(t, a, PresenceLeave)
	assert.Equal(t, "bob", leave.Members[0].UserID)
	sync := recvPresence(t, a, PresenceSync)
	assert.Empty(t, sync.Members)
}
