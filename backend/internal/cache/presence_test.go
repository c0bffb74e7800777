package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcore/backend/internal/entity"
)

func newTestCache(t *testing.T) (*PresenceCache, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPresenceCache(rdb)
	p.now = func() time.Time { return now }
	return p, mr, &now
}

func TestPresenceTrackAndAlive(t *testing.T) {
	p, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, p.Track(ctx, "d1", entity.UserPresence{UserID: "alice", Name: "Alice", Status: entity.StatusActive}, 30*time.Second))
	require.NoError(t, p.Track(ctx, "d1", entity.UserPresence{UserID: "bob", Name: "Bob", Cursor: &entity.Cursor{Position: 3}}, 30*time.Second))

	alive, err := p.Alive(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, alive, 2)

	byID := map[string]entity.UserPresence{}
	for _, m := range alive {
		byID[m.UserID] = m
	}
	assert.Equal(t, "Alice", byID["alice"].Name)
	require.NotNil(t, byID["bob"].Cursor)
	assert.Equal(t, 3, byID["bob"].Cursor.Position)

	docs, err := p.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, docs)
}

func TestPresenceExpiredMembersAreCleaned(t *testing.T) {
	p, mr, now := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, p.Track(ctx, "d1", entity.UserPresence{UserID: "alice"}, 30*time.Second))
	*now = now.Add(40 * time.Second)
	require.NoError(t, p.Track(ctx, "d1", entity.UserPresence{UserID: "bob"}, 30*time.Second))

	alive, err := p.Alive(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, alive, 1)
	assert.Equal(t, "bob", alive[0].UserID)

	fields, err := mr.HKeys(stateKey("d1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, fields)
}

func TestPresenceUntrack(t *testing.T) {
	p, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, p.Track(ctx, "d1", entity.UserPresence{UserID: "alice"}, time.Minute))
	require.NoError(t, p.Untrack(ctx, "d1", "alice"))

	alive, err := p.Alive(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, alive)
}

func TestPresenceTrackRequiresUser(t *testing.T) {
	p, _, _ := newTestCache(t)
	assert.Error(t, p.Track(context.Background(), "d1", entity.UserPresence{}, time.Minute))
}
