package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/ot"
)

func TestPresenceSyncKeepsKnownCursors(t *testing.T) {
	p := NewPresenceTracker("alice")
	p.Join(entity.UserPresence{UserID: "alice"}, entity.UserPresence{UserID: "bob"})
	require.True(t, p.UpdateCursor("bob", entity.Cursor{Position: 3}, time.Now()))

	p.Sync([]entity.UserPresence{{UserID: "alice"}, {UserID: "bob", Status: entity.StatusActive}, {UserID: "carol"}})
	assert.Equal(t, 3, p.Len())
	bob, ok := p.Get("bob")
	require.True(t, ok)
	require.NotNil(t, bob.Cursor)
	assert.Equal(t, 3, bob.Cursor.Position)

	p.Sync([]entity.UserPresence{{UserID: "alice"}})
	_, ok = p.Get("bob")
	assert.False(t, ok, "sync replaces the whole map")
}

func TestPresenceIgnoresOwnCursor(t *testing.T) {
	p := NewPresenceTracker("alice")
	assert.False(t, p.UpdateCursor("alice", entity.Cursor{Position: 1}, time.Now()))
	assert.False(t, p.UpdateSelection("alice", entity.Selection{Start: 0, End: 1}, time.Now()))
	assert.Equal(t, 0, p.Len())

	assert.True(t, p.UpdateSelection("bob", entity.Selection{Start: 0, End: 2}, time.Now()))
	ids := []string{}
	for _, m := range p.Snapshot() {
		ids = append(ids, m.UserID)
	}
	assert.Equal(t, []string{"bob"}, ids)
}

func TestPresenceJoinAndSyncDropOwnCursor(t *testing.T) {
	p := NewPresenceTracker("alice")
	cur := &entity.Cursor{Position: 4}
	sel := &entity.Selection{Start: 1, End: 3}

	p.Join(entity.UserPresence{UserID: "alice", Cursor: cur, Selection: sel})
	self, ok := p.Get("alice")
	require.True(t, ok)
	assert.Nil(t, self.Cursor)
	assert.Nil(t, self.Selection)

	p.Sync([]entity.UserPresence{
		{UserID: "alice", Cursor: cur, Selection: sel},
		{UserID: "bob", Cursor: cur},
	})
	self, _ = p.Get("alice")
	assert.Nil(t, self.Cursor)
	assert.Nil(t, self.Selection)
	bob, _ := p.Get("bob")
	require.NotNil(t, bob.Cursor)
	assert.Equal(t, 4, bob.Cursor.Position)
}

func TestPresenceShiftCursors(t *testing.T) {
	p := NewPresenceTracker("alice")
	now := time.Now()
	p.UpdateCursor("bob", entity.Cursor{Position: 5}, now)
	p.UpdateSelection("bob", entity.Selection{Start: 2, End: 6}, now)

	p.ShiftCursors(ot.Operation{Type: ot.OpDelete, Position: 0, Length: 3})
	bob, _ := p.Get("bob")
	assert.Equal(t, 2, bob.Cursor.Position)
	assert.Equal(t, 0, bob.Selection.Start)
	assert.Equal(t, 3, bob.Selection.End)
}

func TestPresenceSweep(t *testing.T) {
	p := NewPresenceTracker("alice")
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p.Join(
		entity.UserPresence{UserID: "bob", LastActivity: t0},
		entity.UserPresence{UserID: "carol", LastActivity: t0.Add(90 * time.Second)},
	)
	p.MarkTyping("bob", t0)

	changed := p.Sweep(t0.Add(2*time.Minute), 2*time.Minute, 10*time.Minute)
	require.Len(t, changed, 1)
	assert.Equal(t, "bob", changed[0].UserID)
	assert.Equal(t, entity.StatusIdle, changed[0].Status)
	assert.False(t, changed[0].IsTyping)

	assert.Empty(t, p.Sweep(t0.Add(2*time.Minute), 2*time.Minute, 10*time.Minute), "no change twice")

	changed = p.Sweep(t0.Add(11*time.Minute), 2*time.Minute, 10*time.Minute)
	require.Len(t, changed, 2)
	status := map[string]entity.PresenceStatus{}
	for _, m := range changed {
		status[m.UserID] = m.Status
	}
	assert.Equal(t, entity.StatusAway, status["bob"])
	assert.Equal(t, entity.StatusIdle, status["carol"])

	// activity brings a participant back
	p.MarkTyping("bob", t0.Add(11*time.Minute))
	bob, _ := p.Get("bob")
	assert.Equal(t, entity.StatusActive, bob.Status)
}

func TestCursorAt(t *testing.T) {
	cases := []struct {
		content string
		pos     int
		want    entity.Cursor
	}{
		{"hello", 0, entity.Cursor{Position: 0, Line: 0, Column: 0}},
		{"hello", 3, entity.Cursor{Position: 3, Line: 0, Column: 3}},
		{"ab\ncd\nef", 7, entity.Cursor{Position: 7, Line: 2, Column: 1}},
		{"ab\ncd", 3, entity.Cursor{Position: 3, Line: 1, Column: 0}},
		{"é\nñx", 4, entity.Cursor{Position: 4, Line: 1, Column: 2}},
		{"abc", 10, entity.Cursor{Position: 3, Line: 0, Column: 3}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CursorAt(tc.content, tc.pos), "%q at %d", tc.content, tc.pos)
	}
}
