package collab

import (
	"sort"
	"strings"
	"time"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/ot"
)

// PresenceTracker is the participant map of one session, keyed by user id.
// It is owned by a Manager and guarded by the manager's lock.
type PresenceTracker struct {
	self    string
	members map[string]entity.UserPresence
}

func NewPresenceTracker(self string) *PresenceTracker {
	return &PresenceTracker{self: self, members: make(map[string]entity.UserPresence)}
}

// Sync replaces the whole map with the transport's view.
func (p *PresenceTracker) Sync(members []entity.UserPresence) {
	next := make(map[string]entity.UserPresence, len(members))
	for _, m := range members {
		if m.UserID == "" {
			continue
		}
		// keep remote cursor state we already learned from cursor messages
		if prev, ok := p.members[m.UserID]; ok && m.Cursor == nil {
			m.Cursor, m.Selection = prev.Cursor, prev.Selection
		}
		next[m.UserID] = p.entry(m)
	}
	p.members = next
}

func (p *PresenceTracker) Join(members ...entity.UserPresence) {
	for _, m := range members {
		if m.UserID == "" {
			continue
		}
		if m.Status == "" {
			m.Status = entity.StatusActive
		}
		p.members[m.UserID] = p.entry(m)
	}
}

// entry copies m for the map. The local user's entry never carries a cursor
// or selection.
func (p *PresenceTracker) entry(m entity.UserPresence) entity.UserPresence {
	out := m.Clone()
	if out.UserID == p.self {
		out.Cursor, out.Selection = nil, nil
	}
	return out
}

func (p *PresenceTracker) Leave(userIDs ...string) {
	for _, id := range userIDs {
		delete(p.members, id)
	}
}

// UpdateCursor records a remote cursor. Updates for the local user are
// ignored, the local user already knows where its cursor is.
func (p *PresenceTracker) UpdateCursor(userID string, c entity.Cursor, at time.Time) bool {
	if userID == p.self {
		return false
	}
	m := p.ensure(userID)
	m.Cursor = &c
	m.IsTyping = false
	p.touch(&m, at)
	p.members[userID] = m
	return true
}

func (p *PresenceTracker) UpdateSelection(userID string, s entity.Selection, at time.Time) bool {
	if userID == p.self {
		return false
	}
	m := p.ensure(userID)
	m.Selection = &s
	p.touch(&m, at)
	p.members[userID] = m
	return true
}

// MarkTyping records an edit by a remote user.
func (p *PresenceTracker) MarkTyping(userID string, at time.Time) {
	if userID == p.self {
		return
	}
	m := p.ensure(userID)
	m.IsTyping = true
	p.touch(&m, at)
	p.members[userID] = m
}

// Seen makes sure a user that sent a heartbeat is listed.
func (p *PresenceTracker) Seen(userID string) {
	if _, ok := p.members[userID]; !ok && userID != "" {
		p.members[userID] = entity.UserPresence{UserID: userID, Status: entity.StatusActive}
	}
}

func (p *PresenceTracker) ensure(userID string) entity.UserPresence {
	if m, ok := p.members[userID]; ok {
		return m.Clone()
	}
	return entity.UserPresence{UserID: userID, Status: entity.StatusActive}
}

func (p *PresenceTracker) touch(m *entity.UserPresence, at time.Time) {
	if at.After(m.LastActivity) {
		m.LastActivity = at
	}
	m.Status = entity.StatusActive
}

// ShiftCursors moves remote cursors and selections through an applied op.
func (p *PresenceTracker) ShiftCursors(op ot.Operation) {
	for id, m := range p.members {
		if id == p.self || (m.Cursor == nil && m.Selection == nil) {
			continue
		}
		m = m.Clone()
		if m.Cursor != nil {
			m.Cursor.Position = ot.TransformIndex(m.Cursor.Position, op)
		}
		if m.Selection != nil {
			m.Selection.Start, m.Selection.End = ot.TransformRange(m.Selection.Start, m.Selection.End, op)
		}
		p.members[id] = m
	}
}

// Sweep demotes participants without recent activity and returns the ones
// whose status changed.
func (p *PresenceTracker) Sweep(now time.Time, idleAfter, awayAfter time.Duration) []entity.UserPresence {
	var changed []entity.UserPresence
	for id, m := range p.members {
		if m.LastActivity.IsZero() {
			continue
		}
		quiet := now.Sub(m.LastActivity)
		status := entity.StatusActive
		switch {
		case awayAfter > 0 && quiet >= awayAfter:
			status = entity.StatusAway
		case idleAfter > 0 && quiet >= idleAfter:
			status = entity.StatusIdle
		}
		if status != m.Status {
			m.Status = status
			if status != entity.StatusActive {
				m.IsTyping = false
			}
			p.members[id] = m
			changed = append(changed, m.Clone())
		}
	}
	return changed
}

func (p *PresenceTracker) Get(userID string) (entity.UserPresence, bool) {
	m, ok := p.members[userID]
	return m.Clone(), ok
}

// Snapshot returns the participants ordered by user id.
func (p *PresenceTracker) Snapshot() []entity.UserPresence {
	out := make([]entity.UserPresence, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *PresenceTracker) Len() int { return len(p.members) }

// CursorAt computes the line and column of a rune offset, both zero based.
func CursorAt(content string, pos int) entity.Cursor {
	r := []rune(content)
	pos = max(0, min(pos, len(r)))
	before := string(r[:pos])
	line := strings.Count(before, "\n")
	col := pos
	if i := strings.LastIndex(before, "\n"); i >= 0 {
		col = len([]rune(before[i+1:]))
	}
	return entity.Cursor{Position: pos, Line: line, Column: col}
}
