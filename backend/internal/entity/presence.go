package entity

import "time"

type PresenceStatus string

const (
	StatusActive PresenceStatus = "active"
	StatusIdle   PresenceStatus = "idle"
	StatusAway   PresenceStatus = "away"
)

type Cursor struct {
	Position int `json:"position"`
	Line     int `json:"line"`
	Column   int `json:"column"`
}

type Selection struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text,omitempty"`
}

// UserPresence is the ephemeral state of one connected participant. It is
// never written to the relational store.
type UserPresence struct {
	UserID       string         `json:"userId"`
	Name         string         `json:"name,omitempty"`
	Avatar       string         `json:"avatar,omitempty"`
	Color        string         `json:"color,omitempty"`
	Cursor       *Cursor        `json:"cursor,omitempty"`
	Selection    *Selection     `json:"selection,omitempty"`
	Status       PresenceStatus `json:"status"`
	IsTyping     bool           `json:"isTyping"`
	LastActivity time.Time      `json:"lastActivity"`
}

// Clone returns a copy that shares no pointers with p.
func (p UserPresence) Clone() UserPresence {
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		p.Selection = &s
	}
	return p
}
