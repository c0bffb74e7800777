package entity

import (
	"time"

	"collabcore/backend/internal/ot"
)

// Document is a row of collaborative_documents. Operations holds the applied
// history in local application order.
type Document struct {
	ID           string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title        string         `gorm:"type:varchar(255)" json:"title"`
	Type         string         `gorm:"type:varchar(64)" json:"type"`
	Content      string         `gorm:"type:longtext" json:"content"`
	Version      uint64         `gorm:"not null;default:0" json:"version"`
	Operations   []ot.Operation `gorm:"serializer:json;type:json" json:"operations"`
	Metadata     map[string]any `gorm:"serializer:json;type:json" json:"metadata,omitempty"`
	LastEditedBy string         `gorm:"type:varchar(64)" json:"lastEditedBy,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (Document) TableName() string { return "collaborative_documents" }

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// CollaborationSession is the shared session row of a document, looked up or
// created on every join.
type CollaborationSession struct {
	ID         string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	DocumentID string        `gorm:"uniqueIndex;type:varchar(64)" json:"documentId"`
	Status     SessionStatus `gorm:"type:varchar(16)" json:"status"`
	CreatedBy  string        `gorm:"type:varchar(64)" json:"createdBy"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

func (CollaborationSession) TableName() string { return "collaboration_sessions" }

type ActivityAction string

const (
	ActivityJoined    ActivityAction = "joined"
	ActivityLeft      ActivityAction = "left"
	ActivityEdited    ActivityAction = "edited"
	ActivityCommented ActivityAction = "commented"
	ActivityAnnotated ActivityAction = "annotated"
	ActivityLocked    ActivityAction = "locked"
	ActivityUnlocked  ActivityAction = "unlocked"
)

type Activity struct {
	ID         string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SessionID  string         `gorm:"index;type:varchar(64)" json:"sessionId"`
	DocumentID string         `gorm:"index;type:varchar(64)" json:"documentId"`
	UserID     string         `gorm:"type:varchar(64)" json:"userId"`
	Action     ActivityAction `gorm:"type:varchar(32)" json:"action"`
	Details    map[string]any `gorm:"serializer:json;type:json" json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (Activity) TableName() string { return "collaboration_activities" }
