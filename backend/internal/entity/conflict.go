package entity

import (
	"time"

	"collabcore/backend/internal/ot"
)

type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictEscalated ConflictStatus = "escalated"
)

type ResolutionStrategy string

const (
	StrategyAutoMerge ResolutionStrategy = "auto_merge"
	StrategyManual    ResolutionStrategy = "manual"
)

// Conflict records a remote operation that could not be integrated.
type Conflict struct {
	ID           string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	DocumentID   string         `gorm:"index;type:varchar(64)" json:"documentId"`
	SessionID    string         `gorm:"type:varchar(64)" json:"sessionId"`
	Operations   []ot.Operation `gorm:"serializer:json;type:json" json:"operations"`
	Participants []string       `gorm:"serializer:json;type:json" json:"participants"`
	BaseVersion  uint64         `json:"baseVersion"`
	Reason       string         `gorm:"type:varchar(512)" json:"reason"`
	Status       ConflictStatus `gorm:"type:varchar(16)" json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	ResolvedAt   *time.Time     `json:"resolvedAt,omitempty"`
}

func (Conflict) TableName() string { return "collaboration_conflicts" }

type ConflictResolution struct {
	ID              string             `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConflictID      string             `gorm:"index;type:varchar(64)" json:"conflictId"`
	Strategy        ResolutionStrategy `gorm:"type:varchar(32)" json:"strategy"`
	ResolvedBy      string             `gorm:"type:varchar(64)" json:"resolvedBy"`
	MergedOperation *ot.Operation      `gorm:"serializer:json;type:json" json:"mergedOperation,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
}

func (ConflictResolution) TableName() string { return "conflict_resolutions" }
