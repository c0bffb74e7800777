package entity

import "time"

type Comment struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	DocumentID string    `gorm:"index;type:varchar(64)" json:"documentId"`
	UserID     string    `gorm:"type:varchar(64)" json:"userId"`
	Content    string    `gorm:"type:text" json:"content"`
	Position   int       `json:"position"`
	Section    *Range    `gorm:"serializer:json;type:json" json:"section,omitempty"`
	ParentID   string    `gorm:"type:varchar(64)" json:"parentId,omitempty"`
	Resolved   bool      `json:"resolved"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (Comment) TableName() string { return "collaboration_comments" }

type Annotation struct {
	ID         string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	DocumentID string         `gorm:"index;type:varchar(64)" json:"documentId"`
	UserID     string         `gorm:"type:varchar(64)" json:"userId"`
	Kind       string         `gorm:"type:varchar(32)" json:"kind"`
	Content    string         `gorm:"type:text" json:"content,omitempty"`
	Range      Range          `gorm:"embedded;embeddedPrefix:range_" json:"range"`
	Attributes map[string]any `gorm:"serializer:json;type:json" json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (Annotation) TableName() string { return "collaboration_annotations" }
