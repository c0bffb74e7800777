package entity

import "time"

type LockType string

const (
	LockExclusive LockType = "exclusive"
	LockSection   LockType = "section"
	LockReadOnly  LockType = "read-only"
)

func (t LockType) Valid() bool {
	switch t {
	case LockExclusive, LockSection, LockReadOnly:
		return true
	}
	return false
}

// Range is a half-open rune range [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Valid() bool { return r.Start >= 0 && r.End > r.Start }

func (r Range) Overlaps(o Range) bool { return r.Start < o.End && o.Start < r.End }

type DocumentLock struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	DocumentID string    `gorm:"index:idx_lock_doc_exp;type:varchar(64)" json:"documentId"`
	UserID     string    `gorm:"type:varchar(64)" json:"userId"`
	Type       LockType  `gorm:"type:varchar(16)" json:"type"`
	Section    *Range    `gorm:"serializer:json;type:json" json:"section,omitempty"`
	Reason     string    `gorm:"type:varchar(255)" json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `gorm:"index:idx_lock_doc_exp" json:"expiresAt"`
}

func (DocumentLock) TableName() string { return "document_locks" }

// ActiveAt reports whether the lease is still running at now. An expired lock
// is released whether or not anyone deleted it.
func (l DocumentLock) ActiveAt(now time.Time) bool { return now.Before(l.ExpiresAt) }
