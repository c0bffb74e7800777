package collab

import (
	"context"
	"time"

	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/ot/delta"
)

const EventTypeOpApplied = "OP_APPLIED"

// DocOpEvent is the op-log record of one locally applied operation.
type DocOpEvent struct {
	EventType   string       `json:"eventType"`
	DocumentID  string       `json:"documentId"`
	SessionID   string       `json:"sessionId"`
	OperationID string       `json:"operationId"`
	UserID      string       `json:"userId"`
	BaseVersion uint64       `json:"baseVersion"`
	Version     uint64       `json:"version"`
	Operation   ot.Operation `json:"operation"`
	Ops         delta.Delta  `json:"ops"`
	AppliedAt   time.Time    `json:"appliedAt"`
}

// OpLog receives applied operations for downstream consumers. Delivery is
// best effort.
type OpLog interface {
	Enqueue(ctx context.Context, evt DocOpEvent) error
}
