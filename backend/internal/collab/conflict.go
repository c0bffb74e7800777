package collab

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/ot"
)

// handleConflictLocked records a remote operation that could not be applied
// after transformation and runs the configured resolution. The session is
// Resolving while this runs and Active again when it returns.
func (m *Manager) handleConflictLocked(ctx context.Context, original, transformed ot.Operation, cause error, version uint64, rebased []pendingOp) []Event {
	now := m.now()
	ops := []ot.Operation{original}
	if transformed.String() != original.String() {
		ops = append(ops, transformed)
	}
	participants := []string{original.UserID, m.self.UserID}
	for _, p := range rebased {
		ops = append(ops, p.op)
		participants = append(participants, p.op.UserID)
	}
	slices.Sort(participants)

	c := &entity.Conflict{
		ID:           uuid.NewString(),
		DocumentID:   m.doc.ID,
		SessionID:    m.session.ID,
		Operations:   ops,
		Participants: slices.Compact(participants),
		BaseVersion:  original.Version,
		Reason:       cause.Error(),
		Status:       entity.ConflictPending,
		CreatedAt:    now,
	}
	m.state = StateResolving
	defer func() { m.state = StateActive }()

	m.log.Warn().Err(cause).Str("op", original.ID).Str("conflict", c.ID).Msg("remote operation conflicts")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.store.CreateConflict(sctx, c); err != nil {
		m.log.Warn().Err(err).Str("conflict", c.ID).Msg("persist conflict")
	}

	detected := *c
	events := []Event{{
		Kind: EventConflictDetected, DocumentID: c.DocumentID, UserID: original.UserID,
		Version: m.doc.Version, Remote: true, Conflict: &detected,
	}}
	return append(events, m.autoResolveConflictLocked(sctx, c, transformed, version, rebased)...)
}

// autoResolveConflictLocked applies the auto_merge policy: the operation is
// clamped into the current content, so the later writer wins over whatever
// is left of the contested range. If even the clamped operation cannot be
// applied, or the policy is manual, the conflict is escalated.
func (m *Manager) autoResolveConflictLocked(ctx context.Context, c *entity.Conflict, op ot.Operation, version uint64, rebased []pendingOp) []Event {
	if m.cfg.Strategy != entity.StrategyAutoMerge {
		m.escalateLocked(ctx, c)
		return nil
	}
	merged := op.Clamp(m.buf.Len())
	if err := m.applyLocked(merged, version); err != nil {
		m.log.Warn().Err(err).Str("conflict", c.ID).Msg("auto merge failed")
		m.escalateLocked(ctx, c)
		return nil
	}
	m.pending = rebased
	m.recordRemoteLocked(merged, version)

	now := m.now()
	c.Status = entity.ConflictResolved
	c.ResolvedAt = &now
	res := &entity.ConflictResolution{
		ID:              uuid.NewString(),
		ConflictID:      c.ID,
		Strategy:        entity.StrategyAutoMerge,
		ResolvedBy:      m.self.UserID,
		MergedOperation: &merged,
		CreatedAt:       now,
	}
	if err := m.store.UpdateConflict(ctx, c); err != nil {
		m.log.Warn().Err(err).Str("conflict", c.ID).Msg("update conflict")
	}
	if err := m.store.CreateResolution(ctx, res); err != nil {
		m.log.Warn().Err(err).Str("conflict", c.ID).Msg("persist resolution")
	}
	m.log.Info().Str("conflict", c.ID).Str("merged", merged.String()).Msg("conflict auto merged")

	resolved := *c
	return []Event{
		{
			Kind: EventConflictResolved, DocumentID: c.DocumentID, UserID: m.self.UserID,
			Version: version, Conflict: &resolved, Resolution: res,
		},
		{
			Kind: EventOperationApplied, DocumentID: c.DocumentID, UserID: merged.UserID,
			Version: version, Remote: true, Operation: &merged,
		},
	}
}

func (m *Manager) escalateLocked(ctx context.Context, c *entity.Conflict) {
	c.Status = entity.ConflictEscalated
	if err := m.store.UpdateConflict(ctx, c); err != nil {
		m.log.Warn().Err(err).Str("conflict", c.ID).Msg("escalate conflict")
	}
	m.log.Warn().Str("conflict", c.ID).Msg("conflict escalated")
}
