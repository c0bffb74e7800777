package collab

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
	"collabcore/backend/internal/transport"
)

type State int32

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateResolving
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateResolving:
		return "resolving"
	case StateLeft:
		return "left"
	}
	return "unknown"
}

type Config struct {
	HeartbeatInterval time.Duration             `mapstructure:"heartbeat_interval"`
	PersistEvery      int                       `mapstructure:"persist_every"`
	LockLease         time.Duration             `mapstructure:"lock_lease"`
	IdleAfter         time.Duration             `mapstructure:"idle_after"`
	AwayAfter         time.Duration             `mapstructure:"away_after"`
	HistoryLimit      int                       `mapstructure:"history_limit"`
	StoreTimeout      time.Duration             `mapstructure:"store_timeout"`
	BroadcastTimeout  time.Duration             `mapstructure:"broadcast_timeout"`
	Strategy          entity.ResolutionStrategy `mapstructure:"strategy"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PersistEvery:      20,
		LockLease:         DefaultLockLease,
		IdleAfter:         2 * time.Minute,
		AwayAfter:         10 * time.Minute,
		HistoryLimit:      1024,
		StoreTimeout:      5 * time.Second,
		BroadcastTimeout:  5 * time.Second,
		Strategy:          entity.StrategyAutoMerge,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = d.PersistEvery
	}
	if c.LockLease <= 0 {
		c.LockLease = d.LockLease
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = d.IdleAfter
	}
	if c.AwayAfter <= 0 {
		c.AwayAfter = d.AwayAfter
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = d.BroadcastTimeout
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	return c
}

type ManagerOptions struct {
	Config    Config
	Logger    zerolog.Logger
	OpLog     OpLog // optional
	Loader    *DocumentLoader
	Observers []Observer
	Now       func() time.Time
}

// operationPayload is the wire form of an operation message. Replica and
// Seq identify the sending session; Context counts, per replica, the
// operations the sender had integrated, which tells a receiver which of its
// own pending operations the sender already saw.
type operationPayload struct {
	Operation ot.Operation      `json:"operation"`
	Replica   string            `json:"replica"`
	Seq       uint64            `json:"seq"`
	Context   map[string]uint64 `json:"context,omitempty"`
}

type pendingOp struct {
	op  ot.Operation
	seq uint64
}

type remoteEntry struct {
	op      ot.Operation
	version uint64 // local version right after the op was applied
}

// Manager runs one client's collaboration session on one document. All
// document state is guarded by mu; store and transport calls that must stay
// ordered with state changes run under it too. Observers are called after mu
// is released.
type Manager struct {
	self      entity.UserPresence
	transport transport.Transport
	store     store.Store
	loader    *DocumentLoader
	oplog     OpLog
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	obsMu     sync.RWMutex
	observers []Observer

	mu       sync.Mutex
	state    State
	replica  string
	session  *entity.CollaborationSession
	doc      *CollaborativeDocument
	buf      Buffer
	presence *PresenceTracker
	ch       transport.Channel
	pending  []pendingOp
	remote   []remoteEntry
	// highest version trimmed from remote; edits based below it cannot be rebased
	remoteFloor uint64
	clock       map[string]uint64
	seq         uint64
	seen        map[string]struct{}
	seenOrder   []string

	dirty          bool
	anchorsDirty   bool
	localSinceSave int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(self entity.UserPresence, tr transport.Transport, st store.Store, opt ManagerOptions) *Manager {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Loader == nil {
		opt.Loader = NewDocumentLoader(st)
	}
	if self.Status == "" {
		self.Status = entity.StatusActive
	}
	return &Manager{
		self:      self.Clone(),
		transport: tr,
		store:     st,
		loader:    opt.Loader,
		oplog:     opt.OpLog,
		cfg:       opt.Config.withDefaults(),
		log:       opt.Logger.With().Str("component", "session").Str("user", self.UserID).Logger(),
		now:       opt.Now,
		observers: slices.Clone(opt.Observers),
		state:     StateIdle,
	}
}

func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

type joinResult struct {
	session     *entity.CollaborationSession
	doc         *entity.Document
	comments    []entity.Comment
	annotations []entity.Annotation
	locks       []entity.DocumentLock
	ch          transport.Channel
}

// JoinSession connects the manager to documentID. On failure the manager is
// back in StateIdle and the returned error is a *SessionJoinError.
func (m *Manager) JoinSession(ctx context.Context, documentID string) error {
	m.mu.Lock()
	switch m.state {
	case StateJoining, StateActive, StateResolving:
		m.mu.Unlock()
		return ErrSessionActive
	}
	m.state = StateJoining
	m.mu.Unlock()

	res, err := m.connect(ctx, documentID)
	if err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("doc", documentID).Msg("join failed")
		return &SessionJoinError{DocumentID: documentID, Err: err}
	}

	if err := Verify(res.doc); err != nil {
		m.log.Warn().Err(err).Str("doc", documentID).Msg("stored history does not replay")
	}

	now := m.now()
	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.replica = uuid.NewString()
	m.session = res.session
	m.doc = &CollaborativeDocument{
		Document:    *res.doc,
		Locks:       pruneLocks(res.locks, now),
		Comments:    res.comments,
		Annotations: res.annotations,
	}
	m.buf = NewPieceTable(res.doc.Content)
	m.ch = res.ch
	m.pending = nil
	m.remote = nil
	m.remoteFloor = 0
	m.clock = make(map[string]uint64)
	m.seq = 0
	m.seen = make(map[string]struct{})
	m.seenOrder = nil
	for _, op := range lastN(res.doc.Operations, m.seenLimit()) {
		m.markSeenLocked(op.ID)
	}
	m.self.Status = entity.StatusActive
	m.self.LastActivity = now
	m.presence = NewPresenceTracker(m.self.UserID)
	m.presence.Join(m.self)
	m.doc.Participants = m.presence.Snapshot()
	m.dirty, m.anchorsDirty, m.localSinceSave = false, false, 0
	m.cancel = cancel
	m.state = StateActive
	m.wg.Add(2)
	go m.readLoop(runCtx, res.ch)
	go m.heartbeatLoop(runCtx)
	evt := Event{
		Kind:         EventSessionJoined,
		DocumentID:   documentID,
		UserID:       m.self.UserID,
		Version:      m.doc.Version,
		Participants: m.presence.Snapshot(),
	}
	sessionID := m.session.ID
	m.mu.Unlock()

	m.log.Info().Str("doc", documentID).Str("session", sessionID).Uint64("version", evt.Version).Msg("joined session")
	m.recordActivity(ctx, documentID, sessionID, entity.ActivityJoined, nil)
	m.emit([]Event{evt})
	return nil
}

func (m *Manager) connect(ctx context.Context, documentID string) (*joinResult, error) {
	var res joinResult
	var err error
	if res.session, err = m.store.FindOrCreateSession(ctx, documentID, m.self.UserID); err != nil {
		return nil, err
	}
	if res.doc, err = m.loader.Load(ctx, documentID, m.self.UserID); err != nil {
		return nil, err
	}
	if res.comments, err = m.store.ListComments(ctx, documentID); err != nil {
		return nil, err
	}
	if res.annotations, err = m.store.ListAnnotations(ctx, documentID); err != nil {
		return nil, err
	}
	if res.locks, err = m.store.ActiveLocks(ctx, documentID, m.now()); err != nil {
		return nil, err
	}
	if res.ch, err = m.transport.Subscribe(ctx, documentID, m.self.UserID); err != nil {
		return nil, err
	}
	self := m.self.Clone()
	self.Status = entity.StatusActive
	self.LastActivity = m.now()
	if err = res.ch.Track(ctx, self); err != nil {
		_ = res.ch.Close()
		return nil, err
	}
	return &res, nil
}

// LeaveSession disconnects the manager. Calling it without an active session
// is a no-op. It waits for the reader goroutine, so it must not be called
// synchronously from an Observer.
func (m *Manager) LeaveSession(ctx context.Context) error {
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return nil
	}
	m.state = StateLeft
	cancel, ch := m.cancel, m.ch
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	if err := ch.Untrack(ctx); err != nil {
		m.log.Warn().Err(err).Msg("untrack presence")
	}
	if err := ch.Close(); err != nil {
		m.log.Warn().Err(err).Msg("close channel")
	}

	m.mu.Lock()
	if m.dirty || m.anchorsDirty {
		m.persistLocked(ctx)
	}
	docID, sessionID, version := m.doc.ID, m.session.ID, m.doc.Version
	m.doc, m.buf, m.ch, m.session, m.presence = nil, nil, nil, nil, nil
	m.pending, m.remote, m.clock, m.seen, m.seenOrder = nil, nil, nil, nil, nil
	m.remoteFloor = 0
	m.cancel = nil
	m.mu.Unlock()

	m.log.Info().Str("doc", docID).Uint64("version", version).Msg("left session")
	m.recordActivity(ctx, docID, sessionID, entity.ActivityLeft, map[string]any{"version": version})
	m.emit([]Event{{Kind: EventSessionLeft, DocumentID: docID, UserID: m.self.UserID, Version: version}})
	return nil
}

// SendOperation integrates a local edit and broadcasts it. op.Version is the
// version the edit was made against; remote operations applied since then
// are transformed away first. The returned operation is the one that was
// applied and sent.
func (m *Manager) SendOperation(ctx context.Context, op ot.Operation) (ot.Operation, error) {
	if op.UserID == "" {
		op.UserID = m.self.UserID
	}
	op, err := ot.NewOperation(op)
	if err != nil {
		return ot.Operation{}, err
	}

	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return ot.Operation{}, ErrNoActiveSession
	}
	base := min(op.Version, m.doc.Version)
	if base < m.remoteFloor {
		m.mu.Unlock()
		m.log.Warn().Str("op", op.ID).Uint64("base", base).Uint64("floor", m.remoteFloor).Msg("operation base too old to rebase")
		return ot.Operation{}, &StaleBaseError{Base: base, Oldest: m.remoteFloor}
	}
	canonical := ot.TransformAgainst(op, m.remoteSinceLocked(base))
	canonical.Version = m.doc.Version
	version := m.doc.Version + 1
	if err := m.applyLocked(canonical, version); err != nil {
		m.mu.Unlock()
		return ot.Operation{}, err
	}
	m.markSeenLocked(canonical.ID)
	m.seq++
	m.clock[m.replica] = m.seq
	m.pending = append(m.pending, pendingOp{op: canonical, seq: m.seq})
	if over := len(m.pending) - m.cfg.HistoryLimit; over > 0 {
		m.log.Warn().Int("dropped", over).Msg("pending queue full, oldest operations no longer rebased")
		m.pending = slices.Delete(m.pending, 0, over)
	}

	now := m.now()
	m.self.LastActivity, m.self.IsTyping, m.self.Status = now, true, entity.StatusActive
	m.presence.Join(m.self)

	events := []Event{{
		Kind: EventOperationApplied, DocumentID: m.doc.ID, UserID: canonical.UserID,
		Version: version, Operation: &canonical,
	}}
	payload := operationPayload{Operation: canonical, Replica: m.replica, Seq: m.seq, Context: maps.Clone(m.clock)}
	if err := m.broadcastLocked(ctx, transport.TypeOperation, payload); err != nil {
		m.log.Warn().Err(err).Str("op", canonical.ID).Msg("broadcast operation")
		events = append(events, Event{
			Kind: EventOperationFailed, DocumentID: m.doc.ID, UserID: canonical.UserID,
			Version: version, Operation: &canonical, Err: err,
		})
	}

	m.localSinceSave++
	if m.localSinceSave >= m.cfg.PersistEvery {
		m.persistLocked(ctx)
	}
	logEvt := DocOpEvent{
		EventType:   EventTypeOpApplied,
		DocumentID:  m.doc.ID,
		SessionID:   m.session.ID,
		OperationID: canonical.ID,
		UserID:      canonical.UserID,
		BaseVersion: canonical.Version,
		Version:     version,
		Operation:   canonical,
		Ops:         canonical.Delta(),
		AppliedAt:   now,
	}
	m.mu.Unlock()

	m.enqueueOpLog(logEvt)
	m.emit(events)
	return canonical, nil
}

// applyLocked applies op to the buffer and records it in the history.
func (m *Manager) applyLocked(op ot.Operation, version uint64) error {
	if err := op.CheckBounds(m.buf.Len()); err != nil {
		return err
	}
	if err := m.buf.Apply(op.Delta()); err != nil {
		return err
	}
	m.doc.Version = version
	m.doc.Operations = append(m.doc.Operations, op)
	m.doc.LastEditedBy = op.UserID
	m.doc.UpdatedAt = m.now()
	m.dirty = true
	m.shiftAnchorsLocked(op)
	m.presence.ShiftCursors(op)
	return nil
}

func (m *Manager) remoteSinceLocked(version uint64) []ot.Operation {
	var out []ot.Operation
	for _, e := range m.remote {
		if e.version > version {
			out = append(out, e.op)
		}
	}
	return out
}

func (m *Manager) recordRemoteLocked(op ot.Operation, version uint64) {
	m.remote = append(m.remote, remoteEntry{op: op, version: version})
	if over := len(m.remote) - m.cfg.HistoryLimit; over > 0 {
		m.remoteFloor = m.remote[over-1].version
		m.remote = slices.Delete(m.remote, 0, over)
	}
}

func (m *Manager) seenLimit() int { return 4 * m.cfg.HistoryLimit }

func (m *Manager) markSeenLocked(id string) {
	if _, ok := m.seen[id]; ok {
		return
	}
	m.seen[id] = struct{}{}
	m.seenOrder = append(m.seenOrder, id)
	if over := len(m.seenOrder) - m.seenLimit(); over > 0 {
		for _, old := range m.seenOrder[:over] {
			delete(m.seen, old)
		}
		m.seenOrder = slices.Delete(m.seenOrder, 0, over)
	}
}

func (m *Manager) readLoop(ctx context.Context, ch transport.Channel) {
	defer m.wg.Done()
	msgs, pres := ch.Messages(), ch.Presence()
	for msgs != nil || pres != nil {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			m.handleMessage(ctx, msg)
		case ev, ok := <-pres:
			if !ok {
				pres = nil
				continue
			}
			m.handlePresence(ev)
		}
	}
}

func (m *Manager) handleMessage(ctx context.Context, msg transport.Message) {
	m.mu.Lock()
	if !m.liveLocked() || msg.DocumentID != m.doc.ID || msg.UserID == m.self.UserID {
		m.mu.Unlock()
		return
	}
	var events []Event
	switch msg.Type {
	case transport.TypeOperation:
		events = m.handleRemoteOperationLocked(ctx, msg)
	case transport.TypeCursor:
		events = m.handleRemoteCursorLocked(msg)
	case transport.TypeSelection:
		events = m.handleRemoteSelectionLocked(msg)
	case transport.TypeComment:
		events = m.handleRemoteCommentLocked(msg)
	case transport.TypeAnnotation:
		events = m.handleRemoteAnnotationLocked(msg)
	case transport.TypeLock:
		events = m.handleRemoteLockLocked(msg)
	case transport.TypeHeartbeat:
		m.presence.Seen(msg.UserID)
	default:
		m.log.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
	}
	m.mu.Unlock()
	m.emit(events)
}

func (m *Manager) handleRemoteOperationLocked(ctx context.Context, msg transport.Message) []Event {
	var p operationPayload
	if err := msg.Decode(&p); err != nil {
		m.log.Warn().Err(err).Str("from", msg.UserID).Msg("decode operation")
		return nil
	}
	op := p.Operation
	if op.UserID == m.self.UserID || p.Replica == m.replica {
		return nil
	}
	if _, dup := m.seen[op.ID]; dup {
		m.log.Debug().Str("op", op.ID).Msg("duplicate operation")
		return nil
	}
	m.markSeenLocked(op.ID)
	if p.Seq > m.clock[p.Replica] {
		m.clock[p.Replica] = p.Seq
	}

	// pending ops the sender had integrated are acknowledged, the rest are
	// concurrent and get rebased over the incoming op
	acked := p.Context[m.replica]
	rebased := make([]pendingOp, 0, len(m.pending))
	incoming := op
	for _, po := range m.pending {
		if po.seq <= acked {
			continue
		}
		res := ot.Transform(incoming, po.op)
		incoming = res.Client
		rebased = append(rebased, pendingOp{op: res.Server, seq: po.seq})
	}

	version := max(m.doc.Version+1, msg.Version)
	if err := m.applyLocked(incoming, version); err != nil {
		return m.handleConflictLocked(ctx, op, incoming, err, version, rebased)
	}
	m.pending = rebased
	m.recordRemoteLocked(incoming, version)
	m.presence.MarkTyping(op.UserID, m.now())
	return []Event{{
		Kind: EventOperationApplied, DocumentID: m.doc.ID, UserID: op.UserID,
		Version: version, Remote: true, Operation: &incoming,
	}}
}

func (m *Manager) handlePresence(ev transport.PresenceEvent) {
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return
	}
	switch ev.Kind {
	case transport.PresenceSync:
		m.presence.Sync(ev.Members)
		// the transport view may lag our own track call
		if _, ok := m.presence.Get(m.self.UserID); !ok {
			m.presence.Join(m.self)
		}
	case transport.PresenceJoin:
		m.presence.Join(ev.Members...)
	case transport.PresenceLeave:
		for _, p := range ev.Members {
			if p.UserID != m.self.UserID {
				m.presence.Leave(p.UserID)
			}
		}
	}
	m.doc.Participants = m.presence.Snapshot()
	evt := Event{
		Kind: EventPresenceChanged, DocumentID: m.doc.ID, Version: m.doc.Version,
		Participants: m.presence.Snapshot(), Remote: true,
	}
	m.mu.Unlock()
	m.emit([]Event{evt})
}

func (m *Manager) handleRemoteCursorLocked(msg transport.Message) []Event {
	var c entity.Cursor
	if err := msg.Decode(&c); err != nil {
		m.log.Warn().Err(err).Str("from", msg.UserID).Msg("decode cursor")
		return nil
	}
	if !m.presence.UpdateCursor(msg.UserID, c, msg.SentAt) {
		return nil
	}
	return []Event{{Kind: EventCursorMoved, DocumentID: m.doc.ID, UserID: msg.UserID, Remote: true, Cursor: &c}}
}

func (m *Manager) handleRemoteSelectionLocked(msg transport.Message) []Event {
	var s entity.Selection
	if err := msg.Decode(&s); err != nil {
		m.log.Warn().Err(err).Str("from", msg.UserID).Msg("decode selection")
		return nil
	}
	if !m.presence.UpdateSelection(msg.UserID, s, msg.SentAt) {
		return nil
	}
	return []Event{{Kind: EventSelectionChanged, DocumentID: m.doc.ID, UserID: msg.UserID, Remote: true, Selection: &s}}
}

// UpdateCursor broadcasts the local caret. Delivery is not confirmed.
func (m *Manager) UpdateCursor(ctx context.Context, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.liveLocked() {
		return ErrNoActiveSession
	}
	c := CursorAt(m.buf.String(), position)
	m.self.Cursor = &c
	m.touchSelfLocked()
	if err := m.broadcastLocked(ctx, transport.TypeCursor, c); err != nil {
		m.log.Debug().Err(err).Msg("broadcast cursor")
	}
	return nil
}

// UpdateSelection broadcasts the local selection [start, end).
func (m *Manager) UpdateSelection(ctx context.Context, start, end int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.liveLocked() {
		return ErrNoActiveSession
	}
	r := []rune(m.buf.String())
	start = max(0, min(start, len(r)))
	end = max(start, min(end, len(r)))
	s := entity.Selection{Start: start, End: end, Text: string(r[start:end])}
	m.self.Selection = &s
	m.touchSelfLocked()
	if err := m.broadcastLocked(ctx, transport.TypeSelection, s); err != nil {
		m.log.Debug().Err(err).Msg("broadcast selection")
	}
	return nil
}

// SetTyping publishes the local typing flag through presence tracking.
func (m *Manager) SetTyping(ctx context.Context, typing bool) error {
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	m.touchSelfLocked()
	m.self.IsTyping = typing
	m.presence.Join(m.self)
	self, ch := m.self.Clone(), m.ch
	m.mu.Unlock()
	return ch.Track(ctx, self)
}

func (m *Manager) touchSelfLocked() {
	m.self.LastActivity = m.now()
	m.self.Status = entity.StatusActive
	m.presence.Join(m.self)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.heartbeat(ctx)
		}
	}
}

// heartbeat demotes quiet participants, refreshes the local presence lease
// and flushes a dirty document.
func (m *Manager) heartbeat(ctx context.Context) {
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return
	}
	now := m.now()
	changed := m.presence.Sweep(now, m.cfg.IdleAfter, m.cfg.AwayAfter)
	if p, ok := m.presence.Get(m.self.UserID); ok {
		m.self.Status, m.self.IsTyping = p.Status, p.IsTyping
	}
	m.doc.Locks = pruneLocks(m.doc.Locks, now)
	if m.dirty || m.anchorsDirty {
		m.persistLocked(ctx)
	}
	var events []Event
	if len(changed) > 0 {
		m.doc.Participants = m.presence.Snapshot()
		events = append(events, Event{
			Kind: EventPresenceChanged, DocumentID: m.doc.ID, Version: m.doc.Version,
			Participants: m.presence.Snapshot(),
		})
	}
	if err := m.broadcastLocked(ctx, transport.TypeHeartbeat, map[string]any{"status": m.self.Status}); err != nil {
		m.log.Debug().Err(err).Msg("broadcast heartbeat")
	}
	self, ch := m.self.Clone(), m.ch
	m.mu.Unlock()

	if err := ch.Track(ctx, self); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn().Err(err).Msg("refresh presence")
	}
	m.emit(events)
}

// persistLocked writes the document and dirty anchors. Failures are logged
// and the dirty flags stay set for the next attempt.
func (m *Manager) persistLocked(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
	defer cancel()

	m.doc.Content = m.buf.String()
	doc := m.doc.Document
	doc.Operations = slices.Clone(m.doc.Operations)
	doc.Metadata = maps.Clone(m.doc.Metadata)
	if err := m.store.SaveDocument(sctx, &doc); err != nil {
		m.log.Warn().Err(err).Str("doc", doc.ID).Msg("persist document")
		return
	}
	m.dirty = false
	m.localSinceSave = 0

	if !m.anchorsDirty {
		return
	}
	if err := m.store.SaveComments(sctx, m.doc.Comments); err != nil {
		m.log.Warn().Err(err).Str("doc", doc.ID).Msg("persist comment anchors")
		return
	}
	if err := m.store.SaveAnnotations(sctx, m.doc.Annotations); err != nil {
		m.log.Warn().Err(err).Str("doc", doc.ID).Msg("persist annotation anchors")
		return
	}
	m.anchorsDirty = false
}

func (m *Manager) broadcastLocked(ctx context.Context, typ transport.MessageType, payload any) error {
	msg, err := transport.NewMessage(typ, m.doc.ID, m.self.UserID, m.doc.Version, payload)
	if err != nil {
		return err
	}
	// mu is held; a transport waiting on a slow peer must not keep it forever
	bctx, cancel := context.WithTimeout(ctx, m.cfg.BroadcastTimeout)
	defer cancel()
	return m.ch.Broadcast(bctx, msg)
}

func (m *Manager) enqueueOpLog(evt DocOpEvent) {
	if m.oplog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := m.oplog.Enqueue(ctx, evt); err != nil {
		m.log.Warn().Err(err).Str("op", evt.OperationID).Msg("enqueue op-log event")
	}
}

func (m *Manager) recordActivity(ctx context.Context, docID, sessionID string, action entity.ActivityAction, details map[string]any) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
	defer cancel()
	a := &entity.Activity{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		DocumentID: docID,
		UserID:     m.self.UserID,
		Action:     action,
		Details:    details,
		Timestamp:  m.now(),
	}
	if err := m.store.RecordActivity(sctx, a); err != nil {
		m.log.Warn().Err(err).Str("action", string(action)).Msg("record activity")
	}
}

func (m *Manager) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	m.obsMu.RLock()
	observers := slices.Clone(m.observers)
	m.obsMu.RUnlock()
	for _, e := range events {
		if e.At.IsZero() {
			e.At = m.now()
		}
		for _, o := range observers {
			o.OnEvent(e)
		}
	}
}

func (m *Manager) liveLocked() bool {
	return m.state == StateActive || m.state == StateResolving
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return 0
	}
	return m.doc.Version
}

func (m *Manager) Content() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf == nil {
		return ""
	}
	return m.buf.String()
}

func (m *Manager) DocumentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return ""
	}
	return m.doc.ID
}

func (m *Manager) Participants() []entity.UserPresence {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.presence == nil {
		return nil
	}
	return m.presence.Snapshot()
}

// Snapshot returns a deep copy of the live document, or nil without an
// active session.
func (m *Manager) Snapshot() *CollaborativeDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.liveLocked() {
		return nil
	}
	m.doc.Content = m.buf.String()
	m.doc.Participants = m.presence.Snapshot()
	m.doc.Locks = pruneLocks(m.doc.Locks, m.now())
	out := m.doc.clone()
	return &out
}

func lastN[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
