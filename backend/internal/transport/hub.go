package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"collabcore/backend/internal/entity"
)

const defaultBuffer = 256

// Hub is an in-process Transport. Every document is a room of channels and
// every message is fanned out to all channels of the room, the sender's
// included. Droppable messages are dropped for a peer whose queue is full;
// any other message waits for room until the broadcast context is done.
type Hub struct {
	log    zerolog.Logger
	buffer int

	mu sync.RWMutex
	// docID -> set of channels
	rooms map[string]map[*hubChannel]struct{}
	// docID -> userID -> presence
	members map[string]map[string]entity.UserPresence
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		buffer:  defaultBuffer,
		rooms:   make(map[string]map[*hubChannel]struct{}),
		members: make(map[string]map[string]entity.UserPresence),
	}
}

type hubChannel struct {
	hub    *Hub
	docID  string
	userID string
	msgs   chan Message
	pres   chan PresenceEvent
	done   chan struct{}

	// held for reading while sending on msgs, for writing to close it
	sendMu sync.RWMutex

	// guarded by hub.mu
	tracked bool
	closed  bool
}

func (h *Hub) Subscribe(_ context.Context, documentID, userID string) (Channel, error) {
	c := &hubChannel{
		hub:    h,
		docID:  documentID,
		userID: userID,
		msgs:   make(chan Message, h.buffer),
		pres:   make(chan PresenceEvent, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[documentID] == nil {
		h.rooms[documentID] = make(map[*hubChannel]struct{})
	}
	h.rooms[documentID][c] = struct{}{}
	c.pushPresence(PresenceEvent{Kind: PresenceSync, Members: h.snapshotLocked(documentID)})
	return c, nil
}

// Members returns the tracked presence of a document.
func (h *Hub) Members(documentID string) []entity.UserPresence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked(documentID)
}

// Alive and Documents let the hub stand in for the Redis presence cache on
// single-node deployments.
func (h *Hub) Alive(_ context.Context, documentID string) ([]entity.UserPresence, error) {
	return h.Members(documentID), nil
}

func (h *Hub) Documents(_ context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.members))
	for docID, members := range h.members {
		if len(members) > 0 {
			out = append(out, docID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (h *Hub) snapshotLocked(docID string) []entity.UserPresence {
	out := make([]entity.UserPresence, 0, len(h.members[docID]))
	for _, p := range h.members[docID] {
		out = append(out, p.Clone())
	}
	return out
}

func (h *Hub) fanoutPresenceLocked(docID string, kind PresenceKind, p entity.UserPresence) {
	all := h.snapshotLocked(docID)
	for c := range h.rooms[docID] {
		c.pushPresence(PresenceEvent{Kind: kind, Members: []entity.UserPresence{p.Clone()}})
		c.pushPresence(PresenceEvent{Kind: PresenceSync, Members: all})
	}
}

func (c *hubChannel) pushPresence(ev PresenceEvent) {
	select {
	case c.pres <- ev:
	default:
		c.hub.log.Warn().Str("doc", c.docID).Str("user", c.userID).Msg("presence queue full, dropping event")
	}
}

func (c *hubChannel) Broadcast(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := c.hub
	h.mu.RLock()
	if c.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	peers := make([]*hubChannel, 0, len(h.rooms[c.docID]))
	for peer := range h.rooms[c.docID] {
		peers = append(peers, peer)
	}
	h.mu.RUnlock()

	for _, peer := range peers {
		// the sender ignores its own messages, so its copy may be dropped
		if peer == c || msg.Type.Droppable() {
			peer.offer(msg)
			continue
		}
		if err := peer.deliver(ctx, msg); err != nil {
			h.log.Warn().Err(err).Str("doc", c.docID).Str("user", peer.userID).Str("type", string(msg.Type)).Msg("deliver message")
			return fmt.Errorf("transport: deliver %s to %s: %w", msg.Type, peer.userID, err)
		}
	}
	return nil
}

// offer queues msg if there is room and drops it otherwise.
func (c *hubChannel) offer(msg Message) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.msgs <- msg:
	default:
		c.hub.log.Warn().Str("doc", c.docID).Str("user", c.userID).Str("type", string(msg.Type)).Msg("send queue full, dropping message")
	}
}

// deliver waits for room in the queue. A peer that closes meanwhile no
// longer needs the message.
func (c *hubChannel) deliver(ctx context.Context, msg Message) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	select {
	case <-c.done:
		return nil
	default:
	}
	select {
	case c.msgs <- msg:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *hubChannel) Track(_ context.Context, p entity.UserPresence) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if h.members[c.docID] == nil {
		h.members[c.docID] = make(map[string]entity.UserPresence)
	}
	p.UserID = c.userID
	h.members[c.docID][c.userID] = p.Clone()
	c.tracked = true
	h.fanoutPresenceLocked(c.docID, PresenceJoin, p)
	return nil
}

func (c *hubChannel) Untrack(_ context.Context) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	c.untrackLocked()
	return nil
}

func (c *hubChannel) untrackLocked() {
	h := c.hub
	if !c.tracked {
		return
	}
	c.tracked = false
	p, ok := h.members[c.docID][c.userID]
	if !ok {
		return
	}
	delete(h.members[c.docID], c.userID)
	if len(h.members[c.docID]) == 0 {
		delete(h.members, c.docID)
	}
	h.fanoutPresenceLocked(c.docID, PresenceLeave, p)
}

func (c *hubChannel) Messages() <-chan Message       { return c.msgs }
func (c *hubChannel) Presence() <-chan PresenceEvent { return c.pres }

func (c *hubChannel) Close() error {
	h := c.hub
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return nil
	}
	if conns, ok := h.rooms[c.docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, c.docID)
		}
	}
	c.untrackLocked()
	c.closed = true
	close(c.done)
	close(c.pres)
	h.mu.Unlock()

	// done releases blocked senders before msgs is closed
	c.sendMu.Lock()
	close(c.msgs)
	c.sendMu.Unlock()
	return nil
}
