package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/entity"
)

const channelFmt = "collab:doc:{%s}"

func channelName(docID string) string { return fmt.Sprintf(channelFmt, docID) }

// RedisTransport fans messages out over Redis pub/sub so that participants
// connected to different nodes share one room. Membership lives in the
// presence cache; pub/sub only carries change notices.
type RedisTransport struct {
	rdb      redis.UniversalClient
	presence *cache.PresenceCache
	ttl      time.Duration
	log      zerolog.Logger
}

func NewRedisTransport(rdb redis.UniversalClient, presence *cache.PresenceCache, ttl time.Duration, log zerolog.Logger) *RedisTransport {
	return &RedisTransport{
		rdb:      rdb,
		presence: presence,
		ttl:      ttl,
		log:      log.With().Str("component", "redis_transport").Logger(),
	}
}

type envelope struct {
	Message  *Message        `json:"message,omitempty"`
	Presence *presenceNotice `json:"presence,omitempty"`
}

type presenceNotice struct {
	Kind   PresenceKind `json:"kind"`
	UserID string       `json:"userId"`
}

type redisChannel struct {
	t      *RedisTransport
	docID  string
	userID string
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	msgs chan Message
	pres chan PresenceEvent

	mu      sync.Mutex
	tracked bool
	closed  bool
	// members seen in the last sync, used to describe leaves
	known map[string]entity.UserPresence
}

func (t *RedisTransport) Subscribe(ctx context.Context, documentID, userID string) (Channel, error) {
	ps := t.rdb.Subscribe(ctx, channelName(documentID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", documentID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &redisChannel{
		t:      t,
		docID:  documentID,
		userID: userID,
		ps:     ps,
		cancel: cancel,
		done:   make(chan struct{}),
		msgs:   make(chan Message, defaultBuffer),
		pres:   make(chan PresenceEvent, defaultBuffer),
		known:  make(map[string]entity.UserPresence),
	}

	members, err := t.presence.Alive(ctx, documentID)
	if err != nil {
		t.log.Warn().Err(err).Str("doc", documentID).Msg("initial presence sync failed")
	}
	c.remember(members)
	c.pres <- PresenceEvent{Kind: PresenceSync, Members: members}

	go c.readLoop(runCtx)
	return c, nil
}

func (c *redisChannel) remember(members []entity.UserPresence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known = make(map[string]entity.UserPresence, len(members))
	for _, m := range members {
		c.known[m.UserID] = m
	}
}

func (c *redisChannel) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.pres)
	defer close(c.msgs)

	for raw := range c.ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
			c.t.log.Warn().Err(err).Str("doc", c.docID).Msg("dropping malformed envelope")
			continue
		}
		switch {
		case env.Message != nil:
			select {
			case c.msgs <- *env.Message:
			case <-ctx.Done():
				return
			}
		case env.Presence != nil:
			if !c.refreshPresence(ctx, *env.Presence) {
				return
			}
		}
	}
}

// refreshPresence reloads membership after a notice and emits the change
// followed by a full sync. It reports false once the channel is cancelled.
func (c *redisChannel) refreshPresence(ctx context.Context, n presenceNotice) bool {
	c.mu.Lock()
	prev, hadPrev := c.known[n.UserID]
	c.mu.Unlock()

	members, err := c.t.presence.Alive(ctx, c.docID)
	if err != nil {
		c.t.log.Warn().Err(err).Str("doc", c.docID).Msg("presence refresh failed")
		return ctx.Err() == nil
	}
	c.remember(members)

	var events []PresenceEvent
	switch n.Kind {
	case PresenceJoin:
		for _, m := range members {
			if m.UserID == n.UserID {
				events = append(events, PresenceEvent{Kind: PresenceJoin, Members: []entity.UserPresence{m}})
			}
		}
	case PresenceLeave:
		if !hadPrev {
			prev = entity.UserPresence{UserID: n.UserID}
		}
		events = append(events, PresenceEvent{Kind: PresenceLeave, Members: []entity.UserPresence{prev}})
	}
	events = append(events, PresenceEvent{Kind: PresenceSync, Members: members})

	for _, ev := range events {
		select {
		case c.pres <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (c *redisChannel) publish(ctx context.Context, env envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.t.rdb.Publish(ctx, channelName(c.docID), b).Err()
}

func (c *redisChannel) Broadcast(ctx context.Context, msg Message) error {
	return c.publish(ctx, envelope{Message: &msg})
}

func (c *redisChannel) Track(ctx context.Context, p entity.UserPresence) error {
	p.UserID = c.userID
	if err := c.t.presence.Track(ctx, c.docID, p, c.t.ttl); err != nil {
		return err
	}
	c.mu.Lock()
	kind := PresenceSync
	if !c.tracked {
		kind = PresenceJoin
	}
	c.tracked = true
	c.mu.Unlock()
	return c.publish(ctx, envelope{Presence: &presenceNotice{Kind: kind, UserID: c.userID}})
}

func (c *redisChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	tracked := c.tracked
	c.tracked = false
	c.mu.Unlock()
	if !tracked {
		return nil
	}
	if err := c.t.presence.Untrack(ctx, c.docID, c.userID); err != nil {
		return err
	}
	return c.publish(ctx, envelope{Presence: &presenceNotice{Kind: PresenceLeave, UserID: c.userID}})
}

func (c *redisChannel) Messages() <-chan Message       { return c.msgs }
func (c *redisChannel) Presence() <-chan PresenceEvent { return c.pres }

func (c *redisChannel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Untrack(ctx); err != nil {
		c.t.log.Warn().Err(err).Str("doc", c.docID).Str("user", c.userID).Msg("untrack on close failed")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.ps.Close()
	<-c.done
	return err
}
