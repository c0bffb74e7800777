package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabcore/backend/internal/collab"
)

const (
	sendQueueSize = 64
	writeWait     = 10 * time.Second
	opSubmitWait  = 200 * time.Millisecond
)

var errMissingField = errors.New("missing field")

// Conn is one websocket client. It owns a session manager and relays the
// manager's events to the socket.
type Conn struct {
	ws      *websocket.Conn
	session *collab.Manager
	userID  string
	send    chan ServerMessage
	done    chan struct{}
	sem     *collab.SemaphoreControl
	log     zerolog.Logger
}

func NewConn(ws *websocket.Conn, session *collab.Manager, userID string, sem *collab.SemaphoreControl, log zerolog.Logger) *Conn {
	c := &Conn{
		ws:      ws,
		session: session,
		userID:  userID,
		send:    make(chan ServerMessage, sendQueueSize),
		done:    make(chan struct{}),
		sem:     sem,
		log:     log.With().Str("user", userID).Logger(),
	}
	session.AddObserver(c)
	return c
}

// OnEvent forwards session events to the client.
func (c *Conn) OnEvent(e collab.Event) {
	if msg, ok := eventMessage(e); ok {
		c.enqueue(msg)
	}
}

// enqueue never blocks; messages are dropped once the queue is full or the
// connection is done.
func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("type", msg.Type).Msg("send queue full, dropping message")
	}
}

func (c *Conn) fail(typ string, seq uint64, err error) {
	c.enqueue(ServerMessage{Type: TypeError, Content: typ, ClientSeq: seq, DocID: c.session.DocumentID(), Error: err.Error()})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read websocket")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fail("decode", 0, err)
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	s := c.session
	switch msg.Type {
	case TypeJoin:
		c.handleJoin(ctx, msg)

	case TypeLeave:
		if err := s.LeaveSession(ctx); err != nil {
			c.fail(msg.Type, msg.ClientSeq, err)
		}

	case TypeOp:
		c.handleOpSubmit(ctx, msg)

	case TypeCursor:
		if err := s.UpdateCursor(ctx, msg.Position); err != nil {
			c.fail(msg.Type, msg.ClientSeq, err)
		}

	case TypeSelection:
		if err := s.UpdateSelection(ctx, msg.Start, msg.End); err != nil {
			c.fail(msg.Type, msg.ClientSeq, err)
		}

	case TypeTyping:
		if err := s.SetTyping(ctx, msg.Typing); err != nil {
			c.fail(msg.Type, msg.ClientSeq, err)
		}

	case TypeComment:
		if msg.Comment == nil {
			c.fail(msg.Type, msg.ClientSeq, errMissingField)
			return
		}
		if _, err := s.AddComment(ctx, *msg.Comment); err != nil {
			c.fail(msg.Type, msg.ClientSeq, err)
		}

	case TypeResolveComment:
		if _, err := s.ResolveComment(ctx, msg.CommentID); err != nil {
			c.fail(msg.Type, msg.ClientSeq, err)
		}

	case TypeAnnotation:
		if msg.Annotation == nil {
			c.fail(msg.Type, msg.ClientSeq, errMissingField)
			return
		}
		if _, err := s.AddAnnotation(ctx, *msg.Annotation); err != nil {
			c.fail(msg.Type, msg.ClientSeq, err)
		}

	case TypeLock:
		if msg.Lock == nil {
			c.fail(msg.Type, msg.ClientSeq, errMissingField)
			return
		}
		if _, err := s.AcquireLock(ctx, *msg.Lock); err != nil {
			c.fail(msg.Type, msg.ClientSeq, err)
		}

	case TypeUnlock:
		if err := s.ReleaseLock(ctx, msg.LockID); err != nil {
			c.fail(msg.Type, msg.ClientSeq, err)
		}

	case TypeSnapshot:
		c.sendSnapshot(msg.ClientSeq)

	case TypeHeartbeat:
		c.enqueue(ServerMessage{
			Type:      TypeHeartbeat,
			DocID:     s.DocumentID(),
			Version:   s.Version(),
			ClientSeq: msg.ClientSeq,
			Members:   s.Participants(),
		})

	default:
		c.enqueue(ServerMessage{Type: TypeIgnored, Content: "unknown message type " + msg.Type})
	}
}

// handleJoin moves the connection to msg.DocID, leaving the current
// document first.
func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" {
		c.fail(msg.Type, msg.ClientSeq, errMissingField)
		return
	}
	s := c.session
	if cur := s.DocumentID(); cur != "" {
		if cur == msg.DocID {
			c.sendSnapshot(msg.ClientSeq)
			return
		}
		if err := s.LeaveSession(ctx); err != nil {
			c.fail(msg.Type, msg.ClientSeq, err)
			return
		}
	}
	if err := s.JoinSession(ctx, msg.DocID); err != nil {
		c.fail(msg.Type, msg.ClientSeq, err)
		return
	}
	c.sendSnapshot(msg.ClientSeq)
}

func (c *Conn) sendSnapshot(seq uint64) {
	doc := c.session.Snapshot()
	if doc == nil {
		c.fail(TypeSnapshot, seq, collab.ErrNoActiveSession)
		return
	}
	c.enqueue(ServerMessage{
		Type:      TypeSnapshot,
		DocID:     doc.ID,
		Version:   doc.Version,
		ClientSeq: seq,
		Content:   doc.Content,
		Document:  doc,
	})
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	if msg.Operation == nil {
		c.fail(msg.Type, msg.ClientSeq, errMissingField)
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, opSubmitWait)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		c.fail(msg.Type, msg.ClientSeq, err)
		return
	}
	defer c.sem.Release()

	op := *msg.Operation
	op.UserID = c.userID
	applied, err := c.session.SendOperation(ctx, op)
	if err != nil {
		c.fail(msg.Type, msg.ClientSeq, err)
		return
	}
	c.enqueue(ServerMessage{
		Type:      TypeAck,
		DocID:     c.session.DocumentID(),
		UserID:    c.userID,
		Version:   applied.Version + 1,
		ClientSeq: msg.ClientSeq,
		Operation: &applied,
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Warn().Err(err).Str("type", msg.Type).Msg("write websocket")
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
