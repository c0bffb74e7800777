package ws

import (
	"context"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/entity"
)

const leaveTimeout = 5 * time.Second

// upgrader accepts local development origins and clients that send none.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// SessionFactory builds the session manager of one connected user.
type SessionFactory func(self entity.UserPresence) *collab.Manager

type Manager struct {
	newSession SessionFactory
	sem        *collab.SemaphoreControl
	log        zerolog.Logger
}

func NewManager(newSession SessionFactory, sem *collab.SemaphoreControl, log zerolog.Logger) *Manager {
	return &Manager{newSession: newSession, sem: sem, log: log.With().Str("component", "ws").Logger()}
}

var palette = []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#42d4f4", "#f032e6", "#469990"}

// colorFor gives each user a stable cursor color.
func colorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// WebSocketConnect upgrades an authenticated request and serves it until the
// client disconnects. A docId query parameter joins that document right away.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	session := m.newSession(entity.UserPresence{
		UserID: userID,
		Name:   username,
		Avatar: c.Query("avatar"),
		Color:  colorFor(userID),
		Status: entity.StatusActive,
	})
	wsConn := NewConn(conn, session, userID, m.sem, m.log)

	writerDone := make(chan struct{})
	go func() {
		wsConn.writeLoop()
		close(writerDone)
	}()
	wsConn.enqueue(ServerMessage{Type: TypeWelcome, UserID: userID, Content: username})

	ctx := c.Request.Context()
	if docID := c.Query("docId"); docID != "" {
		wsConn.handleJoin(ctx, ClientMessage{Type: TypeJoin, DocID: docID})
	}
	wsConn.readLoop(ctx)

	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()
	if err := session.LeaveSession(leaveCtx); err != nil {
		m.log.Warn().Err(err).Str("user", userID).Msg("leave session on disconnect")
	}
	<-writerDone
}
