package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"collabcore/backend/internal/entity"
)

// PresenceDirectory lists who is connected where. The Redis presence cache
// and the in-process hub both implement it.
type PresenceDirectory interface {
	Alive(ctx context.Context, docID string) ([]entity.UserPresence, error)
	Documents(ctx context.Context) ([]string, error)
}

type PresenceHandler struct {
	dir PresenceDirectory
	log zerolog.Logger
}

func NewPresenceHandler(dir PresenceDirectory, log zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{dir: dir, log: log.With().Str("component", "presence").Logger()}
}

func (h *PresenceHandler) Members(c *gin.Context) {
	docID := c.Param("documentID")
	members, err := h.dir.Alive(c.Request.Context(), docID)
	if err != nil {
		h.log.Error().Err(err).Str("doc", docID).Msg("alive members")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence lookup failed"})
		return
	}
	if members == nil {
		members = []entity.UserPresence{}
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": members})
}

func (h *PresenceHandler) ActiveDocuments(c *gin.Context) {
	docs, err := h.dir.Documents(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("active documents")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence lookup failed"})
		return
	}
	if docs == nil {
		docs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}
