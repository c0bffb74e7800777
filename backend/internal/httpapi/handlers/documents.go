// Package handlers serves the REST side of the collaboration API: document
// creation and inspection, locks, activity and presence.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
)

// SystemUser authors the operation that seeds a new document's content.
const SystemUser = "system"

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

type DocumentHandler struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewDocumentHandler(st store.Store, log zerolog.Logger) *DocumentHandler {
	return &DocumentHandler{store: st, log: log.With().Str("component", "documents").Logger(), now: time.Now}
}

type createDocumentReq struct {
	ID       string         `json:"id"`
	Title    string         `json:"title" binding:"required"`
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// CreateDocument stores a new document. Initial content is recorded as an
// insert by SystemUser so the history replays to the content.
func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	userID := c.GetString("userId")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user context missing"})
		return
	}
	var req createDocumentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Type == "" {
		req.Type = collab.DefaultDocumentType
	}

	ctx := c.Request.Context()
	if _, err := h.store.GetDocument(ctx, req.ID); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "document already exists", "docId": req.ID})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		h.log.Error().Err(err).Str("doc", req.ID).Msg("get document")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get document failed"})
		return
	}

	doc := &entity.Document{
		ID:           req.ID,
		Title:        req.Title,
		Type:         req.Type,
		Metadata:     req.Metadata,
		LastEditedBy: userID,
	}
	if req.Content != "" {
		op, err := ot.NewOperation(ot.Operation{
			Type:      ot.OpInsert,
			Content:   req.Content,
			UserID:    SystemUser,
			Timestamp: h.now().UTC(),
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		doc.Content, doc.Version, doc.Operations = req.Content, 1, []ot.Operation{op}
	}
	stored, err := h.store.GetOrCreateDocument(ctx, doc)
	if err != nil {
		h.log.Error().Err(err).Str("doc", req.ID).Msg("create document")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create document failed"})
		return
	}
	h.log.Info().Str("doc", stored.ID).Str("owner", userID).Msg("document created")
	c.JSON(http.StatusCreated, stored)
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	doc, ok := h.loadDocument(c)
	if !ok {
		return
	}
	if c.Query("history") != "true" {
		doc.Operations = nil
	}
	c.JSON(http.StatusOK, doc)
}

// VerifyDocument replays the stored history and reports whether it matches
// the stored content.
func (h *DocumentHandler) VerifyDocument(c *gin.Context) {
	doc, ok := h.loadDocument(c)
	if !ok {
		return
	}
	resp := gin.H{"docId": doc.ID, "version": doc.Version, "operations": len(doc.Operations), "ok": true}
	if err := collab.Verify(doc); err != nil {
		resp["ok"] = false
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *DocumentHandler) ListLocks(c *gin.Context) {
	docID := c.Param("documentID")
	locks, err := h.store.ActiveLocks(c.Request.Context(), docID, h.now())
	if err != nil {
		h.log.Error().Err(err).Str("doc", docID).Msg("list locks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list locks failed"})
		return
	}
	if locks == nil {
		locks = []entity.DocumentLock{}
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "locks": locks})
}

func (h *DocumentHandler) ListActivities(c *gin.Context) {
	docID := c.Param("documentID")
	limit := defaultActivityLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxActivityLimit)
	}
	acts, err := h.store.ListActivities(c.Request.Context(), docID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("doc", docID).Msg("list activities")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list activities failed"})
		return
	}
	if acts == nil {
		acts = []entity.Activity{}
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "activities": acts})
}

func (h *DocumentHandler) loadDocument(c *gin.Context) (*entity.Document, bool) {
	docID := c.Param("documentID")
	doc, err := h.store.GetDocument(c.Request.Context(), docID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found", "docId": docID})
		return nil, false
	case err != nil:
		h.log.Error().Err(err).Str("doc", docID).Msg("get document")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get document failed"})
		return nil, false
	}
	return doc, true
}
