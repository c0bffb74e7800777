package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/store"
	"collabcore/backend/internal/transport"
)

type fixture struct {
	router http.Handler
	store  *store.MemoryStore
	hub    *transport.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore()
	hub := transport.NewHub(zerolog.Nop())
	r := NewRouter(Deps{
		Store:    st,
		Presence: hub,
		Auth: func(c *gin.Context) {
			if c.GetHeader("Authorization") == "" {
				c.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			c.Set("userId", "42")
			c.Set("username", "alice")
		},
		Log: zerolog.Nop(),
	})
	return &fixture{router: r, store: st, hub: hub}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Authorization", "Bearer x")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/collab/documents/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateDocumentSeedsHistory(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/collab/documents", gin.H{"id": "care-plan", "title": "Care plan", "content": "Hello"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var doc entity.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "care-plan", doc.ID)
	assert.Equal(t, uint64(1), doc.Version)
	require.Len(t, doc.Operations, 1)
	assert.Equal(t, ot.OpInsert, doc.Operations[0].Type)
	assert.Equal(t, "system", doc.Operations[0].UserID)
	assert.Equal(t, "42", doc.LastEditedBy)

	w = f.do(t, http.MethodPost, "/collab/documents", gin.H{"id": "care-plan", "title": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/collab/documents", gin.H{"content": "no title"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/collab/documents/care-plan", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got entity.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Hello", got.Content)
	assert.Empty(t, got.Operations)

	w = f.do(t, http.MethodGet, "/collab/documents/care-plan?history=true", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got.Operations, 1)

	w = f.do(t, http.MethodGet, "/collab/documents/care-plan/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":true`)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/collab/documents/missing", nil).Code)
}

func TestVerifyReportsDivergence(t *testing.T) {
	f := newFixture(t)
	op, err := ot.Insert("u1", 0, 0, "abc")
	require.NoError(t, err)
	require.NoError(t, f.store.SaveDocument(context.Background(), &entity.Document{
		ID: "bad", Content: "abd", Version: 1, Operations: []ot.Operation{op},
	}))

	w := f.do(t, http.MethodGet, "/collab/documents/bad/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "diverges")
}

func TestLocksActivitiesAndPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	lock := &entity.DocumentLock{
		ID: "l1", DocumentID: "d1", UserID: "7", Type: entity.LockExclusive,
		AcquiredAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, f.store.AcquireLock(ctx, lock, func([]entity.DocumentLock) error { return nil }))
	for i, action := range []entity.ActivityAction{entity.ActivityJoined, entity.ActivityEdited, entity.ActivityLeft} {
		require.NoError(t, f.store.RecordActivity(ctx, &entity.Activity{
			ID: string(action), DocumentID: "d1", UserID: "7", Action: action, Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}

	w := f.do(t, http.MethodGet, "/collab/documents/d1/locks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"l1"`)

	w = f.do(t, http.MethodGet, "/collab/documents/d1/activities?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acts struct {
		Activities []entity.Activity `json:"activities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acts))
	require.Len(t, acts.Activities, 2)
	assert.Equal(t, entity.ActivityLeft, acts.Activities[0].Action)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/collab/documents/d1/activities?limit=x", nil).Code)

	ch, err := f.hub.Subscribe(ctx, "d1", "7")
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.Track(ctx, entity.UserPresence{UserID: "7", Name: "bob", Status: entity.StatusActive}))

	w = f.do(t, http.MethodGet, "/collab/documents/d1/presence", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"bob"`)

	w = f.do(t, http.MethodGet, "/collab/presence/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"documents":["d1"]}`, w.Body.String())
}
