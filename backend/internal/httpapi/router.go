// Package httpapi assembles the gin engine of the collaboration service.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"collabcore/backend/internal/httpapi/handlers"
	"collabcore/backend/internal/store"
)

type Deps struct {
	Store        store.Store
	Presence     handlers.PresenceDirectory
	Auth         gin.HandlerFunc
	WebSocket    gin.HandlerFunc
	AllowOrigins []string
	Log          zerolog.Logger
}

// NewRouter mounts the websocket endpoint and the REST API under /collab,
// both behind Auth. /healthz is public.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(d.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = d.AllowOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	docs := handlers.NewDocumentHandler(d.Store, d.Log)
	presence := handlers.NewPresenceHandler(d.Presence, d.Log)

	g := r.Group("/collab")
	if d.Auth != nil {
		g.Use(d.Auth)
	}
	if d.WebSocket != nil {
		g.GET("/ws", d.WebSocket)
	}
	g.POST("/documents", docs.CreateDocument)
	g.GET("/documents/:documentID", docs.GetDocument)
	g.GET("/documents/:documentID/verify", docs.VerifyDocument)
	g.GET("/documents/:documentID/locks", docs.ListLocks)
	g.GET("/documents/:documentID/activities", docs.ListActivities)
	g.GET("/documents/:documentID/presence", presence.Members)
	g.GET("/presence/documents", presence.ActiveDocuments)
	return r
}
