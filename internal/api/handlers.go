package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"chatrelay/internal/redis"

	"github.com/gin-gonic/gin"
)

// ModelLister is the slice of the inference client the HTTP surface needs.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
	DefaultModel() string
}

// Handler exposes the operational HTTP surface: health and model listing.
type Handler struct {
	db  *sql.DB
	rdb *redis.Client
	ai  ModelLister
}

// NewHandler constructs a Handler instance. rdb may be nil.
func NewHandler(db *sql.DB, rdb *redis.Client, ai ModelLister) *Handler {
	return &Handler{db: db, rdb: rdb, ai: ai}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	api := router.Group("/api")
	api.GET("/models", h.listModels)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listModels(c *gin.Context) {
	names, err := h.ai.ListModels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "model backend unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": names, "default": h.ai.DefaultModel()})
}
