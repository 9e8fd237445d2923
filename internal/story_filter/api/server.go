package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"story-filter/internal/story_filter/model"
)

// RelevantReader is implemented by both the Mongo and Postgres stores.
type RelevantReader interface {
	ListRelevant(ctx context.Context, limit int) ([]model.RelevantStory, error)
	GetRelevant(ctx context.Context, mediaID string) (model.RelevantStory, bool, error)
}

type Server struct {
	Log    *zap.Logger
	Stores RelevantReader
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", s.health)
	r.GET("/relevant", s.listRelevant) // ?limit=20
	r.GET("/relevant/:media_id", s.getRelevant)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listRelevant(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 200 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
		return
	}

	out, err := s.Stores.ListRelevant(c.Request.Context(), limit)
	if err != nil {
		s.Log.Error("Failed to list relevant stories", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list relevant stories"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  out,
		"limit": limit,
		"total": len(out),
	})
}

func (s *Server) getRelevant(c *gin.Context) {
	mediaID := c.Param("media_id")
	story, ok, err := s.Stores.GetRelevant(c.Request.Context(), mediaID)
	if err != nil {
		s.Log.Error("Failed to get relevant story", zap.String("mediaID", mediaID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get relevant story"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": story})
}
