package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"swap-core/internal/dispatch"
)

func (s *Server) telegramEnqueue(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	message := c.Query("message")
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message query parameter is required"})
		return
	}
	if err := s.Dispatcher.Notify(ctx, uid, dispatch.Message{
		Text:     message,
		Category: c.DefaultQuery("category", "info"),
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": true})
}

func (s *Server) telegramLogs(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	entries, err := s.Logs.Query(ctx, uid, limit, offset, c.Query("category"), c.Query("strategy_type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := s.Logs.Count(ctx, uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []dispatch.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":   entries,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) telegramStats(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	stats, err := s.Logs.Stats(ctx, uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"okx_uid": uid, "stats": stats})
}
