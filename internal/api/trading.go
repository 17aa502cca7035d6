package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"swap-core/internal/gateway"
	"swap-core/internal/position"
	"swap-core/internal/scheduler"
)

type startRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

func (s *Server) tradingStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	restart := c.Query("restart") == "true" || c.Query("restart") == "1"

	taskID, err := s.Controller.Start(c.Request.Context(), req.UserID, req.Symbol, req.Timeframe, restart)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrAlreadyRunning):
			c.JSON(http.StatusBadRequest, gin.H{"error": "already_running"})
		case errors.Is(err, scheduler.ErrNoCredentials), errors.Is(err, gateway.ErrNoCredentials):
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_api_credentials"})
		case errors.Is(err, gateway.ErrAuthentication):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_api_credentials"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": scheduler.StatusRunning})
}

type stopRequest struct {
	OKXUID string `json:"okx_uid"`
	Symbol string `json:"symbol"`
}

func (s *Server) tradingStop(c *gin.Context) {
	var req stopRequest
	_ = c.ShouldBindJSON(&req)
	userID := req.OKXUID
	if userID == "" {
		userID = c.Query("user_id")
	}
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "okx_uid or user_id is required"})
		return
	}
	if err := s.Controller.Stop(c.Request.Context(), userID, req.Symbol); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": scheduler.StatusStopped})
}

func (s *Server) tradingStartAll(c *gin.Context) {
	result := s.Controller.StartAllRunning(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

func (s *Server) tradingStopAll(c *gin.Context) {
	stopped := s.Controller.StopAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"stopped_users": stopped})
}

func (s *Server) tradingRunningUsers(c *gin.Context) {
	uids, err := s.Controller.RunningUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if uids == nil {
		uids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"running_users": uids})
}

func (s *Server) tradingStatus(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	symbol := c.Param("symbol")

	status, err := s.Controller.Status(ctx, uid, symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := gin.H{"okx_uid": uid, "status": status}
	if symbol != "" {
		out["symbol"] = symbol
		sides := gin.H{}
		for _, side := range []string{"long", "short"} {
			pos, err := s.Positions.Fetch(ctx, uid, symbol, side)
			if errors.Is(err, position.ErrNotFound) {
				continue
			}
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			sides[side] = gin.H{
				"entry_price":      pos.EntryPrice,
				"contracts_amount": pos.Contracts,
				"leverage":         pos.Leverage,
				"dca_count":        pos.DCACount,
				"tp_state":         pos.TPState,
				"sl_price":         pos.SLPrice,
				"trailing_active":  pos.TrailingStop,
				"is_hedge":         pos.IsHedge,
			}
		}
		out["positions"] = sides
	}
	c.JSON(http.StatusOK, out)
}
