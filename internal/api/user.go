package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"swap-core/internal/identity"
	"swap-core/pkg/store"
)

type registerRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	APIKey     string `json:"api_key" binding:"required"`
	Secret     string `json:"secret" binding:"required"`
	Passphrase string `json:"passphrase" binding:"required"`
}

func (s *Server) userRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, req.UserID)

	if err := s.Store.HSetMap(ctx, store.KeyAPIKeys(uid), map[string]string{
		"api_key":    req.APIKey,
		"api_secret": req.Secret,
		"passphrase": req.Passphrase,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.Store.HSetNX(ctx, store.KeyStats(uid), "registration_date", nowUnixString()); err != nil {
		s.log.Warn().Err(err).Str("uid", uid).Msg("registration date write failed")
	}

	// A chat-id caller gets both directions of the identity link.
	if identity.IsChatID(req.UserID) && uid != req.UserID {
		if err := s.Resolver.StoreMapping(ctx, req.UserID, uid); err != nil {
			s.log.Warn().Err(err).Msg("identity mapping store failed")
		}
	}
	c.JSON(http.StatusOK, gin.H{"okx_uid": uid, "registered": true})
}

func (s *Server) userGet(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))

	keys, err := s.Store.HGetAll(ctx, store.KeyAPIKeys(uid))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(keys) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	prefs, _ := s.Store.HGetAll(ctx, store.KeyPreferences(uid))
	stats, _ := s.Store.HGetAll(ctx, store.KeyStats(uid))
	symbol := prefs["symbol"]
	status := ""
	if symbol != "" {
		status, _ = s.Store.Get(ctx, store.KeySymbolStatus(uid, symbol))
	}

	c.JSON(http.StatusOK, gin.H{
		"okx_uid":     uid,
		"chat_id":     s.Resolver.ToChatID(ctx, uid),
		"has_keys":    keys["api_key"] != "",
		"preferences": prefs,
		"status":      status,
		"stats":       stats,
	})
}

func (s *Server) userMappingGet(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("uid")
	uid := s.Resolver.ToUID(ctx, id)
	if uid == id && identity.IsChatID(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no mapping for chat id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": id, "okx_uid": uid})
}

type mappingRequest struct {
	OKXUID string `json:"okx_uid" binding:"required"`
}

func (s *Server) userMappingSet(c *gin.Context) {
	chatID := c.Param("uid")
	if !identity.IsChatID(chatID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path id must be a chat id"})
		return
	}
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !identity.IsUID(req.OKXUID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "okx_uid must be a 12+ digit identifier"})
		return
	}
	if err := s.Resolver.StoreMapping(c.Request.Context(), chatID, req.OKXUID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "okx_uid": req.OKXUID})
}

func (s *Server) userReverseLookup(c *gin.Context) {
	ctx := c.Request.Context()
	uid := c.Param("uid")
	chatID := s.Resolver.ToChatID(ctx, uid)
	if chatID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no telegram link", "okx_uid": uid})
		return
	}
	c.JSON(http.StatusOK, gin.H{"okx_uid": uid, "telegram_id": chatID})
}

// unix timestamp helper shared by handlers
func nowUnixString() string { return strconv.FormatInt(time.Now().Unix(), 10) }
