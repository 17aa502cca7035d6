package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"swap-core/internal/settings"
)

func (s *Server) settingsGet(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	cfg, err := s.Settings.Get(ctx, uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) settingsPut(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))

	// Absent fields keep their current values; the write itself is a strict
	// replacement of the stored document.
	cfg, err := s.Settings.Get(ctx, uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Settings.Put(ctx, uid, cfg); err != nil {
		writeSettingsError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) settingsReset(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	cfg, err := s.Settings.Reset(ctx, uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) dualSideGet(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	dual, err := s.Settings.GetDualSide(ctx, uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dual)
}

func (s *Server) dualSidePut(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	dual, err := s.Settings.GetDualSide(ctx, uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := c.ShouldBindJSON(&dual); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Settings.PutDualSide(ctx, uid, dual); err != nil {
		writeSettingsError(c, err)
		return
	}
	c.JSON(http.StatusOK, dual)
}

// --- presets ---

type presetRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	IsDefault   bool              `json:"is_default"`
	Settings    settings.Settings `json:"settings"`
}

func (s *Server) presetList(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	list, err := s.Presets.List(ctx, uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []settings.Preset{}
	}
	c.JSON(http.StatusOK, gin.H{"presets": list})
}

func (s *Server) presetCreate(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	preset, err := s.Presets.Create(ctx, uid, req.Name, req.Description, req.Settings, req.IsDefault)
	if err != nil {
		writeSettingsError(c, err)
		return
	}
	c.JSON(http.StatusCreated, preset)
}

func (s *Server) presetGet(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	preset, err := s.Presets.Get(ctx, uid, c.Param("id"))
	if err != nil {
		writeSettingsError(c, err)
		return
	}
	c.JSON(http.StatusOK, preset)
}

func (s *Server) presetUpdate(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	preset, err := s.Presets.Update(ctx, uid, c.Param("id"), req.Name, req.Description, req.Settings)
	if err != nil {
		writeSettingsError(c, err)
		return
	}
	c.JSON(http.StatusOK, preset)
}

func (s *Server) presetDelete(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	if err := s.Presets.Delete(ctx, uid, c.Param("id")); err != nil {
		writeSettingsError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) presetSetDefault(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	if err := s.Presets.SetDefault(ctx, uid, c.Param("id")); err != nil {
		writeSettingsError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"default": c.Param("id")})
}

func (s *Server) presetBind(c *gin.Context) {
	ctx := c.Request.Context()
	uid := s.Resolver.ToUID(ctx, c.Param("uid"))
	if err := s.Presets.Bind(ctx, uid, c.Param("symbol"), c.Param("id")); err != nil {
		writeSettingsError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "preset_id": c.Param("id")})
}

func writeSettingsError(c *gin.Context, err error) {
	var validation *settings.ErrValidation
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, settings.ErrPresetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "preset not found"})
	case errors.Is(err, settings.ErrPresetInUse):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
