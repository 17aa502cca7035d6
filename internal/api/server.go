// Package api exposes the HTTP and WebSocket surface of the trading core.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"swap-core/internal/dispatch"
	"swap-core/internal/identity"
	"swap-core/internal/position"
	"swap-core/internal/scheduler"
	"swap-core/internal/settings"
	"swap-core/pkg/store"
)

// Server wires HTTP endpoints around the trading controller and state store.
type Server struct {
	Router *gin.Engine

	Store      *store.Store
	Controller *scheduler.Controller
	Resolver   *identity.Resolver
	Settings   *settings.Service
	Presets    *settings.PresetService
	Positions  *position.Repository
	Dispatcher *dispatch.Dispatcher
	Logs       *dispatch.LogStream

	JWTSecret string
	log       zerolog.Logger
}

func NewServer(
	s *store.Store,
	controller *scheduler.Controller,
	resolver *identity.Resolver,
	set *settings.Service,
	presets *settings.PresetService,
	positions *position.Repository,
	dispatcher *dispatch.Dispatcher,
	logs *dispatch.LogStream,
	jwtSecret string,
	log zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Middleware stack (order matters)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	srv := &Server{
		Router:     r,
		Store:      s,
		Controller: controller,
		Resolver:   resolver,
		Settings:   set,
		Presets:    presets,
		Positions:  positions,
		Dispatcher: dispatcher,
		Logs:       logs,
		JWTSecret:  jwtSecret,
		log:        log,
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	r := s.Router

	status := r.Group("/status")
	{
		status.GET("/", s.healthz)
		status.GET("/redis", s.redisHealth)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := AuthMiddleware(s.JWTSecret)

	trading := r.Group("/trading", auth)
	{
		trading.POST("/start", s.tradingStart)
		trading.POST("/stop", s.tradingStop)
		trading.POST("/start_all_users", s.tradingStartAll)
		trading.POST("/stop_all_running_users", s.tradingStopAll)
		trading.GET("/running_users", s.tradingRunningUsers)
		trading.GET("/status/:uid", s.tradingStatus)
		trading.GET("/status/:uid/:symbol", s.tradingStatus)
	}

	user := r.Group("/user", auth)
	{
		user.POST("/register", s.userRegister)
		user.GET("/okx/:uid/telegram", s.userReverseLookup)
		user.GET("/:uid", s.userGet)
		user.GET("/:uid/okx_uid", s.userMappingGet)
		user.POST("/:uid/okx_uid", s.userMappingSet)
	}

	cfg := r.Group("/settings", auth)
	{
		cfg.GET("/:uid", s.settingsGet)
		cfg.PUT("/:uid", s.settingsPut)
		cfg.POST("/:uid/reset", s.settingsReset)
		cfg.GET("/:uid/dual_side", s.dualSideGet)
		cfg.PUT("/:uid/dual_side", s.dualSidePut)
	}

	presets := r.Group("/presets", auth)
	{
		presets.GET("/:uid", s.presetList)
		presets.POST("/:uid", s.presetCreate)
		presets.GET("/:uid/:id", s.presetGet)
		presets.PUT("/:uid/:id", s.presetUpdate)
		presets.DELETE("/:uid/:id", s.presetDelete)
		presets.POST("/:uid/:id/default", s.presetSetDefault)
		presets.POST("/:uid/:id/bind/:symbol", s.presetBind)
	}

	telegram := r.Group("/telegram")
	{
		telegram.POST("/messages/:uid", auth, s.telegramEnqueue)
		telegram.GET("/logs/:uid", s.telegramLogs)
		telegram.GET("/logs/by_okx_uid/:uid", s.telegramLogs)
		telegram.GET("/stats/:uid", s.telegramStats)
		telegram.GET("/ws/logs/:uid", s.telegramLogStream)
		telegram.GET("/ws/logs/by_okx_uid/:uid", s.telegramLogStream)
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) redisHealth(c *gin.Context) {
	if err := s.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server until the context ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
