package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swap-core/internal/api"
	"swap-core/internal/dispatch"
	"swap-core/internal/gateway"
	"swap-core/internal/identity"
	"swap-core/internal/monitor"
	"swap-core/internal/position"
	"swap-core/internal/scheduler"
	"swap-core/internal/settings"
	"swap-core/internal/tpsl"
	"swap-core/internal/trailing"
	"swap-core/pkg/config"
	"swap-core/pkg/logging"
	"swap-core/pkg/okx"
	"swap-core/pkg/store"
	"swap-core/pkg/userdir"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		println("config load failed:", err.Error())
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	log.Info().Str("port", cfg.Port).Msg("starting swap trading core")

	// Single-flight guard: refuse to start beside a live supervisor.
	if err := scheduler.AcquirePIDFile(cfg.PIDFilePath); err != nil {
		log.Error().Err(err).Msg("pid file acquisition failed")
		os.Exit(1)
	}
	defer scheduler.ReleasePIDFile(cfg.PIDFilePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State store (lazy shared client).
	st := store.New(store.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}, logging.Component(log, "store"))
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()
	if err := st.Ping(ctx); err != nil {
		log.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		os.Exit(1)
	}

	// External user directory (optional).
	var dir *userdir.Directory
	if cfg.UserDirPath != "" {
		dir, err = userdir.Open(cfg.UserDirPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.UserDirPath).Msg("user directory unavailable")
		} else {
			defer dir.Close()
		}
	}

	resolver := identity.NewResolver(st, dir, logging.Component(log, "identity"))

	defaults, err := settings.LoadDefaultsFile(cfg.DefaultsPath)
	if err != nil {
		log.Warn().Err(err).Msg("settings defaults file ignored")
		defaults = settings.Defaults()
	}
	settingsSvc := settings.NewService(st, defaults)
	presetSvc := settings.NewPresetService(st)

	// Exchange client pool.
	factory := func(creds okx.Credentials) *okx.Client {
		return okx.NewClient(okx.Config{
			Credentials:   creds,
			BaseURL:       cfg.OKXBaseURL,
			Simulated:     cfg.OKXSimulated,
			Timeout:       cfg.HTTPTimeout,
			TimeSyncEvery: cfg.TimeSyncEvery,
		})
	}
	pool := gateway.NewManager(
		gateway.Config{MaxSize: cfg.PoolMaxSize, MaxAge: cfg.PoolMaxAge},
		gateway.StoreCredentials{Store: st},
		factory,
		logging.Component(log, "gateway"),
	)
	pool.SetMetrics(gateway.NewMetrics(prometheus.DefaultRegisterer))

	positions := position.NewRepository(st, logging.Component(log, "position"))
	orders := position.NewOrders(st)

	// Position closes feed the per-user aggregate stats.
	positions.OnClose(func(cl position.Close) {
		log.Info().Str("uid", cl.UID).Str("symbol", cl.Symbol).Str("side", cl.Side).
			Str("reason", cl.Reason).Float64("price", cl.Price).Msg("position closed")
		if err := st.HIncrBy(ctx, store.KeyStats(cl.UID), "total_trades", 1); err != nil {
			log.Warn().Err(err).Msg("trade stats update failed")
		}
		if err := st.HSet(ctx, store.KeyStats(cl.UID), "last_trade_at", time.Now().Unix()); err != nil {
			log.Warn().Err(err).Msg("trade stats timestamp failed")
		}
	})

	logStream := dispatch.NewLogStream(st)
	chat := dispatch.NewBotClient(cfg.TelegramAPIBase, cfg.TelegramToken)
	dispatcher := dispatch.NewDispatcher(st, chat, resolver, logStream, logging.Component(log, "dispatch"))

	engine := tpsl.NewEngine(st, positions, orders, logging.Component(log, "tpsl"))
	trailingHandler := trailing.NewHandler(st, positions, dispatcher, logging.Component(log, "trailing"))

	controller := scheduler.NewController(ctx, st, resolver, dir, settingsSvc, pool, positions, engine,
		dispatcher, logging.Component(log, "scheduler"))

	mon := monitor.New(st, monitor.GatewayPool{Manager: pool}, positions, orders, engine,
		trailingHandler, settingsSvc, dispatcher,
		monitor.Config{MemoryThresholdMB: cfg.MemoryThresholdMB},
		logging.Component(log, "monitor"))

	monitorErr := make(chan error, 1)
	go func() { monitorErr <- mon.Run(ctx) }()

	// One-shot key migration, then boot-time recovery of running users.
	controller.MigrateUserKeys(ctx)
	recovery := controller.StartAllRunning(ctx)
	if len(recovery.Restarted) > 0 {
		log.Info().Strs("restarted_users", recovery.Restarted).Msg("startup recovery complete")
	}
	for uid, msg := range recovery.Errors {
		log.Warn().Str("uid", uid).Str("error", msg).Msg("startup recovery failure")
	}

	server := api.NewServer(st, controller, resolver, settingsSvc, presetSvc, positions,
		dispatcher, logStream, cfg.JWTSecret, logging.Component(log, "api"))
	apiErr := make(chan error, 1)
	go func() { apiErr <- server.Start(ctx, ":"+cfg.Port) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-monitorErr:
		if err != nil {
			log.Error().Err(err).Msg("monitor terminated")
			exitCode = 1
		}
	case err := <-apiErr:
		if err != nil {
			log.Error().Err(err).Msg("api server failed")
			exitCode = 1
		}
	}

	cancel()
	controller.WaitForTasks(5 * time.Second)
	dispatcher.Wait()
	scheduler.ReleasePIDFile(cfg.PIDFilePath)
	os.Exit(exitCode)
}
