package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"diagramsync/api/internal/app"
	"diagramsync/api/internal/archive"
	"diagramsync/api/internal/config"
	"diagramsync/api/internal/email"
	"diagramsync/api/internal/logger"
	"diagramsync/api/internal/realtime"
	"diagramsync/api/internal/search"
	"diagramsync/api/internal/session"
	"diagramsync/api/internal/store"
	"github.com/rs/zerolog"
)

const broadcastChannel = "diagramsync:events"

func main() {
	cfg, err := config.Load()
	log := logger.Setup(cfg.LogDev)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		dataStore app.DataStore
		sessions  session.Store
	)
	switch cfg.StoreType {
	case config.StoreMemory:
		log.Warn().Msg("using in-memory store, data is lost on restart")
		mem := store.NewMemoryStore()
		dataStore, sessions = mem, mem
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir)); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		pg := store.NewPostgresStore(db)
		dataStore, sessions = pg, pg
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info().Msg("using redis for session records")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		sessions = redisStore
	}

	hub := realtime.NewHub(newBus(cfg, log), log)
	if err := hub.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("realtime hub failed to start")
	}

	service := app.New(cfg, dataStore, sessions, hub, log)

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
		service.WithSearch(search.NewService(meili, dataStore, log))
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		putter, err := archive.NewMinioPutter(ctx, archive.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("snapshot archive unavailable")
		}
		service.WithArchive(archive.New(putter, log))
	}

	if strings.TrimSpace(cfg.SMTPHost) != "" {
		service.WithMailer(email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: "Diagramsync",
			AppURL:   cfg.AppURL,
		}))
	}

	httpServer := app.NewHTTPServer(service, hub, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreType).Str("broadcast", cfg.Broadcast).Msg("diagramsync API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func newBus(cfg config.Config, log zerolog.Logger) realtime.Bus {
	if cfg.Broadcast != config.BroadcastRedis {
		return realtime.NewLocalBus()
	}
	client, err := session.Dial(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis broadcast connection failed")
	}
	log.Info().Str("channel", broadcastChannel).Msg("using redis for realtime fan-out")
	return realtime.NewRedisBus(client, broadcastChannel, log)
}
