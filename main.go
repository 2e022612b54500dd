package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slichti/studio-chat/global/config"
	"github.com/slichti/studio-chat/logger"
	"github.com/slichti/studio-chat/middleware"
	"github.com/slichti/studio-chat/service/auth"
	"github.com/slichti/studio-chat/service/events"
	"github.com/slichti/studio-chat/service/mgo"
	"github.com/slichti/studio-chat/service/room"
	"github.com/slichti/studio-chat/service/storage"
	"github.com/slichti/studio-chat/service/store"
	"github.com/slichti/studio-chat/tools/ids"
	"github.com/slichti/studio-chat/tools/safe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("[boot] config: %v", err)
		return
	}
	ids.SetNodeID(cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := buildStore(ctx, cfg)

	var presence room.Presence
	var rp *storage.RedisPresence
	if cfg.RedisAddr != "" {
		p, err := storage.NewRedisPresence(storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warnf("[boot] redis unavailable, presence mirroring disabled: %v", err)
		} else {
			rp = p
			presence = p
			defer p.Close()
		}
	}

	var sink room.EventSink
	if cfg.NatsURL != "" {
		pub, err := events.Connect(cfg.NatsURL)
		if err != nil {
			logger.Warnf("[boot] nats unavailable, room events disabled: %v", err)
		} else {
			sink = pub
			defer pub.Close()
		}
	}

	registry := room.NewRegistry(st, room.Config{
		HistoryLimit:  cfg.HistoryLimit,
		SendQueueSize: cfg.SendQueueSize,
		IdleGrace:     cfg.IdleGrace,
		StoreTimeout:  cfg.StoreTimeout,
	}, presence, sink)

	gw := room.NewGateway(
		auth.NewJWTValidator([]byte(cfg.JWTSecret)),
		registry,
		cfg.AllowedOrigins,
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLog())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": registry.ActiveRooms()})
	})
	r.GET("/ws/rooms/:roomId", gw.HandleWS)
	if rp != nil {
		r.GET("/rooms/:roomId/presence", func(c *gin.Context) {
			members, err := rp.Members(c.Request.Context(), c.Query("tenantSlug"), c.Param("roomId"))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"members": members})
		})
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	safe.Go(func() {
		logger.Infof("[boot] listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[boot] http server: %v", err)
			stop()
		}
	})

	<-ctx.Done()
	logger.Info("[boot] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	registry.Shutdown()
}

func buildStore(ctx context.Context, cfg *config.AppConfig) store.Store {
	if cfg.MongoURI == "" {
		logger.Warn("[boot] CHAT_MONGO_URI unset, using in-memory message store")
		return store.NewMemoryStore()
	}

	db, err := mgo.Connect(ctx, mgo.Config{
		URI:      cfg.MongoURI,
		Database: cfg.MongoDatabase,
		Timeout:  cfg.MongoTimeout,
	})
	if err != nil {
		logger.Errorf("[boot] mongo: %v", err)
		panic(err)
	}
	ms := store.NewMongoStore(db)
	if err := ms.EnsureIndexes(ctx); err != nil {
		logger.Warnf("[boot] ensure indexes: %v", err)
	}
	return ms
}
