package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"chatrelay/internal/api"
	"chatrelay/internal/bot"
	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/redis"
	"chatrelay/internal/service/ai"
	"chatrelay/internal/service/conversation"
	"chatrelay/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("CHATRELAY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	dbType := os.Getenv("CHATRELAY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Redis is optional; an empty host runs the relay without the warm layer.
	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = redis.NewClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv := conversation.NewService(db)
	if err := conv.EnsurePlatform(ctx, bot.PlatformName, "Telegram messaging platform"); err != nil {
		log.Fatalf("ensure platform: %v", err)
	}
	if err := conv.SeedAdmins(ctx, bot.PlatformName, cfg.AdminIDs); err != nil {
		log.Fatalf("seed admins: %v", err)
	}

	inference, err := ai.NewService(ctx, cfg)
	if err != nil {
		log.Fatalf("init inference service: %v", err)
	}

	sessionCache := cache.New(conv, rdb)

	relay, err := bot.New(cfg, conv, sessionCache, inference, logger)
	if err != nil {
		log.Fatalf("init telegram bot: %v", err)
	}

	if addr := cfg.BasicConfig.ServerAddress; addr != "" {
		router := gin.Default()
		api.NewHandler(db, rdb, inference).RegisterRoutes(router)
		go func() {
			if err := router.Run(addr); err != nil {
				log.Fatalf("http server stopped: %v", err)
			}
		}()
	}

	if err := relay.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("bot stopped: %v", err)
	}
}
