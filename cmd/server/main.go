package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/marska/chatline/internal/calls"
	"github.com/marska/chatline/internal/config"
	"github.com/marska/chatline/internal/database"
	"github.com/marska/chatline/internal/handlers"
	"github.com/marska/chatline/internal/history"
	"github.com/marska/chatline/internal/hub"
	"github.com/marska/chatline/internal/push"
	"github.com/marska/chatline/internal/turn"
)

const AppVersion = "1.0.0"

func main() {
	httpOnly := flag.Bool("http-only", false, "Run plain HTTP behind a fronting proxy (disable TLS)")
	selfSigned := flag.Bool("self-signed", false, "Serve HTTPS with a generated self-signed certificate")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load(httpOnly)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("chatline server starting", "version", AppVersion)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.Initialize(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		return
	}

	historyStore := history.NewStore(db, logger)
	defer historyStore.Close()

	notifier := push.NewNotifier(db, push.VAPIDKeys{
		PublicKey:  cfg.VAPIDKeys.PublicKey,
		PrivateKey: cfg.VAPIDKeys.PrivateKey,
		Subject:    cfg.VAPIDKeys.Subject,
	}, logger)

	turnServer, err := turn.Initialize(cfg.TURNPort, cfg.TURNRealm, config.KeysDirectory(), logger)
	if err != nil {
		logger.Error("failed to initialize TURN server", "error", err)
		return
	}
	defer turnServer.Close()
	logger.Info("turn server started", "port", cfg.TURNPort)

	callStore := calls.NewStore()
	callStore.SetRingTimeout(cfg.RingTimeout)
	go callStore.Run()
	defer callStore.Close()

	registry := hub.NewRegistry(logger)
	router := hub.NewRouter(registry, callStore, historyStore, notifier, logger)

	h := handlers.New(cfg, turnServer, registry, router, callStore, historyStore, notifier, logger)

	engine := setupRouter(h, cfg, logger)
	runServer(ctx, engine, cfg, *selfSigned, logger)

	logger.Info("chatline server stopped")
}

func setupRouter(h *handlers.Handlers, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(slogGinLogger(logger), gin.Recovery())

	router.Use(func(c *gin.Context) {
		origin := "*"
		if cfg.HTTPOnly && cfg.FrontendURI != "" {
			origin = cfg.FrontendURI
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := router.Group("/api")
	{
		api.GET("/ws", h.HandleWebSocket)
		api.GET("/online-users", h.GetOnlineUsers)
		api.GET("/calls/history", h.GetCallHistory)
		api.GET("/turn-config", h.GetTURNConfig)
		api.GET("/media-token", h.GetMediaToken)
		api.GET("/push/vapid-key", h.GetVAPIDPublicKey)
		api.POST("/push/subscribe", h.SubscribePush)
		api.POST("/push/unsubscribe", h.UnsubscribePush)
	}

	return router
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
