// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/playroom/playroom/internal/auth"
	"github.com/playroom/playroom/internal/cache"
	"github.com/playroom/playroom/internal/database"
	"github.com/playroom/playroom/internal/engine"
	"github.com/playroom/playroom/internal/gatekeeper"
	"github.com/playroom/playroom/internal/handlers"
	"github.com/playroom/playroom/internal/middleware"
	"github.com/playroom/playroom/internal/room"
	"github.com/playroom/playroom/internal/session"
)

func main() {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if priv, pub := os.Getenv("AUTH_PRIVATE_KEY_PATH"), os.Getenv("AUTH_PUBLIC_KEY_PATH"); priv != "" && pub != "" {
		if err := auth.InitFromPath(priv, pub); err != nil {
			logger.Fatalf("failed to load signing keys: %v", err)
		}
	} else {
		if err := auth.Init(); err != nil {
			logger.Fatalf("failed to initialize signing keys: %v", err)
		}
	}

	database.Connect()
	if err := cache.ConnectRedis(); err != nil {
		logger.Fatalf("failed to connect to redis: %v", err)
	}

	sessions := session.NewRegistry(cache.Rdb, logger)
	limiter := gatekeeper.NewLimiter(cache.Rdb, logger)
	gate := gatekeeper.New(sessions, limiter, logger)

	rooms := room.NewStore(logger)
	rooms.OnGameEnd = func(code string, result engine.Result) {
		database.PersistGameSummary(database.GameSummary{
			GameID:       result.GameID,
			RoomCode:     code,
			GameType:     result.Type,
			Participants: result.Participants,
			Scores:       result.Scores,
			Ranking:      result.Ranking,
			StartedAt:    result.StartedAt,
			Duration:     result.Duration,
		})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			scores := make(map[string]int, len(result.Scores))
			for id, sc := range result.Scores {
				scores[id.String()] = sc
			}
			if err := cache.PublishGameEvent(ctx, cache.GameEventRecord{
				GameID:   result.GameID,
				RoomCode: code,
				GameType: result.Type,
				Scores:   scores,
				Ranking:  result.Ranking,
				EndedAt:  time.Now().Unix(),
			}); err != nil {
				logger.Warnf("failed to publish game event: %v", err)
			}
		}()
	}

	srv := handlers.NewServer(rooms, sessions, gate, logger)

	r := mux.NewRouter()
	r.Use(middleware.LogMiddleware(logger))
	r.HandleFunc("/health", handlers.HealthHandler(cache.Rdb)).Methods(http.MethodGet)
	r.HandleFunc("/user/create", srv.CreateUserHandler).Methods(http.MethodPost)
	r.HandleFunc("/user/login", srv.LoginHandler).Methods(http.MethodPost)
	r.HandleFunc("/ws", handlers.WSHandler(logger, srv))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		logger.Infof("Running on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server exited: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	rooms.DrainAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warnf("shutdown error: %v", err)
	}
	database.DB.Close()
}
