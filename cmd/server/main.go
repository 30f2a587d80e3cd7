package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/taskroom/internal/api"
	"github.com/manpreetbhatti/taskroom/internal/cache"
	"github.com/manpreetbhatti/taskroom/internal/config"
	"github.com/manpreetbhatti/taskroom/internal/db"
	"github.com/manpreetbhatti/taskroom/internal/events"
	"github.com/manpreetbhatti/taskroom/internal/ratelimit"
	"github.com/manpreetbhatti/taskroom/internal/room"
	"github.com/manpreetbhatti/taskroom/internal/snapshot"
	"github.com/manpreetbhatti/taskroom/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	hubOpts := ws.Options{
		Shards:            cfg.Rooms.Shards,
		JoinHistory:       cfg.Rooms.JoinHistory,
		EnforceLocks:      cfg.Rooms.EnforceLocks,
		Policy:            room.Policy{IdleTTL: cfg.Rooms.IdleTTL},
		ReapInterval:      cfg.Rooms.ReapInterval,
		MessagesPerSecond: cfg.RateLimit.PerSecond,
		MessageBurst:      cfg.RateLimit.Burst,
		Store:             database,
	}

	var apiOpts []api.Option

	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()

		presence := cache.NewPresence(rdb, cfg.Redis.PresenceTTL)
		hubOpts.Presence = presence
		apiOpts = append(apiOpts, api.WithPresence(presence))
		log.Printf("👥 Presence mirrored to redis %v", cfg.Redis.Addrs)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		opts := events.DefaultOptions()
		opts.Workers = cfg.Kafka.Workers
		opts.QueueSize = cfg.Kafka.QueueSize
		opts.MaxRetry = cfg.Kafka.MaxRetry
		dispatcher := events.NewDispatcher(producer, cfg.Kafka.Topic, events.NewSemaphore(opts.Workers*2), opts)
		defer dispatcher.Close()

		hubOpts.Events = dispatcher
		log.Printf("📨 Publishing operations to kafka topic %s", cfg.Kafka.Topic)
	}

	hub := ws.NewHub(hubOpts)

	snapshots := snapshot.New(database, hub, snapshot.Config{
		Interval:            cfg.Snapshot.Interval,
		CheckpointThreshold: cfg.Snapshot.CheckpointThreshold,
		KeepAutoCheckpoints: cfg.Snapshot.KeepAutoCheckpoints,
	})

	httpLimiter := ratelimit.NewKeyedLimiters(cfg.RateLimit.HTTPPerSecond, cfg.RateLimit.HTTPBurst, 5*time.Minute)
	defer httpLimiter.Stop()
	apiOpts = append(apiOpts, api.WithRateLimit(httpLimiter))
	apiHandler := api.New(hub, database, apiOpts...)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	// WebSocket endpoint
	router.GET("/ws", func(c *gin.Context) {
		ws.ServeWs(hub, c.Writer, c.Request)
	})
	apiHandler.Register(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("🗂️ Taskroom server starting on %s", srv.Addr)
	log.Printf("📁 Database: %s", cfg.Database.Path)
	log.Println("Endpoints:")
	log.Println("  - WebSocket:   /ws")
	log.Println("  - Health:      GET /health")
	log.Println("  - Stats:       GET /api/stats")
	log.Println("  - Rooms:       GET /api/rooms, GET/DELETE /api/rooms/{id}")
	log.Println("  - History:     GET /api/rooms/{id}/history")
	log.Println("  - Presence:    GET /api/rooms/{id}/presence")
	log.Println("  - Checkpoints: GET/POST /api/rooms/{id}/checkpoints")
	log.Println("  - Checkpoint:  GET/DELETE /api/checkpoints/{id}")
	log.Println("  - Diff:        GET /api/checkpoints/diff?from=X&to=Y")
	log.Println("  - Restore:     POST /api/checkpoints/{id}/restore")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		snapshots.Start()
		<-gctx.Done()
		snapshots.Stop()
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server stopped with error: %v", err)
	}
}
