package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/hango-video/hango/coordinator"
	httpServer "github.com/hango-video/hango/server/http"
	websocketServer "github.com/hango-video/hango/server/websocket"
	"github.com/hango-video/hango/store"
	memstore "github.com/hango-video/hango/store/memory"
	redisstore "github.com/hango-video/hango/store/redis"
)

const redisPingTimeout = 5 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr     = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr      = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel          = fs.StringP("log-level", "l", "debug", "log level")
		storeBackend      = fs.StringP("store", "s", "memory", "meeting store backend (memory|redis)")
		redisAddr         = fs.String("redis-addr", "localhost:6379", "redis address for the redis store backend")
		chatHistoryLimit  = fs.Int("chat-history-limit", 100, "chat messages retained per room")
		idleThreshold     = fs.Duration("idle-threshold", time.Hour, "room idle age before defensive reaping")
		reconcileInterval = fs.Duration("reconcile-interval", 30*time.Minute, "interval between reconciliation passes")
		adminPushInterval = fs.Duration("admin-push-interval", 15*time.Second, "interval between admin stats pushes")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var meetingStore store.MeetingStore
	switch *storeBackend {
	case "memory":
		meetingStore = memstore.NewMemStore()
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: *redisAddr})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), redisPingTimeout)
		err = rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", *redisAddr).Msg("redis ping failed")
		}
		meetingStore = redisstore.NewStore(rdb, "hango")
	default:
		logger.Fatal().Str("store", *storeBackend).Msg("unknown store backend")
	}

	coord := coordinator.NewCoordinator(coordinator.Config{
		Store:             meetingStore,
		Logger:            &logger,
		ChatHistoryLimit:  *chatHistoryLimit,
		IdleThreshold:     *idleThreshold,
		ReconcileInterval: *reconcileInterval,
		AdminPushInterval: *adminPushInterval,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		Store:       meetingStore,
		Coordinator: coord,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:      &logger,
		Coordinator: coord,
		ListenAddr:  *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go coord.Run(ctx, wg)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
