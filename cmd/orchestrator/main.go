package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/hypha-dao/hypha-web-sub000/internal/config"
	"github.com/hypha-dao/hypha-web-sub000/internal/ledger"
	"github.com/hypha-dao/hypha-web-sub000/internal/metrics"
	"github.com/hypha-dao/hypha-web-sub000/internal/offchain"
	"github.com/hypha-dao/hypha-web-sub000/internal/resolve"
	"github.com/hypha-dao/hypha-web-sub000/internal/saga"
	"github.com/hypha-dao/hypha-web-sub000/internal/server"
	"github.com/hypha-dao/hypha-web-sub000/internal/upload"
	"github.com/hypha-dao/hypha-web-sub000/internal/watcher"
	"github.com/hypha-dao/hypha-web-sub000/pkg/health"
	"github.com/hypha-dao/hypha-web-sub000/pkg/logger"
	"github.com/hypha-dao/hypha-web-sub000/pkg/snowflake"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	appLog := logger.New(cfg.ServiceName, os.Stdout)

	idGen, err := snowflake.New(cfg.NodeID)
	if err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisPingCancel()
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis")

	// 连接账本节点
	ledgerClient, err := ledger.DialWS(ctx, cfg.LedgerWSURL, cfg.ReceiptPollInterval, appLog)
	if err != nil {
		log.Fatalf("Failed to connect to ledger node: %v", err)
	}
	defer ledgerClient.Close()
	log.Printf("Connected to ledger node at %s", cfg.LedgerWSURL)

	m := metrics.NewDefault()
	offchainGW := offchain.NewPostgresGateway(db)
	retryQueue := offchain.NewPostgresRetryQueue(db)
	waiter := ledger.NewWaiter(ledgerClient, cfg.ConfirmTimeout, appLog)
	uploader := upload.NewHTTPUploader(cfg.UploadEndpoint, cfg.UploadToken, nil)

	spaceCache := offchain.NewRecordCache(offchainGW, redisClient, offchain.KindSpace, cfg.SpaceCacheTTL)
	resolveOpts := resolve.Options{
		MaxAttempts:  cfg.ResolveMaxAttempts,
		PollInterval: cfg.ResolvePollInterval,
		PollWindow:   cfg.ResolvePollWindow,
		RetryDelay:   cfg.ResolveRetryDelay,
	}

	// 启动对账订阅
	var watcherLoop health.LoopMonitor
	watcherLoop.Tick()
	w := watcher.New(watcher.Config{
		Gateway:  ledgerClient,
		OffChain: offchainGW,
		Spaces:   spaceCache,
		Dedup:    watcher.NewRedisDedup(redisClient, "", cfg.DedupTTL),
		Sink:     watcher.NewRedisNotifier(redisClient, cfg.EventChannel),
		Contracts: watcher.Contracts{
			SpaceFactory: cfg.SpaceFactoryAddr,
			Proposals:    cfg.ProposalsAddr,
			TokenFactory: cfg.TokenFactoryAddr,
		},
		Metrics:         m,
		Log:             appLog,
		Monitor:         &watcherLoop,
		ResolveOptions:  resolveOpts,
		SystemCreatorID: cfg.SystemCreatorID,
	})
	stopWatcher, err := w.Start(ctx)
	if err != nil {
		log.Fatalf("Failed to start reconciliation watcher: %v", err)
	}
	defer stopWatcher()
	log.Printf("Reconciliation watcher started")

	// HTTP 服务
	srv := server.New(server.Deps{
		Definitions:       saga.Definitions(),
		OffChain:          offchainGW,
		Ledger:            ledgerClient,
		Waiter:            waiter,
		Uploads:           uploader,
		Retries:           retryQueue,
		Watcher:           w,
		Metrics:           m,
		Log:               appLog,
		IDGen:             idGen,
		TokenFactoryAddr:  cfg.TokenFactoryAddr,
		TokenWatchTimeout: cfg.TokenWatchTimeout,
	})

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	checker.Register("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler(3*time.Second))
	mux.Handle("/metrics", m.Handler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Printf("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	log.Printf("Bye")
}
