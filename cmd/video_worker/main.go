package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os/signal"
	"syscall"

	"video_worker/internal/worker/app"
	"video_worker/pkg/config"
	"video_worker/pkg/database"
	"video_worker/pkg/health"
	"video_worker/pkg/logger"
	"video_worker/pkg/metrics"
	"video_worker/pkg/queue"
	testtool "video_worker/pkg/test_tool"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	config.LoadEnv()
	serviceName := config.Getenv("VIDEO_WORKER_SERVICE", "video_worker")
	cfg, err := config.LoadWorker(serviceName, config.Getenv("VIDEO_WORKER_YAML_PATH", "./configs"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Log = logger.Initialize(serviceName, cfg.Log.Dir)
	logger.Log.SetDebugMode(cfg.Log.Debug)
	defer logger.Log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cs closers
	defer cs.closeAll()

	checker := health.NewChecker(cfg.Health.ProbeTimeout)

	q, err := queue.New(ctx, cfg.Queue)
	if err != nil {
		logger.Log.Fatal("connect broker failed", zap.String("broker", cfg.Queue.Broker), zap.Error(err))
	}
	cs.add(func() { _ = q.Close() })
	checker.Register("queue", q.Ping)

	videoRepo, err := newVideoRepo(cfg.PostgreSQL, &cs, checker)
	if err != nil {
		logger.Log.Fatal("connect record store failed", zap.Error(err))
	}
	store, err := newBlobStore(ctx, cfg.Storage, checker)
	if err != nil {
		logger.Log.Fatal("create blob store failed", zap.Error(err))
	}
	deadLetters, err := newDeadLetterStore(ctx, cfg, &cs, checker)
	if err != nil {
		logger.Log.Fatal("connect dead-letter store failed", zap.Error(err))
	}
	locker, err := newLocker(ctx, cfg.Lock, &cs)
	if err != nil {
		logger.Log.Fatal("connect lock redis failed", zap.Error(err))
	}

	transcoder, err := app.NewFFmpegTranscoder(cfg.Transform.FFmpegPath, cfg.Transform.FFprobePath)
	if err != nil {
		logger.Log.Fatal("encoder not available", zap.Error(err))
	}
	workspaces, err := app.NewWorkspaceManager(cfg.Worker.WorkspaceDir, cfg.Worker.WorkspaceMaxAge)
	if err != nil {
		logger.Log.Fatal("create workspace root failed", zap.Error(err))
	}

	pipeline := app.NewPipeline(store, transcoder, app.NewTransformationSpec(cfg.Transform), app.FileAssetResolver{}, app.PipelineOptions{
		SourceExt:        cfg.Storage.SourceExt,
		OutputExt:        cfg.Storage.OutputExt,
		StrictValidation: cfg.Worker.StrictValidation,
	})

	m := metrics.New(prometheus.DefaultRegisterer)
	hooks := []app.Hooks{app.LogHooks{}, app.MetricsHooks{M: m}}
	if len(cfg.Events.Brokers) > 0 {
		writer, err := database.NewKafkaWriterWithRetry(ctx, database.KafkaConnection{
			Brokers:       cfg.Events.Brokers,
			Topic:         cfg.Events.Topic,
			RetryCount:    cfg.Events.RetryCount,
			RetryInterval: cfg.Events.RetryInterval,
		})
		if err != nil {
			// 事件只是通知，broker 不可用時 worker 照常運作
			logger.Log.Warn("kafka unavailable, outcome events disabled", zap.Error(err))
		} else {
			cs.add(func() { _ = writer.Close() })
			hooks = append(hooks, app.NewEventHooks(writer))
		}
	}

	executor := app.NewExecutor(
		q,
		workspaces,
		pipeline,
		app.NewRecordSynchronizer(videoRepo),
		app.NewBackoffPolicy(cfg.Retry),
		app.NewDeadLetterHandler(deadLetters, q, cfg.Queue.DeadLetterName),
		locker,
		app.ExecutorOptions{
			SoftTimeLimit: cfg.Worker.SoftTimeLimit,
			HardTimeLimit: cfg.Worker.HardTimeLimit,
			RetryNotFound: cfg.Worker.RetryNotFound,
		},
		hooks...,
	)

	go workspaces.RunSweeper(ctx, cfg.Worker.SweepInterval, func(n int) { m.SweptWorkdirs.Add(float64(n)) })
	go checker.Run(ctx, cfg.Health.CheckInterval)
	testtool.StartPprof(cfg.Health.PprofAddr)

	httpServer := health.NewHTTPServer(checker, prometheus.DefaultGatherer)
	go func() {
		if err := httpServer.Listen(":" + cfg.Health.HTTPPort); err != nil {
			logger.Log.Error("health server stopped", zap.Error(err))
		}
	}()

	var grpcServer *grpc.Server
	if cfg.Health.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.Health.GRPCPort)
		if err != nil {
			logger.Log.Fatal("listen grpc health port failed", zap.String("port", cfg.Health.GRPCPort), zap.Error(err))
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, checker.GRPCServer())
		go func() {
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Log.Error("grpc health server stopped", zap.Error(err))
			}
		}()
	}

	pool := app.NewPool(cfg.Worker.Concurrency, q, executor)
	pool.Start()
	logger.Log.Info("video worker started",
		zap.String("broker", cfg.Queue.Broker),
		zap.String("queue", cfg.Queue.Name),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Strings("dependencies", checker.Names()),
	)

	<-ctx.Done()
	logger.Log.Info("shutdown signal received")

	// 停止接收新 job，執行中的 job 跑完後才 ack 並退出
	if err := pool.Stop(cfg.Worker.ShutdownTimeout); err != nil {
		logger.Log.Warn("in-flight jobs still running at shutdown, broker will redeliver them", zap.Error(err))
	}
	if err := httpServer.Shutdown(); err != nil {
		logger.Log.Warn("health server shutdown failed", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	logger.Log.Info("video worker stopped")
}
