package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"video_worker/internal/worker/domain"
	"video_worker/internal/worker/repository"
	"video_worker/pkg/config"
	"video_worker/pkg/database"
	"video_worker/pkg/logger"
	"video_worker/pkg/queue"

	"go.uber.org/zap"
)

// enqueue 將 video_id 送進處理佇列，也可以用來把 DLQ 的影片重新送回去
//
//	enqueue 42 43
//	enqueue -create 42          # 同時建立 uploaded 狀態的 record
//	enqueue -queue dlq 42       # 送到指定佇列
func main() {
	queueName := flag.String("queue", "", "target queue, default queue.name")
	create := flag.Bool("create", false, "create the video record in uploaded state when missing")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-queue name] [-create] video_id...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	config.LoadEnv()
	serviceName := config.Getenv("VIDEO_WORKER_SERVICE", "video_worker")
	cfg, err := config.LoadWorker(serviceName, config.Getenv("VIDEO_WORKER_YAML_PATH", "./configs"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.Log = logger.Initialize("enqueue", cfg.Log.Dir)
	defer logger.Log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ids, err := parseIDs(flag.Args())
	if err != nil {
		log.Fatal(err)
	}

	q, err := queue.New(ctx, cfg.Queue)
	if err != nil {
		logger.Log.Fatal("connect broker failed", zap.Error(err))
	}
	defer q.Close()

	var repo domain.VideoRepo
	if *create {
		db, err := database.NewGormConnection(database.Connection{
			ConnectStr:    cfg.PostgreSQL.DSN(),
			RetryCount:    cfg.PostgreSQL.RetryCount,
			RetryInterval: cfg.PostgreSQL.RetryInterval,
		})
		if err != nil {
			logger.Log.Fatal("connect record store failed", zap.Error(err))
		}
		repo = repository.NewVideoRepo(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.Fatal("migrate videos failed", zap.Error(err))
		}
	}

	target := *queueName
	if target == "" {
		target = cfg.Queue.Name
	}
	for _, id := range ids {
		if repo != nil {
			if err := ensureRecord(ctx, repo, id, cfg.Storage.SourceExt); err != nil {
				logger.Log.Fatal("create video record failed", zap.Uint("video_id", id), zap.Error(err))
			}
		}
		job := queue.NewJob(id)
		if err := q.Enqueue(ctx, target, job); err != nil {
			logger.Log.Fatal("enqueue failed", zap.Uint("video_id", id), zap.Error(err))
		}
		logger.Log.Info("job enqueued", zap.String("queue", target), zap.String("job_id", job.ID), zap.Uint("video_id", id))
	}
}

func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(a, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid video_id %q", a)
		}
		ids = append(ids, uint(n))
	}
	return ids, nil
}

func ensureRecord(ctx context.Context, repo domain.VideoRepo, id uint, ext string) error {
	_, err := repo.GetByID(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrVideoNotFound) {
		return err
	}
	return repo.Create(ctx, &domain.Video{
		ID:          id,
		Status:      domain.VideoUploaded,
		OriginalKey: domain.BlobKey(domain.LocationOriginal, id, ext),
		UploadedAt:  time.Now().UTC(),
	})
}
