package app

import (
	"context"
	"errors"
	"time"

	"video_worker/internal/worker/domain"
	"video_worker/pkg/logger"

	"go.uber.org/zap"
)

// SyncResult synchronizer outcome
type SyncResult string

const (
	// SyncUpdated record moved to processed
	SyncUpdated SyncResult = "updated"
	// SyncUnchanged record already processed with the same key
	SyncUnchanged SyncResult = "unchanged"
	// SyncMissing record not found, job still acks
	SyncMissing SyncResult = "missing"
)

// RecordSynchronizer worker 端唯一寫入 record store 的地方
type RecordSynchronizer struct {
	repo domain.VideoRepo
	now  func() time.Time
}

// NewRecordSynchronizer create synchronizer
func NewRecordSynchronizer(repo domain.VideoRepo) *RecordSynchronizer {
	return &RecordSynchronizer{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Sync 將影片標記為 processed
// 紀錄不存在時只記 warning 並回傳成功，沒有東西可以重試
func (s *RecordSynchronizer) Sync(ctx context.Context, videoID uint, processedKey string) (SyncResult, error) {
	video, err := s.repo.GetByID(ctx, videoID)
	if errors.Is(err, domain.ErrVideoNotFound) {
		logger.Log.Warn("video record not found, skipping sync", zap.Uint("video_id", videoID))
		return SyncMissing, nil
	}
	if err != nil {
		return "", err
	}

	if video.IsProcessed(processedKey) {
		return SyncUnchanged, nil
	}

	err = s.repo.MarkProcessed(ctx, videoID, processedKey, s.now())
	if errors.Is(err, domain.ErrVideoNotFound) {
		logger.Log.Warn("video record deleted during sync", zap.Uint("video_id", videoID))
		return SyncMissing, nil
	}
	if err != nil {
		return "", err
	}
	return SyncUpdated, nil
}
