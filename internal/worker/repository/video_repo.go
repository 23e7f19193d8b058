package repository

import (
	"context"
	"errors"
	"time"

	"video_worker/internal/worker/domain"

	"gorm.io/gorm"
)

// videoRepo definition video repo
type videoRepo struct {
	db *gorm.DB
}

// NewVideoRepo create VideoRepo
func NewVideoRepo(db *gorm.DB) domain.VideoRepo {
	return &videoRepo{db: db}
}

// AutoMigrate 根據 Video 模型建立或補齊資料表，不會刪除欄位
func (r *videoRepo) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.Video{})
}

// Create 新增影片紀錄，正式環境由上傳 API 負責，worker 只在工具與測試使用
func (r *videoRepo) Create(ctx context.Context, video *domain.Video) error {
	if err := r.db.WithContext(ctx).Create(video).Error; err != nil {
		return domain.Transient("video create", err)
	}
	return nil
}

// GetByID get Video by id, 找不到時回傳 ErrVideoNotFound
func (r *videoRepo) GetByID(ctx context.Context, id uint) (*domain.Video, error) {
	var v domain.Video
	err := r.db.WithContext(ctx).First(&v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrVideoNotFound
	}
	if err != nil {
		return nil, domain.Transient("video get", err)
	}
	return &v, nil
}

// MarkProcessed 只更新 status 與 processed_* 欄位
// 相同參數重複呼叫結果一樣，不會產生新資料列
func (r *videoRepo) MarkProcessed(ctx context.Context, id uint, processedKey string, processedAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.Video{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        domain.VideoProcessed,
		"processed_key": processedKey,
		"processed_at":  processedAt,
	})
	if res.Error != nil {
		return domain.Transient("video update", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrVideoNotFound
	}
	return nil
}

// Ping check record store reachable
func (r *videoRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
