package domain

import (
	"context"
	"time"
)

// VideoStatus definition video status
type VideoStatus string

const (
	// VideoUploaded video status is uploaded, waiting for processing
	VideoUploaded VideoStatus = "uploaded"
	// VideoProcessed video status is processed
	VideoProcessed VideoStatus = "processed"
)

// Video 定義影片模型，worker 只會讀寫 status 與 processed_* 欄位
// status=processed 時 ProcessedKey 與 ProcessedAt 一定有值
type Video struct {
	ID           uint        `gorm:"primaryKey"`
	Status       VideoStatus `gorm:"type:varchar(16);index"`
	OriginalKey  string
	ProcessedKey string
	UploadedAt   time.Time
	ProcessedAt  *time.Time
}

// IsProcessed check video already processed with key
func (v *Video) IsProcessed(key string) bool {
	return v.Status == VideoProcessed && v.ProcessedKey == key && v.ProcessedAt != nil
}

// VideoRepo definition record store contract
type VideoRepo interface {
	AutoMigrate() error
	Create(ctx context.Context, video *Video) error
	GetByID(ctx context.Context, id uint) (*Video, error)
	MarkProcessed(ctx context.Context, id uint, processedKey string, processedAt time.Time) error
	Ping(ctx context.Context) error
}
