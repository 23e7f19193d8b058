package domain

import (
	"context"
	"time"
)

// DeadLetter 定義用盡重試後的失敗紀錄，供人工排查
type DeadLetter struct {
	ID       string    `json:"id" bson:"_id"`
	JobID    string    `json:"job_id" bson:"job_id"`
	VideoID  uint      `json:"video_id" bson:"video_id"`
	Attempts int       `json:"attempts" bson:"attempts"`
	Error    string    `json:"error" bson:"error"`
	FailedAt time.Time `json:"failed_at" bson:"failed_at"`
}

// DeadLetterStore definition durable dead-letter archive
// Save 以 JobID 為唯一鍵，重複呼叫不會產生第二筆，created 表示這次是否新寫入
type DeadLetterStore interface {
	Save(ctx context.Context, dl DeadLetter) (created bool, err error)
	FindByVideoID(ctx context.Context, videoID uint) ([]DeadLetter, error)
}

// Locker definition per-video distributed lock
type Locker interface {
	Acquire(ctx context.Context, videoID uint) (release func(context.Context) error, err error)
}
