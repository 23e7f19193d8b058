package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"video_worker/internal/worker/domain"
	"video_worker/pkg/queue"

	"github.com/stretchr/testify/mock"
)

// MockQueue 是 queue.Adapter 的 Mock
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, queueName string, job queue.Job) error {
	args := m.Called(ctx, queueName, job)
	return args.Error(0)
}

func (m *MockQueue) Receive(ctx context.Context) (*queue.Delivery, error) {
	args := m.Called(ctx)
	if args.Get(0) != nil {
		return args.Get(0).(*queue.Delivery), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockQueue) Ack(ctx context.Context, d *queue.Delivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockQueue) Nack(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	args := m.Called(ctx, d, delay)
	return args.Error(0)
}

func (m *MockQueue) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockVideoRepo 是 VideoRepo 的 Mock
type MockVideoRepo struct {
	mock.Mock
}

func (m *MockVideoRepo) AutoMigrate() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockVideoRepo) Create(ctx context.Context, video *domain.Video) error {
	args := m.Called(ctx, video)
	return args.Error(0)
}

func (m *MockVideoRepo) GetByID(ctx context.Context, id uint) (*domain.Video, error) {
	args := m.Called(ctx, id)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Video), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockVideoRepo) MarkProcessed(ctx context.Context, id uint, processedKey string, processedAt time.Time) error {
	args := m.Called(ctx, id, processedKey, processedAt)
	return args.Error(0)
}

func (m *MockVideoRepo) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockDeadLetterStore 是 DeadLetterStore 的 Mock
type MockDeadLetterStore struct {
	mock.Mock
}

func (m *MockDeadLetterStore) Save(ctx context.Context, dl domain.DeadLetter) (bool, error) {
	args := m.Called(ctx, dl)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeadLetterStore) FindByVideoID(ctx context.Context, videoID uint) ([]domain.DeadLetter, error) {
	args := m.Called(ctx, videoID)
	return args.Get(0).([]domain.DeadLetter), args.Error(1)
}

// MockHooks 記錄 executor 呼叫的 hook
type MockHooks struct {
	mock.Mock
}

func (m *MockHooks) OnSuccess(ctx context.Context, a Attempt) { m.Called(a) }
func (m *MockHooks) OnRetry(ctx context.Context, a Attempt)   { m.Called(a) }
func (m *MockHooks) OnFailure(ctx context.Context, a Attempt) { m.Called(a) }

// MockProcessor 是 pipeline 的 Mock
type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Run(ctx context.Context, run Run) (Result, error) {
	args := m.Called(ctx, run)
	return args.Get(0).(Result), args.Error(1)
}

// fakeMedia 以 JSON 描述的假影片，讓 pipeline 測試不需要 ffmpeg
type fakeMedia struct {
	DurationMS int64  `json:"duration_ms"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Audio      bool   `json:"audio"`
	Watermark  string `json:"watermark,omitempty"`
}

func (f fakeMedia) duration() time.Duration {
	return time.Duration(f.DurationMS) * time.Millisecond
}

func writeFakeMedia(path string, f fakeMedia) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

func readFakeMedia(path string) (fakeMedia, error) {
	var f fakeMedia
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	return f, json.Unmarshal(raw, &f)
}

// fakeTranscoder 依照 spec 轉換 fakeMedia
type fakeTranscoder struct {
	mu          sync.Mutex
	normalizes  int
	concats     int
	normalizeFn func(ctx context.Context) error
	// forceWidth 模擬編碼器輸出錯誤解析度
	forceWidth int
}

func (t *fakeTranscoder) Normalize(ctx context.Context, spec domain.TransformationSpec, input, output, watermark string) error {
	t.mu.Lock()
	t.normalizes++
	fn := t.normalizeFn
	t.mu.Unlock()
	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}

	src, err := readFakeMedia(input)
	if err != nil {
		return domain.Transient("fake normalize", err)
	}
	out := fakeMedia{
		DurationMS: min(src.DurationMS, spec.MaxDuration.Milliseconds()),
		Width:      spec.TargetWidth,
		Height:     spec.TargetHeight,
	}
	if t.forceWidth != 0 {
		out.Width = t.forceWidth
	}
	if watermark != "" {
		out.Watermark = string(spec.Watermark.Corner)
	}
	return writeFakeMedia(output, out)
}

func (t *fakeTranscoder) Concat(ctx context.Context, spec domain.TransformationSpec, intro, main, outro, output string) error {
	t.mu.Lock()
	t.concats++
	t.mu.Unlock()

	out, err := readFakeMedia(main)
	if err != nil {
		return err
	}
	add := func(path string, limit time.Duration) error {
		if path == "" {
			return nil
		}
		clip, err := readFakeMedia(path)
		if err != nil {
			return err
		}
		out.DurationMS += min(clip.DurationMS, limit.Milliseconds())
		return nil
	}
	if err := errors.Join(add(intro, spec.Intro.MaxDuration), add(outro, spec.Outro.MaxDuration)); err != nil {
		return err
	}
	return writeFakeMedia(output, out)
}

func (t *fakeTranscoder) Probe(ctx context.Context, path string) (domain.MediaInfo, error) {
	f, err := readFakeMedia(path)
	if err != nil {
		return domain.MediaInfo{}, err
	}
	return domain.MediaInfo{Duration: f.duration(), Width: f.Width, Height: f.Height, HasAudio: f.Audio}, nil
}
