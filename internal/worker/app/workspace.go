package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"video_worker/internal/worker/domain"
	"video_worker/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Workspace 單一 job 的私有暫存目錄 workspace/<video_id>/<owner>/
type Workspace struct {
	VideoID uint
	Dir     string
}

// Path 回傳 workspace 內的檔案路徑
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// WorkspaceManager 配置與回收 workspace
// 多個 worker process 可共用同一個 root，每個 manager 只動自己 owner 底下的目錄
type WorkspaceManager struct {
	root   string
	owner  string
	maxAge time.Duration

	mu    sync.Mutex
	inUse map[uint]bool
}

// NewWorkspaceManager create manager rooted at root
func NewWorkspaceManager(root string, maxAge time.Duration) (*WorkspaceManager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &WorkspaceManager{root: root, owner: newOwner(), maxAge: maxAge, inUse: map[uint]bool{}}, nil
}

// newOwner host-pid-random，同一台機器上的多個 manager 也不會撞名
func newOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (m *WorkspaceManager) videoDir(videoID uint) string {
	return filepath.Join(m.root, strconv.FormatUint(uint64(videoID), 10))
}

// Open 建立 workspace，同一個 video 在本 manager 已開啟時回傳 ErrWorkspaceBusy
// 其他 owner 的目錄（另一個 process 或 crash 殘留）不碰，交給 Sweep
func (m *WorkspaceManager) Open(videoID uint) (*Workspace, error) {
	m.mu.Lock()
	if m.inUse[videoID] {
		m.mu.Unlock()
		return nil, domain.NewError(domain.ErrWorkspaceBusy, "workspace open", videoID, nil)
	}
	m.inUse[videoID] = true
	m.mu.Unlock()

	dir := filepath.Join(m.videoDir(videoID), m.owner)
	// 本 owner 的殘留只可能來自同一個 manager 先前未清掉的 job
	if err := os.RemoveAll(dir); err != nil {
		m.release(videoID)
		return nil, domain.Transient("workspace open", err)
	}
	var err error
	// 另一個 process Close 時可能剛好移除空的 video 目錄，重試一次
	for i := 0; i < 2; i++ {
		if err = os.MkdirAll(dir, 0755); err == nil {
			return &Workspace{VideoID: videoID, Dir: dir}, nil
		}
	}
	m.release(videoID)
	return nil, domain.Transient("workspace open", err)
}

// Close 刪除 workspace 內所有檔案，video 目錄已空時一併移除
func (m *WorkspaceManager) Close(ws *Workspace) error {
	defer m.release(ws.VideoID)
	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("workspace cleanup %s: %w", ws.Dir, err)
	}
	// 其他 owner 仍在使用時會回傳 ENOTEMPTY，忽略
	_ = os.Remove(filepath.Dir(ws.Dir))
	return nil
}

func (m *WorkspaceManager) release(videoID uint) {
	m.mu.Lock()
	delete(m.inUse, videoID)
	m.mu.Unlock()
}

// With 在 workspace 內執行 fn，不論成功、錯誤或 panic 都會清除目錄
// 清除失敗會與 fn 的錯誤一起回傳，panic 在清除後繼續往上拋
func (m *WorkspaceManager) With(ctx context.Context, videoID uint, fn func(ctx context.Context, ws *Workspace) error) (err error) {
	ws, err := m.Open(videoID)
	if err != nil {
		return err
	}

	defer func() {
		r := recover()
		if cerr := m.Close(ws); cerr != nil {
			logger.Log.Error("workspace cleanup failed", zap.Uint("video_id", videoID), zap.Error(cerr))
			err = errors.Join(err, cerr)
		}
		if r != nil {
			panic(r)
		}
	}()

	return fn(ctx, ws)
}

// Sweep 移除超過 maxAge 的 owner 目錄（本 manager 使用中的除外）與空的 video 目錄，回傳刪除的 workspace 數量
// maxAge 必須大於 hard time limit，其他 process 執行中的 workspace 才不會被誤刪
func (m *WorkspaceManager) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		path := filepath.Join(m.root, e.Name())
		id, perr := strconv.ParseUint(e.Name(), 10, 64)
		if perr != nil || !e.IsDir() {
			// 不屬於任何 video 的檔案
			if m.expired(e, now) {
				if err := os.RemoveAll(path); err != nil {
					errs = append(errs, err)
					continue
				}
				removed++
			}
			continue
		}

		// 刪除子目錄會更新 mtime，先判斷
		stale := m.expired(e, now)
		n, err := m.sweepVideo(path, uint(id), now)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
		if stale {
			// 仍有其他 owner 的目錄時 Remove 會失敗，忽略
			_ = os.Remove(path)
		}
	}
	return removed, errors.Join(errs...)
}

func (m *WorkspaceManager) sweepVideo(dir string, videoID uint, now time.Time) (int, error) {
	owners, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read workspace %s: %w", dir, err)
	}
	removed := 0
	var errs []error
	for _, o := range owners {
		if o.Name() == m.owner && m.isInUse(videoID) {
			continue
		}
		if !m.expired(o, now) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, o.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (m *WorkspaceManager) expired(e os.DirEntry, now time.Time) bool {
	info, err := e.Info()
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) >= m.maxAge
}

func (m *WorkspaceManager) isInUse(videoID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse[videoID]
}

// RunSweeper 每 interval 執行一次 Sweep，直到 ctx 結束，onSwept 可為 nil
func (m *WorkspaceManager) RunSweeper(ctx context.Context, interval time.Duration, onSwept func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := m.Sweep(now)
			if err != nil {
				logger.Log.Warn("workspace sweep failed", zap.Error(err))
			}
			if n > 0 {
				logger.Log.Info("workspace sweep removed orphaned directories", zap.Int("removed", n))
				if onSwept != nil {
					onSwept(n)
				}
			}
		}
	}
}
