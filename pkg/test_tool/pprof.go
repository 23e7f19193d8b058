package testtool

import (
	"net/http"
	_ "net/http/pprof" // 匯入後會自動註冊 pprof endpoint

	"video_worker/pkg/logger"

	"go.uber.org/zap"
)

// StartPprof 在 addr 上啟動 pprof，addr 為空時不啟動
// 建議只綁 127.0.0.1，pprof 會暴露 process 內部狀態
func StartPprof(addr string) {
	if addr == "" {
		logger.Log.Debug("pprof disabled")
		return
	}

	go func() {
		logger.Log.Info("starting pprof server", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Log.Warn("pprof server stopped", zap.Error(err))
		}
	}()
}

// 常用端點：
// 	•	/debug/pprof/goroutine → 卡住的 ffmpeg 子程序通常會留下 goroutine
// 	•	/debug/pprof/heap → 記憶體分配
// 	•	/debug/pprof/profile → 執行 30 秒 CPU 分析
//
// go tool pprof http://localhost:6060/debug/pprof/goroutine
