package app

import (
	"os"

	"video_worker/internal/worker/domain"
	"video_worker/pkg/logger"

	"go.uber.org/zap"
)

// AssetResolver 判斷選用素材（浮水印、intro、outro）是否存在
type AssetResolver interface {
	Resolve(path string) (string, bool)
}

// FileAssetResolver 檢查本機檔案
type FileAssetResolver struct{}

// Resolve 回傳存在且為一般檔案的路徑
func (FileAssetResolver) Resolve(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// Assets 在 pipeline 建立時解析一次的素材
type Assets struct {
	Watermark string
	Intro     string
	Outro     string
}

// HasCortinillas intro 或 outro 至少一個存在
func (a Assets) HasCortinillas() bool {
	return a.Intro != "" || a.Outro != ""
}

// ResolveAssets resolve watermark / intro / outro once
func ResolveAssets(r AssetResolver, spec domain.TransformationSpec) Assets {
	var a Assets
	resolve := func(name, path string) string {
		if path == "" {
			return ""
		}
		p, ok := r.Resolve(path)
		if !ok {
			logger.Log.Warn("optional asset not found, skipping", zap.String("asset", name), zap.String("path", path))
			return ""
		}
		return p
	}
	a.Watermark = resolve("watermark", spec.Watermark.Path)
	a.Intro = resolve("intro", spec.Intro.Path)
	a.Outro = resolve("outro", spec.Outro.Path)
	return a
}
