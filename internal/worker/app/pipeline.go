package app

import (
	"context"
	"fmt"
	"time"

	"video_worker/internal/worker/domain"
	"video_worker/internal/worker/repository"
	"video_worker/pkg/config"
	"video_worker/pkg/logger"

	"go.uber.org/zap"
)

// frameTolerance 編碼器截長時的誤差，約一個 frame
const frameTolerance = 50 * time.Millisecond

// NewTransformationSpec 由設定建立不可變的轉換規格
func NewTransformationSpec(cfg config.TransformConfig) domain.TransformationSpec {
	return domain.TransformationSpec{
		MaxDuration:  cfg.MaxDuration,
		TargetWidth:  cfg.TargetWidth,
		TargetHeight: cfg.TargetHeight,
		AspectRatio:  cfg.AspectRatio,
		FitMode:      domain.FitMode(cfg.FitMode),
		Codec: domain.CodecParams{
			VideoCodec:  cfg.Codec.VideoCodec,
			Preset:      cfg.Codec.Preset,
			CRF:         cfg.Codec.CRF,
			PixelFormat: cfg.Codec.PixelFormat,
			Threads:     cfg.Codec.Threads,
		},
		Watermark: domain.Watermark{
			Path:   cfg.Watermark.Path,
			Corner: domain.Corner(cfg.Watermark.Corner),
			Margin: cfg.Watermark.Margin,
		},
		Intro: domain.Clip{Path: cfg.Intro.Path, MaxDuration: cfg.Intro.MaxDuration},
		Outro: domain.Clip{Path: cfg.Outro.Path, MaxDuration: cfg.Outro.MaxDuration},
	}
}

// Run 單次 pipeline 執行的輸入
type Run struct {
	VideoID   uint
	Workspace *Workspace
	// Abort 在 soft limit 到期時關閉，步驟之間檢查
	Abort <-chan struct{}
}

// Result pipeline 執行結果
type Result struct {
	OriginalKey  string
	ProcessedKey string
	Output       domain.MediaInfo
	Warnings     []string
}

// Processor definition pipeline contract used by the executor
type Processor interface {
	Run(ctx context.Context, run Run) (Result, error)
}

// PipelineOptions pipeline 建構參數
type PipelineOptions struct {
	SourceExt        string
	OutputExt        string
	StrictValidation bool
}

// Pipeline 依序執行：存在檢查 → 下載 → 正規化 → cortinillas → 驗證 → 上傳
// 沒有中間 checkpoint，重試一律從頭開始
type Pipeline struct {
	store      repository.BlobStore
	transcoder Transcoder
	spec       domain.TransformationSpec
	assets     Assets
	opts       PipelineOptions
}

// NewPipeline create pipeline, 選用素材只在這裡解析一次
func NewPipeline(store repository.BlobStore, transcoder Transcoder, spec domain.TransformationSpec, resolver AssetResolver, opts PipelineOptions) *Pipeline {
	if opts.SourceExt == "" {
		opts.SourceExt = ".mp4"
	}
	if opts.OutputExt == "" {
		opts.OutputExt = ".mp4"
	}
	return &Pipeline{
		store:      store,
		transcoder: transcoder,
		spec:       spec,
		assets:     ResolveAssets(resolver, spec),
		opts:       opts,
	}
}

// Assets 回傳解析後的素材
func (p *Pipeline) Assets() Assets {
	return p.assets
}

func checkpoint(ctx context.Context, run Run, step string) error {
	select {
	case <-run.Abort:
		return domain.NewError(domain.ErrSoftTimeout, step, run.VideoID, nil)
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}

// Run 執行整條 pipeline，任何一步失敗就停止
func (p *Pipeline) Run(ctx context.Context, run Run) (Result, error) {
	log := logger.Log.With(zap.Uint("video_id", run.VideoID))
	ws := run.Workspace
	res := Result{
		OriginalKey:  domain.BlobKey(domain.LocationOriginal, run.VideoID, p.opts.SourceExt),
		ProcessedKey: domain.BlobKey(domain.LocationProcessed, run.VideoID, p.opts.OutputExt),
	}

	// 1. 存在檢查
	ok, err := p.store.Exists(ctx, res.OriginalKey)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, domain.NewError(domain.ErrNotFound, "exists", run.VideoID, fmt.Errorf("%s", p.store.DisplayPath(res.OriginalKey)))
	}

	// 2. 下載
	if err := checkpoint(ctx, run, "download"); err != nil {
		return res, err
	}
	source := ws.Path("source" + p.opts.SourceExt)
	if err := p.store.Download(ctx, res.OriginalKey, source); err != nil {
		return res, err
	}
	log.Debug("source downloaded", zap.String("from", p.store.DisplayPath(res.OriginalKey)))

	// 3. 正規化
	if err := checkpoint(ctx, run, "normalize"); err != nil {
		return res, err
	}
	normalized := ws.Path("normalized" + p.opts.OutputExt)
	if err := p.transcoder.Normalize(ctx, p.spec, source, normalized, p.assets.Watermark); err != nil {
		return res, err
	}

	// 4. cortinillas
	final := normalized
	if p.assets.HasCortinillas() {
		if err := checkpoint(ctx, run, "cortinillas"); err != nil {
			return res, err
		}
		final = ws.Path("final" + p.opts.OutputExt)
		if err := p.transcoder.Concat(ctx, p.spec, p.assets.Intro, normalized, p.assets.Outro, final); err != nil {
			return res, err
		}
	}

	// 5. 驗證
	if err := checkpoint(ctx, run, "validate"); err != nil {
		return res, err
	}
	info, warnings, err := p.validate(ctx, final)
	res.Output, res.Warnings = info, warnings
	if err != nil {
		return res, err
	}
	if len(warnings) > 0 {
		if p.opts.StrictValidation {
			return res, domain.NewError(domain.ErrValidation, "validate", run.VideoID, fmt.Errorf("%v", warnings))
		}
		log.Warn("output does not match transformation spec", zap.Strings("warnings", warnings))
	}

	// 6. 上傳
	if err := checkpoint(ctx, run, "upload"); err != nil {
		return res, err
	}
	if err := p.store.Upload(ctx, final, res.ProcessedKey); err != nil {
		return res, err
	}
	log.Info("processed video uploaded", zap.String("to", p.store.DisplayPath(res.ProcessedKey)))
	return res, nil
}

// MaxOutputDuration 有 intro/outro 時才加上它們的上限
func (p *Pipeline) MaxOutputDuration() time.Duration {
	d := p.spec.MaxDuration
	if p.assets.Intro != "" {
		d += p.spec.Intro.MaxDuration
	}
	if p.assets.Outro != "" {
		d += p.spec.Outro.MaxDuration
	}
	return d
}

// validate 回傳不符合規格的項目，probe 失敗時 strict 模式才算錯誤
func (p *Pipeline) validate(ctx context.Context, path string) (domain.MediaInfo, []string, error) {
	info, err := p.transcoder.Probe(ctx, path)
	if err != nil {
		if ctx.Err() != nil || p.opts.StrictValidation {
			return info, nil, err
		}
		return info, []string{fmt.Sprintf("probe failed: %v", err)}, nil
	}

	var warnings []string
	if limit := p.MaxOutputDuration() + frameTolerance; info.Duration > limit {
		warnings = append(warnings, fmt.Sprintf("duration %s exceeds %s", info.Duration, p.MaxOutputDuration()))
	}
	if info.Width != p.spec.TargetWidth || info.Height != p.spec.TargetHeight {
		warnings = append(warnings, fmt.Sprintf("resolution %dx%d, want %dx%d", info.Width, info.Height, p.spec.TargetWidth, p.spec.TargetHeight))
	}
	if info.HasAudio {
		warnings = append(warnings, "audio track present")
	}
	return info, warnings, nil
}
