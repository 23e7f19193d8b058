package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"video_worker/internal/worker/domain"
	"video_worker/pkg/logger"

	"go.uber.org/zap"
)

// Transcoder 定義媒體轉換引擎
type Transcoder interface {
	// Normalize 截長、縮放到目標解析度、疊浮水印、去除音軌
	Normalize(ctx context.Context, spec domain.TransformationSpec, input, output, watermark string) error
	// Concat 串接 intro + main + outro，intro/outro 為空字串時略過
	Concat(ctx context.Context, spec domain.TransformationSpec, intro, main, outro, output string) error
	Probe(ctx context.Context, path string) (domain.MediaInfo, error)
}

// FFmpegTranscoder 透過 ffmpeg / ffprobe 執行檔實作 Transcoder
type FFmpegTranscoder struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegTranscoder create transcoder, path 空白時從 PATH 找
func NewFFmpegTranscoder(ffmpegPath, ffprobePath string) (*FFmpegTranscoder, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	ff, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	fp, err := exec.LookPath(ffprobePath)
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}
	return &FFmpegTranscoder{ffmpegPath: ff, ffprobePath: fp}, nil
}

// Normalize 執行 ffmpeg 正規化
func (t *FFmpegTranscoder) Normalize(ctx context.Context, spec domain.TransformationSpec, input, output, watermark string) error {
	return t.run(ctx, "normalize", normalizeArgs(spec, input, output, watermark))
}

// Concat 執行 ffmpeg 串接
func (t *FFmpegTranscoder) Concat(ctx context.Context, spec domain.TransformationSpec, intro, main, outro, output string) error {
	return t.run(ctx, "concat", concatArgs(spec, intro, main, outro, output))
}

func (t *FFmpegTranscoder) run(ctx context.Context, op string, args []string) error {
	logger.Log.Debug("執行 FFmpeg", zap.String("op", op), zap.Strings("args", args))
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	// 被 hard limit 砍掉時回傳 ctx 錯誤，交給 executor 判斷
	if ctx.Err() != nil {
		return fmt.Errorf("ffmpeg %s: %w", op, ctx.Err())
	}
	return domain.Transient("ffmpeg "+op, fmt.Errorf("%v, output: %s", err, tail(output, 2048)))
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// scaleFilter 強制輸出為目標解析度，pad 補黑邊、crop 置中裁切
func scaleFilter(spec domain.TransformationSpec) string {
	w, h := spec.TargetWidth, spec.TargetHeight
	if spec.FitMode == domain.FitCrop {
		return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1", w, h, w, h)
	}
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", w, h, w, h)
}

// overlayPosition 浮水印座標
func overlayPosition(c domain.Corner, margin int) string {
	switch c {
	case domain.CornerTopLeft:
		return fmt.Sprintf("%d:%d", margin, margin)
	case domain.CornerBottomLeft:
		return fmt.Sprintf("%d:main_h-overlay_h-%d", margin, margin)
	case domain.CornerBottomRight:
		return fmt.Sprintf("main_w-overlay_w-%d:main_h-overlay_h-%d", margin, margin)
	default:
		return fmt.Sprintf("main_w-overlay_w-%d:%d", margin, margin)
	}
}

func encodeArgs(spec domain.TransformationSpec) []string {
	c := spec.Codec
	threads := c.Threads
	if threads <= 0 {
		threads = 1
	}
	args := []string{
		"-an",
		"-c:v", c.VideoCodec,
		"-preset", c.Preset,
		"-crf", strconv.Itoa(c.CRF),
		"-pix_fmt", c.PixelFormat,
		"-threads", strconv.Itoa(threads),
		"-filter_threads", strconv.Itoa(threads),
	}
	if spec.AspectRatio != "" {
		args = append(args, "-aspect", spec.AspectRatio)
	}
	return append(args, "-movflags", "+faststart")
}

func normalizeArgs(spec domain.TransformationSpec, input, output, watermark string) []string {
	args := []string{"-y", "-i", input}
	graph := "[0:v]" + scaleFilter(spec)
	if watermark != "" {
		args = append(args, "-i", watermark)
		graph += "[base];[1:v]format=rgba[wm];[base][wm]overlay=" + overlayPosition(spec.Watermark.Corner, spec.Watermark.Margin)
	}
	graph += "[out]"

	args = append(args,
		"-filter_complex", graph,
		"-map", "[out]",
		"-t", seconds(spec.MaxDuration),
	)
	args = append(args, encodeArgs(spec)...)
	return append(args, output)
}

func concatArgs(spec domain.TransformationSpec, intro, main, outro, output string) []string {
	args := []string{"-y"}
	n := 0
	var graph, labels strings.Builder

	addInput := func(path string, limit time.Duration) {
		if limit > 0 {
			args = append(args, "-t", seconds(limit))
		}
		args = append(args, "-i", path)
		fmt.Fprintf(&graph, "[%d:v]%s[v%d];", n, scaleFilter(spec), n)
		fmt.Fprintf(&labels, "[v%d]", n)
		n++
	}

	if intro != "" {
		addInput(intro, spec.Intro.MaxDuration)
	}
	addInput(main, 0)
	if outro != "" {
		addInput(outro, spec.Outro.MaxDuration)
	}
	fmt.Fprintf(&graph, "%sconcat=n=%d:v=1:a=0[out]", labels.String(), n)

	args = append(args, "-filter_complex", graph.String(), "-map", "[out]")
	args = append(args, encodeArgs(spec)...)
	return append(args, output)
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// Probe 使用 ffprobe JSON 輸出取得長度、解析度與是否有音軌
func (t *FFmpegTranscoder) Probe(ctx context.Context, path string) (domain.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return domain.MediaInfo{}, fmt.Errorf("ffprobe: %w", ctx.Err())
		}
		return domain.MediaInfo{}, domain.Transient("ffprobe", err)
	}
	return parseProbe(output)
}

func parseProbe(raw []byte) (domain.MediaInfo, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.MediaInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var info domain.MediaInfo
	if secs, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	videoFound := false
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if videoFound {
				continue
			}
			videoFound = true
			info.Width, info.Height = s.Width, s.Height
			if info.Duration == 0 {
				if secs, err := strconv.ParseFloat(s.Duration, 64); err == nil {
					info.Duration = time.Duration(secs * float64(time.Second))
				}
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if !videoFound {
		return info, fmt.Errorf("parse ffprobe output: no video stream")
	}
	return info, nil
}
