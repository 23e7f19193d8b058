package app

import (
	"strings"
	"testing"
	"time"

	"video_worker/internal/worker/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() domain.TransformationSpec {
	return domain.TransformationSpec{
		MaxDuration:  30 * time.Second,
		TargetWidth:  1280,
		TargetHeight: 720,
		AspectRatio:  "16:9",
		FitMode:      domain.FitPad,
		Codec:        domain.CodecParams{VideoCodec: "libx264", Preset: "veryfast", CRF: 23, PixelFormat: "yuv420p", Threads: 1},
		Watermark:    domain.Watermark{Path: "wm.png", Corner: domain.CornerTopRight, Margin: 10},
		Intro:        domain.Clip{Path: "intro.mp4", MaxDuration: 2500 * time.Millisecond},
		Outro:        domain.Clip{Path: "outro.mp4", MaxDuration: 2500 * time.Millisecond},
	}
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestNormalizeArgs(t *testing.T) {
	args := normalizeArgs(testSpec(), "in.mp4", "out.mp4", "wm.png")

	assert.Equal(t, "out.mp4", args[len(args)-1])
	assert.Contains(t, args, "-an", "audio must be stripped")
	assert.Equal(t, "30.000", argValue(args, "-t"))
	assert.Equal(t, "1", argValue(args, "-threads"))
	assert.Equal(t, "16:9", argValue(args, "-aspect"))
	assert.Equal(t, "libx264", argValue(args, "-c:v"))

	graph := argValue(args, "-filter_complex")
	assert.Contains(t, graph, "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720")
	assert.Contains(t, graph, "overlay=main_w-overlay_w-10:10")
	assert.True(t, strings.HasSuffix(graph, "[out]"))
	assert.Equal(t, []string{"-y", "-i", "in.mp4", "-i", "wm.png"}, args[:5])
}

func TestNormalizeArgs_CropWithoutWatermark(t *testing.T) {
	spec := testSpec()
	spec.FitMode = domain.FitCrop
	args := normalizeArgs(spec, "in.mp4", "out.mp4", "")

	graph := argValue(args, "-filter_complex")
	assert.Equal(t, "[0:v]scale=1280:720:force_original_aspect_ratio=increase,crop=1280:720,setsar=1[out]", graph)
	assert.Equal(t, 1, strings.Count(strings.Join(args, " "), "-i "))
}

func TestOverlayPosition(t *testing.T) {
	assert.Equal(t, "5:5", overlayPosition(domain.CornerTopLeft, 5))
	assert.Equal(t, "5:main_h-overlay_h-5", overlayPosition(domain.CornerBottomLeft, 5))
	assert.Equal(t, "main_w-overlay_w-5:main_h-overlay_h-5", overlayPosition(domain.CornerBottomRight, 5))
	assert.Equal(t, "main_w-overlay_w-5:5", overlayPosition(domain.CornerTopRight, 5))
}

func TestConcatArgs(t *testing.T) {
	args := concatArgs(testSpec(), "intro.mp4", "main.mp4", "outro.mp4", "final.mp4")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-t 2.500 -i intro.mp4 -i main.mp4 -t 2.500 -i outro.mp4")
	assert.Contains(t, argValue(args, "-filter_complex"), "[v0][v1][v2]concat=n=3:v=1:a=0[out]")
	assert.Equal(t, "final.mp4", args[len(args)-1])
}

func TestConcatArgs_OnlyOutro(t *testing.T) {
	args := concatArgs(testSpec(), "", "main.mp4", "outro.mp4", "final.mp4")
	assert.Contains(t, strings.Join(args, " "), "-y -i main.mp4 -t 2.500 -i outro.mp4")
	assert.Contains(t, argValue(args, "-filter_complex"), "[v0][v1]concat=n=2:v=1:a=0[out]")
}

func TestParseProbe(t *testing.T) {
	raw := []byte(`{
		"streams": [
			{"codec_type": "video", "width": 1920, "height": 1080, "duration": "45.000000"},
			{"codec_type": "audio"}
		],
		"format": {"duration": "45.023000"}
	}`)
	info, err := parseProbe(raw)
	require.NoError(t, err)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.True(t, info.HasAudio)
	assert.InDelta(t, 45.023, info.Duration.Seconds(), 0.001)

	_, err = parseProbe([]byte(`{"streams":[{"codec_type":"audio"}],"format":{}}`))
	assert.Error(t, err)
}
