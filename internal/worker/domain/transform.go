package domain

import (
	"fmt"
	"time"
)

// Location definition blob logical location
type Location string

const (
	// LocationOriginal uploaded source blobs
	LocationOriginal Location = "original"
	// LocationProcessed transformed blobs
	LocationProcessed Location = "processed"
)

// BlobKey 由 (location, videoID) 產生固定的 key，例如 original/42.mp4
// 同一支影片重跑會覆蓋同一個 key
func BlobKey(location Location, videoID uint, ext string) string {
	return fmt.Sprintf("%s/%d%s", location, videoID, ext)
}

// Corner definition watermark position
type Corner string

const (
	CornerTopLeft     Corner = "top-left"
	CornerTopRight    Corner = "top-right"
	CornerBottomLeft  Corner = "bottom-left"
	CornerBottomRight Corner = "bottom-right"
)

// FitMode definition how source aspect is forced into target
type FitMode string

const (
	// FitPad letterbox / pillarbox
	FitPad FitMode = "pad"
	// FitCrop center crop
	FitCrop FitMode = "crop"
)

// CodecParams definition encoder params
type CodecParams struct {
	VideoCodec  string
	Preset      string
	CRF         int
	PixelFormat string
	Threads     int
}

// Watermark definition overlay image
type Watermark struct {
	Path   string
	Corner Corner
	Margin int
}

// Clip definition intro / outro cortinilla
type Clip struct {
	Path        string
	MaxDuration time.Duration
}

// TransformationSpec 轉換規格，worker 啟動時建立一次，之後不可變
type TransformationSpec struct {
	MaxDuration  time.Duration
	TargetWidth  int
	TargetHeight int
	AspectRatio  string
	FitMode      FitMode
	Codec        CodecParams
	Watermark    Watermark
	Intro        Clip
	Outro        Clip
}

// MediaInfo 定義 probe 結果
type MediaInfo struct {
	Duration time.Duration
	Width    int
	Height   int
	HasAudio bool
}
