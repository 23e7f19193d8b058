package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"video_worker/internal/worker/domain"
	"video_worker/internal/worker/repository"
	"video_worker/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	store      repository.BlobStore
	storeRoot  string
	assetsDir  string
	transcoder *fakeTranscoder
	workspaces *WorkspaceManager
	spec       domain.TransformationSpec
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	logger.SetNewNop()

	storeRoot := t.TempDir()
	store, err := repository.NewLocalBlobStore(storeRoot)
	require.NoError(t, err)
	workspaces, err := NewWorkspaceManager(t.TempDir(), time.Hour)
	require.NoError(t, err)

	assetsDir := t.TempDir()
	spec := testSpec()
	spec.Watermark.Path = filepath.Join(assetsDir, "wm.png")
	spec.Intro.Path = filepath.Join(assetsDir, "intro.mp4")
	spec.Outro.Path = filepath.Join(assetsDir, "outro.mp4")

	return &pipelineFixture{
		store:      store,
		storeRoot:  storeRoot,
		assetsDir:  assetsDir,
		transcoder: &fakeTranscoder{},
		workspaces: workspaces,
		spec:       spec,
	}
}

func (f *pipelineFixture) putSource(t *testing.T, videoID uint, m fakeMedia) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "upload.mp4")
	require.NoError(t, writeFakeMedia(src, m))
	require.NoError(t, f.store.Upload(context.Background(), src, domain.BlobKey(domain.LocationOriginal, videoID, ".mp4")))
}

func (f *pipelineFixture) withAssets(t *testing.T, intro, outro time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.spec.Watermark.Path, []byte("png"), 0644))
	if intro > 0 {
		require.NoError(t, writeFakeMedia(f.spec.Intro.Path, fakeMedia{DurationMS: intro.Milliseconds(), Width: 1920, Height: 1080}))
	}
	if outro > 0 {
		require.NoError(t, writeFakeMedia(f.spec.Outro.Path, fakeMedia{DurationMS: outro.Milliseconds(), Width: 640, Height: 480}))
	}
}

func (f *pipelineFixture) pipeline(strict bool) *Pipeline {
	return NewPipeline(f.store, f.transcoder, f.spec, FileAssetResolver{}, PipelineOptions{StrictValidation: strict})
}

func (f *pipelineFixture) run(t *testing.T, p *Pipeline, videoID uint) (Result, error) {
	t.Helper()
	var res Result
	err := f.workspaces.With(context.Background(), videoID, func(ctx context.Context, ws *Workspace) error {
		var err error
		res, err = p.Run(ctx, Run{VideoID: videoID, Workspace: ws, Abort: make(chan struct{})})
		return err
	})
	return res, err
}

func (f *pipelineFixture) processed(t *testing.T, videoID uint) fakeMedia {
	t.Helper()
	m, err := readFakeMedia(f.store.DisplayPath(domain.BlobKey(domain.LocationProcessed, videoID, ".mp4")))
	require.NoError(t, err)
	return m
}

func TestPipeline_TrimsScalesStripsAudio(t *testing.T) {
	f := newPipelineFixture(t)
	f.withAssets(t, 0, 0)
	f.putSource(t, 42, fakeMedia{DurationMS: 45000, Width: 1920, Height: 1080, Audio: true})

	res, err := f.run(t, f.pipeline(false), 42)
	require.NoError(t, err)
	assert.Equal(t, "original/42.mp4", res.OriginalKey)
	assert.Equal(t, "processed/42.mp4", res.ProcessedKey)
	assert.Empty(t, res.Warnings)

	out := f.processed(t, 42)
	assert.InDelta(t, 30*time.Second, out.duration(), float64(frameTolerance))
	assert.Equal(t, 1280, out.Width)
	assert.Equal(t, 720, out.Height)
	assert.False(t, out.Audio)
	assert.Equal(t, "top-right", out.Watermark)
	assert.Equal(t, 0, f.transcoder.concats, "no cortinillas configured on disk")
}

func TestPipeline_ResolutionIndependentOfInput(t *testing.T) {
	for _, src := range []fakeMedia{
		{DurationMS: 5000, Width: 720, Height: 1280},
		{DurationMS: 5000, Width: 640, Height: 480},
		{DurationMS: 5000, Width: 3840, Height: 1600},
	} {
		f := newPipelineFixture(t)
		f.putSource(t, 1, src)
		_, err := f.run(t, f.pipeline(true), 1)
		require.NoError(t, err)
		out := f.processed(t, 1)
		assert.Equal(t, [2]int{1280, 720}, [2]int{out.Width, out.Height})
	}
}

func TestPipeline_CortinillasBoundedDuration(t *testing.T) {
	f := newPipelineFixture(t)
	f.withAssets(t, 4*time.Second, 1*time.Second)
	f.putSource(t, 5, fakeMedia{DurationMS: 10000, Width: 1280, Height: 720})

	p := f.pipeline(true)
	assert.True(t, p.Assets().HasCortinillas())
	_, err := f.run(t, p, 5)
	require.NoError(t, err)

	out := f.processed(t, 5)
	added := out.duration() - 10*time.Second
	assert.LessOrEqual(t, added, f.spec.Intro.MaxDuration+f.spec.Outro.MaxDuration)
	assert.Equal(t, 10*time.Second+2500*time.Millisecond+time.Second, out.duration())
	assert.Equal(t, 1, f.transcoder.concats)
}

func TestPipeline_MissingSourceLeavesNoFiles(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.run(t, f.pipeline(false), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.transcoder.normalizes)

	entries, err := os.ReadDir(f.workspaces.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPipeline_ValidationPermissiveVsStrict(t *testing.T) {
	f := newPipelineFixture(t)
	f.transcoder.forceWidth = 1278
	f.putSource(t, 3, fakeMedia{DurationMS: 5000, Width: 1920, Height: 1080})

	res, err := f.run(t, f.pipeline(false), 3)
	require.NoError(t, err, "validation is warning-only by default")
	assert.Len(t, res.Warnings, 1)

	_, err = f.run(t, f.pipeline(true), 3)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, domain.IsRetryable(err, true))
}

func TestPipeline_SoftAbortBetweenSteps(t *testing.T) {
	f := newPipelineFixture(t)
	f.putSource(t, 4, fakeMedia{DurationMS: 5000, Width: 1920, Height: 1080})
	abort := make(chan struct{})
	f.transcoder.normalizeFn = func(ctx context.Context) error {
		close(abort)
		return nil
	}

	p := f.pipeline(false)
	err := f.workspaces.With(context.Background(), 4, func(ctx context.Context, ws *Workspace) error {
		_, err := p.Run(ctx, Run{VideoID: 4, Workspace: ws, Abort: abort})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrSoftTimeout)

	ok, err := f.store.Exists(context.Background(), "processed/4.mp4")
	require.NoError(t, err)
	assert.False(t, ok, "nothing published after abort")
}

func TestPipeline_RerunOverwritesSameKey(t *testing.T) {
	f := newPipelineFixture(t)
	f.putSource(t, 8, fakeMedia{DurationMS: 5000, Width: 1920, Height: 1080})
	p := f.pipeline(false)

	first, err := f.run(t, p, 8)
	require.NoError(t, err)
	second, err := f.run(t, p, 8)
	require.NoError(t, err)
	assert.Equal(t, first.ProcessedKey, second.ProcessedKey)

	entries, err := os.ReadDir(filepath.Join(f.storeRoot, "processed"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
