//go:build integration

package extract

import (
	"context"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"frame2img/ffmpeg"
	"frame2img/media"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// makeFixture renders a 4 second 64x48 test pattern at 30 fps.
func makeFixture(t *testing.T) string {
	t.Helper()
	in := filepath.Join(t.TempDir(), "pattern.mp4")
	ff := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", "testsrc=s=64x48:r=30:d=4",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		in,
	)
	if b, err := ff.CombinedOutput(); err != nil {
		t.Fatalf("ffmpeg fixture failed: %v\n%s", err, string(b))
	}
	return in
}

func TestIntegration_ProbeAndExtract(t *testing.T) {
	in := makeFixture(t)
	log := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	src, err := ffmpeg.NewProber("ffprobe", "ffmpeg", log).Probe(ctx, in, true)
	require.NoError(t, err)
	require.NotNil(t, src.FrameRate)
	assert.InDelta(t, 30.0, *src.FrameRate, 1e-6)
	require.NotNil(t, src.ExactTotalFrames)
	assert.Equal(t, int64(120), *src.ExactTotalFrames)
	assert.Equal(t, 64, src.Width)
	assert.Equal(t, 48, src.Height)

	req, err := media.ExtractionRequest{
		Source:    src,
		Range:     media.TimeRange{Start: 2, End: media.Ptr(3.0)},
		OutputDir: t.TempDir(),
		Naming:    media.NamingPolicy{Prefix: media.DefaultPrefix},
		Format:    media.ImageFormat{Kind: media.PNG},
	}.Normalize()
	require.NoError(t, err)

	dec := ffmpeg.NewDecoder("ffmpeg", nil, time.Second, log)
	w := New(req, dec, Options{Log: log})
	require.NoError(t, w.Start(ctx))

	var last Event
	for ev := range w.Events() {
		last = ev
	}
	require.True(t, last.Terminal())
	require.Equal(t, EventFinished, last.Kind, "outcome error: %v", last.Outcome.Err)
	assert.Equal(t, int64(30), last.Progress.FramesWritten)

	names := listFrames(t, req.FramesDir())
	require.Len(t, names, 30)
	assert.Equal(t, "frame_060.png", names[0])
	assert.Equal(t, "frame_089.png", names[29])

	f, err := os.Open(filepath.Join(req.FramesDir(), names[0]))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())
}

func TestIntegration_CancelStopsDecoder(t *testing.T) {
	in := makeFixture(t)
	log := zap.NewNop()
	ctx := context.Background()

	src, err := ffmpeg.NewProber("ffprobe", "ffmpeg", log).Probe(ctx, in, false)
	require.NoError(t, err)
	req, err := media.ExtractionRequest{
		Source:    src,
		OutputDir: t.TempDir(),
		Naming:    media.NamingPolicy{Prefix: media.DefaultPrefix},
		Format:    media.ImageFormat{Kind: media.PNG},
	}.Normalize()
	require.NoError(t, err)

	w := New(req, ffmpeg.NewDecoder("ffmpeg", nil, time.Second, log), Options{Log: log})
	require.NoError(t, w.Start(ctx))
	for ev := range w.Events() {
		if ev.Kind == EventStarted {
			require.NoError(t, w.RequestCancel())
		}
	}

	select {
	case <-w.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	out := w.Outcome()
	assert.Equal(t, media.StateFinished, out.State)
	assert.True(t, out.Canceled || out.Success)
}
