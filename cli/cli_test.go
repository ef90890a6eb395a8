package cli

import (
	"bytes"
	"testing"
	"time"

	"frame2img/media"
	"frame2img/task"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	return cmd, &out
}

func TestPrintSource(t *testing.T) {
	t.Run("estimate", func(t *testing.T) {
		cmd, out := testCmd()
		printSource(cmd, media.VideoSource{
			Path:                "clip.mp4",
			Duration:            media.Ptr(125.0),
			FrameRate:           media.Ptr(30.0),
			TotalFramesEstimate: media.Ptr(int64(3750)),
			Width:               1920,
			Height:              1080,
			Codec:               "h264",
		})
		assert.Contains(t, out.String(), "Duration:  2:05")
		assert.Contains(t, out.String(), "~3750 (estimate)")
		assert.Contains(t, out.String(), "1920x1080")
		assert.Contains(t, out.String(), "h264")
	})

	t.Run("exact and unknown", func(t *testing.T) {
		cmd, out := testCmd()
		printSource(cmd, media.VideoSource{Path: "clip.mp4", ExactTotalFrames: media.Ptr(int64(10))})
		assert.Contains(t, out.String(), "Duration:  unknown")
		assert.Contains(t, out.String(), "FPS:       unknown")
		assert.Contains(t, out.String(), "10 (exact)")
	})
}

func TestPrintSummary(t *testing.T) {
	cmd, out := testCmd()
	printSummary(cmd, task.Run{
		ID:        "abc_1",
		Status:    task.StatusCanceled,
		FramesDir: "/out/clip_frames",
		Decode:    media.SoftwarePath(),
		Progress:  media.Progress{FramesWritten: 12, FramesSkipped: 2, Elapsed: 2 * time.Second},
	})
	assert.Contains(t, out.String(), "Status:    canceled")
	assert.Contains(t, out.String(), "10 written, 2 skipped")
	assert.Contains(t, out.String(), "6.0 frames/s")
}

func TestExtractRejectsBadRange(t *testing.T) {
	cmd := newExtractCmd()
	cmd.Flags().String("log-level", "", "")
	cmd.SetArgs([]string{"clip.mp4", "--start", "abc"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	err := cmd.Execute()
	var verr *media.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "range.start", verr.Field)
}

func TestSetupRejectsUnknownHWAccel(t *testing.T) {
	cmd := newExtractCmd()
	cmd.Flags().String("log-level", "", "")
	cmd.SetArgs([]string{"clip.mp4", "--hwaccel", "vulkan"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	assert.ErrorContains(t, cmd.Execute(), "invalid hwaccel mode")
}
