package media

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource() VideoSource {
	return VideoSource{
		Path:                "/videos/clip.mp4",
		Duration:            Ptr(10.0),
		FrameRate:           Ptr(30.0),
		TotalFramesEstimate: Ptr(int64(300)),
		Width:               4,
		Height:              2,
	}
}

func TestTimeRange_Validate(t *testing.T) {
	assert.NoError(t, TimeRange{Start: 0}.Validate())
	assert.NoError(t, TimeRange{Start: 2, End: Ptr(4.0)}.Validate())

	err := TimeRange{Start: 5, End: Ptr(3.0)}.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "range.end", verr.Field)

	assert.Error(t, TimeRange{Start: -1}.Validate())
	assert.Error(t, TimeRange{Start: 3, End: Ptr(3.0)}.Validate())
}

func TestTimeRange_FrameWindow(t *testing.T) {
	t.Run("end is exclusive", func(t *testing.T) {
		first, end := TimeRange{Start: 2, End: Ptr(4.0)}.FrameWindow(30)
		assert.Equal(t, int64(60), first)
		require.NotNil(t, end)
		assert.Equal(t, int64(120), *end)
	})

	t.Run("bounds between frames", func(t *testing.T) {
		// frame 60 (2.000s) is before the start; frame 120 (4.000s) is before the end
		first, end := TimeRange{Start: 2.01, End: Ptr(4.01)}.FrameWindow(30)
		assert.Equal(t, int64(61), first)
		require.NotNil(t, end)
		assert.Equal(t, int64(121), *end)
	})

	t.Run("bounds just before a frame", func(t *testing.T) {
		first, end := TimeRange{Start: 1.99, End: Ptr(3.99)}.FrameWindow(30)
		assert.Equal(t, int64(60), first)
		assert.Equal(t, int64(120), *end)
	})

	t.Run("fractional frame rate", func(t *testing.T) {
		fps := 30000.0 / 1001.0
		first, end := TimeRange{Start: 1001.0 / 30000.0 * 10, End: Ptr(1001.0 / 30000.0 * 20)}.FrameWindow(fps)
		assert.Equal(t, int64(10), first)
		assert.Equal(t, int64(20), *end)
	})

	t.Run("open range", func(t *testing.T) {
		first, end := TimeRange{Start: 1.5}.FrameWindow(24)
		assert.Equal(t, int64(36), first)
		assert.Nil(t, end)
	})
}

func TestTimeRange_Clamp(t *testing.T) {
	r := TimeRange{Start: 2, End: Ptr(40.0)}.Clamp(Ptr(10.0))
	assert.Equal(t, 2.0, r.Start)
	assert.Equal(t, 10.0, *r.End)

	unknown := TimeRange{Start: 2, End: Ptr(40.0)}.Clamp(nil)
	assert.Equal(t, 40.0, *unknown.End)

	assert.Equal(t, 2.0, TimeRange{Start: 2, End: Ptr(4.0)}.ClampTimestamp(0.5, Ptr(10.0)))
	assert.Equal(t, 4.0, TimeRange{Start: 2, End: Ptr(4.0)}.ClampTimestamp(9, Ptr(10.0)))
	assert.Equal(t, 10.0, TimeRange{}.ClampTimestamp(12, Ptr(10.0)))
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]float64{
		"12":         12,
		"12.5":       12.5,
		"1:05":       65,
		"01:02:03.5": 3723.5,
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in)
		require.NoError(t, err, in)
		assert.InDelta(t, want, *got, 1e-9, in)
	}

	empty, err := ParseTimestamp("  ")
	assert.NoError(t, err)
	assert.Nil(t, empty)

	_, err = ParseTimestamp("1:2:3:4")
	assert.Error(t, err)
	_, err = ParseTimestamp("abc")
	assert.Error(t, err)
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "0:05", FormatSeconds(5))
	assert.Equal(t, "2:03", FormatSeconds(123))
	assert.Equal(t, "1:00:01", FormatSeconds(3601))
}

func TestNamingPolicy(t *testing.T) {
	n := NamingPolicy{Prefix: "frame_"}.Resolve(testSource())
	assert.Equal(t, 3, n.Pad)
	assert.Equal(t, "frame_060.png", n.FileName(60, "png"))

	unknown := NamingPolicy{Prefix: "f"}.Resolve(VideoSource{})
	assert.Equal(t, DefaultPad, unknown.Pad)

	fixed := NamingPolicy{Prefix: "f", Pad: 5}.Resolve(testSource())
	assert.Equal(t, "f00007.jpg", fixed.FileName(7, "jpg"))

	assert.Error(t, NamingPolicy{Prefix: "../x"}.Validate())
}

func TestExtractionRequest_Normalize(t *testing.T) {
	req := ExtractionRequest{
		Source:    testSource(),
		Range:     TimeRange{Start: 2, End: Ptr(40.0)},
		OutputDir: "/out",
		Naming:    NamingPolicy{Prefix: "frame_"},
		Format:    ImageFormat{Kind: PNG},
	}
	got, err := req.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 10.0, *got.Range.End)
	assert.Equal(t, 3, got.Naming.Pad)
	assert.Equal(t, "/out/clip_frames", got.FramesDir())

	req.Range = TimeRange{Start: 12}
	_, err = req.Normalize()
	assert.Error(t, err)

	req.Range = TimeRange{Start: 5, End: Ptr(3.0)}
	_, err = req.Normalize()
	assert.Error(t, err)

	req.Range = TimeRange{}
	req.Format = ImageFormat{Kind: JPEG}
	_, err = req.Normalize()
	assert.Error(t, err, "jpeg without quality")
}

func TestDecodePath_Fallback(t *testing.T) {
	hw := HardwarePath("cuda")
	assert.Equal(t, "Hardware (cuda)", hw.Label)

	sw, ok := hw.Fallback("init failed")
	require.True(t, ok)
	assert.Equal(t, Software, sw.Kind)
	assert.True(t, sw.FellBack)
	assert.Equal(t, "Software (fallback from cuda)", sw.Label)

	_, ok = sw.Fallback("again")
	assert.False(t, ok)
}

func TestClassifyWriteErr(t *testing.T) {
	assert.Equal(t, WritePermissionDenied, ClassifyWriteErr(fmt.Errorf("open: %w", os.ErrPermission)))
	assert.Equal(t, WriteDiskFull, ClassifyWriteErr(&os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}))
	assert.Equal(t, WriteInvalidPath, ClassifyWriteErr(&os.PathError{Op: "open", Path: "x", Err: syscall.ENOTDIR}))
	assert.Equal(t, WriteIO, ClassifyWriteErr(errors.New("boom")))
}

func TestProgress_ETA(t *testing.T) {
	p := Progress{FramesWritten: 30, FramesTotal: Ptr(int64(90)), Elapsed: time.Second}
	assert.InDelta(t, 30.0, p.Rate(), 1e-9)
	eta, ok := p.ETA()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, eta)

	_, ok = Progress{FramesWritten: 3, Elapsed: time.Second}.ETA()
	assert.False(t, ok)
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("0:02", "")
	require.NoError(t, err)
	assert.Equal(t, 2.0, r.Start)
	assert.Nil(t, r.End)

	r, err = ParseRange("", "1:00:00")
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Start)
	assert.Equal(t, 3600.0, *r.End)

	_, err = ParseRange("x", "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "range.start", verr.Field)
}
