package extract

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"frame2img/media"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDecoder serves synthetic frames of a source with total frames. Pixel
// (0,0) of every frame carries its stream index modulo 256.
type fakeDecoder struct {
	total int64
	fps   float64

	openFunc    func(p media.DecodeParams) error
	failHWAfter int
	gate        chan struct{}
	onEOF       func()
	// onEncode runs while the writer encodes the frame with that index.
	onEncode func(idx int64)
	// unbounded streams ignore MaxFrames and run to the end of the source.
	unbounded bool

	mu    sync.Mutex
	opens []media.DecodeParams
}

func newFakeDecoder(total int64, fps float64) *fakeDecoder {
	return &fakeDecoder{total: total, fps: fps, failHWAfter: -1}
}

func (d *fakeDecoder) Open(ctx context.Context, p media.DecodeParams) (media.FrameStream, error) {
	d.mu.Lock()
	d.opens = append(d.opens, p)
	d.mu.Unlock()
	if d.openFunc != nil {
		if err := d.openFunc(p); err != nil {
			return nil, err
		}
	}
	start := int64(math.Ceil(p.Start*d.fps - 1e-9))
	stop := d.total
	if !d.unbounded && p.MaxFrames > 0 && start+int64(p.MaxFrames) < stop {
		stop = start + int64(p.MaxFrames)
	}
	return &fakeStream{d: d, p: p, next: start, stop: stop}, nil
}

func (d *fakeDecoder) Opens() []media.DecodeParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]media.DecodeParams(nil), d.opens...)
}

type fakeStream struct {
	d          *fakeDecoder
	p          media.DecodeParams
	next, stop int64
	served     int
}

// hookImage calls fn once when an encoder first asks for its bounds.
type hookImage struct {
	image.Image
	once sync.Once
	fn   func()
}

func (h *hookImage) Bounds() image.Rectangle {
	h.once.Do(h.fn)
	return h.Image.Bounds()
}

func (s *fakeStream) Next() (image.Image, error) {
	if s.d.gate != nil && s.served == 0 {
		<-s.d.gate
	}
	if s.next >= s.stop {
		if s.d.onEOF != nil {
			s.d.onEOF()
		}
		return nil, io.EOF
	}
	if s.p.Decode.IsHardware() && s.d.failHWAfter >= 0 && s.served >= s.d.failHWAfter {
		return nil, &media.DecodeError{Reason: media.DecodeHardwareUnavailable, Path: s.p.Path, Frame: -1, Err: errors.New("cuda device lost")}
	}
	img := image.NewNRGBA(image.Rect(0, 0, s.p.Width, s.p.Height))
	img.Set(0, 0, color.NRGBA{R: uint8(s.next), A: 255})
	idx := s.next
	s.next++
	s.served++
	if s.d.onEncode != nil {
		return &hookImage{Image: img, fn: func() { s.d.onEncode(idx) }}, nil
	}
	return img, nil
}

func (s *fakeStream) Close() error { return nil }

func testRequest(t *testing.T, r media.TimeRange) media.ExtractionRequest {
	t.Helper()
	req := media.ExtractionRequest{
		Source: media.VideoSource{
			Path:                "/videos/clip.mp4",
			Duration:            media.Ptr(10.0),
			FrameRate:           media.Ptr(30.0),
			TotalFramesEstimate: media.Ptr(int64(300)),
			Width:               4,
			Height:              2,
		},
		Range:     r,
		OutputDir: t.TempDir(),
		Naming:    media.NamingPolicy{Prefix: "frame_"},
		Format:    media.ImageFormat{Kind: media.PNG, Compression: media.PNGFast},
	}
	req, err := req.Normalize()
	require.NoError(t, err)
	return req
}

// collect drains the worker's events until the channel is closed.
func collect(t *testing.T, w *Worker) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("worker did not finish")
			return nil
		}
	}
}

func listFrames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func terminal(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Terminal(), "last event must be terminal, got %s", last.Kind)
	for _, ev := range events[:len(events)-1] {
		require.False(t, ev.Terminal(), "terminal event before the end")
	}
	return last
}

func TestWorker_ExtractsRange(t *testing.T) {
	req := testRequest(t, media.TimeRange{Start: 2, End: media.Ptr(4.0)})
	dec := newFakeDecoder(300, 30)
	w := New(req, dec, Options{})

	require.NoError(t, w.Start(context.Background()))
	last := terminal(t, collect(t, w))

	assert.Equal(t, EventFinished, last.Kind)
	assert.True(t, last.Outcome.Success)
	assert.False(t, last.Outcome.Canceled)
	assert.Equal(t, int64(60), last.Progress.FramesWritten)
	require.NotNil(t, last.Progress.FramesTotal)
	assert.Equal(t, int64(60), *last.Progress.FramesTotal)
	assert.Equal(t, media.StateFinished, w.State())

	names := listFrames(t, req.FramesDir())
	require.Len(t, names, 60)
	assert.Equal(t, "frame_060.png", names[0])
	assert.Equal(t, "frame_119.png", names[59])

	opens := dec.Opens()
	require.Len(t, opens, 1)
	assert.Equal(t, 60, opens[0].MaxFrames)
	assert.InDelta(t, 59.5/30, opens[0].Start, 1e-9)
}

func TestWorker_FramePixelsMatchIndex(t *testing.T) {
	req := testRequest(t, media.TimeRange{Start: 1, End: media.Ptr(1.2)})
	w := New(req, newFakeDecoder(300, 30), Options{})
	require.NoError(t, w.Start(context.Background()))
	terminal(t, collect(t, w))

	f, err := os.Open(filepath.Join(req.FramesDir(), "frame_031.png"))
	require.NoError(t, err)
	defer f.Close()
	img, _, err := image.Decode(f)
	require.NoError(t, err)
	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(31), r>>8)
}

func TestWorker_ProgressIsMonotonic(t *testing.T) {
	req := testRequest(t, media.TimeRange{})
	w := New(req, newFakeDecoder(300, 30), Options{ProgressEvery: 7})
	require.NoError(t, w.Start(context.Background()))
	events := collect(t, w)
	last := terminal(t, events)

	var prev int64 = -1
	progressSeen := 0
	for _, ev := range events {
		if ev.Kind != EventProgress {
			continue
		}
		progressSeen++
		assert.GreaterOrEqual(t, ev.Progress.FramesWritten, prev)
		prev = ev.Progress.FramesWritten
	}
	assert.Greater(t, progressSeen, 1)
	assert.Equal(t, int64(300), prev, "final progress carries the true count")
	assert.Equal(t, int64(300), last.Progress.FramesWritten)
	assert.Equal(t, EventStarted, events[0].Kind)
}

func TestWorker_SkipExisting(t *testing.T) {
	req := testRequest(t, media.TimeRange{Start: 2, End: media.Ptr(4.0)})
	w := New(req, newFakeDecoder(300, 30), Options{})
	require.NoError(t, w.Start(context.Background()))
	terminal(t, collect(t, w))

	marker := filepath.Join(req.FramesDir(), "frame_075.png")
	require.NoError(t, os.WriteFile(marker, []byte("kept"), 0o644))

	req.Naming.SkipExisting = true
	again := New(req, newFakeDecoder(300, 30), Options{})
	require.NoError(t, again.Start(context.Background()))
	last := terminal(t, collect(t, again))

	assert.True(t, last.Outcome.Success)
	assert.Equal(t, int64(60), last.Progress.FramesWritten)
	assert.Equal(t, int64(60), last.Progress.FramesSkipped)
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))
	assert.Len(t, listFrames(t, req.FramesDir()), 60)
}

func TestWorker_CancelBeforeFirstFrame(t *testing.T) {
	req := testRequest(t, media.TimeRange{})
	dec := newFakeDecoder(300, 30)
	dec.gate = make(chan struct{})
	w := New(req, dec, Options{})

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.RequestCancel())
	require.NoError(t, w.RequestCancel(), "repeated cancel is a no-op")
	close(dec.gate)

	last := terminal(t, collect(t, w))
	assert.Equal(t, EventFinished, last.Kind)
	assert.True(t, last.Outcome.Canceled)
	assert.False(t, last.Outcome.Success)
	assert.Equal(t, int64(0), last.Progress.FramesWritten)
	assert.Empty(t, listFrames(t, req.FramesDir()))
	assert.ErrorIs(t, w.RequestCancel(), ErrNotRunning)
}

func TestWorker_CompletionWinsOverLateCancel(t *testing.T) {
	req := testRequest(t, media.TimeRange{Start: 9})
	dec := newFakeDecoder(300, 30)
	w := New(req, dec, Options{})
	dec.onEOF = func() { _ = w.RequestCancel() }

	require.NoError(t, w.Start(context.Background()))
	last := terminal(t, collect(t, w))

	assert.True(t, last.Outcome.Success)
	assert.False(t, last.Outcome.Canceled)
	assert.Equal(t, int64(30), last.Progress.FramesWritten)
}

func TestWorker_CompletionWinsAtKnownEnd(t *testing.T) {
	req := testRequest(t, media.TimeRange{Start: 2, End: media.Ptr(4.0)})
	dec := newFakeDecoder(300, 30)
	// More frames are available past the range, so only the range end can
	// finish the run.
	dec.unbounded = true
	w := New(req, dec, Options{})
	dec.onEncode = func(idx int64) {
		if idx == 119 {
			assert.NoError(t, w.RequestCancel())
		}
	}

	require.NoError(t, w.Start(context.Background()))
	last := terminal(t, collect(t, w))

	assert.Equal(t, EventFinished, last.Kind)
	assert.True(t, last.Outcome.Success)
	assert.False(t, last.Outcome.Canceled)
	assert.Equal(t, int64(60), last.Progress.FramesWritten)

	names := listFrames(t, req.FramesDir())
	require.Len(t, names, 60)
	assert.Equal(t, "frame_119.png", names[59])
}

func TestWorker_CancelMidRun(t *testing.T) {
	req := testRequest(t, media.TimeRange{Start: 2, End: media.Ptr(4.0)})
	dec := newFakeDecoder(300, 30)
	w := New(req, dec, Options{})
	dec.onEncode = func(idx int64) {
		if idx == 80 {
			assert.NoError(t, w.RequestCancel())
		}
	}

	require.NoError(t, w.Start(context.Background()))
	last := terminal(t, collect(t, w))

	assert.Equal(t, EventFinished, last.Kind)
	assert.True(t, last.Outcome.Canceled)
	assert.False(t, last.Outcome.Success)

	written := last.Progress.FramesWritten
	assert.Greater(t, written, int64(0))
	assert.Less(t, written, int64(60))
	// the frame being encoded when the cancel arrived is completed
	assert.Equal(t, int64(21), written)

	names := listFrames(t, req.FramesDir())
	require.Len(t, names, int(written))
	assert.Equal(t, "frame_080.png", names[len(names)-1])
}

func TestWorker_ContextCancel(t *testing.T) {
	req := testRequest(t, media.TimeRange{})
	dec := newFakeDecoder(300, 30)
	dec.gate = make(chan struct{})
	w := New(req, dec, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()
	close(dec.gate)

	last := terminal(t, collect(t, w))
	assert.True(t, last.Outcome.Canceled)
}

func TestWorker_HardwareFallbackOnOpen(t *testing.T) {
	req := testRequest(t, media.TimeRange{Start: 2, End: media.Ptr(4.0)})
	hw := media.HardwarePath("cuda")
	req.Decode = &hw
	dec := newFakeDecoder(300, 30)
	dec.openFunc = func(p media.DecodeParams) error {
		if p.Decode.IsHardware() {
			return &media.DecodeError{Reason: media.DecodeHardwareUnavailable, Path: p.Path, Frame: -1, Err: errors.New("no CUDA-capable device")}
		}
		return nil
	}
	w := New(req, dec, Options{})

	require.NoError(t, w.Start(context.Background()))
	events := collect(t, w)
	last := terminal(t, events)

	assert.True(t, last.Outcome.Success)
	assert.Equal(t, "Software (fallback from cuda)", last.Decode.Label)
	assert.Equal(t, "Software (fallback from cuda)", w.DecodePath().Label)
	assert.Len(t, listFrames(t, req.FramesDir()), 60)

	changed := 0
	for _, ev := range events {
		if ev.Kind == EventDecodePathChanged {
			changed++
			assert.True(t, ev.Decode.FellBack)
		}
	}
	assert.Equal(t, 1, changed)
}

func TestWorker_HardwareFallbackMidStream(t *testing.T) {
	req := testRequest(t, media.TimeRange{Start: 2, End: media.Ptr(4.0)})
	hw := media.HardwarePath("cuda")
	req.Decode = &hw
	dec := newFakeDecoder(300, 30)
	dec.failHWAfter = 5
	w := New(req, dec, Options{})

	require.NoError(t, w.Start(context.Background()))
	last := terminal(t, collect(t, w))

	assert.True(t, last.Outcome.Success)
	assert.Equal(t, int64(60), last.Progress.FramesWritten)
	names := listFrames(t, req.FramesDir())
	require.Len(t, names, 60)
	assert.Equal(t, "frame_060.png", names[0])
	assert.Equal(t, "frame_119.png", names[59])

	opens := dec.Opens()
	require.Len(t, opens, 2)
	assert.True(t, opens[0].Decode.IsHardware())
	assert.False(t, opens[1].Decode.IsHardware())
	assert.Equal(t, 55, opens[1].MaxFrames, "software resumes at the next undecoded frame")
}

func TestWorker_SoftwareDecodeFailure(t *testing.T) {
	req := testRequest(t, media.TimeRange{})
	dec := newFakeDecoder(300, 30)
	dec.openFunc = func(p media.DecodeParams) error {
		return &media.DecodeError{Reason: media.DecodeStreamCorrupt, Path: p.Path, Frame: -1, Err: errors.New("invalid data")}
	}
	w := New(req, dec, Options{})

	require.NoError(t, w.Start(context.Background()))
	last := terminal(t, collect(t, w))

	assert.Equal(t, EventFailed, last.Kind)
	var de *media.DecodeError
	require.ErrorAs(t, last.Outcome.Err, &de)
	assert.Equal(t, media.DecodeStreamCorrupt, de.Reason)
	assert.Equal(t, media.StateFailed, w.State())
}

func TestWorker_WriteErrorFailsRun(t *testing.T) {
	req := testRequest(t, media.TimeRange{})
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	req.OutputDir = blocker

	w := New(req, newFakeDecoder(300, 30), Options{})
	require.NoError(t, w.Start(context.Background()))
	last := terminal(t, collect(t, w))

	assert.Equal(t, EventFailed, last.Kind)
	var we *media.WriteError
	require.ErrorAs(t, last.Outcome.Err, &we)
	assert.Equal(t, media.WriteInvalidPath, we.Reason)
}

func TestWorker_PreflightFailure(t *testing.T) {
	req := testRequest(t, media.TimeRange{})
	full := &media.WriteError{Reason: media.WriteDiskFull, Path: req.FramesDir(), Frame: -1, Err: errors.New("not enough free disk space")}
	w := New(req, newFakeDecoder(300, 30), Options{Preflight: func(string) error { return full }})

	require.NoError(t, w.Start(context.Background()))
	last := terminal(t, collect(t, w))

	assert.Equal(t, EventFailed, last.Kind)
	assert.ErrorIs(t, last.Outcome.Err, full)
	_, err := os.Stat(req.FramesDir())
	assert.True(t, os.IsNotExist(err))
}

func TestWorker_JPEG(t *testing.T) {
	req := testRequest(t, media.TimeRange{Start: 0, End: media.Ptr(0.1)})
	req.Format = media.ImageFormat{Kind: media.JPEG, Quality: 80}
	w := New(req, newFakeDecoder(300, 30), Options{})
	require.NoError(t, w.Start(context.Background()))
	terminal(t, collect(t, w))

	names := listFrames(t, req.FramesDir())
	require.Equal(t, []string{"frame_000.jpg", "frame_001.jpg", "frame_002.jpg"}, names)
	f, err := os.Open(filepath.Join(req.FramesDir(), names[0]))
	require.NoError(t, err)
	defer f.Close()
	_, err = jpeg.Decode(f)
	assert.NoError(t, err)
}

func TestWorker_Protocol(t *testing.T) {
	req := testRequest(t, media.TimeRange{Start: 0, End: media.Ptr(0.1)})
	w := New(req, newFakeDecoder(300, 30), Options{})

	assert.Equal(t, media.StateIdle, w.State())
	assert.ErrorIs(t, w.RequestCancel(), ErrNotRunning)

	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrNotIdle)
	terminal(t, collect(t, w))
	<-w.Done()

	assert.True(t, w.Outcome().Success)
	assert.ErrorIs(t, w.Start(context.Background()), ErrNotIdle)
	assert.ErrorIs(t, w.RequestCancel(), ErrNotRunning)
}
