// Package preview decodes single frames for scrubbing through a video while
// no extraction is running.
package preview

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"frame2img/media"

	"go.uber.org/zap"
)

var (
	ErrSuspended = errors.New("preview is suspended while an extraction runs")
	ErrNoSource  = errors.New("no video loaded")
	ErrClosed    = errors.New("preview worker closed")
)

type EventKind string

const (
	EventFrame EventKind = "frame"
	EventError EventKind = "error"
)

// Frame is a decoded preview image and the timestamp it was requested at.
type Frame struct {
	Seq       uint64
	Timestamp float64
	Image     image.Image
}

// Event answers the most recent seek. An error event carries the last good
// frame, if any, so a client never has to show an empty preview.
type Event struct {
	Kind   EventKind
	Frame  Frame
	Err    error
	Decode media.DecodePath
}

type Options struct {
	// Timeout bounds a single seek's decode.
	Timeout time.Duration
	Log     *zap.Logger
}

type Worker struct {
	dec     media.Decoder
	log     *zap.Logger
	timeout time.Duration

	mu        sync.Mutex
	src       *media.VideoSource
	rng       media.TimeRange
	path      media.DecodePath
	seq       uint64
	cancel    context.CancelFunc
	suspended bool
	closed    bool
	last      *Frame

	events chan Event
	wg     sync.WaitGroup
}

func New(dec media.Decoder, path media.DecodePath, opts Options) *Worker {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		dec:     dec,
		log:     log,
		timeout: opts.Timeout,
		path:    path,
		events:  make(chan Event, 4),
	}
}

// Events delivers seek results. When the consumer falls behind the oldest
// undelivered result is replaced.
func (w *Worker) Events() <-chan Event { return w.events }

// SetSource switches to a new video and forgets the previous last good frame.
func (w *Worker) SetSource(src media.VideoSource, r media.TimeRange) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.supersede()
	w.src = &src
	w.rng = r
	w.last = nil
}

// SetRange changes the window seeks are clamped to.
func (w *Worker) SetRange(r media.TimeRange) {
	w.mu.Lock()
	w.rng = r
	w.mu.Unlock()
}

// SetDecodePath replaces the decode path unless the worker already fell back
// to software.
func (w *Worker) SetDecodePath(p media.DecodePath) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.path.FellBack {
		w.path = p
	}
}

func (w *Worker) DecodePath() media.DecodePath {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Seek requests the frame at ts and returns immediately with the clamped
// timestamp. Any seek still in flight is abandoned.
func (w *Worker) Seek(ts float64) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.closed:
		return 0, ErrClosed
	case w.suspended:
		return 0, ErrSuspended
	case w.src == nil:
		return 0, ErrNoSource
	}

	ts = w.clamp(ts)
	w.supersede()
	seq := w.seq
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	w.cancel = cancel
	src := *w.src
	path := w.path

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		w.decode(ctx, seq, src, path, ts)
	}()
	return ts, nil
}

// clamp pins ts into the active range and onto the last decodable frame.
func (w *Worker) clamp(ts float64) float64 {
	ts = w.rng.ClampTimestamp(ts, w.src.Duration)
	limit := -1.0
	if w.src.Duration != nil {
		limit = *w.src.Duration
	}
	if w.rng.End != nil && (limit < 0 || *w.rng.End < limit) {
		limit = *w.rng.End
	}
	if limit >= 0 && w.src.FrameRate != nil {
		lastFrame := limit - 1/(*w.src.FrameRate)
		if ts > lastFrame {
			ts = max(lastFrame, w.rng.Start, 0)
		}
	}
	return ts
}

// supersede invalidates the current seek. Callers hold mu.
func (w *Worker) supersede() {
	w.seq++
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *Worker) decode(ctx context.Context, seq uint64, src media.VideoSource, path media.DecodePath, ts float64) {
	img, err := w.grab(ctx, src, path, ts)
	if err != nil && path.IsHardware() && ctx.Err() == nil {
		next, _ := path.Fallback(err.Error())
		w.mu.Lock()
		if w.path.IsHardware() {
			w.path = next
			w.log.Warn("hardware preview decode failed, continuing in software",
				zap.String("event", "decode_fallback"),
				zap.String("reason", err.Error()),
				zap.String("decode_path", next.Label))
		}
		path = w.path
		w.mu.Unlock()
		img, err = w.grab(ctx, src, path, ts)
	}
	w.deliver(seq, ts, img, err, path)
}

func (w *Worker) grab(ctx context.Context, src media.VideoSource, path media.DecodePath, ts float64) (image.Image, error) {
	stream, err := w.dec.Open(ctx, media.DecodeParams{
		Path:      src.Path,
		Start:     ts,
		Width:     src.Width,
		Height:    src.Height,
		Decode:    path,
		MaxFrames: 1,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	img, err := stream.Next()
	if err == io.EOF {
		return nil, &media.DecodeError{Reason: media.DecodeStreamCorrupt, Path: src.Path, Frame: -1, Err: errors.New("no frame at timestamp")}
	}
	return img, err
}

func (w *Worker) deliver(seq uint64, ts float64, img image.Image, err error, path media.DecodePath) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || seq != w.seq {
		return
	}
	w.cancel = nil

	if err != nil {
		w.log.Info("preview decode failed", zap.Float64("timestamp", ts), zap.Error(err))
		ev := Event{Kind: EventError, Err: err, Decode: path}
		if w.last != nil {
			ev.Frame = *w.last
		}
		w.publish(ev)
		return
	}
	f := Frame{Seq: seq, Timestamp: ts, Image: img}
	w.last = &f
	w.publish(Event{Kind: EventFrame, Frame: f, Decode: path})
}

// publish never blocks. Callers hold mu.
func (w *Worker) publish(ev Event) {
	for {
		select {
		case w.events <- ev:
			return
		default:
		}
		select {
		case <-w.events:
		default:
		}
	}
}

// LastGood returns the most recent successfully decoded frame.
func (w *Worker) LastGood() (Frame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return Frame{}, false
	}
	return *w.last, true
}

// Suspend abandons the seek in flight and rejects new ones until Resume.
func (w *Worker) Suspend() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.suspended = true
	w.supersede()
}

func (w *Worker) Resume() {
	w.mu.Lock()
	w.suspended = false
	w.mu.Unlock()
}

// Close stops the worker and closes Events.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.supersede()
	w.mu.Unlock()

	w.wg.Wait()
	close(w.events)
}
