// Package extract runs one frame extraction: decode a time range of a video
// and write every frame of it as an image file.
package extract

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"frame2img/media"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	ErrNotIdle    = errors.New("extraction worker is not idle")
	ErrNotRunning = errors.New("extraction worker is not running")
)

type EventKind string

const (
	EventStarted           EventKind = "started"
	EventProgress          EventKind = "progress"
	EventDecodePathChanged EventKind = "decode_path_changed"
	EventFinished          EventKind = "finished"
	EventFailed            EventKind = "failed"
)

// Event is a notification from a running worker. Progress is set on every
// event; Decode on Started and DecodePathChanged; Outcome on terminal events.
type Event struct {
	Kind     EventKind
	Progress media.Progress
	Decode   media.DecodePath
	Outcome  media.Outcome
}

func (e Event) Terminal() bool { return e.Kind == EventFinished || e.Kind == EventFailed }

type Options struct {
	// ProgressEvery emits progress after every n frames.
	ProgressEvery int
	// ProgressInterval emits progress when this much time passed since the
	// last emission, regardless of ProgressEvery.
	ProgressInterval time.Duration
	// Preflight runs before the frames directory is created. A non-nil
	// error fails the run.
	Preflight func(dir string) error
	Log       *zap.Logger
}

const eventBuffer = 64

// Worker extracts the frames of one request. It is single use: once it
// reached a terminal state a new Worker is needed.
type Worker struct {
	req  media.ExtractionRequest
	dec  media.Decoder
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	state   media.State
	path    media.DecodePath
	outcome media.Outcome

	cancel atomic.Bool
	events chan Event
	done   chan struct{}
}

// New creates an idle worker. req must be normalized.
func New(req media.ExtractionRequest, dec media.Decoder, opts Options) *Worker {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 10
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	path := media.SoftwarePath()
	if req.Decode != nil {
		path = *req.Decode
	}
	return &Worker{
		req:    req,
		dec:    dec,
		opts:   opts,
		log:    log,
		state:  media.StateIdle,
		path:   path,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Events is closed after the terminal event. It must be drained.
func (w *Worker) Events() <-chan Event { return w.events }

// Done is closed once the worker reached a terminal state.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) State() media.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Outcome is valid after Done is closed.
func (w *Worker) Outcome() media.Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

// DecodePath is the path currently in use.
func (w *Worker) DecodePath() media.DecodePath {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Start begins the run on its own goroutine. Canceling ctx aborts the
// decoder and finishes the run as canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != media.StateIdle {
		w.mu.Unlock()
		return ErrNotIdle
	}
	w.state = media.StateRunning
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// RequestCancel asks the worker to stop before writing its next frame. It
// never blocks. Repeated requests are no-ops.
func (w *Worker) RequestCancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case media.StateRunning:
		w.state = media.StateCancelRequested
		w.cancel.Store(true)
		w.log.Info("cancel requested")
		return nil
	case media.StateCancelRequested:
		return nil
	}
	return ErrNotRunning
}

func (w *Worker) run(ctx context.Context) {
	ctx, span := otel.Tracer("extract").Start(ctx, "Worker.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.path", w.req.Source.Path),
		attribute.String("frames.dir", w.req.FramesDir()),
	)

	started := time.Now()
	w.send(Event{Kind: EventStarted, Decode: w.DecodePath()})
	outcome, prog := w.extract(ctx, started)
	prog.Elapsed = time.Since(started)

	span.SetAttributes(
		attribute.Int64("frames.written", prog.FramesWritten),
		attribute.Int64("frames.skipped", prog.FramesSkipped),
		attribute.String("decode.path", w.DecodePath().Label),
	)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	}

	w.mu.Lock()
	w.state = outcome.State
	w.outcome = outcome
	w.mu.Unlock()

	fields := []zap.Field{
		zap.Int64("frames_written", prog.FramesWritten),
		zap.Int64("frames_skipped", prog.FramesSkipped),
		zap.Duration("elapsed", prog.Elapsed),
		zap.String("decode_path", w.DecodePath().Label),
	}
	switch {
	case outcome.Err != nil:
		w.log.Error("extraction failed", append(fields, zap.Error(outcome.Err))...)
	case outcome.Canceled:
		w.log.Info("extraction canceled", fields...)
	default:
		w.log.Info("extraction finished", fields...)
	}

	w.send(Event{Kind: EventProgress, Progress: prog})
	kind := EventFinished
	if outcome.State == media.StateFailed {
		kind = EventFailed
	}
	w.send(Event{Kind: kind, Progress: prog, Decode: w.DecodePath(), Outcome: outcome})
	close(w.events)
	close(w.done)
}

func (w *Worker) extract(ctx context.Context, started time.Time) (media.Outcome, media.Progress) {
	req := w.req
	fps := *req.Source.FrameRate
	first, end := req.Range.FrameWindow(fps)

	var prog media.Progress
	if end != nil {
		prog.FramesTotal = media.Ptr(*end - first)
	} else if total, ok := req.Source.TotalFrames(); ok {
		prog.FramesTotal = media.Ptr(max(total-first, 0))
	}

	dir := req.FramesDir()
	if w.opts.Preflight != nil {
		if err := w.opts.Preflight(dir); err != nil {
			return media.Failed(err), prog
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return media.Failed(media.NewWriteError(dir, -1, err)), prog
	}
	fw := newFrameWriter(dir, req.Naming, req.Format)

	var decoded int64
	stream, err := w.open(ctx, first, end)
	if err != nil {
		if stream, err = w.fallback(ctx, err, first, end); err != nil {
			return w.decodeFailure(ctx, err), prog
		}
	}
	defer func() { stream.Close() }()

	lastEmit := time.Now()
	for {
		if end != nil && first+decoded >= *end {
			return media.Completed(), prog
		}
		img, err := stream.Next()
		if err == io.EOF {
			return media.Completed(), prog
		}
		if err != nil {
			stream.Close()
			next, ferr := w.fallback(ctx, err, first+decoded, end)
			if ferr != nil {
				return w.decodeFailure(ctx, withFrame(ferr, first+decoded)), prog
			}
			stream = next
			continue
		}

		if w.cancel.Load() || ctx.Err() != nil {
			return media.Canceled(), prog
		}

		idx := first + decoded
		skipped, err := fw.write(idx, img)
		if err != nil {
			return media.Failed(err), prog
		}
		decoded++
		prog.FramesWritten++
		if skipped {
			prog.FramesSkipped++
		}
		prog.Elapsed = time.Since(started)

		if prog.FramesWritten%int64(w.opts.ProgressEvery) == 0 || time.Since(lastEmit) >= w.opts.ProgressInterval {
			w.trySend(Event{Kind: EventProgress, Progress: prog})
			lastEmit = time.Now()
		}
	}
}

// open starts the decoder at stream index from on the current path.
func (w *Worker) open(ctx context.Context, from int64, end *int64) (media.FrameStream, error) {
	fps := *w.req.Source.FrameRate
	p := media.DecodeParams{
		Path:   w.req.Source.Path,
		Width:  w.req.Source.Width,
		Height: w.req.Source.Height,
		Decode: w.DecodePath(),
	}
	// Seek half a frame early so float rounding can neither drop frame
	// from nor pull in the frame before it.
	if from > 0 {
		p.Start = (float64(from) - 0.5) / fps
	}
	if end != nil {
		p.Duration = float64(*end-from) / fps
		p.MaxFrames = int(*end - from)
	}
	return w.dec.Open(ctx, p)
}

// fallback switches a failed hardware path to software and reopens the
// decoder at from. Any other failure is returned unchanged.
func (w *Worker) fallback(ctx context.Context, cause error, from int64, end *int64) (media.FrameStream, error) {
	if ctx.Err() != nil {
		return nil, cause
	}
	w.mu.Lock()
	next, ok := w.path.Fallback(cause.Error())
	if ok {
		w.path = next
	}
	w.mu.Unlock()
	if !ok {
		return nil, cause
	}

	w.log.Warn("hardware decode failed, continuing in software",
		zap.String("event", "decode_fallback"),
		zap.Int64("frame", from),
		zap.String("reason", cause.Error()),
		zap.String("decode_path", next.Label))
	w.send(Event{Kind: EventDecodePathChanged, Decode: next})

	return w.open(ctx, from, end)
}

// decodeFailure maps a decoder error to an outcome. Errors caused by the
// run's own context being canceled end the run as canceled.
func (w *Worker) decodeFailure(ctx context.Context, err error) media.Outcome {
	if errors.Is(ctx.Err(), context.Canceled) || w.cancel.Load() && errors.Is(err, context.Canceled) {
		return media.Canceled()
	}
	var de *media.DecodeError
	if !errors.As(err, &de) {
		err = &media.DecodeError{Reason: media.DecodeStreamCorrupt, Path: w.req.Source.Path, Frame: -1, Err: err}
	}
	return media.Failed(err)
}

func withFrame(err error, frame int64) error {
	var de *media.DecodeError
	if errors.As(err, &de) && de.Frame < 0 {
		cp := *de
		cp.Frame = frame
		return &cp
	}
	return err
}

// send delivers ev, waiting for the consumer if necessary.
func (w *Worker) send(ev Event) {
	w.events <- ev
}

// trySend drops ev when the consumer is behind. Later events still arrive
// in order.
func (w *Worker) trySend(ev Event) {
	select {
	case w.events <- ev:
	default:
	}
}
