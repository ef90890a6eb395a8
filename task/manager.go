package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"frame2img/config"
	"frame2img/extract"
	"frame2img/ffmpeg"
	"frame2img/media"
	"frame2img/metrics"
	"frame2img/preview"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

var (
	ErrRunActive   = errors.New("an extraction is already running")
	ErrRunNotFound = errors.New("run not found")
	ErrRunFinished = errors.New("run already finished")
)

type Prober interface {
	Probe(ctx context.Context, path string, precise bool) (media.VideoSource, error)
}

type PathSelector interface {
	Select(ctx context.Context) media.DecodePath
}

// Manager coordinates probing, previews and extraction runs. At most one
// run is active at a time; previews are suspended while it runs.
type Manager struct {
	cfg       *config.Config
	log       *zap.Logger
	prober    Prober
	selector  PathSelector
	decoder   media.Decoder
	preflight func(dir string) error
	preview   *preview.Worker

	ctx  context.Context
	runs sync.Map // run ID -> *record

	mu     sync.Mutex
	active *record
	source *media.VideoSource

	subMu   sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64
	stopped bool
}

func NewManager(cfg *config.Config, prober Prober, selector PathSelector, decoder media.Decoder, log *zap.Logger) (*Manager, error) {
	if prober == nil || selector == nil || decoder == nil {
		return nil, errors.New("task manager needs a prober, a decode path selector and a decoder")
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		log:      log,
		prober:   prober,
		selector: selector,
		decoder:  decoder,
		preview: preview.New(decoder, media.SoftwarePath(), preview.Options{
			Timeout: cfg.PreviewTimeout,
			Log:     log.Named("preview"),
		}),
		ctx:  context.Background(),
		subs: make(map[uint64]chan Event),
	}
	thresholds := ffmpeg.Thresholds{
		MinFreeDisk: cfg.MinFreeDisk,
		MinFreeMem:  cfg.ThrottleFreeMem,
		IdleCPU:     cfg.ThrottleCPU,
	}
	m.preflight = func(dir string) error {
		return ffmpeg.CheckResources(dir, thresholds, log)
	}
	return m, nil
}

// Start runs the background loops until ctx is done. Runs started
// afterwards are canceled together with ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	m.log.Info("task manager started", zap.Duration("run_retention", m.cfg.RunRetention))
	go m.previewLoop()
	go m.cleanupLoop(ctx)
	go func() {
		<-ctx.Done()
		m.preview.Close()
		m.closeSubscribers()
	}()
}

// closeSubscribers ends every event stream; later subscriptions get a
// closed channel.
func (m *Manager) closeSubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.stopped = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

// Probe reads the metadata of path and makes it the source for previews.
func (m *Manager) Probe(ctx context.Context, path string, precise bool) (media.VideoSource, error) {
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}

	src, err := m.prober.Probe(ctx, path, precise)
	if err != nil {
		metrics.ProbesTotal.WithLabelValues("failed").Inc()
		m.log.Info("probe failed", zap.String("path", path), zap.Error(err))
		m.broadcast(Event{Type: EventMetadataFailed, Time: time.Now(), Error: err.Error(), ErrorKind: errorKind(err)})
		return media.VideoSource{}, err
	}
	metrics.ProbesTotal.WithLabelValues("ok").Inc()

	m.mu.Lock()
	m.source = &src
	m.mu.Unlock()
	m.preview.SetDecodePath(m.selector.Select(m.baseContext()))
	m.preview.SetSource(src, media.TimeRange{})

	m.log.Info("metadata loaded",
		zap.String("path", path),
		zap.Any("duration", src.Duration),
		zap.Any("frame_rate", src.FrameRate),
		zap.Any("total_frames", src.TotalFramesEstimate),
		zap.Bool("exact", src.FramesExact()))
	m.broadcast(Event{Type: EventMetadataLoaded, Time: time.Now(), Source: &src})
	return src, nil
}

// Source returns the most recently probed video.
func (m *Manager) Source() (media.VideoSource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.source == nil {
		return media.VideoSource{}, false
	}
	return *m.source, true
}

// Submit validates req and starts a run for it. It fails with ErrRunActive
// while another run has not finished.
func (m *Manager) Submit(req media.ExtractionRequest) (Run, error) {
	req, err := req.Normalize()
	if err != nil {
		return Run{}, err
	}
	if req.Decode == nil {
		p := m.selector.Select(m.baseContext())
		req.Decode = &p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return Run{}, ErrRunActive
	}

	id := fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
	log := m.log.With(zap.String("run_id", id))
	ctx, cancel := context.WithCancel(m.ctx)
	rec := &record{
		run: Run{
			ID:        id,
			Status:    StatusRunning,
			Source:    req.Source,
			Range:     req.Range,
			FramesDir: req.FramesDir(),
			Format:    req.Format,
			Decode:    *req.Decode,
			CreatedAt: time.Now(),
		},
		worker: extract.New(req, m.decoder, extract.Options{
			ProgressEvery:    m.cfg.ProgressEvery,
			ProgressInterval: m.cfg.ProgressInterval,
			Preflight:        m.preflight,
			Log:              log,
		}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if err := rec.worker.Start(ctx); err != nil {
		cancel()
		return Run{}, err
	}

	m.runs.Store(id, rec)
	m.active = rec
	m.preview.Suspend()
	metrics.ActiveRuns.Inc()
	log.Info("extraction submitted",
		zap.String("path", req.Source.Path),
		zap.String("frames_dir", rec.run.FramesDir),
		zap.String("decode_path", req.Decode.Label))

	run := rec.snapshot()
	go m.relay(rec)
	return run, nil
}

// SubmitReplacing cancels the active run, waits for it to finish and then
// submits req. An invalid req leaves the active run alone.
func (m *Manager) SubmitReplacing(ctx context.Context, req media.ExtractionRequest) (Run, error) {
	if _, err := req.Normalize(); err != nil {
		return Run{}, err
	}
	for {
		m.mu.Lock()
		active := m.active
		m.mu.Unlock()

		if active == nil {
			run, err := m.Submit(req)
			if errors.Is(err, ErrRunActive) {
				continue
			}
			return run, err
		}

		if err := m.Cancel(active.snapshot().ID); err != nil && !errors.Is(err, ErrRunFinished) {
			return Run{}, err
		}
		select {
		case <-active.done:
		case <-ctx.Done():
			return Run{}, ctx.Err()
		}
	}
}

// Cancel asks a run to stop. The run's worker stops before its next frame;
// if it does not finish within the cancel grace its decoder is killed.
func (m *Manager) Cancel(runID string) error {
	rec, ok := m.record(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err := rec.worker.RequestCancel(); err != nil {
		if errors.Is(err, extract.ErrNotRunning) {
			return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, rec.snapshot().Status)
		}
		return err
	}
	rec.update(func(r *Run) {
		if !r.Status.Terminal() {
			r.Status = StatusCancelRequested
		}
	})
	m.log.Info("cancellation requested", zap.String("run_id", runID))

	grace := m.cfg.CancelGrace
	if grace <= 0 {
		grace = time.Second
	}
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-rec.done:
		case <-t.C:
			m.log.Warn("run did not stop within grace, aborting decoder", zap.String("run_id", runID))
			rec.cancel()
		}
	}()
	return nil
}

func (m *Manager) Get(runID string) (Run, bool) {
	rec, ok := m.record(runID)
	if !ok {
		return Run{}, false
	}
	return rec.snapshot(), true
}

// List returns all known runs, oldest first.
func (m *Manager) List() []Run {
	runList := []Run{}
	m.runs.Range(func(key, value interface{}) bool {
		runList = append(runList, value.(*record).snapshot())
		return true
	})
	sort.Slice(runList, func(i, j int) bool { return runList[i].CreatedAt.Before(runList[j].CreatedAt) })
	return runList
}

// Active returns the run in progress, if any.
func (m *Manager) Active() (Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Run{}, false
	}
	return m.active.snapshot(), true
}

// Wait blocks until the run is finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID string) (Run, error) {
	rec, ok := m.record(runID)
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	select {
	case <-rec.done:
		return rec.snapshot(), nil
	case <-ctx.Done():
		return rec.snapshot(), ctx.Err()
	}
}

// Seek requests a preview frame. The frame arrives as a previewFrameReady
// event. While a run is active it fails with preview.ErrSuspended.
func (m *Manager) Seek(ts float64) (float64, error) {
	ts, err := m.preview.Seek(ts)
	if err != nil {
		metrics.PreviewSeeksTotal.WithLabelValues("rejected").Inc()
		return 0, err
	}
	metrics.PreviewSeeksTotal.WithLabelValues("accepted").Inc()
	return ts, nil
}

// SetPreviewRange limits preview seeks to r.
func (m *Manager) SetPreviewRange(r media.TimeRange) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.preview.SetRange(r)
	return nil
}

// PreviewFrame returns the last good preview frame.
func (m *Manager) PreviewFrame() (preview.Frame, bool) {
	return m.preview.LastGood()
}

// Subscribe registers for events. Progress and preview events are dropped
// for a subscriber that falls behind; other events replace the oldest
// queued one. Call the returned function to unsubscribe.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	m.subMu.Lock()
	if m.stopped {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}
}

func (m *Manager) broadcast(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		if ev.droppable() {
			select {
			case ch <- ev:
			default:
			}
			continue
		}
		for sent := false; !sent; {
			select {
			case ch <- ev:
				sent = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// relay records the worker's events on the run and republishes them.
func (m *Manager) relay(rec *record) {
	id := rec.snapshot().ID
	for ev := range rec.worker.Events() {
		switch ev.Kind {
		case extract.EventStarted:
			d := ev.Decode
			rec.update(func(r *Run) { r.Decode = d })
			m.broadcast(Event{Type: EventExtractionStarted, Time: time.Now(), RunID: id, Decode: &d})
		case extract.EventProgress:
			rec.update(func(r *Run) { r.Progress = ev.Progress })
			m.broadcast(progressEvent(id, ev.Progress))
		case extract.EventDecodePathChanged:
			d := ev.Decode
			var accel string
			rec.update(func(r *Run) {
				accel = r.Decode.Accel
				r.Decode = d
			})
			metrics.DecodeFallbackTotal.WithLabelValues(accel).Inc()
			m.broadcast(Event{Type: EventDecodePathChanged, Time: time.Now(), RunID: id, Decode: &d})
		case extract.EventFinished, extract.EventFailed:
			m.finish(rec, ev)
		}
	}
}

func (m *Manager) finish(rec *record, ev extract.Event) {
	out := ev.Outcome
	status := StatusCompleted
	switch {
	case out.State == media.StateFailed:
		status = StatusFailed
	case out.Canceled:
		status = StatusCanceled
	}

	var run Run
	rec.update(func(r *Run) {
		r.Status = status
		r.Progress = ev.Progress
		r.Decode = ev.Decode
		r.CompletedAt = time.Now()
		if out.Err != nil {
			r.Error = out.Err.Error()
			r.ErrorKind = errorKind(out.Err)
		}
		run = *r
	})

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.WithLabelValues(run.Decode.Kind.String()).Observe(ev.Progress.Elapsed.Seconds())
	metrics.FramesWrittenTotal.Add(float64(ev.Progress.FramesWritten - ev.Progress.FramesSkipped))
	metrics.FramesSkippedTotal.Add(float64(ev.Progress.FramesSkipped))
	metrics.ActiveRuns.Dec()

	terminal := Event{
		Type:     EventExtractionFinished,
		Time:     run.CompletedAt,
		RunID:    run.ID,
		Progress: &run.Progress,
		Decode:   &run.Decode,
		Success:  out.Success,
		Canceled: out.Canceled,
	}
	if status == StatusFailed {
		terminal.Type = EventExtractionFailed
		terminal.Error = run.Error
		terminal.ErrorKind = run.ErrorKind
	}

	m.mu.Lock()
	if m.active == rec {
		m.active = nil
		m.preview.Resume()
	}
	m.broadcast(terminal)
	m.mu.Unlock()

	rec.cancel()
	close(rec.done)
}

// previewLoop republishes preview results until the preview worker closes.
func (m *Manager) previewLoop() {
	for ev := range m.preview.Events() {
		ts := ev.Frame.Timestamp
		d := ev.Decode
		out := Event{
			Type:      EventPreviewFrameReady,
			Time:      time.Now(),
			Decode:    &d,
			Timestamp: &ts,
			Seq:       ev.Frame.Seq,
			Frame:     ev.Frame.Image,
		}
		if ev.Kind == preview.EventError {
			out.Type = EventPreviewError
			out.Error = ev.Err.Error()
			out.ErrorKind = errorKind(ev.Err)
		}
		m.broadcast(out)
	}
}

// cleanupLoop periodically forgets finished runs older than the retention.
// Frames on disk are never removed.
func (m *Manager) cleanupLoop(ctx context.Context) {
	if m.cfg.RunRetention <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.RunRetention / 4) // Check 4 times per lifetime
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("cleanup loop shutting down")
			return
		case now := <-ticker.C:
			m.prune(now)
		}
	}
}

func (m *Manager) prune(now time.Time) int {
	pruned := 0
	m.runs.Range(func(key, value interface{}) bool {
		run := value.(*record).snapshot()
		if run.Status.Terminal() && now.Sub(run.CompletedAt) > m.cfg.RunRetention {
			m.runs.Delete(key)
			pruned++
			m.log.Debug("forgot finished run", zap.String("run_id", run.ID))
		}
		return true
	})
	return pruned
}

func (m *Manager) record(runID string) (*record, bool) {
	if val, ok := m.runs.Load(runID); ok {
		return val.(*record), true
	}
	return nil, false
}

func (m *Manager) baseContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}
