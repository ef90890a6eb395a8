package task

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"frame2img/extract"
	"frame2img/media"
)

type Status string

const (
	StatusRunning         Status = "running"
	StatusCancelRequested Status = "cancel_requested"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCanceled        Status = "canceled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Run is a snapshot of one extraction run.
type Run struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Source      media.VideoSource `json:"source"`
	Range       media.TimeRange   `json:"range"`
	FramesDir   string            `json:"framesDir"`
	Format      media.ImageFormat `json:"format"`
	Decode      media.DecodePath  `json:"decodePath"`
	Progress    media.Progress    `json:"progress"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"errorKind,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt time.Time         `json:"completedAt,omitempty"`
}

// record is the manager's mutable state for a run. Only the manager writes it.
type record struct {
	mu     sync.Mutex
	run    Run
	worker *extract.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *record) snapshot() Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run
}

func (r *record) update(fn func(*Run)) {
	r.mu.Lock()
	fn(&r.run)
	r.mu.Unlock()
}

type EventType string

const (
	EventMetadataLoaded     EventType = "metadataLoaded"
	EventMetadataFailed     EventType = "metadataFailed"
	EventExtractionStarted  EventType = "extractionStarted"
	EventProgress           EventType = "progress"
	EventDecodePathChanged  EventType = "decodePathChanged"
	EventExtractionFinished EventType = "extractionFinished"
	EventExtractionFailed   EventType = "extractionFailed"
	EventPreviewFrameReady  EventType = "previewFrameReady"
	EventPreviewError       EventType = "previewError"
)

// Event is what subscribers receive. Which fields are set depends on Type.
type Event struct {
	Type      EventType          `json:"type"`
	Time      time.Time          `json:"time"`
	RunID     string             `json:"runId,omitempty"`
	Source    *media.VideoSource `json:"source,omitempty"`
	Progress  *media.Progress    `json:"progress,omitempty"`
	Rate      float64            `json:"rate,omitempty"`
	ETA       *float64           `json:"etaSeconds,omitempty"`
	Decode    *media.DecodePath  `json:"decodePath,omitempty"`
	Success   bool               `json:"success,omitempty"`
	Canceled  bool               `json:"canceled,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorKind string             `json:"errorKind,omitempty"`
	Timestamp *float64           `json:"timestamp,omitempty"`
	Seq       uint64             `json:"seq,omitempty"`
	Frame     image.Image        `json:"-"`
}

// droppable events may be discarded for a subscriber that falls behind.
func (e Event) droppable() bool {
	switch e.Type {
	case EventProgress, EventPreviewFrameReady, EventPreviewError:
		return true
	}
	return false
}

func progressEvent(runID string, p media.Progress) Event {
	ev := Event{Type: EventProgress, Time: time.Now(), RunID: runID, Progress: &p, Rate: p.Rate()}
	if eta, ok := p.ETA(); ok {
		s := eta.Seconds()
		ev.ETA = &s
	}
	return ev
}

// errorKind names the class of a run or probe failure for clients.
func errorKind(err error) string {
	var (
		pe *media.ProbeError
		de *media.DecodeError
		we *media.WriteError
		ve *media.ValidationError
	)
	switch {
	case errors.As(err, &pe):
		return string(pe.Reason)
	case errors.As(err, &de):
		return string(de.Reason)
	case errors.As(err, &we):
		return string(we.Reason)
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return ""
}
