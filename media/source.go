// Package media holds the value types shared by the probe, the decoder, the
// extraction and preview workers and the coordinator.
package media

import (
	"context"
	"image"
	"math"
	"path/filepath"
	"strings"
)

// VideoSource describes a probed video. It is created once per selected file
// and never mutated afterwards; nil fields are unknown.
type VideoSource struct {
	Path                string   `json:"path"`
	Duration            *float64 `json:"duration,omitempty"`
	FrameRate           *float64 `json:"frameRate,omitempty"`
	TotalFramesEstimate *int64   `json:"totalFramesEstimate,omitempty"`
	ExactTotalFrames    *int64   `json:"exactTotalFrames,omitempty"`
	Width               int      `json:"width,omitempty"`
	Height              int      `json:"height,omitempty"`
	Codec               string   `json:"codec,omitempty"`
}

// FramesExact reports whether the frame count came from a per-frame count.
func (s VideoSource) FramesExact() bool { return s.ExactTotalFrames != nil }

// TotalFrames returns the exact count when present, otherwise the estimate.
func (s VideoSource) TotalFrames() (int64, bool) {
	if s.ExactTotalFrames != nil {
		return *s.ExactTotalFrames, true
	}
	if s.TotalFramesEstimate != nil {
		return *s.TotalFramesEstimate, true
	}
	return 0, false
}

// Stem is the file name without directory and extension.
func (s VideoSource) Stem() string {
	base := filepath.Base(s.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// EstimateFrames computes round(duration*fps), or nil when either is unknown.
func EstimateFrames(duration, fps *float64) *int64 {
	if duration == nil || fps == nil || *duration <= 0 || *fps <= 0 {
		return nil
	}
	n := int64(math.Round(*duration * *fps))
	if n <= 0 {
		return nil
	}
	return &n
}

// DecodeParams parameterizes one decoder invocation.
type DecodeParams struct {
	Path     string
	Start    float64 // seconds, 0 = from the beginning
	Duration float64 // seconds, 0 = until end of stream
	Width    int
	Height   int
	Decode   DecodePath
	// MaxFrames stops the decoder after n frames; 0 = unlimited.
	MaxFrames int
}

// FrameStream yields decoded frames in presentation order. Next returns io.EOF
// once the stream is exhausted.
type FrameStream interface {
	Next() (image.Image, error)
	Close() error
}

// Decoder opens frame streams.
type Decoder interface {
	Open(ctx context.Context, p DecodeParams) (FrameStream, error)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
