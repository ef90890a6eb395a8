package media

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPrefix = "frame_"
	// DefaultPad applies when the total frame count is unknown.
	DefaultPad = 6
)

type NamingPolicy struct {
	Prefix       string `json:"prefix"`
	Pad          int    `json:"pad"`
	SkipExisting bool   `json:"skipExisting"`
}

// Resolve fills the automatic pad width from the source frame count.
func (n NamingPolicy) Resolve(src VideoSource) NamingPolicy {
	if n.Pad > 0 {
		return n
	}
	if total, ok := src.TotalFrames(); ok && total > 0 {
		n.Pad = len(strconv.FormatInt(total, 10))
	} else {
		n.Pad = DefaultPad
	}
	return n
}

// FileName builds "<prefix><index zero-padded>.<ext>". index is the frame's
// position in the source stream.
func (n NamingPolicy) FileName(index int64, ext string) string {
	return fmt.Sprintf("%s%0*d.%s", n.Prefix, n.Pad, index, ext)
}

func (n NamingPolicy) Validate() error {
	if n.Pad < 0 || n.Pad > 12 {
		return &ValidationError{Field: "naming.pad", Msg: "must be between 0 and 12"}
	}
	if strings.ContainsAny(n.Prefix, `/\`) || strings.Contains(n.Prefix, "..") {
		return &ValidationError{Field: "naming.prefix", Msg: "must not contain path separators"}
	}
	return nil
}

type FormatKind string

const (
	PNG  FormatKind = "png"
	JPEG FormatKind = "jpg"
)

type PNGCompression string

const (
	PNGDefault PNGCompression = "default"
	PNGFast    PNGCompression = "fast"
	PNGBest    PNGCompression = "best"
	PNGNone    PNGCompression = "none"
)

// ImageFormat is lossless PNG or JPEG with an adjustable quality.
type ImageFormat struct {
	Kind        FormatKind     `json:"kind"`
	Quality     int            `json:"quality,omitempty"`
	Compression PNGCompression `json:"compression,omitempty"`
}

func (f ImageFormat) Ext() string { return string(f.Kind) }

// ParseFormatKind accepts png, jpg and jpeg in any case.
func ParseFormatKind(s string) (FormatKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png", "":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	}
	return "", &ValidationError{Field: "format", Msg: fmt.Sprintf("unsupported image format %q", s)}
}

func (f ImageFormat) Validate() error {
	switch f.Kind {
	case PNG:
		switch f.Compression {
		case "", PNGDefault, PNGFast, PNGBest, PNGNone:
			return nil
		}
		return &ValidationError{Field: "format.compression", Msg: fmt.Sprintf("unknown png compression %q", f.Compression)}
	case JPEG:
		if f.Quality < 1 || f.Quality > 100 {
			return &ValidationError{Field: "format.quality", Msg: "must be between 1 and 100"}
		}
		return nil
	}
	return &ValidationError{Field: "format.kind", Msg: fmt.Sprintf("unsupported image format %q", f.Kind)}
}

// ExtractionRequest is immutable once a run starts.
type ExtractionRequest struct {
	Source    VideoSource  `json:"source"`
	Range     TimeRange    `json:"range"`
	OutputDir string       `json:"outputDir"`
	Naming    NamingPolicy `json:"naming"`
	Format    ImageFormat  `json:"format"`
	Decode    *DecodePath  `json:"decode,omitempty"`
}

// FramesDir is the per-video subdirectory frames are written to.
func (r ExtractionRequest) FramesDir() string {
	return filepath.Join(r.OutputDir, r.Source.Stem()+"_frames")
}

func (r ExtractionRequest) Validate() error {
	if strings.TrimSpace(r.Source.Path) == "" {
		return &ValidationError{Field: "source.path", Msg: "is required"}
	}
	if strings.TrimSpace(r.OutputDir) == "" {
		return &ValidationError{Field: "outputDir", Msg: "is required"}
	}
	if r.Source.FrameRate == nil || *r.Source.FrameRate <= 0 {
		return &ValidationError{Field: "source.frameRate", Msg: "is unknown; probe the source first"}
	}
	if r.Source.Width <= 0 || r.Source.Height <= 0 {
		return &ValidationError{Field: "source.geometry", Msg: "is unknown; probe the source first"}
	}
	if err := r.Range.Validate(); err != nil {
		return err
	}
	if err := r.Naming.Validate(); err != nil {
		return err
	}
	return r.Format.Validate()
}

// Normalize validates r, clamps the range to the source duration and
// resolves the naming pad. The result is what a worker runs.
func (r ExtractionRequest) Normalize() (ExtractionRequest, error) {
	if err := r.Validate(); err != nil {
		return r, err
	}
	r.Range = r.Range.Clamp(r.Source.Duration)
	if r.Source.Duration != nil && r.Range.Start >= *r.Source.Duration {
		return r, &ValidationError{Field: "range.start", Msg: fmt.Sprintf("is beyond the end of the video (%s)", FormatSeconds(*r.Source.Duration))}
	}
	r.Naming = r.Naming.Resolve(r.Source)
	return r, nil
}

// Progress of one run. FramesWritten counts frames of the processed range
// present on disk, including FramesSkipped ones that already existed.
type Progress struct {
	FramesWritten int64         `json:"framesWritten"`
	FramesSkipped int64         `json:"framesSkipped"`
	FramesTotal   *int64        `json:"framesTotal,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Rate is frames per second over the elapsed time.
func (p Progress) Rate() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.FramesWritten) / p.Elapsed.Seconds()
}

// ETA estimates the remaining time; ok is false when it cannot be known.
func (p Progress) ETA() (time.Duration, bool) {
	rate := p.Rate()
	if p.FramesTotal == nil || rate <= 0 {
		return 0, false
	}
	left := *p.FramesTotal - p.FramesWritten
	if left < 0 {
		left = 0
	}
	return time.Duration(float64(left) / rate * float64(time.Second)), true
}
