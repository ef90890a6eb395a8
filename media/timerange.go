package media

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TimeRange selects a window of the source in seconds. End is exclusive: the
// frame whose timestamp equals End is not extracted.
type TimeRange struct {
	Start float64  `json:"start"`
	End   *float64 `json:"end,omitempty"`
}

func (r TimeRange) Validate() error {
	if math.IsNaN(r.Start) || math.IsInf(r.Start, 0) || r.Start < 0 {
		return &ValidationError{Field: "range.start", Msg: fmt.Sprintf("must be >= 0, got %v", r.Start)}
	}
	if r.End != nil {
		if math.IsNaN(*r.End) || math.IsInf(*r.End, 0) {
			return &ValidationError{Field: "range.end", Msg: "must be a finite number"}
		}
		if *r.End <= r.Start {
			return &ValidationError{Field: "range.end", Msg: fmt.Sprintf("must be greater than start (%v), got %v", r.Start, *r.End)}
		}
	}
	return nil
}

// Clamp limits the range to [0, duration] when the duration is known.
func (r TimeRange) Clamp(duration *float64) TimeRange {
	out := TimeRange{Start: math.Max(0, r.Start)}
	if r.End != nil {
		out.End = Ptr(*r.End)
	}
	if duration == nil {
		return out
	}
	d := *duration
	if out.Start > d {
		out.Start = d
	}
	if out.End != nil && *out.End > d {
		*out.End = d
	}
	return out
}

// FrameWindow converts the range to stream frame indices: the frames whose
// timestamps t satisfy Start <= t < End. first is inclusive; end is
// exclusive and nil when the range is open.
func (r TimeRange) FrameWindow(fps float64) (first int64, end *int64) {
	if fps <= 0 {
		return 0, nil
	}
	first = frameAtOrAfter(r.Start, fps)
	if r.End != nil {
		e := frameAtOrAfter(*r.End, fps)
		if e < first {
			e = first
		}
		end = &e
	}
	return first, end
}

// frameAtOrAfter is the index of the first frame whose timestamp is not
// before ts. The epsilon absorbs float error on exact frame boundaries.
func frameAtOrAfter(ts, fps float64) int64 {
	return int64(math.Ceil(ts*fps - 1e-9))
}

// ClampTimestamp pins ts into the range and, when known, the duration.
func (r TimeRange) ClampTimestamp(ts float64, duration *float64) float64 {
	if ts < r.Start {
		ts = r.Start
	}
	if r.End != nil && ts > *r.End {
		ts = *r.End
	}
	if duration != nil && ts > *duration {
		ts = *duration
	}
	if ts < 0 {
		ts = 0
	}
	return ts
}

// ParseTimestamp parses "SS(.ms)", "MM:SS(.ms)" or "HH:MM:SS(.ms)". An empty
// string yields nil.
func ParseTimestamp(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return nil, fmt.Errorf("invalid timestamp %q", s)
	}
	total := 0.0
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid timestamp %q", s)
		}
		total = total*60 + v
	}
	return &total, nil
}

// FormatSeconds renders secs as "M:SS" or "H:MM:SS".
func FormatSeconds(secs float64) string {
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return "--:--"
	}
	n := int64(math.Round(math.Max(0, secs)))
	h, m, s := n/3600, (n%3600)/60, n%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// ParseRange builds a range from two timestamps as accepted by
// ParseTimestamp. An empty start means 0, an empty end an open range.
func ParseRange(start, end string) (TimeRange, error) {
	var r TimeRange
	s, err := ParseTimestamp(start)
	if err != nil {
		return r, &ValidationError{Field: "range.start", Msg: err.Error()}
	}
	if s != nil {
		r.Start = *s
	}
	if r.End, err = ParseTimestamp(end); err != nil {
		return r, &ValidationError{Field: "range.end", Msg: err.Error()}
	}
	return r, nil
}
