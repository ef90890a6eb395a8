package media

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

type ProbeReason string

const (
	ProbeUnreadable  ProbeReason = "unreadable"
	ProbeUnsupported ProbeReason = "unsupported"
)

// ProbeError means the source could not be opened or parsed. Callers should
// let the user pick another file.
type ProbeError struct {
	Reason ProbeReason
	Path   string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

type DecodeReason string

const (
	DecodeHardwareUnavailable DecodeReason = "hardware_unavailable"
	DecodeStreamCorrupt       DecodeReason = "stream_corrupt"
	DecodeTimeout             DecodeReason = "timeout"
)

// DecodeError reports a decoder failure at a stream frame index (-1 when the
// decoder failed before producing a frame).
type DecodeError struct {
	Reason DecodeReason
	Path   string
	Frame  int64
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Frame < 0 {
		return fmt.Sprintf("decode %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s at frame %d: %s: %v", e.Path, e.Frame, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type WriteReason string

const (
	WritePermissionDenied WriteReason = "permission_denied"
	WriteDiskFull         WriteReason = "disk_full"
	WriteInvalidPath      WriteReason = "invalid_path"
	WriteIO               WriteReason = "io"
)

// WriteError is always fatal for the run that produced it.
type WriteError struct {
	Reason WriteReason
	Path   string
	Frame  int64
	Err    error
}

func (e *WriteError) Error() string {
	if e.Frame < 0 {
		return fmt.Sprintf("write %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("write frame %d to %s: %s: %v", e.Frame, e.Path, e.Reason, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// NewWriteError classifies an OS error from writing path.
func NewWriteError(path string, frame int64, err error) *WriteError {
	return &WriteError{Reason: ClassifyWriteErr(err), Path: path, Frame: frame, Err: err}
}

func ClassifyWriteErr(err error) WriteReason {
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EROFS):
		return WritePermissionDenied
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return WriteDiskFull
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.ENAMETOOLONG), errors.Is(err, syscall.EINVAL),
		errors.Is(err, syscall.EISDIR), errors.Is(err, syscall.EEXIST):
		return WriteInvalidPath
	}
	return WriteIO
}

// ValidationError rejects a request before anything runs.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}
