package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"frame2img/media"

	"go.uber.org/zap"
)

// Decoder streams raw RGBA frames out of an ffmpeg subprocess.
type Decoder struct {
	bin   string
	extra []string
	grace time.Duration
	log   *zap.Logger
}

// NewDecoder creates a decoder. extra are input options placed before -i;
// grace bounds how long a canceled ffmpeg may take to exit before it is killed.
func NewDecoder(bin string, extra []string, grace time.Duration, log *zap.Logger) *Decoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	if grace <= 0 {
		grace = time.Second
	}
	return &Decoder{bin: bin, extra: extra, grace: grace, log: log}
}

func buildDecodeArgs(p media.DecodeParams, extra []string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if p.Decode.IsHardware() {
		args = append(args, "-hwaccel", p.Decode.Accel)
	}
	args = append(args, extra...)
	if p.Start > 0 {
		args = append(args, "-ss", fmtSeconds(p.Start))
	}
	args = append(args, "-i", p.Path)
	if p.Duration > 0 {
		args = append(args, "-t", fmtSeconds(p.Duration))
	}
	if p.MaxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(p.MaxFrames))
	}
	return append(args,
		"-map", "0:v:0",
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
}

func (d *Decoder) Open(ctx context.Context, p media.DecodeParams) (media.FrameStream, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, &media.DecodeError{Reason: media.DecodeStreamCorrupt, Path: p.Path, Frame: -1, Err: errors.New("unknown frame geometry")}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	args := buildDecodeArgs(p, d.extra)
	cmd := exec.CommandContext(streamCtx, d.bin, args...)
	cmd.WaitDelay = d.grace
	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}

	d.log.Debug("starting decoder",
		zap.String("decode_path", p.Decode.Label),
		zap.String("args", strings.Join(args, " ")))

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, d.classify(ctx, p, fmt.Errorf("start %s: %w", d.bin, err), "")
	}

	return &stream{
		d:         d,
		ctx:       ctx,
		cancel:    cancel,
		cmd:       cmd,
		r:         bufio.NewReaderSize(stdout, 1<<20),
		stderr:    stderr,
		params:    p,
		frameSize: p.Width * p.Height * 4,
	}, nil
}

// classify maps a failed ffmpeg run onto the decode error taxonomy.
func (d *Decoder) classify(ctx context.Context, p media.DecodeParams, err error, stderr string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if stderr != "" {
		err = fmt.Errorf("%w: %s", err, stderr)
	}
	reason := media.DecodeStreamCorrupt
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = media.DecodeTimeout
	case p.Decode.IsHardware():
		reason = media.DecodeHardwareUnavailable
	}
	return &media.DecodeError{Reason: reason, Path: p.Path, Frame: -1, Err: err}
}

type stream struct {
	d         *Decoder
	ctx       context.Context
	cancel    context.CancelFunc
	cmd       *exec.Cmd
	r         *bufio.Reader
	stderr    *tailBuffer
	params    media.DecodeParams
	frameSize int
	read      int
	done      bool
	err       error
}

func (s *stream) Next() (image.Image, error) {
	if s.done {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	if s.params.MaxFrames > 0 && s.read >= s.params.MaxFrames {
		return nil, s.finish(io.EOF, true)
	}

	pix := make([]byte, s.frameSize)
	_, err := io.ReadFull(s.r, pix)
	switch {
	case err == nil:
		s.read++
		return &image.NRGBA{
			Pix:    pix,
			Stride: s.params.Width * 4,
			Rect:   image.Rect(0, 0, s.params.Width, s.params.Height),
		}, nil
	case errors.Is(err, io.EOF):
		return nil, s.finish(io.EOF, false)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, s.finish(fmt.Errorf("truncated frame after %d frames", s.read), false)
	default:
		return nil, s.finish(err, false)
	}
}

// finish reaps the process and decides the stream's final error. A clean
// exit after io.EOF ends the stream normally; stop kills a process that has
// delivered everything that was asked of it.
func (s *stream) finish(readErr error, stop bool) error {
	s.done = true
	if stop {
		s.cancel()
	}
	waitErr := s.cmd.Wait()
	s.cancel()

	if readErr == io.EOF && (waitErr == nil || stop) {
		return io.EOF
	}
	cause := waitErr
	if readErr != io.EOF || cause == nil {
		cause = readErr
	}
	s.err = s.d.classify(s.ctx, s.params, cause, s.stderr.String())
	return s.err
}

func (s *stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	s.cancel()
	// The process was killed on purpose; its exit status is not interesting.
	_ = s.cmd.Wait()
	return nil
}

func fmtSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 6, 64)
}
