package ffmpeg

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"time"

	"frame2img/media"

	"go.uber.org/zap"
)

const (
	HWAccelAuto = "auto"
	HWAccelOff  = "off"
)

// detectTimeout bounds the one-time capability query.
const detectTimeout = 30 * time.Second

// Selector decides once per process whether hardware decoding is usable.
type Selector struct {
	ffmpeg string
	mode   string
	tokens []string
	log    *zap.Logger

	once sync.Once
	path media.DecodePath
}

func NewSelector(ffmpegBin, mode string, tokens []string, log *zap.Logger) *Selector {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	return &Selector{ffmpeg: ffmpegBin, mode: strings.ToLower(strings.TrimSpace(mode)), tokens: tokens, log: log}
}

// Select returns the cached decode path, detecting it on first use. The
// result is cached for the process, so detection is not bound to the
// cancellation of the first caller's ctx.
func (s *Selector) Select(ctx context.Context) media.DecodePath {
	s.once.Do(func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detectTimeout)
		defer cancel()
		s.path = s.detect(dctx)
		s.log.Info("decode path selected", zap.String("decode_path", s.path.Label))
	})
	return s.path
}

func (s *Selector) detect(ctx context.Context) media.DecodePath {
	if s.mode == HWAccelOff {
		return media.SoftwarePath()
	}

	stdout, stderr, err := output(ctx, s.ffmpeg, "-hide_banner", "-hwaccels")
	if err != nil {
		s.log.Info("hardware acceleration query failed", zap.Error(err))
		return media.SoftwarePath()
	}
	methods := parseHWAccels(string(stdout) + "\n" + string(stderr))
	accel, ok := pickAccel(methods, s.tokens)
	if !ok {
		return media.SoftwarePath()
	}

	// A method compiled into ffmpeg says nothing about a device being present.
	if _, stderr, err := output(ctx, s.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-init_hw_device", accelDevice(accel)+"=hw",
		"-f", "lavfi", "-i", "nullsrc=s=16x16:d=0.04",
		"-frames:v", "1", "-f", "null", "-",
	); err != nil {
		s.log.Info("hardware device unusable",
			zap.String("accel", accel), zap.Error(err), zap.ByteString("stderr", stderr))
		return media.SoftwarePath()
	}
	return media.HardwarePath(accel)
}

// parseHWAccels returns the method names listed after the
// "Hardware acceleration methods:" header.
func parseHWAccels(out string) []string {
	var methods []string
	inList := false
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(strings.ToLower(line), "hardware acceleration methods") {
			inList = true
			continue
		}
		if !inList || line == "" {
			continue
		}
		if strings.ContainsAny(line, " \t:") {
			// Anything that is not a bare token ends the list.
			inList = false
			continue
		}
		methods = append(methods, strings.ToLower(line))
	}
	return methods
}

// pickAccel returns the first configured token that ffmpeg lists.
func pickAccel(methods, tokens []string) (string, bool) {
	have := make(map[string]bool, len(methods))
	for _, m := range methods {
		have[m] = true
	}
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && have[t] {
			return t, true
		}
	}
	return "", false
}

// accelDevice maps an -hwaccel name to the device type used by -init_hw_device.
func accelDevice(accel string) string {
	if accel == "nvdec" {
		return "cuda"
	}
	return accel
}
