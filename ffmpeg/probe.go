package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"frame2img/media"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Prober resolves duration, frame rate and frame counts of a video.
type Prober struct {
	ffprobe string
	ffmpeg  string
	log     *zap.Logger
}

func NewProber(ffprobeBin, ffmpegBin string, log *zap.Logger) *Prober {
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	return &Prober{ffprobe: ffprobeBin, ffmpeg: ffmpegBin, log: log}
}

// Probe reads container metadata for path. With precise set it additionally
// counts every frame, which can take as long as decoding the file; cancel ctx
// to abandon it. When ffprobe is missing the ffmpeg banner is parsed instead
// and only an estimate is returned.
func (p *Prober) Probe(ctx context.Context, path string, precise bool) (media.VideoSource, error) {
	ctx, span := otel.Tracer("ffmpeg").Start(ctx, "Prober.Probe")
	defer span.End()
	span.SetAttributes(attribute.String("video.path", path), attribute.Bool("probe.precise", precise))

	info, err := os.Stat(path)
	if err != nil {
		return media.VideoSource{}, &media.ProbeError{Reason: media.ProbeUnreadable, Path: path, Err: err}
	}
	if info.IsDir() {
		return media.VideoSource{}, &media.ProbeError{Reason: media.ProbeUnreadable, Path: path, Err: errors.New("is a directory")}
	}

	src, err := p.probeStreams(ctx, path)
	if errors.Is(err, exec.ErrNotFound) {
		p.log.Warn("ffprobe unavailable, falling back to ffmpeg banner probe",
			zap.String("ffprobe", p.ffprobe), zap.String("path", path))
		src, err = p.probeBanner(ctx, path)
		precise = false
	}
	if err != nil {
		if ctx.Err() != nil {
			return media.VideoSource{}, fmt.Errorf("probe %s: %w", path, ctx.Err())
		}
		return media.VideoSource{}, err
	}

	if precise {
		n, err := p.countFrames(ctx, path)
		switch {
		case err == nil && n > 0:
			src.ExactTotalFrames = &n
		case ctx.Err() != nil:
			return media.VideoSource{}, fmt.Errorf("probe %s: %w", path, ctx.Err())
		default:
			p.log.Info("exact frame count unavailable, keeping estimate",
				zap.String("path", path), zap.Error(err))
		}
	}
	return src, nil
}

type ffprobeStream struct {
	NbFrames     string `json:"nb_frames"`
	NbReadFrames string `json:"nb_read_frames"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	CodecName    string `json:"codec_name"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *Prober) probeStreams(ctx context.Context, path string) (media.VideoSource, error) {
	stdout, stderr, err := output(ctx, p.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=nb_frames,avg_frame_rate,r_frame_rate,width,height,codec_name:format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return media.VideoSource{}, err
		}
		return media.VideoSource{}, &media.ProbeError{
			Reason: media.ProbeUnreadable,
			Path:   path,
			Err:    fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(string(stderr))),
		}
	}
	return parseProbeOutput(path, stdout)
}

func parseProbeOutput(path string, data []byte) (media.VideoSource, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return media.VideoSource{}, &media.ProbeError{Reason: media.ProbeUnsupported, Path: path, Err: fmt.Errorf("parse ffprobe output: %w", err)}
	}
	if len(out.Streams) == 0 {
		return media.VideoSource{}, &media.ProbeError{Reason: media.ProbeUnsupported, Path: path, Err: errors.New("no video stream")}
	}
	s := out.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return media.VideoSource{}, &media.ProbeError{Reason: media.ProbeUnsupported, Path: path, Err: errors.New("video stream has no frame geometry")}
	}

	src := media.VideoSource{Path: path, Width: s.Width, Height: s.Height, Codec: s.CodecName}
	if d, ok := parsePositiveFloat(out.Format.Duration); ok {
		src.Duration = &d
	}
	if fps, ok := parseFraction(s.AvgFrameRate); ok {
		src.FrameRate = &fps
	} else if fps, ok := parseFraction(s.RFrameRate); ok {
		src.FrameRate = &fps
	}
	if n, err := strconv.ParseInt(s.NbFrames, 10, 64); err == nil && n > 0 {
		src.TotalFramesEstimate = &n
	} else {
		src.TotalFramesEstimate = media.EstimateFrames(src.Duration, src.FrameRate)
	}
	return src, nil
}

func (p *Prober) countFrames(ctx context.Context, path string) (int64, error) {
	stdout, stderr, err := output(ctx, p.ffprobe,
		"-v", "error",
		"-count_frames",
		"-select_streams", "v:0",
		"-show_entries", "stream=nb_read_frames",
		"-of", "json",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe count frames: %w: %s", err, strings.TrimSpace(string(stderr)))
	}
	var out ffprobeOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return 0, fmt.Errorf("parse ffprobe count output: %w", err)
	}
	if len(out.Streams) == 0 {
		return 0, errors.New("no video stream")
	}
	n, err := strconv.ParseInt(out.Streams[0].NbReadFrames, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse nb_read_frames %q: %w", out.Streams[0].NbReadFrames, err)
	}
	return n, nil
}

var (
	bannerDuration = regexp.MustCompile(`Duration: (\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	bannerVideo    = regexp.MustCompile(`Stream #\d+:\d+.*?: Video: (\w+)[^\n]*?, (\d{2,5})x(\d{2,5})`)
	bannerFPS      = regexp.MustCompile(`([\d.]+) fps`)
	bannerTBR      = regexp.MustCompile(`([\d.]+) tbr`)
)

// probeBanner parses the stream summary ffmpeg prints for an input. ffmpeg
// exits non-zero without an output file, so the exit status is ignored.
func (p *Prober) probeBanner(ctx context.Context, path string) (media.VideoSource, error) {
	_, stderr, err := output(ctx, p.ffmpeg, "-hide_banner", "-i", path)
	if errors.Is(err, exec.ErrNotFound) {
		return media.VideoSource{}, &media.ProbeError{Reason: media.ProbeUnreadable, Path: path, Err: fmt.Errorf("neither ffprobe nor ffmpeg available: %w", err)}
	}
	return parseBanner(path, string(stderr))
}

func parseBanner(path, banner string) (media.VideoSource, error) {
	loc := bannerVideo.FindStringSubmatchIndex(banner)
	if loc == nil {
		reason := media.ProbeUnsupported
		if !strings.Contains(banner, "Input #") {
			reason = media.ProbeUnreadable
		}
		return media.VideoSource{}, &media.ProbeError{Reason: reason, Path: path, Err: errors.New(firstLine(banner))}
	}
	w, _ := strconv.Atoi(banner[loc[4]:loc[5]])
	h, _ := strconv.Atoi(banner[loc[6]:loc[7]])
	src := media.VideoSource{Path: path, Codec: banner[loc[2]:loc[3]], Width: w, Height: h}

	if d := bannerDuration.FindStringSubmatch(banner); d != nil {
		hh, _ := strconv.ParseFloat(d[1], 64)
		mm, _ := strconv.ParseFloat(d[2], 64)
		ss, _ := strconv.ParseFloat(d[3], 64)
		if total := hh*3600 + mm*60 + ss; total > 0 {
			src.Duration = &total
		}
	}

	line := banner[loc[0]:]
	if end := strings.IndexByte(line, '\n'); end >= 0 {
		line = line[:end]
	}
	for _, re := range []*regexp.Regexp{bannerFPS, bannerTBR} {
		if f := re.FindStringSubmatch(line); f != nil {
			if fps, ok := parsePositiveFloat(f[1]); ok {
				src.FrameRate = &fps
				break
			}
		}
	}
	src.TotalFramesEstimate = media.EstimateFrames(src.Duration, src.FrameRate)
	return src, nil
}

// parseFraction parses ffprobe rates such as "30000/1001"; "0/0" is unknown.
func parseFraction(s string) (float64, bool) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return parsePositiveFloat(num)
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 || n <= 0 {
		return 0, false
	}
	return n / d, true
}

func parsePositiveFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "no stream information"
	}
	return s
}
