package task

import (
	"strings"

	"frame2img/config"
	"frame2img/media"
)

// RequestOptions are per-request overrides of the configured naming and
// image format. Zero values keep the configured default.
type RequestOptions struct {
	Prefix       *string
	Pad          *int
	SkipExisting bool
	Format       string
	Quality      int
	Compression  string
}

// BuildRequest assembles an extraction request for src from the configured
// defaults and opts. The result still has to pass Submit's validation.
func BuildRequest(cfg *config.Config, src media.VideoSource, r media.TimeRange, outputDir string, opts RequestOptions) (media.ExtractionRequest, error) {
	formatName := cfg.ImageFormat
	if opts.Format != "" {
		formatName = opts.Format
	}
	kind, err := media.ParseFormatKind(formatName)
	if err != nil {
		return media.ExtractionRequest{}, err
	}

	format := media.ImageFormat{Kind: kind}
	switch kind {
	case media.JPEG:
		format.Quality = cfg.JPEGQuality
		if opts.Quality != 0 {
			format.Quality = opts.Quality
		}
	case media.PNG:
		format.Compression = media.PNGCompression(strings.ToLower(cfg.PNGCompression))
		if opts.Compression != "" {
			format.Compression = media.PNGCompression(strings.ToLower(opts.Compression))
		}
	}

	naming := media.NamingPolicy{Prefix: cfg.NamePrefix, Pad: cfg.NamePad, SkipExisting: opts.SkipExisting}
	if naming.Prefix == "" {
		naming.Prefix = media.DefaultPrefix
	}
	if opts.Prefix != nil {
		naming.Prefix = *opts.Prefix
	}
	if opts.Pad != nil {
		naming.Pad = *opts.Pad
	}

	if outputDir == "" {
		outputDir = cfg.OutputRoot
	}
	return media.ExtractionRequest{
		Source:    src,
		Range:     r,
		OutputDir: outputDir,
		Naming:    naming,
		Format:    format,
	}, nil
}
