package cli

import (
	"fmt"
	"strings"

	"frame2img/config"
	"frame2img/ffmpeg"
	"frame2img/logger"
	"frame2img/task"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type app struct {
	cfg      *config.Config
	log      *zap.Logger
	prober   *ffmpeg.Prober
	selector *ffmpeg.Selector
	decoder  *ffmpeg.Decoder
}

// setup loads the configuration and builds the ffmpeg backed components.
// defaultLevel applies when neither --log-level nor LOG_LEVEL is set.
func setup(cmd *cobra.Command, defaultLevel string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = defaultLevel
	}
	if level == "" {
		level = cfg.LogLevel
	}
	log, err := logger.New(level)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Lookup("hwaccel") != nil && cmd.Flags().Changed("hwaccel") {
		cfg.HWAccel, _ = cmd.Flags().GetString("hwaccel")
	}
	cfg.HWAccel = strings.ToLower(strings.TrimSpace(cfg.HWAccel))
	switch cfg.HWAccel {
	case ffmpeg.HWAccelAuto, ffmpeg.HWAccelOff:
	default:
		return nil, fmt.Errorf("invalid hwaccel mode %q (want %s or %s)", cfg.HWAccel, ffmpeg.HWAccelAuto, ffmpeg.HWAccelOff)
	}

	extra, err := ffmpeg.ParseExtraArgs(cfg.DecodeExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("DECODE_EXTRA_ARGS: %w", err)
	}

	return &app{
		cfg:      cfg,
		log:      log,
		prober:   ffmpeg.NewProber(cfg.FFProbeBin, cfg.FFBin, log.Named("probe")),
		selector: ffmpeg.NewSelector(cfg.FFBin, cfg.HWAccel, cfg.HWAccelTokens, log.Named("hwaccel")),
		decoder:  ffmpeg.NewDecoder(cfg.FFBin, extra, cfg.CancelGrace, log.Named("decoder")),
	}, nil
}

func (a *app) manager() (*task.Manager, error) {
	return task.NewManager(a.cfg, a.prober, a.selector, a.decoder, a.log)
}
