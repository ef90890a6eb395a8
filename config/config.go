// Package config loads settings from defaults, an optional yaml file and
// FRAME2IMG_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin            string        `mapstructure:"FF_BIN"`
	FFProbeBin       string        `mapstructure:"FFPROBE_BIN"`
	ProbeTimeout     time.Duration `mapstructure:"PROBE_TIMEOUT"`
	PreviewTimeout   time.Duration `mapstructure:"PREVIEW_TIMEOUT"`
	HWAccel          string        `mapstructure:"HWACCEL"`
	HWAccelTokens    []string      `mapstructure:"HWACCEL_TOKENS"`
	DecodeExtraArgs  string        `mapstructure:"DECODE_EXTRA_ARGS"`
	ProgressEvery    int           `mapstructure:"PROGRESS_EVERY"`
	ProgressInterval time.Duration `mapstructure:"PROGRESS_INTERVAL"`
	CancelGrace      time.Duration `mapstructure:"CANCEL_GRACE"`
	NamePrefix       string        `mapstructure:"NAME_PREFIX"`
	NamePad          int           `mapstructure:"NAME_PAD"`
	ImageFormat      string        `mapstructure:"IMAGE_FORMAT"`
	JPEGQuality      int           `mapstructure:"JPEG_QUALITY"`
	PNGCompression   string        `mapstructure:"PNG_COMPRESSION"`
	MinFreeDisk      int64         `mapstructure:"MIN_FREE_DISK"`
	ThrottleCPU      float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`
	RunRetention     time.Duration `mapstructure:"RUN_RETENTION"`
	OutputRoot       string        `mapstructure:"OUTPUT_ROOT"`
	AuthEnable       bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey          string        `mapstructure:"AUTH_KEY"`
	Port             string        `mapstructure:"PORT"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	TracingEndpoint  string        `mapstructure:"TRACING_ENDPOINT"`
}

// durationHook decodes Go duration strings. A bare number is taken as seconds.
func durationHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(raw)
	}
}

// byteSizeHook decodes sizes such as "200MB" into int64 byte counts. Strings
// datasize rejects are passed on unchanged.
func byteSizeHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(strings.TrimSpace(data.(string)))); err != nil {
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("PROBE_TIMEOUT", "2m")
	vp.SetDefault("PREVIEW_TIMEOUT", "30s")
	vp.SetDefault("HWACCEL", "auto")
	vp.SetDefault("HWACCEL_TOKENS", "cuda,nvdec")
	vp.SetDefault("DECODE_EXTRA_ARGS", "")
	vp.SetDefault("PROGRESS_EVERY", 10)
	vp.SetDefault("PROGRESS_INTERVAL", "250ms")
	vp.SetDefault("CANCEL_GRACE", "1s")
	vp.SetDefault("NAME_PREFIX", "frame_")
	vp.SetDefault("NAME_PAD", 0)
	vp.SetDefault("IMAGE_FORMAT", "png")
	vp.SetDefault("JPEG_QUALITY", 90)
	vp.SetDefault("PNG_COMPRESSION", "fast")
	vp.SetDefault("MIN_FREE_DISK", "200MB")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "0B")
	vp.SetDefault("RUN_RETENTION", "1h23m")
	vp.SetDefault("OUTPUT_ROOT", ".")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("CORS_ORIGINS", "*")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("TRACING_ENDPOINT", "")

	// Load from config file
	vp.SetConfigName("frame2img_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/frame2img/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("FRAME2IMG")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			durationHook(),
			byteSizeHook(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.AuthEnable && c.AuthKey == "" {
		return errors.New("AUTH_ENABLE requires AUTH_KEY")
	}
	if c.ProgressEvery < 0 {
		return fmt.Errorf("PROGRESS_EVERY must not be negative, got %d", c.ProgressEvery)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", c.JPEGQuality)
	}
	return nil
}
