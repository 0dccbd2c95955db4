package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

const (
	DefaultMaxWidth  = 1920
	DefaultMaxHeight = 1080
)

var ErrCredentialsNotFound = errors.New("credentials file not found")

var (
	ReadOnlyScope = "https://www.googleapis.com/auth/photoslibrary.readonly"
	SharingScope  = "https://www.googleapis.com/auth/photoslibrary.sharing"
)

// Config is the struct used to contain the various user
// config supplied by file or environment. It is constructed once
// at startup and handed to each component which requires it.
type Config struct {
	Auth       AuthConfig       `yaml:"auth"`
	Download   DownloadConfig   `yaml:"download"`
	Heic       HeicConfig       `yaml:"heic"`
	Optimize   OptimizeConfig   `yaml:"optimize"`
	Duplicates DuplicatesConfig `yaml:"duplicates"`
	Processing ProcessingConfig `yaml:"processing"`
	Ffmpeg     FfmpegConfig     `yaml:"ffmpeg"`
	Log        LogConfig        `yaml:"log"`
}

type AuthConfig struct {
	CredentialsFile string   `yaml:"credentials_file" env:"CREDENTIALS_FILE" env-default:"credentials.json" validate:"required"`
	TokenFile       string   `yaml:"token_file" env:"TOKEN_FILE" env-default:"token.json" validate:"required"`
	Scopes          []string `yaml:"scopes" env:"GOOGLE_PHOTOS_SCOPES"`
}

type DownloadConfig struct {
	Path                  string `yaml:"path" env:"DEFAULT_DOWNLOAD_PATH" env-default:"./downloads" validate:"required"`
	MaxConcurrent         int    `yaml:"max_concurrent" env:"MAX_CONCURRENT_DOWNLOADS" env-default:"5" validate:"min=1"`
	UseThreading          bool   `yaml:"use_threading" env:"USE_THREADING" env-default:"true"`
	RequestsPerSecond     int    `yaml:"requests_per_second" env:"API_REQUESTS_PER_SECOND" env-default:"5" validate:"min=1"`
	MaxAttempts           int    `yaml:"max_attempts" env:"API_MAX_ATTEMPTS" env-default:"5" validate:"min=1"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds" env:"API_REQUEST_TIMEOUT_SECONDS" env-default:"60" validate:"min=1"`
}

func (c DownloadConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

type HeicConfig struct {
	ExtractVideos bool   `yaml:"extract_videos" env:"HEIC_EXTRACT_VIDEOS" env-default:"true"`
	KeepOriginal  bool   `yaml:"keep_original" env:"HEIC_KEEP_ORIGINAL" env-default:"true"`
	OutputFormat  string `yaml:"output_format" env:"HEIC_OUTPUT_FORMAT" env-default:"jpg" validate:"oneof=jpg jpeg png tiff bmp"`
	VideoFormat   string `yaml:"video_format" env:"HEIC_VIDEO_FORMAT" validate:"omitempty,oneof=mp4 mov mkv webm"`
	MaxAttempts   int    `yaml:"max_attempts" env:"HEIC_MAX_ATTEMPTS" env-default:"2" validate:"min=1"`
}

type OptimizeConfig struct {
	Quality          int    `yaml:"quality" env:"OPTIMIZE_QUALITY" env-default:"85" validate:"min=1,max=100"`
	MaxSize          string `yaml:"max_size" env:"MAX_IMAGE_SIZE" env-default:"1920x1080"`
	OutputFormat     string `yaml:"output_format" env:"OPTIMIZE_OUTPUT_FORMAT" env-default:"jpg" validate:"oneof=jpg jpeg png tiff bmp gif"`
	PreserveMetadata bool   `yaml:"preserve_metadata" env:"PRESERVE_METADATA" env-default:"true"`
}

// MaxDimensions returns the configured maximum width and height. See ParseDimensions.
func (c OptimizeConfig) MaxDimensions() (int, int) {
	return ParseDimensions(c.MaxSize)
}

type DuplicatesConfig struct {
	Method    string `yaml:"method" env:"DUPLICATE_METHOD" env-default:"exact" validate:"oneof=exact hash perceptual"`
	Threshold int    `yaml:"threshold" env:"DUPLICATE_THRESHOLD" env-default:"5" validate:"min=0,max=64"`
}

type ProcessingConfig struct {
	Workers          int `yaml:"workers" env:"MAX_WORKERS" env-default:"1" validate:"min=1"`
	BatchSize        int `yaml:"batch_size" env:"BATCH_SIZE" env-default:"100" validate:"min=1"`
	FailureTolerance int `yaml:"failure_tolerance" env:"FAILURE_TOLERANCE" env-default:"0" validate:"min=0"`
}

type FfmpegConfig struct {
	FfmpegBinaryPath  string `yaml:"ffmpeg_binary" env:"FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
	FfprobeBinaryPath string `yaml:"ffprobe_binary" env:"FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"INFO" validate:"oneof=VERBOSE DEBUG INFO WARNING WARN ERROR verbose debug info warning warn error"`
	File  string `yaml:"file" env:"LOG_FILE" env-default:"photon.log"`
}

// Load constructs a Config from the YAML file at the path provided. If the path
// is empty, or no file exists there, the configuration is read from the
// environment alone. Defaults are applied for anything not provided, and
// file paths are expanded (e.g. '~/').
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
			}

			return cfg, cfg.expandPaths()
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	return cfg, cfg.expandPaths()
}

// Validate checks the configuration and returns every problem found. An
// empty slice means the configuration is valid.
func (config *Config) Validate() []error {
	problems := make([]error, 0)

	if err := validator.New().Struct(config); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fe := range validationErrors {
				problems = append(problems, fmt.Errorf("%s: failed '%s' check (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			problems = append(problems, err)
		}
	}

	if _, err := os.Stat(config.Auth.CredentialsFile); err != nil {
		problems = append(problems, fmt.Errorf("%w: %s", ErrCredentialsNotFound, config.Auth.CredentialsFile))
	}

	if w, h, ok := parseDimensions(config.Optimize.MaxSize); !ok || w <= 0 || h <= 0 {
		problems = append(problems, fmt.Errorf("max image size must be positive WxH, got %q", config.Optimize.MaxSize))
	}

	return problems
}

// AuthScopes returns the OAuth scopes to request, defaulting to read-only
// library access plus sharing.
func (config *Config) AuthScopes() []string {
	if len(config.Auth.Scopes) > 0 {
		return config.Auth.Scopes
	}

	return []string{ReadOnlyScope, SharingScope}
}

func (config *Config) expandPaths() error {
	for _, p := range []*string{&config.Auth.CredentialsFile, &config.Auth.TokenFile, &config.Download.Path, &config.Log.File} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %s: %w", *p, err)
		}
		*p = expanded
	}

	return nil
}

// ParseDimensions parses a 'WxH' string (e.g. "1920x1080"). Malformed input
// falls back to the default of 1920x1080.
func ParseDimensions(s string) (int, int) {
	if w, h, ok := parseDimensions(s); ok {
		return w, h
	}

	return DefaultMaxWidth, DefaultMaxHeight
}

func parseDimensions(s string) (int, int, bool) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, false
	}

	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}

	return w, h, true
}
