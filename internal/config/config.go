// Package config provides configuration management for Proctor.
// Configuration is loaded from a .env file and environment variables with
// sensible defaults; command line flags override it in cmd.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultAddr          = ":5000"
	DefaultUploadDir     = "input_videos"
	DefaultFramesDir     = "static/frames"
	DefaultLabelsFile    = "predicted_labels.json"
	DefaultCascade       = "haarcascade_frontalface_default.xml"
	DefaultDetector      = DetectorCascade
	DefaultDecoder       = DecoderFFmpeg
	DefaultDetectorPy    = "python/detect.py"
	DefaultDecodeTimeout = 30 * time.Minute
	DefaultLogLevel      = "info"
	DefaultDatabaseURL   = "sqlite://proctor.db"
	DefaultMaxUpload     = 16 * 1024 * 1024

	// Environment variable names
	EnvDatabaseURL   = "PROCTOR_DB"
	EnvAddr          = "PROCTOR_ADDR"
	EnvUploadDir     = "PROCTOR_UPLOAD_DIR"
	EnvFramesDir     = "PROCTOR_FRAMES_DIR"
	EnvLabelsFile    = "PROCTOR_LABELS_FILE"
	EnvCascade       = "PROCTOR_CASCADE"
	EnvDetector      = "PROCTOR_DETECTOR"
	EnvDetectorPy    = "PROCTOR_DETECTOR_SCRIPT"
	EnvDecoder       = "PROCTOR_DECODER"
	EnvWorkers       = "PROCTOR_WORKERS"
	EnvDecodeTimeout = "PROCTOR_DECODE_TIMEOUT"
	EnvLogLevel      = "PROCTOR_LOG_LEVEL"
	EnvLogFile       = "PROCTOR_LOG_FILE"

	// Discrete database settings, used when EnvDatabaseURL is unset
	EnvDBHost     = "DB_HOST"
	EnvDBName     = "DB_NAME"
	EnvDBUser     = "DB_USER"
	EnvDBPassword = "DB_PASSWORD"
	EnvDBPort     = "DB_PORT"
)

// Face detector backends.
const (
	DetectorCascade = "cascade"
	DetectorPython  = "python"
)

// Video decoder backends.
const (
	DecoderFFmpeg = "ffmpeg"
	DecoderOpenCV = "opencv"
)

// Config is the resolved runtime configuration.
type Config struct {
	DatabaseURL    string
	Addr           string
	UploadDir      string
	FramesDir      string
	LabelsFile     string
	Cascade        string
	Detector       string
	DetectorScript string
	Decoder        string
	Workers        int
	DecodeTimeout  time.Duration
	LogLevel       string
	LogFile        string
	MaxUploadBytes int64
}

// Load reads the given .env files (".env" when none are named) into the
// process environment, then builds the configuration from it. Missing files
// are not an error; variables already set win over the files.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv creates a Config with defaults and environment variable overrides.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    DatabaseURL(),
		Addr:           getenv(EnvAddr, DefaultAddr),
		UploadDir:      getenv(EnvUploadDir, DefaultUploadDir),
		FramesDir:      getenv(EnvFramesDir, DefaultFramesDir),
		LabelsFile:     getenv(EnvLabelsFile, DefaultLabelsFile),
		Cascade:        getenv(EnvCascade, DefaultCascade),
		Detector:       getenv(EnvDetector, DefaultDetector),
		DetectorScript: getenv(EnvDetectorPy, DefaultDetectorPy),
		Decoder:        getenv(EnvDecoder, DefaultDecoder),
		Workers:        runtime.NumCPU(),
		DecodeTimeout:  DefaultDecodeTimeout,
		LogLevel:       getenv(EnvLogLevel, DefaultLogLevel),
		LogFile:        os.Getenv(EnvLogFile),
		MaxUploadBytes: DefaultMaxUpload,
	}

	if w := os.Getenv(EnvWorkers); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvWorkers, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("invalid %s: must be at least 1", EnvWorkers)
		}
		cfg.Workers = n
	}

	if d := os.Getenv(EnvDecodeTimeout); d != "" {
		timeout, err := time.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvDecodeTimeout, err)
		}
		cfg.DecodeTimeout = timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the backend selections.
func (c *Config) Validate() error {
	switch c.Detector {
	case DetectorCascade, DetectorPython:
	default:
		return fmt.Errorf("unknown detector %q (want %s or %s)", c.Detector, DetectorCascade, DetectorPython)
	}
	switch c.Decoder {
	case DecoderFFmpeg, DecoderOpenCV:
	default:
		return fmt.Errorf("unknown decoder %q (want %s or %s)", c.Decoder, DecoderFFmpeg, DecoderOpenCV)
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	return nil
}

// DatabaseURL returns PROCTOR_DB if set, a PostgreSQL URL built from the
// DB_* variables if DB_HOST is set, and a local SQLite file otherwise.
func DatabaseURL() string {
	if dsn := os.Getenv(EnvDatabaseURL); dsn != "" {
		return dsn
	}
	host := os.Getenv(EnvDBHost)
	if host == "" {
		return DefaultDatabaseURL
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, getenv(EnvDBPort, "5432")),
		Path:   "/" + os.Getenv(EnvDBName),
	}
	if user := os.Getenv(EnvDBUser); user != "" {
		if pass, ok := os.LookupEnv(EnvDBPassword); ok {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)
