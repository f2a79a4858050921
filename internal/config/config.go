// Package config loads signstream settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DefaultStreams are the network cameras tried first when CAMERA_STREAMS is
// unset: the ESP32-CAM stream endpoint on its access point and station
// addresses.
var DefaultStreams = []string{
	"http://192.168.4.1:81/stream",
	"http://192.168.1.100:81/stream",
}

// Config holds every setting of the service.
type Config struct {
	HTTPAddr  string `validate:"required"`
	StaticDir string

	CameraStreams          []string `validate:"dive,url"`
	CameraLocalMax         int      `validate:"min=0,max=16"`
	CameraWidth            int      `validate:"min=0"`
	CameraHeight           int      `validate:"min=0"`
	CameraFlip             bool
	CameraReadTimeout      time.Duration `validate:"gt=0"`
	CameraFailureThreshold int           `validate:"min=1"`
	CameraBackoffInitial   time.Duration `validate:"gt=0"`
	CameraBackoffMax       time.Duration `validate:"gtefield=CameraBackoffInitial"`

	WindowSize          int           `validate:"min=1,max=600"`
	ConfidenceThreshold float64       `validate:"gte=0,lte=1"`
	TickInterval        time.Duration `validate:"gt=0"`
	IdleWait            time.Duration `validate:"gt=0"`
	SubscriberQueue     int           `validate:"min=1,max=64"`
	PerfWindow          int           `validate:"min=1"`
	PerfSampleInterval  time.Duration `validate:"gt=0"`
	NoHandsPolicy       string        `validate:"oneof=retain reset"`
	CanonicalHands      bool
	JPEGQuality         int `validate:"min=1,max=100"`

	ModelDir       string `validate:"required"`
	DetectorScript string
	DetectorPython string

	DBDriver string `validate:"oneof=sqlite postgres none"`
	DBDSN    string `validate:"required_unless=DBDriver none"`

	RedisURL     string `validate:"omitempty,url"`
	RedisChannel string `validate:"required"`

	ControlRate float64 `validate:"gt=0"`
	Tray        bool

	LogLevel string `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFile  string
}

// Load reads the .env file at envFile (if it exists) and then the
// environment. Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var errs []error
	cfg := Config{
		HTTPAddr:  envStr("HTTP_ADDR", ":8080"),
		StaticDir: envStr("STATIC_DIR", findStaticDir()),

		CameraStreams:          envList("CAMERA_STREAMS", DefaultStreams),
		CameraLocalMax:         envInt("CAMERA_LOCAL_MAX", 3, &errs),
		CameraWidth:            envInt("CAMERA_WIDTH", 640, &errs),
		CameraHeight:           envInt("CAMERA_HEIGHT", 480, &errs),
		CameraFlip:             envBool("CAMERA_FLIP", true, &errs),
		CameraReadTimeout:      envDuration("CAMERA_READ_TIMEOUT", 2*time.Second, &errs),
		CameraFailureThreshold: envInt("CAMERA_FAILURE_THRESHOLD", 5, &errs),
		CameraBackoffInitial:   envDuration("CAMERA_BACKOFF_INITIAL", 500*time.Millisecond, &errs),
		CameraBackoffMax:       envDuration("CAMERA_BACKOFF_MAX", 30*time.Second, &errs),

		WindowSize:          envInt("WINDOW_SIZE", 30, &errs),
		ConfidenceThreshold: envFloat("CONFIDENCE_THRESHOLD", 0.7, &errs),
		TickInterval:        envDuration("TICK_INTERVAL", 30*time.Millisecond, &errs),
		IdleWait:            envDuration("IDLE_WAIT", 50*time.Millisecond, &errs),
		SubscriberQueue:     envInt("SUBSCRIBER_QUEUE", 2, &errs),
		PerfWindow:          envInt("PERF_WINDOW", 60, &errs),
		PerfSampleInterval:  envDuration("PERF_SAMPLE_INTERVAL", 5*time.Second, &errs),
		NoHandsPolicy:       strings.ToLower(envStr("NO_HANDS_POLICY", "retain")),
		CanonicalHands:      envBool("CANONICAL_HANDS", false, &errs),
		JPEGQuality:         envInt("JPEG_QUALITY", 70, &errs),

		ModelDir:       envStr("MODEL_DIR", "models"),
		DetectorScript: envStr("DETECTOR_SCRIPT", ""),
		DetectorPython: envStr("DETECTOR_PYTHON", ""),

		DBDriver: strings.ToLower(envStr("DB_DRIVER", "sqlite")),
		DBDSN:    envStr("DB_DSN", defaultDSN()),

		RedisURL:     envStr("REDIS_URL", ""),
		RedisChannel: envStr("REDIS_CHANNEL", "signstream:signs"),

		ControlRate: envFloat("CONTROL_RATE", 10, &errs),
		Tray:        envBool("TRAY", false, &errs),

		LogLevel: strings.ToLower(envStr("LOG_LEVEL", "info")),
		LogFile:  envStr("LOG_FILE", ""),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the field constraints.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func envStr(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int, errs *[]error) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64, errs *[]error) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func envBool(key string, fallback bool, errs *[]error) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

// envList splits a comma separated value. A set but blank variable means an
// empty list, which disables network discovery.
func envList(key string, fallback []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "signstream.db"
	}
	return filepath.Join(home, ".signstream", "signstream.db")
}

// findStaticDir looks for the web UI next to the working directory or the
// binary.
func findStaticDir() string {
	var candidates []string
	candidates = append(candidates, "web", "../web")
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "web"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return ""
}
