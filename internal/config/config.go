// Package config reads facewatch settings from the environment. A .env file
// is loaded by the CLI before Load runs; command-line flags override these.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Camera     CameraConfig
	Engine     EngineConfig
	Detection  DetectionConfig
	Alerts     AlertConfig
	Database   DatabaseConfig
	Relay      RelayConfig
	ControlAPI string // listen address for the control API, empty disables it
}

type CameraConfig struct {
	Device    string // e.g. /dev/video0, 0 (avfoundation), rtsp://...
	Format    string // ffmpeg input format, e.g. v4l2
	Width     int
	Height    int
	FrameRate int
}

type EngineConfig struct {
	Python      string
	Script      string
	ModelDir    string
	LoadTimeout time.Duration
	ReadTimeout time.Duration
}

type DetectionConfig struct {
	MinConfidence float64       // detector score floor (default 0.5)
	MatchRadius   float64       // Euclidean match radius (default 0.6)
	Interval      time.Duration // zero means tick on every new frame
	DisplayWidth  int           // zero means native width
	DisplayHeight int
}

type AlertConfig struct {
	ThresholdsFile string        // YAML thresholds, empty means defaults
	Cooldown       time.Duration // per identity+emotion re-alert suppression
	RelayURL       string        // POST target for alerts, empty disables HTTP delivery
	QueueSize      int
}

type DatabaseConfig struct {
	URL string // PostgreSQL connection URL
}

type RelayConfig struct {
	Addr         string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	MailFrom     string
	MailTo       []string
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a non-negative float, falling back to defaultVal.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration reads a Go duration such as "10s", falling back to defaultVal.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() *Config {
	return &Config{
		Camera: CameraConfig{
			Device:    envString("CAMERA_DEVICE", "/dev/video0"),
			Format:    os.Getenv("CAMERA_FORMAT"),
			Width:     envInt("CAMERA_WIDTH", 640),
			Height:    envInt("CAMERA_HEIGHT", 480),
			FrameRate: envInt("CAMERA_FPS", 30),
		},
		Engine: EngineConfig{
			Python:      envString("ENGINE_PYTHON", "python3"),
			Script:      envString("ENGINE_SCRIPT", "python/engine.py"),
			ModelDir:    envString("ENGINE_MODELS", "models"),
			LoadTimeout: envDuration("ENGINE_LOAD_TIMEOUT", 60*time.Second),
			ReadTimeout: envDuration("ENGINE_READ_TIMEOUT", 10*time.Second),
		},
		Detection: DetectionConfig{
			MinConfidence: envFloat("DETECTION_MIN_CONFIDENCE", 0.5),
			MatchRadius:   envFloat("MATCH_RADIUS", 0.6),
			Interval:      envDuration("DETECTION_INTERVAL", 0),
			DisplayWidth:  envInt("DISPLAY_WIDTH", 0),
			DisplayHeight: envInt("DISPLAY_HEIGHT", 0),
		},
		Alerts: AlertConfig{
			ThresholdsFile: os.Getenv("THRESHOLDS_FILE"),
			Cooldown:       envDuration("ALERT_COOLDOWN", 10*time.Second),
			RelayURL:       os.Getenv("ALERT_RELAY_URL"),
			QueueSize:      envInt("ALERT_QUEUE_SIZE", 64),
		},
		Database: DatabaseConfig{
			URL: DatabaseURL(),
		},
		Relay: RelayConfig{
			Addr:         envString("RELAY_ADDR", ":3000"),
			SMTPHost:     os.Getenv("SMTP_HOST"),
			SMTPPort:     envInt("SMTP_PORT", 587),
			SMTPUser:     os.Getenv("SMTP_USER"),
			SMTPPassword: os.Getenv("SMTP_PASSWORD"),
			MailFrom:     os.Getenv("MAIL_FROM"),
			MailTo:       envList("MAIL_TO"),
		},
		ControlAPI: os.Getenv("CONTROL_ADDR"),
	}
}

// DatabaseURL returns DATABASE_URL, or builds one from POSTGRES_* variables.
// Empty when neither is set.
func DatabaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := envString("POSTGRES_PORT", "5432")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}
