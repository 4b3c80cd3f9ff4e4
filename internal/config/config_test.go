package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"CAMERA_DEVICE", "ALERT_COOLDOWN", "MATCH_RADIUS", "DATABASE_URL", "POSTGRES_HOST", "MAIL_TO"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	if cfg.Camera.Device != "/dev/video0" {
		t.Errorf("Camera.Device = %q", cfg.Camera.Device)
	}
	if cfg.Alerts.Cooldown != 10*time.Second {
		t.Errorf("Alerts.Cooldown = %s", cfg.Alerts.Cooldown)
	}
	if cfg.Detection.MatchRadius != 0.6 {
		t.Errorf("Detection.MatchRadius = %v", cfg.Detection.MatchRadius)
	}
	if cfg.Database.URL != "" {
		t.Errorf("Database.URL = %q, want empty", cfg.Database.URL)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("CAMERA_FPS", "15")
	t.Setenv("ALERT_COOLDOWN", "0s")
	t.Setenv("DETECTION_MIN_CONFIDENCE", "0.8")
	t.Setenv("MAIL_TO", "ops@example.com, , boss@example.com")
	cfg := Load()

	if cfg.Camera.FrameRate != 15 {
		t.Errorf("FrameRate = %d", cfg.Camera.FrameRate)
	}
	if cfg.Alerts.Cooldown != 0 {
		t.Errorf("Cooldown = %s, want 0", cfg.Alerts.Cooldown)
	}
	if cfg.Detection.MinConfidence != 0.8 {
		t.Errorf("MinConfidence = %v", cfg.Detection.MinConfidence)
	}
	if len(cfg.Relay.MailTo) != 2 || cfg.Relay.MailTo[1] != "boss@example.com" {
		t.Errorf("MailTo = %v", cfg.Relay.MailTo)
	}
}

func TestEnvParsersRejectGarbage(t *testing.T) {
	t.Setenv("X_INT", "-3")
	t.Setenv("X_FLOAT", "abc")
	t.Setenv("X_DUR", "soon")
	if envInt("X_INT", 7) != 7 {
		t.Error("envInt accepted a negative value")
	}
	if envFloat("X_FLOAT", 0.5) != 0.5 {
		t.Error("envFloat accepted garbage")
	}
	if envDuration("X_DUR", time.Second) != time.Second {
		t.Error("envDuration accepted garbage")
	}
}

func TestDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "facewatch")
	t.Setenv("POSTGRES_PORT", "")

	if got := DatabaseURL(); got != "postgres://u:p@db:5432/facewatch" {
		t.Errorf("DatabaseURL() = %q", got)
	}

	t.Setenv("DATABASE_URL", "postgres://override/x")
	if got := DatabaseURL(); got != "postgres://override/x" {
		t.Errorf("DATABASE_URL must win, got %q", got)
	}
}
