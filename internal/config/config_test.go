package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("HTTP_ADDR", ":8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.SessionTTLStr != "10m" {
		t.Errorf("SessionTTLStr = %q, want %q", cfg.SessionTTLStr, "10m")
	}
	if cfg.AuditKafkaTopic != "credportal-audit" {
		t.Errorf("AuditKafkaTopic = %q, want %q", cfg.AuditKafkaTopic, "credportal-audit")
	}
	if cfg.KafkaGroupID != "credportal-audit-worker" {
		t.Errorf("KafkaGroupID = %q, want %q", cfg.KafkaGroupID, "credportal-audit-worker")
	}
	if cfg.SessionTTL() != 10*time.Minute {
		t.Errorf("SessionTTL() = %v, want 10m", cfg.SessionTTL())
	}
	if cfg.SweepInterval() != 30*time.Second {
		t.Errorf("SweepInterval() = %v, want 30s", cfg.SweepInterval())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("HTTP_ADDR", ":9090")
	os.Setenv("PLATFORM_BASE_URL", "https://platform.test/v1")
	os.Setenv("SESSION_TTL", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.PlatformBaseURL != "https://platform.test/v1" {
		t.Errorf("PlatformBaseURL = %q", cfg.PlatformBaseURL)
	}
	if cfg.SessionTTL() != 5*time.Minute {
		t.Errorf("SessionTTL() = %v, want 5m", cfg.SessionTTL())
	}
}

func TestLoad_ProductionRequiresWebhookSecret(t *testing.T) {
	os.Clearenv()
	os.Setenv("HTTP_ADDR", ":8080")
	os.Setenv("APP_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("Load should fail when APP_ENV=production and WEBHOOK_SHARED_SECRET is empty")
	}

	os.Setenv("WEBHOOK_SHARED_SECRET", "s3cret")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestTokenURL_DerivedFromBase(t *testing.T) {
	cfg := &Config{PlatformBaseURL: "https://platform.test/v1/"}
	if got := cfg.TokenURL(); got != "https://platform.test/v1/oauth/token" {
		t.Errorf("TokenURL() = %q", got)
	}

	cfg.PlatformTokenURL = "https://auth.platform.test/token"
	if got := cfg.TokenURL(); got != "https://auth.platform.test/token" {
		t.Errorf("TokenURL() = %q, want explicit token URL", got)
	}
}

func TestAuditKafkaBrokersList(t *testing.T) {
	cfg := &Config{AuditKafkaBrokers: "localhost:9092, broker2:9092 ,"}
	got := cfg.AuditKafkaBrokersList()
	if len(got) != 2 || got[0] != "localhost:9092" || got[1] != "broker2:9092" {
		t.Errorf("AuditKafkaBrokersList() = %v", got)
	}

	var nilCfg *Config
	if nilCfg.AuditKafkaBrokersList() != nil {
		t.Error("nil config should return nil broker list")
	}
}
