package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != DefaultHost {
		t.Errorf("Host = %s, want %s", cfg.Host, DefaultHost)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.UpstreamWSURL != DefaultUpstreamWSURL {
		t.Errorf("UpstreamWSURL = %s", cfg.UpstreamWSURL)
	}
	if cfg.Reconnect.Factor != DefaultFactor {
		t.Errorf("Reconnect.Factor = %f", cfg.Reconnect.Factor)
	}
	if cfg.Reconnect.MaxAttempts != 0 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 0", cfg.Reconnect.MaxAttempts)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `{
		"port": 9090,
		"upstreamWsUrl": "ws://localhost:8900",
		"maxSubscriptions": 5,
		"reconnect": {"initialDelayMs": 100, "maxAttempts": 3}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.UpstreamWSURL != "ws://localhost:8900" {
		t.Errorf("UpstreamWSURL = %s", cfg.UpstreamWSURL)
	}
	if cfg.MaxSubscriptions != 5 {
		t.Errorf("MaxSubscriptions = %d, want 5", cfg.MaxSubscriptions)
	}
	if cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Reconnect.MaxAttempts)
	}
	// Unset fields still get defaults
	if cfg.Reconnect.MaxDelay != DefaultMaxDelay {
		t.Errorf("MaxDelay = %d, want default", cfg.Reconnect.MaxDelay)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv(EnvUpstreamWSURL, "wss://devnet.example.com")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UpstreamWSURL != "wss://devnet.example.com" {
		t.Errorf("UpstreamWSURL = %s, want env override", cfg.UpstreamWSURL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad url scheme", `{"upstreamWsUrl": "http://example.com"}`},
		{"bad log level", `{"logLevel": "verbose"}`},
		{"bad port", `{"port": 70000}`},
		{"bad factor", `{"reconnect": {"factor": 0.5}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := Load(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Error("expected error for missing file")
	}
}
