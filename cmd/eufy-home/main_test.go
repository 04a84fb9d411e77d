package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("EUFY_PASSWORD", "")
	cfg, err := loadConfig(writeConfig(t, `
eufy:
  username: me@example.com
  password: secret
gateway:
  url: ws://127.0.0.1:3000
media:
  data_dir: /var/lib/eufy
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Eufy.PollingInterval != 10 || cfg.Eufy.MaxLivestreamDuration != 30 || cfg.Eufy.EventDuration != 10 {
		t.Errorf("eufy defaults = %+v", cfg.Eufy)
	}
	if cfg.Eufy.P2PConnectionType != "prefer_local" {
		t.Errorf("p2p = %q", cfg.Eufy.P2PConnectionType)
	}
	if cfg.Eufy.CredentialsPath != filepath.Join("/var/lib/eufy", "persistent.json") {
		t.Errorf("credentials path = %q", cfg.Eufy.CredentialsPath)
	}
	if cfg.Media.Namespace != "eufy" || cfg.Media.FFmpeg != "ffmpeg" {
		t.Errorf("media defaults = %+v", cfg.Media)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigPasswordFromEnv(t *testing.T) {
	t.Setenv("EUFY_PASSWORD", "from-env")
	cfg, err := loadConfig(writeConfig(t, "eufy:\n  username: me\n  password: from-file\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Eufy.Password != "from-env" {
		t.Errorf("password = %q, want from-env", cfg.Eufy.Password)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
	if _, err := loadConfig(writeConfig(t, "eufy: [")); err == nil {
		t.Error("malformed yaml loaded")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Eufy.Username = "me"
		cfg.Eufy.Password = "pw"
		cfg.Eufy.P2PConnectionType = "quickest"
		cfg.Gateway.URL = "ws://gw"
		cfg.Media.Namespace = "eufy"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no username", func(c *Config) { c.Eufy.Username = "" }, "username"},
		{"no gateway", func(c *Config) { c.Gateway.URL = "" }, "gateway.url"},
		{"bad p2p", func(c *Config) { c.Eufy.P2PConnectionType = "fast" }, "p2p_connection_type"},
		{"bad verify", func(c *Config) { c.Eufy.VerificationMethod = 2 }, "verification_method"},
		{"api namespace", func(c *Config) { c.Media.Namespace = "api" }, "namespace"},
		{"nested namespace", func(c *Config) { c.Media.Namespace = "a/b" }, "namespace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
	if err := valid().validate(); err != nil {
		t.Errorf("valid config: %v", err)
	}
}
