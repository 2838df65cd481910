package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
server:
  port: "3001"
`

func writeConfigFile(t *testing.T, dir, content string) {
	t.Helper()
	cfgDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "dev.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config", "secrets.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
}

func TestLoad_FailsWhenNoAPIKey(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "")
	os.Unsetenv("OPENWEATHER_API_KEY")

	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML)
	chdir(t, dir)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error without OPENWEATHER_API_KEY, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "OPENWEATHER_API_KEY") {
		t.Errorf("Load() error = %v, want message naming the missing key", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "ow-key")

	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML)
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerPort != "3001" {
		t.Errorf("ServerPort = %q, want 3001", cfg.ServerPort)
	}
	if cfg.CacheBackend != "in_memory" {
		t.Errorf("CacheBackend = %q, want in_memory", cfg.CacheBackend)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want 5m", cfg.CacheTTL)
	}
	if cfg.CacheSweep != time.Minute {
		t.Errorf("CacheSweep = %v, want 1m", cfg.CacheSweep)
	}
	if cfg.PollutionTimeout != 5*time.Second || cfg.HistoryTimeout != 10*time.Second {
		t.Errorf("timeouts = %v/%v, want 5s/10s defaults", cfg.PollutionTimeout, cfg.HistoryTimeout)
	}
	if cfg.StationRadius != 25000 {
		t.Errorf("StationRadius = %d, want 25000", cfg.StationRadius)
	}
	if cfg.GemsImageTTL != time.Hour {
		t.Errorf("GemsImageTTL = %v, want 1h", cfg.GemsImageTTL)
	}
	if cfg.RequestTimeout <= cfg.HistoryTimeout {
		t.Errorf("RequestTimeout = %v, must exceed the slowest upstream timeout", cfg.RequestTimeout)
	}
}

func TestLoad_SecretsFileFallback(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "")
	os.Unsetenv("OPENWEATHER_API_KEY")

	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML)
	writeSecretsFile(t, dir, "openweather_api_key: from-secrets\ngems_api_key: gems-from-secrets\n")
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenWeatherAPIKey != "from-secrets" {
		t.Errorf("OpenWeatherAPIKey = %q, want from-secrets", cfg.OpenWeatherAPIKey)
	}
	if cfg.GEMSAPIKey != "gems-from-secrets" {
		t.Errorf("GEMSAPIKey = %q, want gems-from-secrets", cfg.GEMSAPIKey)
	}
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "from-env")

	dir := t.TempDir()
	writeConfigFile(t, dir, minimalYAML)
	writeSecretsFile(t, dir, "openweather_api_key: from-secrets\n")
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenWeatherAPIKey != "from-env" {
		t.Errorf("OpenWeatherAPIKey = %q, env must win", cfg.OpenWeatherAPIKey)
	}
}

func TestLoad_FullFile(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "ow-key")

	dir := t.TempDir()
	writeConfigFile(t, dir, `
server:
  port: "8090"
cache:
  backend: memcached
  ttl: 10m
  memcached:
    addrs: "cache1:11211,cache2:11211"
gems:
  image_ttl: 2h
  warm_interval: 30m
  warm_on_start: true
reliability:
  rate_limit_rps: 50
  rate_limit_burst: 75
warm:
  coordinates:
    - name: "Seoul"
      lat: 37.5665
      lon: 126.978
`)
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerPort != "8090" {
		t.Errorf("ServerPort = %q, want 8090", cfg.ServerPort)
	}
	if cfg.CacheBackend != "memcached" || cfg.MemcachedAddrs != "cache1:11211,cache2:11211" {
		t.Errorf("memcached config = %q/%q", cfg.CacheBackend, cfg.MemcachedAddrs)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Errorf("CacheTTL = %v, want 10m", cfg.CacheTTL)
	}
	if cfg.GemsImageTTL != 2*time.Hour || cfg.WarmInterval != 30*time.Minute || !cfg.WarmOnStart {
		t.Errorf("gems config = %v/%v/%v", cfg.GemsImageTTL, cfg.WarmInterval, cfg.WarmOnStart)
	}
	if cfg.RateLimitRPS != 50 || cfg.RateLimitBurst != 75 {
		t.Errorf("rate limit = %d/%d, want 50/75", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if len(cfg.TrackedCoordinates) != 1 || cfg.TrackedCoordinates[0].Name != "Seoul" {
		t.Errorf("TrackedCoordinates = %+v", cfg.TrackedCoordinates)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "ow-key")

	dir := t.TempDir()
	writeConfigFile(t, dir, "cache:\n  backend: redis\n")
	chdir(t, dir)

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "cache.backend") {
		t.Errorf("Load() error = %v, want cache.backend validation failure", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "ow-key")
	chdir(t, t.TempDir())

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("Load() error = %v, want config file not found", err)
	}
}

func TestParseDuration(t *testing.T) {
	if got := parseDuration("", time.Second); got != time.Second {
		t.Errorf("empty = %v, want default", got)
	}
	if got := parseDuration("2m", time.Second); got != 2*time.Minute {
		t.Errorf("2m = %v", got)
	}
	if got := parseDuration("bogus", time.Second); got != time.Second {
		t.Errorf("bogus = %v, want default", got)
	}
	if got := parseDuration("-3s", time.Second); got != time.Second {
		t.Errorf("negative = %v, want default", got)
	}
}
