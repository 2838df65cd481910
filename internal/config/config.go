package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TrackedCoordinate is a location kept warm by the background refresher.
type TrackedCoordinate struct {
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
}

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string
	EnvName    string

	OpenWeatherAPIKey string
	OpenWeatherURL    string
	OpenAQAPIKey      string
	OpenAQURL         string
	GEMSAPIKey        string

	PollutionTimeout time.Duration
	WeatherTimeout   time.Duration
	ForecastTimeout  time.Duration
	HistoryTimeout   time.Duration
	OpenAQTimeout    time.Duration
	StationRadius    int

	RequestTimeout time.Duration

	CacheTTL      time.Duration
	CacheSweep    time.Duration
	CacheBackend  string // "in_memory" or "memcached"
	CoalesceWait  time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	GemsImageTTL   time.Duration
	GemsStampTTL   time.Duration
	GemsListWindow time.Duration
	WarmInterval   time.Duration
	WarmOnStart    bool

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout time.Duration
	HealthWindow    time.Duration

	TrackedCoordinates []TrackedCoordinate
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	OpenWeather struct {
		URL              string `yaml:"url"`
		PollutionTimeout string `yaml:"pollution_timeout"`
		WeatherTimeout   string `yaml:"weather_timeout"`
		ForecastTimeout  string `yaml:"forecast_timeout"`
		HistoryTimeout   string `yaml:"history_timeout"`
	} `yaml:"openweather"`

	OpenAQ struct {
		URL           string `yaml:"url"`
		Timeout       string `yaml:"timeout"`
		StationRadius int    `yaml:"station_radius_m"`
	} `yaml:"openaq"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend      string `yaml:"backend"`
		TTL          string `yaml:"ttl"`
		Sweep        string `yaml:"sweep_interval"`
		CoalesceWait string `yaml:"coalesce_wait"`
		Memcached    struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Gems struct {
		ImageTTL    string `yaml:"image_ttl"`
		StampTTL    string `yaml:"stamp_ttl"`
		ListWindow  string `yaml:"list_window"`
		WarmInterval string `yaml:"warm_interval"`
		WarmOnStart bool   `yaml:"warm_on_start"`
	} `yaml:"gems"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		Window string `yaml:"window"`
	} `yaml:"health"`

	Warm struct {
		Coordinates []TrackedCoordinate `yaml:"coordinates"`
	} `yaml:"warm"`
}

type secretsFile struct {
	OpenWeatherAPIKey string `yaml:"openweather_api_key"`
	OpenAQAPIKey      string `yaml:"openaq_api_key"`
	GEMSAPIKey        string `yaml:"gems_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. API keys come from env or the secrets file; env wins.
// Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{EnvName: env}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "3001"
	}
	if p := os.Getenv("PORT"); p != "" {
		cfg.ServerPort = p
	}

	sec, err := loadSecrets(cwd)
	if err != nil {
		return nil, err
	}
	cfg.OpenWeatherAPIKey = firstNonEmpty(os.Getenv("OPENWEATHER_API_KEY"), sec.OpenWeatherAPIKey)
	if cfg.OpenWeatherAPIKey == "" {
		return nil, fmt.Errorf("OPENWEATHER_API_KEY required (set env or config/secrets.yaml openweather_api_key)")
	}
	cfg.OpenAQAPIKey = firstNonEmpty(os.Getenv("OPENAQ_API_KEY"), sec.OpenAQAPIKey)
	cfg.GEMSAPIKey = firstNonEmpty(os.Getenv("GEMS_API_KEY"), sec.GEMSAPIKey)

	cfg.OpenWeatherURL = fc.OpenWeather.URL
	if cfg.OpenWeatherURL == "" {
		cfg.OpenWeatherURL = "https://api.openweathermap.org/data/2.5"
	}
	cfg.PollutionTimeout = parseDuration(fc.OpenWeather.PollutionTimeout, 5*time.Second)
	cfg.WeatherTimeout = parseDuration(fc.OpenWeather.WeatherTimeout, 5*time.Second)
	cfg.ForecastTimeout = parseDuration(fc.OpenWeather.ForecastTimeout, 8*time.Second)
	cfg.HistoryTimeout = parseDuration(fc.OpenWeather.HistoryTimeout, 10*time.Second)

	cfg.OpenAQURL = fc.OpenAQ.URL
	if cfg.OpenAQURL == "" {
		cfg.OpenAQURL = "https://api.openaq.org/v3"
	}
	cfg.OpenAQTimeout = parseDuration(fc.OpenAQ.Timeout, 8*time.Second)
	cfg.StationRadius = fc.OpenAQ.StationRadius
	if cfg.StationRadius <= 0 {
		cfg.StationRadius = 25000
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.CacheSweep = parseDuration(fc.Cache.Sweep, time.Minute)
	cfg.CoalesceWait = parseDuration(fc.Cache.CoalesceWait, 15*time.Second)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.GemsImageTTL = parseDuration(fc.Gems.ImageTTL, time.Hour)
	cfg.GemsStampTTL = parseDuration(fc.Gems.StampTTL, 10*time.Minute)
	cfg.GemsListWindow = parseDuration(fc.Gems.ListWindow, 24*time.Hour)
	cfg.WarmInterval = parseDuration(fc.Gems.WarmInterval, time.Hour)
	cfg.WarmOnStart = fc.Gems.WarmOnStart

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)

	cfg.TrackedCoordinates = fc.Warm.Coordinates

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(cwd string) (secretsFile, error) {
	var sec secretsFile
	secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
	data, err := os.ReadFile(secretsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing
// fails or the result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. The outer request timeout must
// exceed the slowest upstream timeout or handlers would be cut off while an
// upstream call is still permitted to run.
func validate(cfg *Config) error {
	slowest := cfg.HistoryTimeout
	for _, d := range []time.Duration{cfg.PollutionTimeout, cfg.WeatherTimeout, cfg.ForecastTimeout, cfg.OpenAQTimeout} {
		if d > slowest {
			slowest = d
		}
	}
	if cfg.RequestTimeout <= slowest {
		cfg.RequestTimeout = slowest + 5*time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	return nil
}
