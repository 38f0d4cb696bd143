// Package config assembles the orchestrator configuration from defaults,
// an optional YAML file and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orchestrator and its workers.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Team     string         `yaml:"team"`
	DataDir  string         `yaml:"data_dir"`
	Hosts    []HostConfig   `yaml:"hosts"`
	Capture  CaptureConfig  `yaml:"capture"`
	Lease    LeaseConfig    `yaml:"lease"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Zap      ZapConfig      `yaml:"zap"`
	Cache    CacheConfig    `yaml:"cache"`
	AI       AIConfig       `yaml:"ai"`
	LogLevel string         `yaml:"log_level"`
}

// HostConfig describes one physical test host and the devices it owns.
type HostConfig struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"` // host agent base URL
	Devices []string `yaml:"devices"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen        string `yaml:"listen"`
	URL           string `yaml:"url"` // advertised base URL (SERVER_URL)
	RateLimitRPS  int    `yaml:"rate_limit_rps"`
	RateLimitBurst int   `yaml:"rate_limit_burst"`
}

// CaptureConfig holds capture ingestion settings.
type CaptureConfig struct {
	Root          string        `yaml:"root"`
	QueueSize     int           `yaml:"queue_size"`
	RescanEvery   time.Duration `yaml:"rescan_every"`
	RetentionAge  time.Duration `yaml:"retention_age"`
	FFmpegBin     string        `yaml:"ffmpeg_bin"`
	ScratchDir    string        `yaml:"scratch_dir"`
}

// LeaseConfig controls device lease lifecycle.
type LeaseConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat"`
	// GraceMultiplier scales the heartbeat period into the expiry grace
	// window. The source material never fixed this value; it is surfaced
	// here as a tunable with a default of 3.
	GraceMultiplier int           `yaml:"grace_multiplier"`
	ExpiryCheck     time.Duration `yaml:"expiry_check"`
	StorePath       string        `yaml:"store_path"`
}

// Grace returns the lease expiry grace window.
func (l LeaseConfig) Grace() time.Duration {
	return l.Heartbeat * time.Duration(l.GraceMultiplier)
}

// ProxyConfig controls host proxy behaviour.
type ProxyConfig struct {
	OpTimeout  time.Duration `yaml:"op_timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	RatePerSec float64       `yaml:"rate_per_sec"`
}

// AnalyzerConfig holds frame analyzer thresholds and sampling settings.
type AnalyzerConfig struct {
	BlackLumaThreshold   float64 `yaml:"black_luma_threshold"`
	BlackPixelCutoff     float64 `yaml:"black_pixel_cutoff"`
	FreezeThreshold      float64 `yaml:"freeze_threshold"`
	SilenceFloorDB       float64 `yaml:"silence_floor_db"`
	MacroblockThreshold  float64 `yaml:"macroblock_threshold"`
	OverloadQueueDepth   int     `yaml:"overload_queue_depth"`
	OverloadFreezeEvery  int     `yaml:"overload_freeze_every"`
	AudioLookback        int     `yaml:"audio_lookback"`
}

// ZapConfig holds zap detector settings.
type ZapConfig struct {
	WindowFrames int `yaml:"window_frames"`
}

// CacheConfig selects the navigation cache backend.
type CacheConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"` // optional; memory backend when empty
	RedisDB   int           `yaml:"redis_db"`
}

// AIConfig points at the external AI service.
type AIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// Default returns the built-in configuration baseline.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:         ":8082",
			URL:            "http://localhost:8082",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Team:    "default",
		DataDir: "./data",
		Capture: CaptureConfig{
			Root:         "/var/captures",
			QueueSize:    64,
			RescanEvery:  2 * time.Second,
			RetentionAge: 6 * time.Hour,
			FFmpegBin:    "ffmpeg",
			ScratchDir:   os.TempDir(),
		},
		Lease: LeaseConfig{
			Heartbeat:       10 * time.Second,
			GraceMultiplier: 3,
			ExpiryCheck:     5 * time.Second,
			StorePath:       "./data/leases",
		},
		Proxy: ProxyConfig{
			OpTimeout:  30 * time.Second,
			Retries:    2,
			RetryDelay: 500 * time.Millisecond,
			RatePerSec: 20,
		},
		Analyzer: AnalyzerConfig{
			BlackLumaThreshold:  20,
			BlackPixelCutoff:    0.85,
			FreezeThreshold:     3.5,
			SilenceFloorDB:      -60,
			MacroblockThreshold: 55,
			OverloadQueueDepth:  30,
			OverloadFreezeEvery: 10,
			AudioLookback:       3,
		},
		Zap: ZapConfig{
			WindowFrames: 10,
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		AI: AIConfig{
			BaseURL: "http://localhost:5000",
			Timeout: 60 * time.Second,
			Retries: 2,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must be set")
	}
	if c.Capture.Root == "" {
		return fmt.Errorf("capture.root must be set")
	}
	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.Name == "" || h.URL == "" {
			return fmt.Errorf("every host needs a name and url, got %+v", h)
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate host name %q", h.Name)
		}
		seen[h.Name] = true
	}
	if c.Capture.QueueSize <= 0 {
		return fmt.Errorf("capture.queue_size must be > 0, got %d", c.Capture.QueueSize)
	}
	if c.Lease.Heartbeat <= 0 {
		return fmt.Errorf("lease.heartbeat must be > 0, got %v", c.Lease.Heartbeat)
	}
	if c.Lease.GraceMultiplier < 1 {
		return fmt.Errorf("lease.grace_multiplier must be >= 1, got %d", c.Lease.GraceMultiplier)
	}
	if c.Proxy.Retries < 0 {
		return fmt.Errorf("proxy.retries must be >= 0, got %d", c.Proxy.Retries)
	}
	if c.Analyzer.FreezeThreshold <= 0 {
		return fmt.Errorf("analyzer.freeze_threshold must be > 0, got %v", c.Analyzer.FreezeThreshold)
	}
	if c.Analyzer.AudioLookback < 1 || c.Analyzer.AudioLookback > 3 {
		return fmt.Errorf("analyzer.audio_lookback must be in [1,3], got %d", c.Analyzer.AudioLookback)
	}
	if c.Zap.WindowFrames <= 0 {
		return fmt.Errorf("zap.window_frames must be > 0, got %d", c.Zap.WindowFrames)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0, got %v", c.Cache.TTL)
	}
	return nil
}
