package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted for storage.backend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBolt   = "bolt"
)

// Config is the daemon and CLI configuration. Values merge in order:
// defaults, then the YAML file, then KEYFOLD_* environment overrides.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	RPC     RPCConfig     `yaml:"rpc"`
	Logging LoggingConfig `yaml:"logging"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"dataDir"`
}

type RPCConfig struct {
	ListenAddr     string        `yaml:"listenAddr"`
	RatePerSecond  float64       `yaml:"ratePerSecond"`
	RateBurst      int           `yaml:"rateBurst"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxBodyBytes   int64         `yaml:"maxBodyBytes"`
	MetricsEnabled *bool         `yaml:"metricsEnabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	metrics := true
	return Config{
		Storage: StorageConfig{
			Backend: BackendBolt,
			DataDir: defaultDataDir(),
		},
		RPC: RPCConfig{
			ListenAddr:     "127.0.0.1:7333",
			RatePerSecond:  10,
			RateBurst:      20,
			RequestTimeout: 30 * time.Second,
			MaxBodyBytes:   1 << 20,
			MetricsEnabled: &metrics,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home + string(os.PathSeparator) + ".keyfold"
	}
	return ".keyfold"
}

// LoadFromPath reads configuration from path, falling back to well-known
// locations when path is empty. A missing well-known file is not an error;
// a missing explicit path and a present but unparsable file are.
func LoadFromPath(path string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates,
			"keyfold.yaml",
			"configs/keyfold.yaml",
		)
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if path != "" {
				return Config{}, fmt.Errorf("config: read %s: %w", candidate, err)
			}
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", candidate, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src Config) {
	if src.Storage.Backend != "" {
		dst.Storage.Backend = src.Storage.Backend
	}
	if src.Storage.DataDir != "" {
		dst.Storage.DataDir = src.Storage.DataDir
	}
	if src.RPC.ListenAddr != "" {
		dst.RPC.ListenAddr = src.RPC.ListenAddr
	}
	if src.RPC.RatePerSecond != 0 {
		dst.RPC.RatePerSecond = src.RPC.RatePerSecond
	}
	if src.RPC.RateBurst != 0 {
		dst.RPC.RateBurst = src.RPC.RateBurst
	}
	if src.RPC.RequestTimeout != 0 {
		dst.RPC.RequestTimeout = src.RPC.RequestTimeout
	}
	if src.RPC.MaxBodyBytes != 0 {
		dst.RPC.MaxBodyBytes = src.RPC.MaxBodyBytes
	}
	if src.RPC.MetricsEnabled != nil {
		dst.RPC.MetricsEnabled = src.RPC.MetricsEnabled
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("KEYFOLD_STORAGE_BACKEND")); v != "" {
		cfg.Storage.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("KEYFOLD_DATA_DIR")); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("KEYFOLD_RPC_ADDR")); v != "" {
		cfg.RPC.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("KEYFOLD_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if raw := strings.TrimSpace(os.Getenv("KEYFOLD_METRICS_ENABLED")); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			cfg.RPC.MetricsEnabled = &b
		}
	}
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendFile, BackendBolt:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend != BackendMemory && strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("config: dataDir required for %s backend", c.Storage.Backend)
	}
	if c.RPC.RatePerSecond < 0 || c.RPC.RateBurst < 0 {
		return fmt.Errorf("config: negative rate limit")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	return nil
}

func (c Config) MetricsOn() bool {
	return c.RPC.MetricsEnabled == nil || *c.RPC.MetricsEnabled
}

func (c RPCConfig) MetricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}
