package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"crypto_paper/internal/domain"
	"crypto_paper/internal/execution"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	// Paper holds the simulator knobs.
	Paper execution.Config `yaml:"paper"`

	Feed struct {
		Bitget struct {
			WSURL   string            `yaml:"ws_url"`
			Symbols map[string]string `yaml:"symbols"` // local symbol -> exchange instId
		} `yaml:"bitget"`
	} `yaml:"feed"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Metrics struct {
		LogIntervalSec int `yaml:"log_interval_sec"`
	} `yaml:"metrics"`
}

// DefaultConfig returns the values used for any key the file leaves out.
func DefaultConfig() Config {
	var cfg Config
	cfg.App.Name = "crypto-paper"
	cfg.App.Version = "dev"
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	cfg.Storage.Path = "data/paper.db"
	cfg.Paper = execution.DefaultConfig()
	cfg.Feed.Bitget.WSURL = "wss://ws.bitget.com/v2/ws/public"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.Channel = "paper:executions"
	cfg.Metrics.LogIntervalSec = 60
	return cfg
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// .env is optional
	_ = godotenv.Load()

	// 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return &domain.ConfigError{Field: "storage.path", Err: errors.New("required")}
	}

	if len(c.Feed.Bitget.Symbols) > 0 {
		url := c.Feed.Bitget.WSURL
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return &domain.ConfigError{Field: "feed.bitget.ws_url", Err: fmt.Errorf("invalid websocket url %q", url)}
		}
	}

	if c.Redis.Enabled && (c.Redis.Addr == "" || c.Redis.Channel == "") {
		return &domain.ConfigError{Field: "redis", Err: errors.New("addr and channel are required when enabled")}
	}

	return c.Paper.Validate()
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("CRYPTO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CRYPTO_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CRYPTO_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CRYPTO_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CRYPTO_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("CRYPTO_PAPER_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Paper.Seed = n
		}
	}
	if v := os.Getenv("CRYPTO_PAPER_INITIAL_BALANCE"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Paper.InitialBalance = d
		}
	}
	if v := os.Getenv("CRYPTO_PAPER_RUN_ID"); v != "" {
		cfg.Paper.RunID = v
	}
}
