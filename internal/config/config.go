package config

import (
	"errors"

	"github.com/kelseyhightower/envconfig"
)

const devSecret = "dev-secret-change-me"

type Config struct {
	Port                    string `envconfig:"APP_PORT" default:"8080"`
	DatabaseDSN             string `envconfig:"DATABASE_DSN" default:"host=localhost user=postgres password=postgres dbname=medilink port=5432 sslmode=disable TimeZone=UTC"`
	JWTSecret               string `envconfig:"JWT_SECRET" default:"dev-secret-change-me"`
	InternalToken           string `envconfig:"INTERNAL_TOKEN" default:"dev-secret-change-me"`
	Env                     string `envconfig:"APP_ENV" default:"dev"`
	MessageMaxLen           int    `envconfig:"MESSAGE_MAX_LEN" default:"1000"`
	HandshakeTimeoutSeconds int    `envconfig:"HANDSHAKE_TIMEOUT_SECONDS" default:"10"`
	JoinTimeoutSeconds      int    `envconfig:"JOIN_TIMEOUT_SECONDS" default:"5"`
}

// Load 从环境变量读取配置,解析失败直接报错由调用方处理。
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	if cfg.MessageMaxLen <= 0 {
		cfg.MessageMaxLen = 1000
	}
	if cfg.HandshakeTimeoutSeconds <= 0 {
		cfg.HandshakeTimeoutSeconds = 10
	}
	if cfg.JoinTimeoutSeconds <= 0 {
		cfg.JoinTimeoutSeconds = 5
	}
	return cfg, nil
}

// Validate 校验配置,生产环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: database dsn is required")
	}
	if cfg.Env != "dev" {
		if cfg.JWTSecret == devSecret || cfg.JWTSecret == "" {
			return errors.New("config: jwt secret must be set outside dev")
		}
		if cfg.InternalToken == devSecret || cfg.InternalToken == "" {
			return errors.New("config: internal token must be set outside dev")
		}
	}
	return nil
}
