package config

import (
	"encoding/base64"
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BrokerNone  = "none"
	BrokerRedis = "redis"
	BrokerNATS  = "nats"
)

// Env holds the server settings read from the environment. Flags in
// cmd/server use these values as their defaults.
type Env struct {
	ServerAddr     string   `env:"LOUNGE_ADDR"            envDefault:"localhost:8000"`
	DatabaseDSN    string   `env:"LOUNGE_DATABASE_DSN"    envDefault:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	SigningKey     string   `env:"LOUNGE_SIGNING_KEY"`
	AllowedOrigins []string `env:"LOUNGE_ALLOWED_ORIGINS" envSeparator:","`
	Broker         string   `env:"LOUNGE_BROKER"          envDefault:"none"`
	RedisAddr      string   `env:"LOUNGE_REDIS_ADDR"      envDefault:"localhost:6379"`
	NATSURL        string   `env:"LOUNGE_NATS_URL"        envDefault:"nats://localhost:4222"`
	LogLevel       string   `env:"LOUNGE_LOG_LEVEL"       envDefault:"info"`
}

func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	Broker         BrokerConfig
}

type BrokerConfig struct {
	Kind      string
	RedisAddr string
	NATSURL   string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		Broker:         BrokerConfig{Kind: BrokerNone},
	}, nil
}

// WithBroker validates and sets the cross-node broker settings.
func (c *Config) WithBroker(kind, redisAddr, natsURL string) error {
	if kind == "" {
		kind = BrokerNone
	}
	if !slices.Contains([]string{BrokerNone, BrokerRedis, BrokerNATS}, kind) {
		return fmt.Errorf("unknown broker %q", kind)
	}
	if kind == BrokerRedis && redisAddr == "" {
		return fmt.Errorf("redis address cannot be empty")
	}
	if kind == BrokerNATS && natsURL == "" {
		return fmt.Errorf("nats url cannot be empty")
	}

	c.Broker = BrokerConfig{Kind: kind, RedisAddr: redisAddr, NATSURL: natsURL}
	return nil
}

// Client is the configuration of the lounge CLI.
type Client struct {
	ServerURL    string        `env:"LOUNGE_SERVER_URL"    envDefault:"http://localhost:8000"`
	DataDir      string        `env:"LOUNGE_DATA_DIR"`
	EmailDomain  string        `env:"LOUNGE_EMAIL_DOMAIN"  envDefault:"ml.local"`
	KnownDomains []string      `env:"LOUNGE_KNOWN_DOMAINS" envSeparator:"," envDefault:"ml.local,users.example.com"`
	Timeout      time.Duration `env:"LOUNGE_TIMEOUT"       envDefault:"10s"`
}

func LoadClient() (Client, error) {
	var c Client
	if err := env.Parse(&c); err != nil {
		return Client{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}
