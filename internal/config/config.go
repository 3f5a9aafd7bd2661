// Package config loads process settings: built-in defaults, then an
// optional dotenv file, then an optional YAML file, then CREDITS_*
// environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"

	envPrefix = "CREDITS_"
)

type Store struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
}

type Session struct {
	Secret string   `yaml:"secret"`
	Issuer string   `yaml:"issuer"`
	TTL    Duration `yaml:"ttl"`
}

type AccessToken struct {
	TTL Duration `yaml:"ttl"`
}

type RateLimit struct {
	Burst     int `yaml:"burst"`
	PerSecond int `yaml:"per_second"`
}

// Enabled reports whether request throttling is switched on.
func (r RateLimit) Enabled() bool { return r.Burst > 0 && r.PerSecond > 0 }

type CORS struct {
	Origins []string `yaml:"origins"`
}

// Config is the full process configuration.
type Config struct {
	HTTPAddr      string      `yaml:"http_addr"`
	GRPCAddr      string      `yaml:"grpc_addr"`
	Store         Store       `yaml:"store"`
	Session       Session     `yaml:"session"`
	AccessToken   AccessToken `yaml:"access_token"`
	SignupCredits int64       `yaml:"signup_credits"`
	RateLimit     RateLimit   `yaml:"rate_limit"`
	CORS          CORS        `yaml:"cors"`
	LogLevel      string      `yaml:"log_level"`
	MaxBodyBytes  int64       `yaml:"max_body_bytes"`

	// GeneratedSecret is set when no session secret was configured and an
	// ephemeral one was minted; sessions will not survive a restart.
	GeneratedSecret bool `yaml:"-"`
}

// Duration accepts Go duration strings ("720h") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:      ":8080",
		GRPCAddr:      ":9090",
		Store:         Store{Driver: DriverMemory, Database: "creditscribe"},
		Session:       Session{Issuer: "creditscribe", TTL: Duration(30 * 24 * time.Hour)},
		AccessToken:   AccessToken{TTL: Duration(30 * 24 * time.Hour)},
		SignupCredits: 100,
		CORS:          CORS{Origins: []string{"http://localhost:3000", "chrome-extension://*"}},
		LogLevel:      "info",
		MaxBodyBytes:  1 << 20,
	}
}

// Load builds the configuration. envFile and yamlFile are optional; a
// missing file is skipped, an unreadable one is an error.
func Load(envFile, yamlFile string) (Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if yamlFile != "" {
		raw, err := os.ReadFile(yamlFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read %s: %w", yamlFile, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", yamlFile, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Session.Secret) == "" {
		secret, err := randomSecret()
		if err != nil {
			return Config{}, err
		}
		cfg.Session.Secret = secret
		cfg.GeneratedSecret = true
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = Duration(d)
		}
		return nil
	}
	num := func(key string, set func(int64)) error {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			set(n)
		}
		return nil
	}

	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("STORE_DATABASE", &c.Store.Database)
	str("SESSION_SECRET", &c.Session.Secret)
	str("SESSION_ISSUER", &c.Session.Issuer)
	str("LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup(envPrefix + "CORS_ORIGINS"); ok {
		c.CORS.Origins = splitList(v)
	}
	// The original deployment wrote JWT_SECRET into config.env.
	if c.Session.Secret == "" {
		if v, ok := lookup("JWT_SECRET"); ok {
			c.Session.Secret = strings.TrimSpace(v)
		}
	}

	if err := dur("SESSION_TTL", &c.Session.TTL); err != nil {
		return err
	}
	if err := dur("ACCESS_TOKEN_TTL", &c.AccessToken.TTL); err != nil {
		return err
	}
	if err := num("SIGNUP_CREDITS", func(n int64) { c.SignupCredits = n }); err != nil {
		return err
	}
	if err := num("RATE_LIMIT_BURST", func(n int64) { c.RateLimit.Burst = int(n) }); err != nil {
		return err
	}
	if err := num("RATE_LIMIT_PER_SECOND", func(n int64) { c.RateLimit.PerSecond = int(n) }); err != nil {
		return err
	}
	if err := num("MAX_BODY_BYTES", func(n int64) { c.MaxBodyBytes = n }); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite, DriverMongo:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Session.TTL <= 0 || c.AccessToken.TTL <= 0 {
		return errors.New("session and access token ttl must be positive")
	}
	if c.SignupCredits < 0 {
		return errors.New("signup_credits must be >= 0")
	}
	if c.RateLimit.Burst < 0 || c.RateLimit.PerSecond < 0 {
		return errors.New("rate_limit values must be >= 0")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
