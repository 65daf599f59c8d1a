// Package config loads process settings from defaults, an optional config
// file and the environment. Environment names are un-prefixed so the same
// variables work under the Functions custom handler host.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// ConfigEnv names the environment variable holding a config file path.
const ConfigEnv = "TASKFLOW_CONFIG"

// Config holds every setting of the taskflow process.
type Config struct {
	Debug bool   `mapstructure:"debug"`
	Port  string `mapstructure:"functions_customhandler_port"`

	StorageConnectionString string        `mapstructure:"storage_connection_string"`
	BoardsTable             string        `mapstructure:"boards_table"`
	MovesQueue              string        `mapstructure:"moves_queue"`
	BoardCacheTTL           time.Duration `mapstructure:"board_cache_ttl"`

	RedisConnectionString string        `mapstructure:"redis_connection_string"`
	DeduperTTL            time.Duration `mapstructure:"deduper_ttl"`
	SessionKeyPrefix      string        `mapstructure:"session_key_prefix"`
	SessionChannel        string        `mapstructure:"session_change_channel"`

	AuthDisabled          bool   `mapstructure:"auth_disabled"`
	LocalAuthMode         bool   `mapstructure:"local_auth_mode"`
	LocalAuthSharedSecret string `mapstructure:"local_auth_shared_secret"`
	Auth0Domain           string `mapstructure:"auth0_domain"`
	Auth0Audience         string `mapstructure:"auth0_audience"`

	MoveWorkers        int           `mapstructure:"move_workers"`
	MoveBuffer         int           `mapstructure:"move_buffer"`
	MoveEnqueueTimeout time.Duration `mapstructure:"move_enqueue_timeout"`
	MoveHandoffTimeout time.Duration `mapstructure:"move_handoff_timeout"`

	// LoginRateLimit is login attempts per second per client IP; zero
	// disables throttling.
	LoginRateLimit float64 `mapstructure:"login_rate_limit"`
	LoginBurst     int     `mapstructure:"login_burst"`

	CORSOrigins []string `mapstructure:"cors_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("functions_customhandler_port", "8080")

	v.SetDefault("storage_connection_string", "")
	v.SetDefault("boards_table", "Boards")
	v.SetDefault("moves_queue", "board-moves")
	v.SetDefault("board_cache_ttl", 5*time.Minute)

	v.SetDefault("redis_connection_string", "")
	v.SetDefault("deduper_ttl", 24*time.Hour)
	v.SetDefault("session_key_prefix", "session:")
	v.SetDefault("session_change_channel", "session-changes")

	v.SetDefault("auth_disabled", false)
	v.SetDefault("local_auth_mode", false)
	v.SetDefault("local_auth_shared_secret", "")
	v.SetDefault("auth0_domain", "")
	v.SetDefault("auth0_audience", "")

	// zero sizes the pool from CPU count and queue concurrency
	v.SetDefault("move_workers", 0)
	v.SetDefault("move_buffer", 0)
	v.SetDefault("move_enqueue_timeout", 60*time.Second)
	v.SetDefault("move_handoff_timeout", 15*time.Millisecond)

	v.SetDefault("login_rate_limit", 1.0)
	v.SetDefault("login_burst", 5)

	v.SetDefault("cors_origins", []string{"*"})
}

// Load reads configuration with Read and validates it for serving.
func Load(path string) (Config, error) {
	c, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Read reads configuration without validating it. path, when empty, falls
// back to $TASKFLOW_CONFIG; without either only defaults and the environment
// apply. A named file that cannot be read is an error. A .env file in the
// working directory is loaded first; it never overrides set variables.
func Read(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	c.CORSOrigins = splitList(c.CORSOrigins)
	return c, nil
}

// Validate rejects settings the process cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("FUNCTIONS_CUSTOMHANDLER_PORT is empty"))
	}
	if c.StorageConnectionString != "" && (c.BoardsTable == "" || c.MovesQueue == "") {
		errs = append(errs, errors.New("BOARDS_TABLE and MOVES_QUEUE are required with STORAGE_CONNECTION_STRING"))
	}
	if c.DeduperTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUPER_TTL: %v", c.DeduperTTL))
	}
	if c.BoardCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid BOARD_CACHE_TTL: %v", c.BoardCacheTTL))
	}
	if c.MoveWorkers < 0 || c.MoveBuffer < 0 {
		errs = append(errs, errors.New("MOVE_WORKERS and MOVE_BUFFER must not be negative"))
	}
	if c.MoveEnqueueTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid MOVE_ENQUEUE_TIMEOUT: %v", c.MoveEnqueueTimeout))
	}
	if c.LoginRateLimit < 0 || c.LoginBurst < 0 {
		errs = append(errs, errors.New("LOGIN_RATE_LIMIT and LOGIN_BURST must not be negative"))
	}
	if c.MoveHandoffTimeout < 0 {
		errs = append(errs, fmt.Errorf("invalid MOVE_HANDOFF_TIMEOUT: %v", c.MoveHandoffTimeout))
	}
	switch {
	case c.AuthDisabled:
	case c.LocalAuthMode:
		if c.LocalAuthSharedSecret == "" {
			errs = append(errs, errors.New("LOCAL_AUTH_SHARED_SECRET is required in local auth mode"))
		}
	default:
		if c.Auth0Domain == "" || c.Auth0Audience == "" {
			errs = append(errs, errors.New("missing Auth0 config"))
		}
	}
	return errors.Join(errs...)
}

// ListenAddr is the address passed to Echo.
func (c Config) ListenAddr() string {
	return ":" + c.Port
}

// RedisOptions parses REDIS_CONNECTION_STRING. Both redis:// URLs and the
// Azure "host:port,password=...,ssl=True" form are accepted.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.RedisConnectionString == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(c.RedisConnectionString); err == nil {
		return opts, nil
	}
	parts := strings.Split(c.RedisConnectionString, ",")
	if strings.Contains(parts[0], "://") {
		return nil, fmt.Errorf("invalid REDIS_CONNECTION_STRING %q", c.RedisConnectionString)
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

// JWKSURL is the Auth0 key set location.
func (c Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}

// Issuer is the expected iss claim of Auth0 tokens.
func (c Config) Issuer() string {
	return "https://" + c.Auth0Domain + "/"
}

// splitList accepts both list values from a file and a single
// comma-separated environment value.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
