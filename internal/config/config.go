package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StorePebble   = "pebble"

	AuthNone  = "none"
	AuthBasic = "basic"
	AuthJWT   = "jwt"
)

// Config holds all server configuration. Values come from defaults, then the
// optional YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	Port                int
	Store               string
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	PebbleDir           string
	MinRetryInterval    time.Duration
	MaxRetryInterval    time.Duration
	ListMax             int
	AdminListMax        int
	Retention           time.Duration
	SweepInterval       time.Duration
	LogLevel            string
	DBConnectionTimeout time.Duration
	RequestTimeout      time.Duration
	// BaseURL overrides scheme and host of message URLs behind a proxy.
	BaseURL      string
	MaxBodyBytes int64
	AuthMode     string
	JWTSecret    string
	// Users maps Basic-auth user names to passwords. YAML only.
	Users          map[string]string
	QueueAdmission string
	AMQPURL        string
	AMQPExchange   string
}

// fileConfig mirrors the YAML layout. Pointers distinguish "unset" from zero.
type fileConfig struct {
	Server struct {
		Port           *int    `yaml:"port"`
		RequestTimeout *int    `yaml:"request_timeout_seconds"`
		BaseURL        *string `yaml:"base_url"`
		MaxBodyBytes   *int    `yaml:"max_body_bytes"`
	} `yaml:"server"`

	Store struct {
		Backend             *string `yaml:"backend"`
		DatabaseURL         *string `yaml:"database_url"`
		DBConnectionTimeout *int    `yaml:"db_connection_timeout_seconds"`
		PebbleDir           *string `yaml:"pebble_dir"`
		Redis               struct {
			Addr     *string `yaml:"addr"`
			Password *string `yaml:"password"`
			DB       *int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Queue struct {
		MinRetryIntervalMS *int    `yaml:"min_retry_interval_ms"`
		MaxRetryIntervalMS *int    `yaml:"max_retry_interval_ms"`
		ListMax            *int    `yaml:"list_max"`
		AdminListMax       *int    `yaml:"admin_list_max"`
		RetentionDays      *int    `yaml:"retention_days"`
		SweepInterval      *int    `yaml:"sweep_interval_seconds"`
		Admission          *string `yaml:"admission"`
	} `yaml:"queue"`

	Auth struct {
		Mode      *string           `yaml:"mode"`
		JWTSecret *string           `yaml:"jwt_secret"`
		Users     map[string]string `yaml:"users"`
	} `yaml:"auth"`

	AMQP struct {
		URL      *string `yaml:"url"`
		Exchange *string `yaml:"exchange"`
	} `yaml:"amqp"`

	LogLevel *string `yaml:"log_level"`
}

func defaults() *Config {
	return &Config{
		Port:                8080,
		Store:               StoreMemory,
		MinRetryInterval:    500 * time.Millisecond,
		MaxRetryInterval:    60 * time.Second,
		ListMax:             10,
		AdminListMax:        1000,
		Retention:           7 * 24 * time.Hour,
		SweepInterval:       time.Hour,
		LogLevel:            "info",
		DBConnectionTimeout: 5 * time.Second,
		RequestTimeout:      30 * time.Second,
		MaxBodyBytes:        10 << 20,
		AuthMode:            AuthNone,
		AMQPExchange:        "fmtp.events",
	}
}

// helper: read env var as an integer count of unit → convert to duration
func getEnvAsDuration(name string, defaultVal, unit time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(name)
	if !exists || value == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultVal, fmt.Errorf("invalid %s: %q", name, value)
	}
	return time.Duration(i) * unit, nil
}

func getEnvAsInt(name string, defaultVal int) (int, error) {
	value, exists := os.LookupEnv(name)
	if !exists || value == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultVal, fmt.Errorf("invalid %s: %q", name, value)
	}
	return i, nil
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists && value != "" {
		return value
	}
	return defaultVal
}

func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setInt(&c.Port, f.Server.Port)
	setDuration(&c.RequestTimeout, f.Server.RequestTimeout, time.Second)
	setString(&c.Store, f.Store.Backend)
	setString(&c.DatabaseURL, f.Store.DatabaseURL)
	setDuration(&c.DBConnectionTimeout, f.Store.DBConnectionTimeout, time.Second)
	setString(&c.PebbleDir, f.Store.PebbleDir)
	setString(&c.RedisAddr, f.Store.Redis.Addr)
	setString(&c.RedisPassword, f.Store.Redis.Password)
	setInt(&c.RedisDB, f.Store.Redis.DB)
	setDuration(&c.MinRetryInterval, f.Queue.MinRetryIntervalMS, time.Millisecond)
	setDuration(&c.MaxRetryInterval, f.Queue.MaxRetryIntervalMS, time.Millisecond)
	setInt(&c.ListMax, f.Queue.ListMax)
	setInt(&c.AdminListMax, f.Queue.AdminListMax)
	setDuration(&c.Retention, f.Queue.RetentionDays, 24*time.Hour)
	setDuration(&c.SweepInterval, f.Queue.SweepInterval, time.Second)
	setString(&c.QueueAdmission, f.Queue.Admission)
	setString(&c.BaseURL, f.Server.BaseURL)
	if f.Server.MaxBodyBytes != nil {
		c.MaxBodyBytes = int64(*f.Server.MaxBodyBytes)
	}
	setString(&c.AuthMode, f.Auth.Mode)
	setString(&c.JWTSecret, f.Auth.JWTSecret)
	setString(&c.AMQPURL, f.AMQP.URL)
	setString(&c.AMQPExchange, f.AMQP.Exchange)
	setString(&c.LogLevel, f.LogLevel)
	if len(f.Auth.Users) > 0 {
		c.Users = f.Auth.Users
	}
	return nil
}

func (c *Config) loadEnv() error {
	var errs []error
	intVar := func(dst *int, name string) {
		v, err := getEnvAsInt(name, *dst)
		if err != nil {
			errs = append(errs, err)
		}
		*dst = v
	}
	durVar := func(dst *time.Duration, name string, unit time.Duration) {
		v, err := getEnvAsDuration(name, *dst, unit)
		if err != nil {
			errs = append(errs, err)
		}
		*dst = v
	}

	intVar(&c.Port, "PORT")
	c.Store = getEnv("STORE", c.Store)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	intVar(&c.RedisDB, "REDIS_DB")
	c.PebbleDir = getEnv("PEBBLE_DIR", c.PebbleDir)
	durVar(&c.MinRetryInterval, "MIN_RETRY_INTERVAL_MS", time.Millisecond)
	durVar(&c.MaxRetryInterval, "MAX_RETRY_INTERVAL_MS", time.Millisecond)
	intVar(&c.ListMax, "LIST_MAX")
	intVar(&c.AdminListMax, "ADMIN_LIST_MAX")
	durVar(&c.Retention, "RETENTION_DAYS", 24*time.Hour)
	durVar(&c.SweepInterval, "SWEEP_INTERVAL", time.Second)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	durVar(&c.DBConnectionTimeout, "DB_CONNECTION_TIMEOUT", time.Second)
	durVar(&c.RequestTimeout, "REQUEST_TIMEOUT", time.Second)
	c.BaseURL = getEnv("BASE_URL", c.BaseURL)
	maxBody := int(c.MaxBodyBytes)
	intVar(&maxBody, "MAX_BODY_BYTES")
	c.MaxBodyBytes = int64(maxBody)
	c.AuthMode = getEnv("AUTH_MODE", c.AuthMode)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.QueueAdmission = getEnv("QUEUE_ADMISSION", c.QueueAdmission)
	c.AMQPURL = getEnv("AMQP_URL", c.AMQPURL)
	c.AMQPExchange = getEnv("AMQP_EXCHANGE", c.AMQPExchange)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT: %d", c.Port))
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	case StorePebble:
		if c.PebbleDir == "" {
			errs = append(errs, errors.New("PEBBLE_DIR is required for the pebble store"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE: %q", c.Store))
	}
	if c.MinRetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid MIN_RETRY_INTERVAL_MS: %v", c.MinRetryInterval))
	}
	if c.MaxRetryInterval < c.MinRetryInterval {
		errs = append(errs, fmt.Errorf("MAX_RETRY_INTERVAL_MS (%v) is below MIN_RETRY_INTERVAL_MS (%v)", c.MaxRetryInterval, c.MinRetryInterval))
	}
	if c.ListMax <= 0 {
		errs = append(errs, fmt.Errorf("invalid LIST_MAX: %d", c.ListMax))
	}
	if c.AdminListMax <= 0 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_LIST_MAX: %d", c.AdminListMax))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETENTION_DAYS: %v", c.Retention))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL: %v", c.SweepInterval))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES: %d", c.MaxBodyBytes))
	}
	if c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid BASE_URL: %q", c.BaseURL))
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %q", c.LogLevel))
	}
	switch c.AuthMode {
	case AuthNone:
	case AuthBasic:
		if len(c.Users) == 0 {
			errs = append(errs, errors.New("basic auth needs at least one user in the config file"))
		}
	case AuthJWT:
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required for jwt auth"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid AUTH_MODE: %q", c.AuthMode))
	}

	return errors.Join(errs...)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *int, unit time.Duration) {
	if v != nil {
		*dst = time.Duration(*v) * unit
	}
}
