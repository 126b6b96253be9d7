package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	API         APIConfig
	Fulfillment FulfillmentConfig
	Worker      WorkerConfig
	Order       OrderConfig
	Cron        CronConfig
}

type ServerConfig struct {
	Port int
	Env  string // "development", "production"
}

type DatabaseConfig struct {
	Host    string
	Port    string
	Name    string
	User    string
	Pass    string
	Charset string
}

type RedisConfig struct {
	Addr string
	Pass string
	DB   int
}

type APIConfig struct {
	Key string
}

// FulfillmentConfig points at the remote interaction-automation API.
type FulfillmentConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type WorkerConfig struct {
	Mode               string // "loop" or "cron"
	PollInterval       time.Duration
	JobTimeout         time.Duration
	RetryDelay         time.Duration
	MaxConcurrentJobs  int
	StaleAfter         time.Duration
	BatchSize          int
	DefaultMaxAttempts int
}

// OrderConfig tunes the create_order polling loop.
type OrderConfig struct {
	PollInterval  time.Duration
	PollBudget    time.Duration
	PollExtension time.Duration
}

type CronConfig struct {
	TriggerSpec string
	ReclaimSpec string
	CleanupSpec string
	Retention   time.Duration
}

const (
	WorkerModeLoop = "loop"
	WorkerModeCron = "cron"
)

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	viper.AutomaticEnv()
	setDefaults()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("APP_PORT"),
			Env:  viper.GetString("APP_ENV"),
		},
		Database: loadDatabase(),
		Redis: RedisConfig{
			Addr: viper.GetString("REDIS_ADDR"),
			Pass: viper.GetString("REDIS_PASS"),
			DB:   viper.GetInt("REDIS_DB"),
		},
		API: APIConfig{
			Key: viper.GetString("API_KEY"),
		},
		Fulfillment: FulfillmentConfig{
			BaseURL: strings.TrimRight(viper.GetString("FULFILLMENT_BASE_URL"), "/"),
			APIKey:  viper.GetString("FULFILLMENT_API_KEY"),
			Timeout: durationOr("FULFILLMENT_TIMEOUT", 30*time.Second),
		},
		Worker: WorkerConfig{
			Mode:               strings.ToLower(strings.TrimSpace(viper.GetString("WORKER_MODE"))),
			PollInterval:       durationOr("WORKER_POLL_INTERVAL", 5*time.Second),
			JobTimeout:         durationOr("WORKER_JOB_TIMEOUT", 60*time.Second),
			RetryDelay:         optionalDurationOr("WORKER_RETRY_DELAY", 5*time.Second),
			MaxConcurrentJobs:  viper.GetInt("WORKER_MAX_CONCURRENT"),
			StaleAfter:         durationOr("WORKER_STALE_AFTER", 5*time.Minute),
			BatchSize:          viper.GetInt("WORKER_BATCH_SIZE"),
			DefaultMaxAttempts: viper.GetInt("WORKER_DEFAULT_MAX_ATTEMPTS"),
		},
		Order: OrderConfig{
			PollInterval:  durationOr("ORDER_POLL_INTERVAL", 10*time.Second),
			PollBudget:    durationOr("ORDER_POLL_BUDGET", 2*time.Minute),
			PollExtension: optionalDurationOr("ORDER_POLL_EXTENSION", 3*time.Minute),
		},
		Cron: CronConfig{
			TriggerSpec: viper.GetString("CRON_TRIGGER_SPEC"),
			ReclaimSpec: viper.GetString("CRON_RECLAIM_SPEC"),
			CleanupSpec: viper.GetString("CRON_CLEANUP_SPEC"),
			Retention:   durationOr("JOB_RETENTION", 720*time.Hour),
		},
	}

	if cfg.Worker.Mode != WorkerModeCron {
		cfg.Worker.Mode = WorkerModeLoop
	}
	if cfg.Worker.MaxConcurrentJobs <= 0 {
		cfg.Worker.MaxConcurrentJobs = 1
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 10
	}
	if cfg.Worker.DefaultMaxAttempts <= 0 {
		cfg.Worker.DefaultMaxAttempts = 3
	}

	if cfg.Database.Name == "" {
		log.Println("WARNING: DB_NAME is not set")
	}
	if cfg.Fulfillment.BaseURL == "" {
		log.Println("WARNING: FULFILLMENT_BASE_URL is not set")
	}
	if cfg.API.Key == "" {
		log.Println("WARNING: API_KEY is not set, HTTP API will reject every request")
	}

	return cfg, nil
}

// LoadDatabaseOnly reads just the database settings, used by --bootstrap-db.
func LoadDatabaseOnly() (*DatabaseConfig, error) {
	_ = godotenv.Load()
	viper.AutomaticEnv()
	setDefaults()
	db := loadDatabase()
	return &db, nil
}

func setDefaults() {
	viper.SetDefault("APP_PORT", 8080)
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "3306")
	viper.SetDefault("DB_CHARSET", "utf8mb4")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("WORKER_MODE", WorkerModeLoop)
	viper.SetDefault("WORKER_MAX_CONCURRENT", 1)
	viper.SetDefault("WORKER_BATCH_SIZE", 10)
	viper.SetDefault("WORKER_DEFAULT_MAX_ATTEMPTS", 3)
	viper.SetDefault("CRON_TRIGGER_SPEC", "0 * * * * *")
	viper.SetDefault("CRON_RECLAIM_SPEC", "30 * * * * *")
	viper.SetDefault("CRON_CLEANUP_SPEC", "0 0 3 * * *")
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		Host:    viper.GetString("DB_HOST"),
		Port:    viper.GetString("DB_PORT"),
		Name:    viper.GetString("DB_NAME"),
		User:    viper.GetString("DB_USER"),
		Pass:    viper.GetString("DB_PASS"),
		Charset: viper.GetString("DB_CHARSET"),
	}
}

// durationOr parses a positive duration key, falling back when it is unset or malformed.
func durationOr(key string, fallback time.Duration) time.Duration {
	return parseDuration(key, fallback, false)
}

// optionalDurationOr is durationOr for keys where zero switches the feature off.
func optionalDurationOr(key string, fallback time.Duration) time.Duration {
	return parseDuration(key, fallback, true)
}

func parseDuration(key string, fallback time.Duration, allowZero bool) time.Duration {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		log.Printf("WARNING: invalid %s=%q, using %s", key, raw, fallback)
		return fallback
	}
	return d
}

// DSN returns the MySQL DSN string for GORM.
func (d *DatabaseConfig) DSN() string {
	return d.User + ":" + d.Pass + "@tcp(" + d.Host + ":" + d.Port + ")/" + d.Name + "?charset=" + d.Charset + "&parseTime=True&loc=UTC"
}
