package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig              `mapstructure:"app"`
	Server    ServerConfig           `mapstructure:"server"`
	Database  DatabaseConfig         `mapstructure:"database"`
	JWT       JWTConfig              `mapstructure:"jwt"`
	RateLimit RateLimitConfig        `mapstructure:"rate_limit"`
	Webhooks  WebhooksConfig         `mapstructure:"webhooks"`
	Queues    map[string]QueueConfig `mapstructure:"queues"`
	Reminders RemindersConfig        `mapstructure:"reminders"`
	Logging   LoggingConfig          `mapstructure:"logging"`
	Email     EmailConfig            `mapstructure:"email"`
	Storage   StorageConfig          `mapstructure:"storage"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type RateLimitConfig struct {
	APIReadPerMinute  int `mapstructure:"api_read_per_minute"`
	APIWritePerMinute int `mapstructure:"api_write_per_minute"`
}

type WebhooksConfig struct {
	ProductName     string        `mapstructure:"product_name"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	MaxResponseBody int           `mapstructure:"max_response_body"`
	// DeliveryIDMode is "random" (fresh id per attempt) or "stable" (derived from event id and attempt).
	DeliveryIDMode  string        `mapstructure:"delivery_id_mode"`
	Concurrency     int           `mapstructure:"concurrency"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

// QueueConfig overrides the built-in settings of one named queue. Zero values keep the default.
type QueueConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	LockDuration    time.Duration `mapstructure:"lock_duration"`
	StalledInterval time.Duration `mapstructure:"stalled_interval"`
	Concurrency     int           `mapstructure:"concurrency"`
}

type RemindersConfig struct {
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	DaysBefore     []int         `mapstructure:"days_before"`
	SigningBaseURL string        `mapstructure:"signing_base_url"`
	Concurrency    int           `mapstructure:"concurrency"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

type EmailConfig struct {
	Provider string     `mapstructure:"provider"`
	SMTP     SMTPConfig `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	FromAddress string `mapstructure:"from_address"`
	FromName    string `mapstructure:"from_name"`
}

type StorageConfig struct {
	DocumentsPath string `mapstructure:"documents_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "Signet")
	v.SetDefault("app.base_url", "http://localhost:3000")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.url", "file:data/signet.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("jwt.issuer", "signet")
	v.SetDefault("jwt.access_token_ttl", 15*time.Minute)

	v.SetDefault("rate_limit.api_read_per_minute", 1000)
	v.SetDefault("rate_limit.api_write_per_minute", 100)

	v.SetDefault("webhooks.product_name", "Signet")
	v.SetDefault("webhooks.timeout", 10*time.Second)
	v.SetDefault("webhooks.max_attempts", 3)
	v.SetDefault("webhooks.max_response_body", 1000)
	v.SetDefault("webhooks.delivery_id_mode", "random")
	v.SetDefault("webhooks.concurrency", 5)
	v.SetDefault("webhooks.rate_limit_max", 50)
	v.SetDefault("webhooks.rate_limit_window", time.Second)

	v.SetDefault("reminders.scan_interval", time.Hour)
	v.SetDefault("reminders.days_before", []int{7, 3, 1})
	v.SetDefault("reminders.signing_base_url", "http://localhost:3000/sign")
	v.SetDefault("reminders.concurrency", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("email.provider", "log")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.from_name", "Signet")

	v.SetDefault("storage.documents_path", "data/documents")
}

// Load reads the YAML file at path (if it exists) and applies environment overrides,
// e.g. WEBHOOKS_TIMEOUT=5s.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
