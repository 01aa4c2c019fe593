package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SHOPDESK_SMTP_HOST.
const EnvPrefix = "SHOPDESK"

var (
	cfg       *Config
	mu        sync.RWMutex
	listeners []func(*Config)
)

// Config represents the application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app" yaml:"app"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Mailbox    MailboxConfig    `mapstructure:"mailbox" yaml:"mailbox"`
	SMTP       SMTPConfig       `mapstructure:"smtp" yaml:"smtp"`
	Queue      QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Support    SupportConfig    `mapstructure:"support" yaml:"support"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

type AppConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Env      string `mapstructure:"env" yaml:"env"`
	Debug    bool   `mapstructure:"debug" yaml:"debug"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	APIToken        string        `mapstructure:"api_token" yaml:"api_token" secret:"true"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Name            string        `mapstructure:"name" yaml:"name"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password" secret:"true"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Password string        `mapstructure:"password" yaml:"password" secret:"true"`
	DB       int           `mapstructure:"db" yaml:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// MailboxConfig describes the support inbox. Either Spec
// ("{host:port/pop3/ssl/novalidate-cert}INBOX") or the discrete fields may
// be used; Spec wins when both are set.
type MailboxConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Spec             string        `mapstructure:"spec" yaml:"spec"`
	Type             string        `mapstructure:"type" yaml:"type"`
	Host             string        `mapstructure:"host" yaml:"host"`
	Port             int           `mapstructure:"port" yaml:"port"`
	Username         string        `mapstructure:"username" yaml:"username"`
	Password         string        `mapstructure:"password" yaml:"password" secret:"true"`
	Folder           string        `mapstructure:"folder" yaml:"folder"`
	SkipCertVerify   bool          `mapstructure:"skip_cert_verify" yaml:"skip_cert_verify"`
	DeleteAfterFetch bool          `mapstructure:"delete_after_fetch" yaml:"delete_after_fetch"`
	ConnectAttempts  int           `mapstructure:"connect_attempts" yaml:"connect_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	Schedule         string        `mapstructure:"schedule" yaml:"schedule"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type SMTPConfig struct {
	Host       string        `mapstructure:"host" yaml:"host"`
	Port       int           `mapstructure:"port" yaml:"port"`
	Username   string        `mapstructure:"username" yaml:"username"`
	Password   string        `mapstructure:"password" yaml:"password" secret:"true"`
	AuthType   string        `mapstructure:"auth_type" yaml:"auth_type"`
	Encryption string        `mapstructure:"encryption" yaml:"encryption"`
	SkipVerify bool          `mapstructure:"skip_verify" yaml:"skip_verify"`
	From       string        `mapstructure:"from" yaml:"from"`
	FromName   string        `mapstructure:"from_name" yaml:"from_name"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst  int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

type QueueConfig struct {
	Schedule      string        `mapstructure:"schedule" yaml:"schedule"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetentionDays int           `mapstructure:"retention_days" yaml:"retention_days"`
	Branding      BrandingConfig `mapstructure:"branding" yaml:"branding"`
}

// BrandingConfig controls the HTML shell wrapped around outgoing mail.
type BrandingConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	StoreName string `mapstructure:"store_name" yaml:"store_name"`
	LogoURL   string `mapstructure:"logo_url" yaml:"logo_url"`
	Footer    string `mapstructure:"footer" yaml:"footer"`
	Template  string `mapstructure:"template" yaml:"template"`
}

type ClassifierConfig struct {
	APIKey    string        `mapstructure:"api_key" yaml:"api_key" secret:"true"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Model     string        `mapstructure:"model" yaml:"model"`
	MaxTokens int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AIEnabled reports whether an API key is configured.
func (c ClassifierConfig) AIEnabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

type SupportConfig struct {
	Address            string   `mapstructure:"address" yaml:"address"`
	Name               string   `mapstructure:"name" yaml:"name"`
	MessageIDDomain    string   `mapstructure:"message_id_domain" yaml:"message_id_domain"`
	AcknowledgeTickets bool     `mapstructure:"acknowledge_tickets" yaml:"acknowledge_tickets"`
	BlockedSenders     []string `mapstructure:"blocked_senders" yaml:"blocked_senders"`
}

type StorageConfig struct {
	AttachmentsPath   string `mapstructure:"attachments_path" yaml:"attachments_path"`
	MaxAttachmentSize int64  `mapstructure:"max_attachment_size" yaml:"max_attachment_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Output string `mapstructure:"output" yaml:"output"`
	File   struct {
		Path       string `mapstructure:"path" yaml:"path"`
		Filename   string `mapstructure:"filename" yaml:"filename"`
		MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
		MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
		MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
		Compress   bool   `mapstructure:"compress" yaml:"compress"`
	} `mapstructure:"file" yaml:"file"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "shopdesk")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.timezone", "UTC")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.api_token", "")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.name", "shopdesk")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "shopdesk.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 10*time.Minute)

	v.SetDefault("mailbox.enabled", false)
	v.SetDefault("mailbox.spec", "")
	v.SetDefault("mailbox.type", "imaps")
	v.SetDefault("mailbox.host", "")
	v.SetDefault("mailbox.port", 0)
	v.SetDefault("mailbox.username", "")
	v.SetDefault("mailbox.password", "")
	v.SetDefault("mailbox.folder", "INBOX")
	v.SetDefault("mailbox.skip_cert_verify", false)
	v.SetDefault("mailbox.delete_after_fetch", true)
	v.SetDefault("mailbox.connect_attempts", 3)
	v.SetDefault("mailbox.retry_delay", 2*time.Second)
	v.SetDefault("mailbox.dial_timeout", 10*time.Second)
	v.SetDefault("mailbox.schedule", "0 */15 * * * *")
	v.SetDefault("mailbox.timeout", 5*time.Minute)

	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.auth_type", "plain")
	v.SetDefault("smtp.encryption", "starttls")
	v.SetDefault("smtp.skip_verify", false)
	v.SetDefault("smtp.from", "support@localhost")
	v.SetDefault("smtp.from_name", "Support")
	v.SetDefault("smtp.timeout", 30*time.Second)
	v.SetDefault("smtp.rate_limit", 5.0)
	v.SetDefault("smtp.rate_burst", 5)

	v.SetDefault("queue.schedule", "0 */5 * * * *")
	v.SetDefault("queue.batch_size", 20)
	v.SetDefault("queue.timeout", 4*time.Minute)
	v.SetDefault("queue.retention_days", 30)
	v.SetDefault("queue.branding.enabled", true)
	v.SetDefault("queue.branding.store_name", "Our Store")
	v.SetDefault("queue.branding.logo_url", "")
	v.SetDefault("queue.branding.footer", "")
	v.SetDefault("queue.branding.template", "")

	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.base_url", "https://api.openai.com/v1")
	v.SetDefault("classifier.model", "gpt-4o-mini")
	v.SetDefault("classifier.max_tokens", 500)
	v.SetDefault("classifier.timeout", 30*time.Second)

	v.SetDefault("support.address", "support@localhost")
	v.SetDefault("support.name", "Support")
	v.SetDefault("support.message_id_domain", "localhost")
	v.SetDefault("support.acknowledge_tickets", false)
	v.SetDefault("support.blocked_senders", []string{})

	v.SetDefault("storage.attachments_path", "data/attachments")
	v.SetDefault("storage.max_attachment_size", 20<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.path", "logs")
	v.SetDefault("logging.file.filename", "shopdesk.log")
	v.SetDefault("logging.file.max_size", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads default.yaml and an optional config.yaml from configPath,
// applies SHOPDESK_* environment overrides (after loading a .env file when
// present) and watches the files for changes.
func Load(configPath string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	v := newViper()
	v.AddConfigPath(configPath)

	v.SetConfigName("default")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read default config: %w", err)
		}
	}

	v.SetConfigName("config")
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to merge config: %w", err)
		}
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	set(loaded)

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			next := &Config{}
			if err := v.Unmarshal(next); err != nil {
				log.Printf("config reload from %s failed: %v", e.Name, err)
				return
			}
			if err := next.Validate(); err != nil {
				log.Printf("config reload from %s rejected: %v", e.Name, err)
				return
			}
			set(next)
			log.Printf("configuration reloaded from %s", e.Name)
		})
		v.WatchConfig()
	}
	return nil
}

// LoadFromFile loads configuration from a single file without watching it.
func LoadFromFile(configFile string) error {
	v := newViper()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	set(loaded)
	return nil
}

// Defaults returns a configuration holding only built-in defaults and
// environment overrides.
func Defaults() *Config {
	c := &Config{}
	_ = newViper().Unmarshal(c)
	return c
}

// Get returns the current configuration (thread-safe).
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// OnReload registers fn to run after every successful hot reload.
func OnReload(fn func(*Config)) {
	mu.Lock()
	defer mu.Unlock()
	listeners = append(listeners, fn)
}

func set(next *Config) {
	mu.Lock()
	cfg = next
	fns := slices.Clone(listeners)
	mu.Unlock()
	for _, fn := range fns {
		fn(next)
	}
}

// GetRedisAddr returns the Redis server address.
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the server listen address.
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode.
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}
