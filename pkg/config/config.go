package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Worker      WorkerConfig
	Provisioner ProvisionerConfig
	SSH         SSHConfig
	Secrets     SecretsConfig
	Progress    ProgressConfig
	Cache       CacheConfig
	Git         GitConfig
	RateLimit   RateLimitConfig
	Tracing     TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LogLevel     string
	CORSOrigins  []string
}

// DatabaseConfig holds relational store configuration.
// Driver is "postgres" or "sqlite"; Path is only used by sqlite.
type DatabaseConfig struct {
	Driver          string
	URL             string
	Path            string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// WorkerConfig holds orchestrator worker configuration
type WorkerConfig struct {
	Concurrency     int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	ProxyLockTTL    time.Duration
}

// ProvisionerConfig holds cloud provisioning settings
type ProvisionerConfig struct {
	DefaultRegion       string
	ImageID             string
	InstanceType        string
	PollAttempts        int
	PollInterval        time.Duration
	SettleTime          time.Duration
	RoleName            string
	InstanceProfileName string
	ManagedPolicies     []string
	KeyPairPrefix       string
	SecurityGroupPrefix string
}

// SSHConfig holds remote execution settings
type SSHConfig struct {
	Username        string
	ConnectAttempts int
	RetryDelay      time.Duration
	DialTimeout     time.Duration
}

// SecretsConfig holds the symmetric key material used for at-rest encryption
type SecretsConfig struct {
	Key string
	IV  string
}

// ProgressConfig holds progress relay settings
type ProgressConfig struct {
	RelayURL      string
	RelayTimeout  time.Duration
	NATSURL       string
	ChannelPrefix string
}

// CacheConfig holds cached view lifetimes
type CacheConfig struct {
	ListTTL   time.Duration
	ResultTTL time.Duration
}

// GitConfig holds repository verification settings
type GitConfig struct {
	VerifyBranch bool
	Timeout      time.Duration
}

// RateLimitConfig holds API rate limiting settings
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	Insecure       bool
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// WORKER_CONCURRENCY -> worker.concurrency
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("provisioner.image_id", "DEPLOYER_UBUNTU_AMI")
	_ = viper.BindEnv("secrets.key", "DEPLOYER_SECRET_KEY")
	_ = viper.BindEnv("secrets.iv", "DEPLOYER_SECRET_IV")
	_ = viper.BindEnv("progress.relay_url", "SOCKET_URL")

	config := &Config{
		Server: ServerConfig{
			Port:         viper.GetString("server.port"),
			ReadTimeout:  viper.GetDuration("server.read_timeout"),
			WriteTimeout: viper.GetDuration("server.write_timeout"),
			LogLevel:     viper.GetString("server.log_level"),
			CORSOrigins:  viper.GetStringSlice("server.cors_origins"),
		},
		Database: DatabaseConfig{
			Driver:          viper.GetString("database.driver"),
			Path:            viper.GetString("database.path"),
			Host:            viper.GetString("database.host"),
			Port:            viper.GetInt("database.port"),
			User:            viper.GetString("database.user"),
			Password:        viper.GetString("database.password"),
			DBName:          viper.GetString("database.dbname"),
			SSLMode:         viper.GetString("database.sslmode"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			URL:      viper.GetString("redis.url"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Worker: WorkerConfig{
			Concurrency:     viper.GetInt("worker.concurrency"),
			PollInterval:    viper.GetDuration("worker.poll_interval"),
			ShutdownTimeout: viper.GetDuration("worker.shutdown_timeout"),
			ProxyLockTTL:    viper.GetDuration("worker.proxy_lock_ttl"),
		},
		Provisioner: ProvisionerConfig{
			DefaultRegion:       viper.GetString("provisioner.default_region"),
			ImageID:             viper.GetString("provisioner.image_id"),
			InstanceType:        viper.GetString("provisioner.instance_type"),
			PollAttempts:        viper.GetInt("provisioner.poll_attempts"),
			PollInterval:        viper.GetDuration("provisioner.poll_interval"),
			SettleTime:          viper.GetDuration("provisioner.settle_time"),
			RoleName:            viper.GetString("provisioner.role_name"),
			InstanceProfileName: viper.GetString("provisioner.instance_profile_name"),
			ManagedPolicies:     viper.GetStringSlice("provisioner.managed_policies"),
			KeyPairPrefix:       viper.GetString("provisioner.key_pair_prefix"),
			SecurityGroupPrefix: viper.GetString("provisioner.security_group_prefix"),
		},
		SSH: SSHConfig{
			Username:        viper.GetString("ssh.username"),
			ConnectAttempts: viper.GetInt("ssh.connect_attempts"),
			RetryDelay:      viper.GetDuration("ssh.retry_delay"),
			DialTimeout:     viper.GetDuration("ssh.dial_timeout"),
		},
		Secrets: SecretsConfig{
			Key: viper.GetString("secrets.key"),
			IV:  viper.GetString("secrets.iv"),
		},
		Progress: ProgressConfig{
			RelayURL:      viper.GetString("progress.relay_url"),
			RelayTimeout:  viper.GetDuration("progress.relay_timeout"),
			NATSURL:       viper.GetString("progress.nats_url"),
			ChannelPrefix: viper.GetString("progress.channel_prefix"),
		},
		Cache: CacheConfig{
			ListTTL:   viper.GetDuration("cache.list_ttl"),
			ResultTTL: viper.GetDuration("cache.result_ttl"),
		},
		Git: GitConfig{
			VerifyBranch: viper.GetBool("git.verify_branch"),
			Timeout:      viper.GetDuration("git.timeout"),
		},
		RateLimit: RateLimitConfig{
			Enabled:           viper.GetBool("ratelimit.enabled"),
			RequestsPerSecond: viper.GetFloat64("ratelimit.requests_per_second"),
			Burst:             viper.GetInt("ratelimit.burst"),
		},
		Tracing: TracingConfig{
			Enabled:        viper.GetBool("tracing.enabled"),
			ServiceName:    viper.GetString("tracing.service_name"),
			ServiceVersion: viper.GetString("tracing.service_version"),
			Environment:    viper.GetString("tracing.environment"),
			OTLPEndpoint:   viper.GetString("tracing.otlp_endpoint"),
			SampleRate:     viper.GetFloat64("tracing.sample_rate"),
			Insecure:       viper.GetBool("tracing.insecure"),
		},
	}

	// DATABASE_URL takes precedence over the discrete fields
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", "3000")
	viper.SetDefault("server.read_timeout", 10*time.Second)
	viper.SetDefault("server.write_timeout", 10*time.Second)
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.path", "deployer.db")
	viper.SetDefault("database.host", "127.0.0.1")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "deployer")
	viper.SetDefault("database.password", "deployer_dev_password")
	viper.SetDefault("database.dbname", "instance_deployer")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Redis defaults
	viper.SetDefault("redis.url", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Worker defaults
	viper.SetDefault("worker.concurrency", 3)
	viper.SetDefault("worker.poll_interval", 5*time.Second)
	viper.SetDefault("worker.shutdown_timeout", 30*time.Second)
	viper.SetDefault("worker.proxy_lock_ttl", 2*time.Minute)

	// Provisioner defaults
	viper.SetDefault("provisioner.default_region", "us-east-1")
	viper.SetDefault("provisioner.image_id", "ami-0ecb62995f68bb549")
	viper.SetDefault("provisioner.instance_type", "t3.micro")
	viper.SetDefault("provisioner.poll_attempts", 60)
	viper.SetDefault("provisioner.poll_interval", 5*time.Second)
	viper.SetDefault("provisioner.settle_time", 30*time.Second)
	viper.SetDefault("provisioner.role_name", "Deployer-EC2-SSM-Role")
	viper.SetDefault("provisioner.instance_profile_name", "Deployer-EC2-SSM-Instance-Profile")
	viper.SetDefault("provisioner.managed_policies", []string{
		"arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore",
		"arn:aws:iam::aws:policy/AmazonSSMFullAccess",
		"arn:aws:iam::aws:policy/CloudWatchAgentServerPolicy",
	})
	viper.SetDefault("provisioner.key_pair_prefix", "deployer-key")
	viper.SetDefault("provisioner.security_group_prefix", "deployer-sg")

	// SSH defaults
	viper.SetDefault("ssh.username", "ubuntu")
	viper.SetDefault("ssh.connect_attempts", 20)
	viper.SetDefault("ssh.retry_delay", 5*time.Second)
	viper.SetDefault("ssh.dial_timeout", 10*time.Second)

	// Secrets have no defaults; unset means passthrough storage
	viper.SetDefault("secrets.key", "")
	viper.SetDefault("secrets.iv", "")

	// Progress defaults
	viper.SetDefault("progress.relay_url", "")
	viper.SetDefault("progress.relay_timeout", 3*time.Second)
	viper.SetDefault("progress.nats_url", "")
	viper.SetDefault("progress.channel_prefix", "deploy-log")

	// Cache defaults
	viper.SetDefault("cache.list_ttl", 5*time.Minute)
	viper.SetDefault("cache.result_ttl", 24*time.Hour)

	// Git defaults
	viper.SetDefault("git.verify_branch", true)
	viper.SetDefault("git.timeout", 15*time.Second)

	// Rate limit defaults
	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.requests_per_second", 10.0)
	viper.SetDefault("ratelimit.burst", 20)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "instance-deployer")
	viper.SetDefault("tracing.service_version", "1.0.0")
	viper.SetDefault("tracing.environment", "development")
	viper.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	viper.SetDefault("tracing.sample_rate", 1.0)
	viper.SetDefault("tracing.insecure", true)
}

// GetDatabaseDSN returns the connection string for the configured driver
func (c *Config) GetDatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.Path
	}
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}
