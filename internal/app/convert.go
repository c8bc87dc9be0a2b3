package app

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/instance-deployer/internal/api"
	"github.com/alvesdmateus/instance-deployer/internal/observability"
	"github.com/alvesdmateus/instance-deployer/internal/provisioner"
	"github.com/alvesdmateus/instance-deployer/pkg/config"
	"github.com/alvesdmateus/instance-deployer/pkg/database"
)

// NewLogger configures the global logger and returns it
func NewLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
	SetLogLevel(level)
	return log.Logger
}

// SetLogLevel sets the global level, falling back to info
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// DatabaseConfig maps the loaded settings onto the connection options
func DatabaseConfig(c config.DatabaseConfig) database.Config {
	return database.Config{
		Driver:          c.Driver,
		URL:             c.URL,
		Path:            c.Path,
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		DBName:          c.DBName,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// TracingConfig maps the loaded settings onto the tracer options
func TracingConfig(c config.TracingConfig) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        c.Enabled,
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTLPEndpoint,
		SampleRate:     c.SampleRate,
		Insecure:       c.Insecure,
	}
}

// RateLimitConfig maps the loaded settings onto the API limiter. Zero
// values keep the limiter defaults.
func RateLimitConfig(c config.RateLimitConfig) api.RateLimitConfig {
	out := api.DefaultRateLimitConfig()
	out.Enabled = c.Enabled
	if c.RequestsPerSecond > 0 {
		out.RequestsPerSecond = c.RequestsPerSecond
	}
	if c.Burst > 0 {
		out.BurstSize = c.Burst
	}
	return out
}

// ProvisionerConfig maps the loaded settings onto the provisioner, keeping
// defaults for anything unset.
func ProvisionerConfig(c config.ProvisionerConfig) provisioner.Config {
	out := provisioner.DefaultConfig()
	if c.ImageID != "" {
		out.ImageID = c.ImageID
	}
	if c.InstanceType != "" {
		out.InstanceType = c.InstanceType
	}
	if c.PollAttempts > 0 {
		out.PollAttempts = c.PollAttempts
	}
	if c.PollInterval > 0 {
		out.PollInterval = c.PollInterval
	}
	if c.SettleTime > 0 {
		out.SettleTime = c.SettleTime
	}
	if c.RoleName != "" {
		out.RoleName = c.RoleName
	}
	if c.InstanceProfileName != "" {
		out.InstanceProfileName = c.InstanceProfileName
	}
	if len(c.ManagedPolicies) > 0 {
		out.ManagedPolicies = c.ManagedPolicies
	}
	if c.KeyPairPrefix != "" {
		out.KeyPairPrefix = c.KeyPairPrefix
	}
	if c.SecurityGroupPrefix != "" {
		out.SecurityGroupPrefix = c.SecurityGroupPrefix
	}
	return out
}
