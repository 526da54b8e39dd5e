package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "DROPFORGE"

	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "dropforge.db"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 30
	defaultQREndpoint      = "https://api.qrserver.com/v1/create-qr-code/"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration

	BlobPublisherURL  string
	BlobAggregatorURL string

	LedgerRPCURL     string
	LedgerPackageID  string
	LedgerRegistryID string

	AppBaseURL string
	QREndpoint string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("qr.endpoint", defaultQREndpoint)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		BlobPublisherURL:  configViper.GetString("blob.publisher_url"),
		BlobAggregatorURL: configViper.GetString("blob.aggregator_url"),
		LedgerRPCURL:      configViper.GetString("ledger.rpc_url"),
		LedgerPackageID:   configViper.GetString("ledger.package_id"),
		LedgerRegistryID:  configViper.GetString("ledger.registry_id"),
		AppBaseURL:        configViper.GetString("app.base_url"),
		QREndpoint:        configViper.GetString("qr.endpoint"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BlobPublisherURL) == "" {
		return fmt.Errorf("blob.publisher_url is required")
	}
	if strings.TrimSpace(c.BlobAggregatorURL) == "" {
		return fmt.Errorf("blob.aggregator_url is required")
	}
	if strings.TrimSpace(c.LedgerRPCURL) == "" {
		return fmt.Errorf("ledger.rpc_url is required")
	}
	if strings.TrimSpace(c.LedgerPackageID) == "" {
		return fmt.Errorf("ledger.package_id is required")
	}
	if strings.TrimSpace(c.LedgerRegistryID) == "" {
		return fmt.Errorf("ledger.registry_id is required")
	}
	return nil
}
