// Package config loads metavault settings from defaults, an optional YAML
// file and METAVAULT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	// DevMode swaps SSM and KMS for environment secrets and a plain encryptor.
	DevMode     bool          `mapstructure:"dev_mode"`
	FrontendURL string        `mapstructure:"frontend_url" validate:"required,url"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Server      ServerConfig  `mapstructure:"server"`
	Storage     StorageConfig `mapstructure:"storage"`
	Tokens      TokensConfig  `mapstructure:"tokens"`
	OAuth       OAuthConfig   `mapstructure:"oauth"`
	Secrets     SecretsConfig `mapstructure:"secrets"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// ServerConfig configures the local HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// TrustProxy takes the client address from X-Forwarded-For/X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

// StorageConfig selects the lock ledger backend.
type StorageConfig struct {
	Driver         string `mapstructure:"driver" validate:"required,oneof=postgres memory"`
	DSN            string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
	// UserDataDir holds per-user files removed on account teardown. Empty disables removal.
	UserDataDir string `mapstructure:"user_data_dir"`
}

// TokensConfig selects where credential bindings live.
type TokensConfig struct {
	Driver   string `mapstructure:"driver" validate:"required,oneof=postgres dynamodb memory"`
	Table    string `mapstructure:"table" validate:"required_if=Driver dynamodb"`
	KMSKeyID string `mapstructure:"kms_key_id"`
}

// OAuthConfig configures the authorization flow and provider calls.
type OAuthConfig struct {
	StateDriver   string         `mapstructure:"state_driver" validate:"required,oneof=dynamodb memory"`
	StateTable    string         `mapstructure:"state_table" validate:"required_if=StateDriver dynamodb"`
	StateTTL      time.Duration  `mapstructure:"state_ttl" validate:"gt=0"`
	ForceApproval bool           `mapstructure:"force_approval"`
	RedirectURL   string         `mapstructure:"redirect_url" validate:"required,url"`
	HTTPTimeout   time.Duration  `mapstructure:"http_timeout" validate:"gt=0"`
	Retries       uint64         `mapstructure:"retries"`
	Google        ProviderConfig `mapstructure:"google"`
	OneDrive      ProviderConfig `mapstructure:"onedrive"`
}

// ProviderConfig holds one provider's OAuth client.
type ProviderConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	ClientID          string `mapstructure:"client_id" validate:"required_if=Enabled true"`
	ClientSecretParam string `mapstructure:"client_secret_param"`
	// Tenant is the Azure AD tenant; OneDrive only.
	Tenant string `mapstructure:"tenant"`
}

// SecretsConfig names the parameters resolved through the secret resolver.
type SecretsConfig struct {
	JWTSecretParam    string `mapstructure:"jwt_secret_param" validate:"required"`
	OriginSecretParam string `mapstructure:"origin_secret_param"`
}

var defaults = map[string]any{
	"dev_mode":     false,
	"frontend_url": "http://localhost:3000",

	"logging.level":  "INFO",
	"logging.format": "text",

	"server.addr":             ":8080",
	"server.request_timeout":  "30s",
	"server.shutdown_timeout": "10s",
	"server.trust_proxy":      false,

	"storage.driver":           "memory",
	"storage.dsn":              "",
	"storage.migrate_on_start": false,
	"storage.user_data_dir":    "",

	"tokens.driver":     "memory",
	"tokens.table":      "MetavaultBindings",
	"tokens.kms_key_id": "alias/metavault-credentials",

	"oauth.state_driver":   "memory",
	"oauth.state_table":    "MetavaultAuthStates",
	"oauth.state_ttl":      "10m",
	"oauth.force_approval": true,
	"oauth.redirect_url":   "http://localhost:8080/auth/callback",
	"oauth.http_timeout":   "30s",
	"oauth.retries":        3,

	"oauth.google.enabled":             false,
	"oauth.google.client_id":           "",
	"oauth.google.client_secret_param": "/metavault/google-client-secret",
	"oauth.google.tenant":              "",

	"oauth.onedrive.enabled":             false,
	"oauth.onedrive.client_id":           "",
	"oauth.onedrive.client_secret_param": "/metavault/onedrive-client-secret",
	"oauth.onedrive.tenant":              "common",

	"secrets.jwt_secret_param":    "/metavault/jwt-secret",
	"secrets.origin_secret_param": "/metavault/origin-secret",
}

// EnvConfigPath names the variable consulted when no path is passed to Load.
const EnvConfigPath = "METAVAULT_CONFIG"

// Load reads configuration. An empty path falls back to $METAVAULT_CONFIG,
// then to ./metavault.yaml if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("METAVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("metavault")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}

	if cfg.Tokens.Driver == "postgres" && cfg.Storage.DSN == "" {
		return errors.New("tokens.driver postgres requires storage.dsn")
	}
	if cfg.Tokens.Driver == "dynamodb" && !cfg.DevMode && cfg.Tokens.KMSKeyID == "" {
		return errors.New("tokens.kms_key_id is required outside dev mode")
	}
	return nil
}
