package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"erp-sync-service/internal/erp"
	"erp-sync-service/internal/logger"
	"erp-sync-service/internal/rules"
)

// EnvPrefix prefixes environment overrides, e.g. ERPSYNC_ERP_PASSWORD.
const EnvPrefix = "ERPSYNC"

const (
	StorageMySQL  = "mysql"
	StorageSQLite = "sqlite"
)

var (
	ErrMissingBaseURL     = errors.New("erp.base_url is required")
	ErrMissingCredentials = errors.New("erp.username and erp.password are required")
	ErrInvalidInterval    = errors.New("scheduler intervals must be positive")
	ErrUnknownStorage     = errors.New("unknown state_storage.type")
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("erp.base_url", "")
	v.SetDefault("erp.username", "")
	v.SetDefault("erp.password", "")
	v.SetDefault("erp.endpoints.login", erp.DefaultLoginPath)
	v.SetDefault("erp.endpoints.customer_list", erp.DefaultCustomerListPath)
	v.SetDefault("erp.endpoints.customer_save", erp.DefaultCustomerSavePath)
	v.SetDefault("erp.endpoints.contract_list", erp.DefaultContractListPath)
	v.SetDefault("erp.endpoints.order_list", erp.DefaultOrderListPath)
	v.SetDefault("erp.endpoints.product_list", erp.DefaultProductListPath)
	v.SetDefault("erp.timeout", erp.DefaultTimeout)
	v.SetDefault("erp.session_ttl", erp.DefaultSessionTTL)
	v.SetDefault("erp.refresh_margin", erp.DefaultRefreshMargin)
	v.SetDefault("erp.retry_attempts", erp.DefaultRetryAttempts)
	v.SetDefault("erp.retry_base_delay", erp.DefaultRetryBaseDelay)
	v.SetDefault("erp.page_size", erp.DefaultPageSize)
	v.SetDefault("erp.requests_per_second", 0)
	v.SetDefault("erp.session_expired_codes", erp.DefaultSessionExpiredCodes)

	v.SetDefault("databases.internal.host", "localhost")
	v.SetDefault("databases.internal.port", 3306)
	v.SetDefault("databases.internal.user", "root")
	v.SetDefault("databases.internal.password", "")
	v.SetDefault("databases.internal.database", "crm")

	v.SetDefault("state_storage.type", StorageSQLite)
	v.SetDefault("state_storage.host", "localhost")
	v.SetDefault("state_storage.port", 3306)
	v.SetDefault("state_storage.user", "root")
	v.SetDefault("state_storage.password", "")
	v.SetDefault("state_storage.database", "erp_sync_state")
	v.SetDefault("state_storage.file_path", "erp_sync_state.db")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.pull_interval", "5m")
	v.SetDefault("scheduler.push_interval", "5m")
	v.SetDefault("scheduler.push_overlap", "1m")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.shutdown_timeout", "45s")

	v.SetDefault("deletes.pull", false)
	v.SetDefault("deletes.push", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Loader reads the configuration file and environment, and can watch the
// file for changes.
type Loader struct {
	v  *viper.Viper
	mu sync.Mutex
}

// NewLoader prepares a loader for path. An empty path searches for
// config.yaml in the working directory and /etc/erp-sync.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/erp-sync")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v}
}

// Load reads the file (a missing file is fine when searching) and returns
// a validated configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with every reloaded configuration that validates.
// Invalid reloads are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			logger.Log.Warn("Ignoring invalid config reload", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Log.Info("Config reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// LoadConfig loads and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ERP.BaseURL) == "" {
		return ErrMissingBaseURL
	}
	if c.ERP.Username == "" || c.ERP.Password == "" {
		return ErrMissingCredentials
	}
	if c.Scheduler.PullInterval <= 0 || c.Scheduler.PushInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.Scheduler.PushOverlap < 0 {
		return fmt.Errorf("scheduler.push_overlap cannot be negative")
	}

	c.StateStorage.Type = strings.ToLower(c.StateStorage.Type)
	switch c.StateStorage.Type {
	case StorageMySQL:
	case StorageSQLite:
		if c.StateStorage.FilePath == "" {
			return fmt.Errorf("state_storage.file_path is required for sqlite")
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownStorage, c.StateStorage.Type)
	}

	if _, err := rules.Compile(c.Rules); err != nil {
		return fmt.Errorf("invalid rules: %w", err)
	}
	return nil
}
