package config

import (
	"fmt"
	"time"

	"erp-sync-service/internal/erp"
	"erp-sync-service/internal/rules"
)

type Config struct {
	ERP          ERPConfig          `mapstructure:"erp"`
	Databases    DatabasesConfig    `mapstructure:"databases"`
	StateStorage StateStorage       `mapstructure:"state_storage"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Rules        []rules.RuleConfig `mapstructure:"rules"`
	Deletes      DeletesConfig      `mapstructure:"deletes"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ERPConfig struct {
	BaseURL             string          `mapstructure:"base_url"`
	Username            string          `mapstructure:"username"`
	Password            string          `mapstructure:"password"`
	Endpoints           EndpointsConfig `mapstructure:"endpoints"`
	Timeout             time.Duration   `mapstructure:"timeout"`
	SessionTTL          time.Duration   `mapstructure:"session_ttl"`
	RefreshMargin       time.Duration   `mapstructure:"refresh_margin"`
	RetryAttempts       int             `mapstructure:"retry_attempts"`
	RetryBaseDelay      time.Duration   `mapstructure:"retry_base_delay"`
	PageSize            int             `mapstructure:"page_size"`
	RequestsPerSecond   float64         `mapstructure:"requests_per_second"`
	SessionExpiredCodes []int           `mapstructure:"session_expired_codes"`
}

type EndpointsConfig struct {
	Login        string `mapstructure:"login"`
	CustomerList string `mapstructure:"customer_list"`
	CustomerSave string `mapstructure:"customer_save"`
	ContractList string `mapstructure:"contract_list"`
	OrderList    string `mapstructure:"order_list"`
	ProductList  string `mapstructure:"product_list"`
}

// ToERP converts the section into the client's configuration.
func (c ERPConfig) ToERP() erp.Config {
	return erp.Config{
		BaseURL:             c.BaseURL,
		Username:            c.Username,
		Password:            c.Password,
		LoginPath:           c.Endpoints.Login,
		Timeout:             c.Timeout,
		SessionTTL:          c.SessionTTL,
		RefreshMargin:       c.RefreshMargin,
		RetryAttempts:       c.RetryAttempts,
		RetryBaseDelay:      c.RetryBaseDelay,
		RequestsPerSecond:   c.RequestsPerSecond,
		PageSize:            c.PageSize,
		SessionExpiredCodes: c.SessionExpiredCodes,
	}
}

type DatabasesConfig struct {
	Internal DatabaseConnection `mapstructure:"internal"`
}

type DatabaseConnection struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// DSN returns the go-sql-driver/mysql data source name.
func (d DatabaseConnection) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

type StateStorage struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

// Connection returns the MySQL settings of a mysql state store.
func (s StateStorage) Connection() DatabaseConnection {
	return DatabaseConnection{
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
		Database: s.Database,
	}
}

type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PullInterval    time.Duration `mapstructure:"pull_interval"`
	PushInterval    time.Duration `mapstructure:"push_interval"`
	PushOverlap     time.Duration `mapstructure:"push_overlap"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DeletesConfig struct {
	Pull bool `mapstructure:"pull"`
	Push bool `mapstructure:"push"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	AuthToken    string        `mapstructure:"auth_token"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr is the listen address of the control API.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
