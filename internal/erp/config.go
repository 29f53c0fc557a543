package erp

import (
	"strings"
	"time"
)

// Defaults observed on the production ERP.
const (
	DefaultLoginPath      = "/webapi/v3/ov1/login"
	DefaultTimeout        = 30 * time.Second
	DefaultSessionTTL     = 2 * time.Hour
	DefaultRefreshMargin  = 10 * time.Minute
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultPageSize       = 100
)

// DefaultSessionExpiredCodes are the header statuses meaning "log in again".
var DefaultSessionExpiredCodes = []int{2, 401}

// Config holds connection settings for one ERP instance.
type Config struct {
	BaseURL             string
	Username            string
	Password            string
	LoginPath           string
	Timeout             time.Duration
	SessionTTL          time.Duration
	RefreshMargin       time.Duration
	RetryAttempts       int
	RetryBaseDelay      time.Duration
	RequestsPerSecond   float64
	PageSize            int
	SessionExpiredCodes []int
}

// Validate checks required settings and fills defaults for the rest.
func (c *Config) Validate() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if c.Username == "" || c.Password == "" {
		return ErrMissingCredentials
	}
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.RefreshMargin <= 0 || c.RefreshMargin >= c.SessionTTL {
		c.RefreshMargin = DefaultRefreshMargin
		if c.RefreshMargin >= c.SessionTTL {
			c.RefreshMargin = c.SessionTTL / 4
		}
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if len(c.SessionExpiredCodes) == 0 {
		c.SessionExpiredCodes = DefaultSessionExpiredCodes
	}
	return nil
}
