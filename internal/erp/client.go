package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"erp-sync-service/internal/logger"
)

// maxResponseSize caps how much of a reply is read (10MB).
const maxResponseSize = 10 * 1024 * 1024

// maxPages guards against an ERP that never reports the last page.
const maxPages = 10000

// Session is an acquired ERP session token.
type Session struct {
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (s Session) usable(now time.Time, margin time.Duration) bool {
	return s.Token != "" && now.Before(s.ExpiresAt.Add(-margin))
}

// Client talks to the ERP web API. It owns the session token; concurrent calls
// share it and at most one re-login runs per expiry.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
	now        func() time.Time

	mu       sync.RWMutex
	session  Session
	username string
	password string

	logins singleflight.Group
}

// NewClient validates cfg and returns a client that has not logged in yet.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		log:        logger.Log.Named("erp"),
		now:        time.Now,
		username:   cfg.Username,
		password:   cfg.Password,
	}, nil
}

// PageSize is the page size used by List.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

// Session returns a copy of the current session.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// UpdateCredentials swaps the login credentials. A change drops the current
// session so the next call logs in with the new ones.
func (c *Client) UpdateCredentials(username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.username == username && c.password == password {
		return
	}
	c.username = username
	c.password = password
	c.session = Session{}
	c.log.Info("ERP credentials changed, session dropped")
}

// Login authenticates with the given credentials and stores the session.
func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	req := Request{
		CmdKey: CmdLogin,
		Datas: []Field{
			Text("user", username),
			Text("password", password),
			Text("serialnum", ""),
		},
	}

	resp, err := c.post(ctx, c.cfg.LoginPath, req)
	if err != nil {
		return Session{}, err
	}
	if resp.Header.Status != StatusOK {
		return Session{}, &AuthError{Status: int(resp.Header.Status), Message: resp.Header.Message}
	}

	token := resp.Header.Session
	if token == "" {
		token = resp.Body.Source.Session
	}
	if token == "" {
		return Session{}, &AuthError{Message: "login succeeded without a session token"}
	}

	now := c.now()
	session := Session{Token: token, AcquiredAt: now, ExpiresAt: now.Add(c.cfg.SessionTTL)}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.log.Info("ERP login succeeded", zap.Time("expires_at", session.ExpiresAt))
	return session, nil
}

// Logout ends the session. Failures are logged and never returned.
func (c *Client) Logout(ctx context.Context) {
	c.mu.Lock()
	token := c.session.Token
	c.session = Session{}
	c.mu.Unlock()

	if token == "" {
		return
	}

	resp, err := c.post(ctx, c.cfg.LoginPath, Request{Session: token, CmdKey: CmdLogout, Datas: []Field{}})
	if err != nil {
		c.log.Warn("ERP logout failed", zap.Error(err))
		return
	}
	if resp.Header.Status != StatusOK {
		c.log.Warn("ERP logout rejected",
			zap.Int("status", int(resp.Header.Status)),
			zap.String("message", resp.Header.Message),
		)
	}
}

// Call issues cmdkey on endpoint with the current session. An expired session
// is renewed once and the call repeated; transport failures are retried with
// exponential backoff.
func (c *Client) Call(ctx context.Context, endpoint, cmdkey string, datas []Field) (*Response, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.callWithToken(ctx, endpoint, cmdkey, datas, token)
	if !errors.Is(err, ErrSessionExpired) {
		return resp, err
	}

	c.log.Info("ERP session expired, logging in again", zap.String("endpoint", endpoint))
	token, err = c.renew(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.callWithToken(ctx, endpoint, cmdkey, datas, token)
}

// List walks every page of a list endpoint and hands each table to fn in
// order. Any failure aborts the walk.
func (c *Client) List(ctx context.Context, endpoint string, datas []Field, fn func(*Table) error) error {
	for index := 1; index <= maxPages; index++ {
		page := make([]Field, 0, len(datas)+2)
		page = append(page, datas...)
		page = append(page,
			Text(FieldPageSize, strconv.Itoa(c.cfg.PageSize)),
			Text(FieldPageIndex, strconv.Itoa(index)),
		)

		resp, err := c.Call(ctx, endpoint, CmdRefresh, page)
		if err != nil {
			return fmt.Errorf("fetch page %d of %s: %w", index, endpoint, err)
		}

		table := resp.Body.Source.Table
		if table == nil || len(table.Rows) == 0 {
			return nil
		}
		if err := fn(table); err != nil {
			return err
		}

		if table.Page.Count > 0 {
			if index >= table.Page.Count {
				return nil
			}
		} else if len(table.Rows) < c.cfg.PageSize {
			return nil
		}
	}
	return fmt.Errorf("erp: %s returned more than %d pages", endpoint, maxPages)
}

// token returns a usable token, logging in first when the session is missing
// or about to expire.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session.usable(c.now(), c.cfg.RefreshMargin) {
		return session.Token, nil
	}
	return c.renew(ctx, session.Token)
}

// renew replaces the stale token. Callers holding the same stale token share a
// single login; a caller whose stale token was already replaced gets the new
// one without logging in.
func (c *Client) renew(ctx context.Context, stale string) (string, error) {
	if token, ok := c.replaced(stale); ok {
		return token, nil
	}

	v, err, _ := c.logins.Do("login", func() (any, error) {
		if token, ok := c.replaced(stale); ok {
			return token, nil
		}
		c.mu.RLock()
		username, password := c.username, c.password
		c.mu.RUnlock()

		session, err := c.Login(ctx, username, password)
		if err != nil {
			return "", err
		}
		return session.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) replaced(stale string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session.Token != stale && c.session.usable(c.now(), 0) {
		return c.session.Token, true
	}
	return "", false
}

func (c *Client) callWithToken(ctx context.Context, endpoint, cmdkey string, datas []Field, token string) (*Response, error) {
	if datas == nil {
		datas = []Field{}
	}
	resp, err := c.post(ctx, endpoint, Request{Session: token, CmdKey: cmdkey, Datas: datas})
	if err != nil {
		return nil, err
	}
	if resp.Header.Status == StatusOK {
		return resp, nil
	}
	if c.expired(resp.Header.Status) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, resp.Header.Message)
	}
	return nil, &StatusError{Endpoint: endpoint, Status: int(resp.Header.Status), Message: resp.Header.Message}
}

func (c *Client) expired(status Status) bool {
	for _, code := range c.cfg.SessionExpiredCodes {
		if int(status) == code {
			return true
		}
	}
	return false
}

// post sends one request, retrying transport failures. The HTTP exchange runs
// on a context detached from ctx so cancellation never cuts a request short;
// it is bounded by the client timeout instead. Cancellation stops retries.
func (c *Client) post(ctx context.Context, endpoint string, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("erp: encode request: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryBaseDelay
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.RetryAttempts-1)), ctx)

	var resp *Response
	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		r, err := c.do(ctx, endpoint, payload)
		if err != nil {
			var te *TransportError
			if errors.As(err, &te) && retryable(te) {
				c.log.Warn("ERP request failed",
					zap.String("endpoint", endpoint),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, retries); err != nil {
		return nil, err
	}
	return resp, nil
}

type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.code)
}

func retryable(te *TransportError) bool {
	var se *httpStatusError
	if errors.As(te.Err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) do(ctx context.Context, endpoint string, payload []byte) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("erp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	if httpResp.StatusCode >= 400 {
		return nil, &TransportError{Endpoint: endpoint, Err: &httpStatusError{code: httpResp.StatusCode}}
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("erp: decode %s response: %w", endpoint, err)
	}
	return &resp, nil
}
