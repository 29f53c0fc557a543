package erp_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-sync-service/internal/erp"
	"erp-sync-service/internal/erp/erptest"
)

var testColumns = []erp.Column{
	{ID: "khbh", Title: "客户编号"},
	{ID: "khmc", Title: "客户名称"},
}

func newServer(t *testing.T) *erptest.Server {
	t.Helper()
	srv := erptest.NewServer("admin", "secret", "khbh", testColumns)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *erptest.Server, mutate ...func(*erp.Config)) *erp.Client {
	t.Helper()
	cfg := erp.Config{
		BaseURL:        srv.URL,
		Username:       "admin",
		Password:       "secret",
		Timeout:        2 * time.Second,
		RetryBaseDelay: time.Millisecond,
		PageSize:       2,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	client, err := erp.NewClient(cfg)
	require.NoError(t, err)
	return client
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  erp.Config
		wantErr error
	}{
		{
			name:   "valid config",
			config: erp.Config{BaseURL: "http://erp.local/", Username: "u", Password: "p"},
		},
		{
			name:    "missing base url",
			config:  erp.Config{Username: "u", Password: "p"},
			wantErr: erp.ErrMissingBaseURL,
		},
		{
			name:    "missing password",
			config:  erp.Config{BaseURL: "http://erp.local", Username: "u"},
			wantErr: erp.ErrMissingCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "http://erp.local", tt.config.BaseURL)
			assert.Equal(t, erp.DefaultLoginPath, tt.config.LoginPath)
			assert.Equal(t, erp.DefaultSessionTTL, tt.config.SessionTTL)
			assert.Equal(t, erp.DefaultRefreshMargin, tt.config.RefreshMargin)
			assert.Equal(t, erp.DefaultRetryAttempts, tt.config.RetryAttempts)
			assert.Equal(t, erp.DefaultSessionExpiredCodes, tt.config.SessionExpiredCodes)
		})
	}
}

func TestConfig_ValidateRefreshMargin(t *testing.T) {
	tests := []struct {
		name   string
		ttl    time.Duration
		margin time.Duration
		want   time.Duration
	}{
		{"unset", 0, 0, erp.DefaultRefreshMargin},
		{"negative", 0, -time.Minute, erp.DefaultRefreshMargin},
		{"explicit", 0, 3 * time.Minute, 3 * time.Minute},
		{"not shorter than ttl", time.Hour, 2 * time.Hour, erp.DefaultRefreshMargin},
		{"short ttl", 8 * time.Minute, 0, 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := erp.Config{BaseURL: "http://erp.local", Username: "u", Password: "p", SessionTTL: tt.ttl, RefreshMargin: tt.margin}
			require.NoError(t, cfg.Validate())
			assert.Equal(t, tt.want, cfg.RefreshMargin)
		})
	}
}

func TestStatus_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    erp.Status
		wantErr bool
	}{
		{`0`, 0, false},
		{`2`, 2, false},
		{`"0"`, 0, false},
		{`" 401 "`, 401, false},
		{`""`, 0, false},
		{`null`, 0, false},
		{`"ok"`, 0, true},
		{`true`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var s erp.Status
			err := s.UnmarshalJSON([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestClient_Login(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	t.Run("success stores session", func(t *testing.T) {
		client := newClient(t, srv)
		session, err := client.Login(ctx, "admin", "secret")
		require.NoError(t, err)
		assert.NotEmpty(t, session.Token)
		assert.Equal(t, session, client.Session())
		assert.Equal(t, erp.DefaultSessionTTL, session.ExpiresAt.Sub(session.AcquiredAt))
	})

	t.Run("bad credentials return AuthError", func(t *testing.T) {
		client := newClient(t, srv)
		_, err := client.Login(ctx, "admin", "wrong")
		var authErr *erp.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, erptest.StatusBadCredentials, authErr.Status)
		assert.NotEmpty(t, authErr.Message)
		assert.Empty(t, client.Session().Token)
	})
}

func TestClient_CallLogsInLazily(t *testing.T) {
	srv := newServer(t)
	srv.Put(map[string]any{"khbh": "C100", "khmc": "Acme"})
	client := newClient(t, srv)

	resp, err := client.Call(context.Background(), erp.DefaultCustomerListPath, erp.CmdRefresh, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Body.Source.Table)
	assert.Len(t, resp.Body.Source.Table.Rows, 1)
	assert.Equal(t, 1, srv.Logins())
}

func TestClient_CallRenewsExpiredSession(t *testing.T) {
	srv := newServer(t)
	client := newClient(t, srv)
	ctx := context.Background()

	_, err := client.Login(ctx, "admin", "secret")
	require.NoError(t, err)
	first := client.Session().Token

	srv.ExpireSessions()

	_, err = client.Call(ctx, erp.DefaultCustomerListPath, erp.CmdRefresh, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Logins())
	assert.NotEqual(t, first, client.Session().Token)
}

func TestClient_ConcurrentExpiryLogsInOnce(t *testing.T) {
	srv := newServer(t)
	client := newClient(t, srv)
	ctx := context.Background()

	_, err := client.Login(ctx, "admin", "secret")
	require.NoError(t, err)
	srv.ExpireSessions()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = client.Call(ctx, erp.DefaultCustomerListPath, erp.CmdRefresh, nil)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, srv.Logins(), "one initial login plus exactly one renewal")
}

func TestClient_ProactiveRefresh(t *testing.T) {
	srv := newServer(t)
	client := newClient(t, srv)
	ctx := context.Background()

	session, err := client.Login(ctx, "admin", "secret")
	require.NoError(t, err)

	// Inside the refresh margin: the token still works on the ERP but is renewed first.
	client.SetClock(func() time.Time {
		return session.ExpiresAt.Add(-5 * time.Minute)
	})

	_, err = client.Call(ctx, erp.DefaultCustomerListPath, erp.CmdRefresh, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Logins())
	assert.NotEqual(t, session.Token, client.Session().Token)
}

func TestClient_TransportRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within attempts", func(t *testing.T) {
		srv := newServer(t)
		client := newClient(t, srv)
		_, err := client.Login(ctx, "admin", "secret")
		require.NoError(t, err)

		srv.FailNext(2)
		_, err = client.Call(ctx, erp.DefaultCustomerListPath, erp.CmdRefresh, nil)
		require.NoError(t, err)
	})

	t.Run("surfaces TransportError after attempts", func(t *testing.T) {
		srv := newServer(t)
		client := newClient(t, srv)
		_, err := client.Login(ctx, "admin", "secret")
		require.NoError(t, err)
		before := srv.Calls()

		srv.FailNext(10)
		_, err = client.Call(ctx, erp.DefaultCustomerListPath, erp.CmdRefresh, nil)
		require.Error(t, err)
		assert.True(t, erp.IsTransport(err))
		assert.Equal(t, erp.DefaultRetryAttempts, srv.Calls()-before)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := newServer(t)
		client := newClient(t, srv)
		srv.Close()

		_, err := client.Call(ctx, erp.DefaultCustomerListPath, erp.CmdRefresh, nil)
		require.Error(t, err)
		assert.True(t, erp.IsTransport(err))
	})
}

func TestClient_StatusError(t *testing.T) {
	srv := newServer(t)
	srv.RejectSave("C1", "客户编号重复")
	client := newClient(t, srv)

	_, err := client.Call(context.Background(), erp.DefaultCustomerSavePath, erp.CmdSave,
		[]erp.Field{erp.Text("khbh", "C1")})

	var statusErr *erp.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, erptest.StatusRejected, statusErr.Status)
	assert.False(t, errors.Is(err, erp.ErrSessionExpired))
}

func TestClient_List(t *testing.T) {
	srv := newServer(t)
	for _, code := range []string{"C1", "C2", "C3", "C4", "C5"} {
		srv.Put(map[string]any{"khbh": code, "khmc": "name " + code})
	}
	client := newClient(t, srv)
	require.Equal(t, 2, client.PageSize())

	var pages, rows int
	err := client.List(context.Background(), erp.DefaultCustomerListPath, nil, func(table *erp.Table) error {
		pages++
		rows += len(table.Rows)
		assert.Equal(t, testColumns, table.Cols)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	assert.Equal(t, 5, rows)

	t.Run("callback error aborts", func(t *testing.T) {
		stop := errors.New("stop")
		err := client.List(context.Background(), erp.DefaultCustomerListPath, nil, func(*erp.Table) error {
			return stop
		})
		assert.ErrorIs(t, err, stop)
	})

	t.Run("page failure aborts", func(t *testing.T) {
		srv.FailNext(10)
		err := client.List(context.Background(), erp.DefaultCustomerListPath, nil, func(*erp.Table) error {
			return nil
		})
		assert.True(t, erp.IsTransport(err))
	})
}

func TestClient_LogoutIsBestEffort(t *testing.T) {
	srv := newServer(t)
	client := newClient(t, srv)
	ctx := context.Background()

	_, err := client.Login(ctx, "admin", "secret")
	require.NoError(t, err)

	srv.Close()
	client.Logout(ctx)
	assert.Empty(t, client.Session().Token)
}

func TestClient_UpdateCredentials(t *testing.T) {
	srv := newServer(t)
	client := newClient(t, srv)
	ctx := context.Background()

	_, err := client.Login(ctx, "admin", "secret")
	require.NoError(t, err)

	client.UpdateCredentials("admin", "secret")
	assert.NotEmpty(t, client.Session().Token)

	client.UpdateCredentials("admin", "rotated")
	assert.Empty(t, client.Session().Token)

	_, err = client.Call(ctx, erp.DefaultCustomerListPath, erp.CmdRefresh, nil)
	var authErr *erp.AuthError
	assert.ErrorAs(t, err, &authErr)
}
