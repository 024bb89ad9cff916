package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bank-sync/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)

	client := NewClient(&config.ProviderConfig{
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	}, log)

	return client, server
}

func TestNewToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/token/new/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"secret_id":"sid","secret_key":"skey"}`, string(body))

		fmt.Fprint(w, `{"access":"acc-1","access_expires":86400,"refresh":"ref-1","refresh_expires":2592000}`)
	}))

	pair, err := client.NewToken(context.Background(), "sid", "skey")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", pair.Access)
	assert.Equal(t, int64(86400), pair.AccessExpires)
	assert.Equal(t, "ref-1", pair.Refresh)
	assert.Equal(t, int64(2592000), pair.RefreshExpires)
}

func TestRefreshToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token/refresh/", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"refresh":"ref-1"}`, string(body))

		fmt.Fprint(w, `{"access":"acc-2","access_expires":86400}`)
	}))

	refreshed, err := client.RefreshToken(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-2", refreshed.Access)
}

func TestListAccounts(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/requisitions/req-1/", r.URL.Path)
		assert.Equal(t, "Bearer acc-1", r.Header.Get("Authorization"))

		fmt.Fprint(w, `{"id":"req-1","status":"LN","accounts":["a1","a2"]}`)
	}))

	accounts, err := client.ListAccounts(context.Background(), "req-1", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, accounts)
}

func TestBalances(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/a1/balances/", r.URL.Path)

		fmt.Fprint(w, `{"balances":[
			{"balanceAmount":{"amount":"1234.56","currency":"EUR"},"balanceType":"interimAvailable","referenceDate":"2025-01-01"},
			{"balanceAmount":{"amount":"1200.00","currency":"EUR"},"balanceType":"expected","referenceDate":"2025-01-01"}
		]}`)
	}))

	balances, err := client.Balances(context.Background(), "a1", "acc-1")
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "1234.56", balances[0].BalanceAmount.Amount)
	assert.Equal(t, "EUR", balances[0].BalanceAmount.Currency)
	assert.Equal(t, "interimAvailable", balances[0].BalanceType)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     string
		body       string
		wantKind   ErrorKind
		wantRetry  time.Duration
		wantDetail string
	}{
		{
			name:      "rate limited with header",
			status:    http.StatusTooManyRequests,
			header:    "120",
			body:      `{"detail":"Rate limit exceeded"}`,
			wantKind:  KindRateLimited,
			wantRetry: 120 * time.Second,
		},
		{
			name:      "rate limited with detail text",
			status:    http.StatusTooManyRequests,
			body:      `{"detail":"Rate limit exceeded: try again in 86400 seconds"}`,
			wantKind:  KindRateLimited,
			wantRetry: 86400 * time.Second,
		},
		{
			name:      "rate limited without hint uses default",
			status:    http.StatusTooManyRequests,
			body:      `{"detail":"Rate limit exceeded"}`,
			wantKind:  KindRateLimited,
			wantRetry: DefaultRetryAfter,
		},
		{
			name:       "unauthorized",
			status:     http.StatusUnauthorized,
			body:       `{"detail":"Token is invalid or expired"}`,
			wantKind:   KindUnauthorized,
			wantDetail: "Token is invalid or expired",
		},
		{
			name:     "not found",
			status:   http.StatusNotFound,
			body:     `{"detail":"Not found."}`,
			wantKind: KindNotFound,
		},
		{
			name:     "gone",
			status:   http.StatusGone,
			body:     `{"detail":"Gone"}`,
			wantKind: KindNotFound,
		},
		{
			name:     "requisition expired",
			status:   http.StatusPreconditionRequired,
			body:     `{"detail":"EUA has expired"}`,
			wantKind: KindRequisitionExpired,
		},
		{
			name:       "server error",
			status:     http.StatusInternalServerError,
			body:       `boom`,
			wantKind:   KindProvider,
			wantDetail: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))

			_, err := client.ListAccounts(context.Background(), "req-1", "acc-1")
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.wantKind, apiErr.Kind)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			if tt.wantRetry != 0 {
				assert.Equal(t, tt.wantRetry, apiErr.RetryAfter)
			}
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, apiErr.Detail)
			}
		})
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := client.ListAccounts(context.Background(), "req-1", "acc-1")
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestRetryAfterParsing(t *testing.T) {
	tests := []struct {
		name   string
		header string
		detail string
		want   time.Duration
	}{
		{"header wins", "30", "try again in 86400 seconds", 30 * time.Second},
		{"detail fallback", "", "Rate limit exceeded: try again in 3600 seconds", 3600 * time.Second},
		{"garbage header falls through to detail", "soon", "try again in 10 seconds", 10 * time.Second},
		{"no hint", "", "Rate limit exceeded", DefaultRetryAfter},
		{"zero seconds rejected", "0", "", DefaultRetryAfter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryAfter(tt.header, tt.detail))
		})
	}
}
