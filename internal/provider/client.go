package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/bank-sync/pkg/config"
	"github.com/sirupsen/logrus"
)

// DefaultRetryAfter is used when a 429 response carries no usable
// retry-after signal in either the header or the body.
const DefaultRetryAfter = 60 * time.Second

// retryAfterPattern matches the wait hint in the provider's 429 detail
// text, e.g. "Rate limit exceeded: try again in 86400 seconds".
var retryAfterPattern = regexp.MustCompile(`(\d+)\s+seconds`)

// Client is a stateless client for the GoCardless Bank Account Data API.
// It performs no retries and holds no credentials; retry and repair
// policy live entirely in the coordinator.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *logrus.Entry
}

// TokenPair is the response to a new-token request
type TokenPair struct {
	Access         string `json:"access"`
	AccessExpires  int64  `json:"access_expires"` // seconds
	Refresh        string `json:"refresh"`
	RefreshExpires int64  `json:"refresh_expires"` // seconds
}

// TokenRefresh is the response to an access-token refresh request
type TokenRefresh struct {
	Access        string `json:"access"`
	AccessExpires int64  `json:"access_expires"` // seconds
}

// Requisition is the provider-side record of a completed bank link
type Requisition struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Accounts []string `json:"accounts"`
}

// AccountDetail holds the metadata of one linked account
type AccountDetail struct {
	ID            string `json:"id"`
	IBAN          string `json:"iban"`
	InstitutionID string `json:"institution_id"`
	Status        string `json:"status"`
	OwnerName     string `json:"owner_name"`
}

// Balance is one balance record for an account
type Balance struct {
	BalanceAmount struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"balanceAmount"`
	BalanceType   string `json:"balanceType"`
	ReferenceDate string `json:"referenceDate"`
}

type balancesResponse struct {
	Balances []Balance `json:"balances"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// NewClient creates a new provider client
func NewClient(cfg *config.ProviderConfig, logger *logrus.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: cfg.BaseURL,
		logger:  logger.WithField("component", "provider"),
	}
}

// NewToken mints a brand-new access/refresh token pair from the API secrets
func (c *Client) NewToken(ctx context.Context, secretID, secretKey string) (*TokenPair, error) {
	body := map[string]string{
		"secret_id":  secretID,
		"secret_key": secretKey,
	}

	var pair TokenPair
	if err := c.do(ctx, http.MethodPost, "/token/new/", "", body, &pair); err != nil {
		return nil, err
	}

	return &pair, nil
}

// RefreshToken mints a new access token from an existing refresh token
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenRefresh, error) {
	body := map[string]string{
		"refresh": refreshToken,
	}

	var refreshed TokenRefresh
	if err := c.do(ctx, http.MethodPost, "/token/refresh/", "", body, &refreshed); err != nil {
		return nil, err
	}

	return &refreshed, nil
}

// ListAccounts returns the account ids linked under a requisition
func (c *Client) ListAccounts(ctx context.Context, requisitionID, accessToken string) ([]string, error) {
	var req Requisition
	path := fmt.Sprintf("/requisitions/%s/", requisitionID)
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &req); err != nil {
		return nil, err
	}

	return req.Accounts, nil
}

// AccountDetails fetches the metadata of a single account
func (c *Client) AccountDetails(ctx context.Context, accountID, accessToken string) (*AccountDetail, error) {
	var detail AccountDetail
	path := fmt.Sprintf("/accounts/%s/", accountID)
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &detail); err != nil {
		return nil, err
	}

	return &detail, nil
}

// Balances fetches the current balance records of a single account
func (c *Client) Balances(ctx context.Context, accountID, accessToken string) ([]Balance, error) {
	var resp balancesResponse
	path := fmt.Sprintf("/accounts/%s/balances/", accountID)
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &resp); err != nil {
		return nil, err
	}

	return resp.Balances, nil
}

// do executes a single request and maps any non-2xx response to a typed
// *APIError. The bearer token is attached when non-empty.
func (c *Client) do(ctx context.Context, method, path, accessToken string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.mapError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// mapError converts a non-2xx response into a typed *APIError
func (c *Client) mapError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp errorResponse
	detail := string(raw)
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Detail != "" {
		detail = errResp.Detail
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Detail:     detail,
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimited
		apiErr.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), detail)
	case http.StatusUnauthorized:
		apiErr.Kind = KindUnauthorized
	case http.StatusNotFound, http.StatusGone:
		apiErr.Kind = KindNotFound
	case http.StatusPreconditionRequired:
		apiErr.Kind = KindRequisitionExpired
	default:
		apiErr.Kind = KindProvider
	}

	c.logger.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"kind":   apiErr.Kind,
	}).Debug("Provider request failed")

	return apiErr
}

// retryAfter extracts the 429 wait duration from the Retry-After header,
// falling back to the detail text and then to DefaultRetryAfter.
func retryAfter(header, detail string) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	if m := retryAfterPattern.FindStringSubmatch(detail); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	return DefaultRetryAfter
}
