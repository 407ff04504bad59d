// Package identity validates API tokens against the external identity
// service. The scraping core trusts the numeric user id it returns and
// performs no authentication itself.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrInvalidToken is returned when the identity service rejects a token.
var ErrInvalidToken = errors.New("invalid token")

// Client calls the identity service's token-validation endpoint.
type Client struct {
	validateURL string
	httpClient  *http.Client
}

// NewClient builds a Client for the given validate endpoint.
func NewClient(validateURL string, timeout time.Duration) (*Client, error) {
	if validateURL == "" {
		return nil, fmt.Errorf("identity.validate_url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		validateURL: validateURL,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Validate exchanges a token for the user id it belongs to.
func (c *Client) Validate(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.validateURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call identity service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}

	var body struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode identity response: %w", err)
	}
	if body.ID <= 0 {
		return 0, fmt.Errorf("identity service returned invalid user id %d", body.ID)
	}
	return body.ID, nil
}
