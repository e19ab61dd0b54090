package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const maxErrorBodyBytes = 2048

// TokeninfoChecker validates ID tokens against an OAuth2 tokeninfo endpoint.
// The endpoint returns every claim value as a string, including booleans and
// epoch seconds.
type TokeninfoChecker struct {
	endpoint   string
	httpClient *http.Client
}

// NewTokeninfoChecker creates a checker for the given tokeninfo endpoint.
// Each check is a single bounded attempt; there are no retries.
func NewTokeninfoChecker(endpoint string, timeout time.Duration) *TokeninfoChecker {
	return &TokeninfoChecker{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Check queries the tokeninfo endpoint and returns the parsed claims.
func (t *TokeninfoChecker) Check(ctx context.Context, token string) (Claims, error) {
	query := url.Values{}
	query.Set("id_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return Claims{}, fmt.Errorf("failed to create tokeninfo request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Claims{}, fmt.Errorf("tokeninfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Claims{}, fmt.Errorf("tokeninfo status %d: %s", resp.StatusCode, string(body))
	}

	var raw struct {
		Email         string `json:"email"`
		EmailVerified string `json:"email_verified"`
		Exp           string `json:"exp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Claims{}, fmt.Errorf("failed to decode tokeninfo response: %w", err)
	}

	exp, err := strconv.ParseInt(raw.Exp, 10, 64)
	if err != nil {
		return Claims{}, fmt.Errorf("invalid exp claim %q: %w", raw.Exp, err)
	}

	return Claims{
		Email:         raw.Email,
		EmailVerified: raw.EmailVerified == "true",
		Expiry:        time.Unix(exp, 0),
	}, nil
}
