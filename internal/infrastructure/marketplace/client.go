package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/config"
)

// maxResponseSize limits response bodies to prevent memory exhaustion
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client is the typed HTTP client for the upstream marketplace API.
// It converts the upstream's loosely-typed JSON and status codes into the
// internal data model and failure taxonomy at the boundary.
type Client struct {
	cfg        config.MarketplaceConfig
	httpClient *http.Client
}

// NewClient creates a marketplace client from configuration
func NewClient(cfg config.MarketplaceConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// AuthorizationURL builds the user-agent redirect URL for the PKCE flow
func (c *Client) AuthorizationURL(state, codeChallenge string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.AppID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	return c.cfg.AuthBaseURL + "/authorization?" + q.Encode()
}

// ExchangeCode exchanges an authorization code plus PKCE verifier for tokens
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.AppID)
	form.Set("client_secret", c.cfg.AppSecret)
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("code_verifier", codeVerifier)
	return c.postToken(ctx, form)
}

// RefreshToken exchanges a refresh token for a rotated token pair
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.cfg.AppID)
	form.Set("client_secret", c.cfg.AppSecret)
	form.Set("refresh_token", refreshToken)
	return c.postToken(ctx, form)
}

// postToken performs a token endpoint call and classifies the outcome
func (c *Client) postToken(ctx context.Context, form url.Values) (*TokenResponse, error) {
	endpoint := c.cfg.APIBaseURL + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("marketplace: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, shared.NewClassifiedError(shared.FailureTransientUpstream, "marketplace: token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, shared.NewClassifiedError(shared.FailureTransientUpstream, "marketplace: failed to read token response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyTokenError(resp, body)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, shared.NewClassifiedError(shared.FailureTransientUpstream, "marketplace: malformed token response", err)
	}
	if token.AccessToken == "" {
		return nil, shared.NewClassifiedError(shared.FailureTransientUpstream, "marketplace: token response missing access_token", nil)
	}
	return &token, nil
}

// classifyTokenError maps a token endpoint failure into the taxonomy.
// invalid_grant means the user must restart the flow; other 4xx rejections
// are terminal malformed requests; 5xx is retryable; 429 raises the
// rate-limited classification with any server hint attached.
func classifyTokenError(resp *http.Response, body []byte) error {
	var upstream TokenErrorResponse
	_ = json.Unmarshal(body, &upstream)

	detail := upstream.Error
	if upstream.ErrorDescription != "" {
		detail = upstream.Error + ": " + upstream.ErrorDescription
	}
	if detail == "" {
		detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ce := shared.NewClassifiedError(shared.FailureRateLimited, "marketplace: token endpoint rate limited ("+detail+")", nil)
		ce.RetryAfter = parseRetryAfter(resp)
		return ce
	case upstream.Error == "invalid_grant":
		return shared.NewClassifiedError(shared.FailureInvalidGrant, "marketplace: "+detail, nil)
	case resp.StatusCode >= 500:
		return shared.NewClassifiedError(shared.FailureTransientUpstream, "marketplace: token endpoint failed ("+detail+")", nil)
	default:
		return shared.NewClassifiedError(shared.FailureMalformedInput, "marketplace: token request rejected ("+detail+")", nil)
	}
}

// GetQuestion retrieves a buyer question by ID
func (c *Client) GetQuestion(ctx context.Context, accessToken, questionID string) (*Question, error) {
	var q Question
	if err := c.getJSON(ctx, accessToken, "/questions/"+questionID, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetItem retrieves a listing by ID
func (c *Client) GetItem(ctx context.Context, accessToken, itemID string) (*Item, error) {
	var item Item
	if err := c.getJSON(ctx, accessToken, "/items/"+itemID, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetClaim retrieves a dispute by ID
func (c *Client) GetClaim(ctx context.Context, accessToken, claimID string) (*Claim, error) {
	var claim Claim
	if err := c.getJSON(ctx, accessToken, "/post-purchase/v1/claims/"+claimID, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// getJSON performs an authorized GET and decodes the response, classifying
// upstream failures per status code.
func (c *Client) getJSON(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("marketplace: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return shared.NewClassifiedError(shared.FailureTransientUpstream, "marketplace: request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return shared.NewClassifiedError(shared.FailureTransientUpstream, "marketplace: failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		return classifyAPIError(resp, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return shared.NewClassifiedError(shared.FailureTransientUpstream, "marketplace: malformed response for "+path, err)
	}
	return nil
}

// classifyAPIError maps a resource endpoint failure into the taxonomy
func classifyAPIError(resp *http.Response, body []byte) error {
	var upstream apiError
	_ = json.Unmarshal(body, &upstream)

	detail := upstream.Message
	if detail == "" {
		detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return shared.NewClassifiedError(shared.FailureInvalidCredential, "marketplace: "+detail, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		ce := shared.NewClassifiedError(shared.FailureRateLimited, "marketplace: rate limited ("+detail+")", nil)
		ce.RetryAfter = parseRetryAfter(resp)
		return ce
	case resp.StatusCode >= 500:
		return shared.NewClassifiedError(shared.FailureTransientUpstream, "marketplace: "+detail, nil)
	default:
		return shared.NewClassifiedError(shared.FailureMalformedInput, "marketplace: "+detail, nil)
	}
}

// parseRetryAfter extracts an integer Retry-After hint in seconds, 0 if absent
func parseRetryAfter(resp *http.Response) int {
	hint := resp.Header.Get("Retry-After")
	if hint == "" {
		return 0
	}
	secs, err := strconv.Atoi(hint)
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}
