package controlplane

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleetwatch/internal/model"
)

var (
	// ErrNotConfigured is returned when no control-plane URL or credentials are set.
	ErrNotConfigured = errors.New("control plane is not configured")
	// ErrUnauthorized is returned when the control plane rejects the token.
	ErrUnauthorized = errors.New("control plane rejected credentials")
)

var allowedReadPaths = map[string]struct{}{
	"/api/nodes":       {},
	"/api/system":      {},
	"/api/nodes/usage": {},
	"/api/users/usage": {},
}

const tokenPath = "/api/admin/token"

// Client is a read-only client for the control-plane admin API. The only
// write it performs is the token request.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	tokens   *TokenCache
}

func NewClient(baseURL, username, password string, timeout time.Duration, insecureSkipVerify bool, tokens *TokenCache) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if tokens == nil {
		tokens = NewTokenCache(0)
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		tokens: tokens,
	}
}

// Authenticate returns a cached admin token, requesting a new one once the
// cached token has outlived its TTL.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	if c.baseURL == "" || c.username == "" || c.password == "" {
		return "", ErrNotConfigured
	}
	if token, ok := c.tokens.Get(); ok {
		return token, nil
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request %s: %w", tokenPath, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", tokenPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("request %s: %w", tokenPath, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(tokenPath, resp)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response %s: %w", tokenPath, err)
	}
	token := out.AccessToken
	if token == "" {
		token = out.Token
	}
	if token == "" {
		return "", fmt.Errorf("response %s carried no token", tokenPath)
	}

	c.tokens.Set(token)
	return token, nil
}

func (c *Client) ListNodes(ctx context.Context, token string) ([]model.Node, error) {
	var out []model.Node
	if err := c.getJSON(ctx, "/api/nodes", token, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Node{}
	}
	return out, nil
}

func (c *Client) SystemStats(ctx context.Context, token string) (model.SystemStats, error) {
	var out model.SystemStats
	if err := c.getJSON(ctx, "/api/system", token, nil, &out); err != nil {
		return model.SystemStats{}, err
	}
	return out, nil
}

// NodesUsage fetches node-level traffic. start and end are optional ISO
// timestamps passed through as query parameters.
func (c *Client) NodesUsage(ctx context.Context, token, start, end string) (model.NodesUsage, error) {
	var out model.NodesUsage
	if err := c.getJSON(ctx, "/api/nodes/usage", token, rangeQuery(start, end), &out); err != nil {
		return model.NodesUsage{}, err
	}
	return out, nil
}

func (c *Client) UsersUsage(ctx context.Context, token, start, end string) ([]model.UserUsage, error) {
	var out []model.UserUsage
	if err := c.getJSON(ctx, "/api/users/usage", token, rangeQuery(start, end), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func rangeQuery(start, end string) url.Values {
	query := url.Values{}
	if start != "" {
		query.Set("start", start)
	}
	if end != "" {
		query.Set("end", end)
	}
	if len(query) == 0 {
		return nil
	}
	return query
}

func (c *Client) getJSON(ctx context.Context, path, token string, query url.Values, out any) error {
	if _, ok := allowedReadPaths[path]; !ok {
		return fmt.Errorf("path %q is not allowed in read-only mode", path)
	}
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	endpoint := c.baseURL + path
	if query != nil {
		endpoint = endpoint + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
		return fmt.Errorf("request %s: %w", path, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(path, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}

	return nil
}

func statusError(path string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("request %s failed with status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
}
