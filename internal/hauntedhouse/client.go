// Package hauntedhouse talks to the remote retrohunt search service, which
// runs YARA signatures over the file corpus asynchronously.
package hauntedhouse

import (
	"bytes"
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
)

// ErrNotConfigured is returned by Disabled for every call.
var ErrNotConfigured = errors.New("retrohunt not configured for this system")

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
	authSchemeBearer    = "Bearer"

	endpointSearch = "search/"

	defaultTimeout    = 30 * time.Second
	errorSnippetLimit = 400
)

// Searcher starts searches and reports on them.
type Searcher interface {
	Start(ctx context.Context, req StartRequest) (*StartResult, error)
	Status(ctx context.Context, code, access string) (Status, error)
}

// StartRequest describes a new search.
type StartRequest struct {
	YaraRule      string `json:"yara_rule"`
	AccessControl string `json:"access_control"`
	Group         string `json:"group"`
	ArchiveOnly   bool   `json:"archive_only"`
}

// StartResult is the remote acknowledgement of a started search.
type StartResult struct {
	Code string `json:"code"`
}

// Disabled is the Searcher used when no remote service is configured.
type Disabled struct{}

func (Disabled) Start(context.Context, StartRequest) (*StartResult, error) {
	return nil, ErrNotConfigured
}

func (Disabled) Status(context.Context, string, string) (Status, error) {
	return nil, ErrNotConfigured
}

// Configured reports whether s can reach a remote service.
func Configured(s Searcher) bool {
	if s == nil {
		return false
	}
	_, off := s.(Disabled)
	return !off
}

// Config holds connection settings for Client.
type Config struct {
	URL       string
	APIKey    string
	TLSVerify bool
	Timeout   time.Duration
}

// Client is the HTTP implementation of Searcher.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

var _ Searcher = (*Client)(nil)

// New builds a Client. It fails when cfg.URL is not an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse retrohunt url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("retrohunt url must be http or https, got %q", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.TLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 - opt-out is an explicit config setting
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
	}, nil
}

// Start submits a new search and returns its code.
func (c *Client) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	u, err := url.JoinPath(c.baseURL, endpointSearch)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	var res StartResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse start response: %w", err)
	}
	if res.Code == "" {
		return nil, errors.New("start response has no code")
	}
	return &res, nil
}

// Status polls the state of the search identified by code, as seen by a
// caller holding the access label.
func (c *Client) Status(ctx context.Context, code, access string) (Status, error) {
	u, err := url.JoinPath(c.baseURL, endpointSearch, url.PathEscape(code))
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	u += "?" + url.Values{"access": {access}}.Encode()
	data, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return DecodeStatus(data)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("retrohunt status %d: %s", resp.StatusCode, truncate(string(data), errorSnippetLimit))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
