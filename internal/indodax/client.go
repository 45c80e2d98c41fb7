package indodax

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Config struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
}

// RawResponse is the normalized outcome of one TAPI call that produced an
// HTTP response. Duration is the wall-clock time around the round trip.
type RawResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

type Client struct {
	baseURL   string
	apiKey    string
	secretKey string
	client    *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://indodax.com/tapi"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Do signs the parameters and issues one POST against the TAPI endpoint.
func (c *Client) Do(ctx context.Context, params Params) (*RawResponse, error) {
	return c.DoSigned(ctx, params, Sign(c.secretKey, params))
}

// DoSigned issues one POST carrying a pre-computed signature. The returned
// RawResponse is nil only when no response was received at all.
func (c *Client) DoSigned(ctx context.Context, params Params, signature string) (*RawResponse, error) {
	body := params.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Key", c.apiKey)
	request.Header.Set("Sign", signature)

	start := time.Now()
	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer response.Body.Close()

	bodyBytes, readErr := io.ReadAll(response.Body)
	raw := &RawResponse{
		StatusCode: response.StatusCode,
		Headers:    response.Header.Clone(),
		Body:       bodyBytes,
		Duration:   time.Since(start),
	}
	if readErr != nil {
		return raw, fmt.Errorf("read response body: %w", readErr)
	}
	return raw, nil
}
