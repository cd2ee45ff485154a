package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tradiny/tradiny/src/logger"
)

// -----------------------------------------------------------------------------
// Vendor REST Client
// -----------------------------------------------------------------------------

// userAgents is rotated when a vendor throttles. Market-data endpoints tend
// to refuse the default Go user agent outright.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"curl/8.5.0",
}

// Client wraps http.Client with query encoding, user-agent rotation and
// retry with backoff for vendor REST endpoints.
type Client struct {
	Logger *logger.Logger

	http       *http.Client
	maxRetries int

	mu      sync.Mutex
	uaIndex int
}

// -----------------------------------------------------------------------------

func NewClient(timeout time.Duration, maxRetries int, log *logger.Logger) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		Logger:     log,
		http:       &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}
}

// -----------------------------------------------------------------------------

func (c *Client) userAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return userAgents[c.uaIndex%len(userAgents)]
}

func (c *Client) rotateUserAgent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uaIndex++
}

// -----------------------------------------------------------------------------

// Get performs a GET request with retries. 429 and 403 responses rotate the
// user agent before the next attempt.
func (c *Client) Get(urlStr string, params map[string]string) ([]byte, error) {
	reqURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	q := reqURL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	reqURL.RawQuery = q.Encode()
	finalURL := reqURL.String()

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i*i) * time.Second) // Exponential backoff
		}

		req, err := http.NewRequest(http.MethodGet, finalURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent())
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.Logger.Info("Request failed (attempt %d/%d): %v", i+1, c.maxRetries+1, err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			lastErr = fmt.Errorf("blocked (status %d)", resp.StatusCode)
			c.Logger.Info("Request blocked (%d). Rotating user agent.", resp.StatusCode)
			c.rotateUserAgent()
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("GET %s: status %d: %s", finalURL, resp.StatusCode, string(body))
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %v", lastErr)
}

// -----------------------------------------------------------------------------

// GetJSON performs a GET request and decodes the JSON body into out.
func (c *Client) GetJSON(urlStr string, params map[string]string, out interface{}) error {
	body, err := c.Get(urlStr, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", urlStr, err)
	}
	return nil
}
