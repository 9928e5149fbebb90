package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coinpoker/endpoint-agent/pkg/common"
)

// resultRateLimit bounds how often SendResult may hit the dashboard, so a
// command executor returning many results in a burst doesn't itself trip the
// dashboard's own rate limiting and land the client in backoff.
const resultRateLimit = 2 // per second, burst 3

// HTTPClient polls the dashboard's REST command endpoints directly. It is
// the default transport when FORWARDER_MODE is unset or "http".
type HTTPClient struct {
	baseURL      string
	commandsURL  string
	resultsURL   string
	token        string
	deviceID     string
	httpClient   *http.Client
	pollInterval time.Duration
	resultLimit  *rate.Limiter

	mu        sync.Mutex
	lastFetch time.Time
	backoff   backoff
}

// NewHTTPClient builds a command client against baseURL (the dashboard's API
// root, e.g. "https://dashboard.example.com/api").
func NewHTTPClient(baseURL, deviceID, token string, pollInterval time.Duration) *HTTPClient {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &HTTPClient{
		baseURL:      baseURL,
		commandsURL:  baseURL + "/device-commands",
		resultsURL:   baseURL + "/device-commands/result",
		token:        token,
		deviceID:     deviceID,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		pollInterval: pollInterval,
		resultLimit:  rate.NewLimiter(rate.Limit(resultRateLimit), 3),
	}
}

func (c *HTTPClient) FetchCommands(ctx context.Context) ([]Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.backoff.active(now) {
		return nil, nil
	}
	if now.Sub(c.lastFetch) < c.pollInterval {
		return nil, nil
	}
	c.lastFetch = now

	q := url.Values{"deviceId": {c.deviceID}, "limit": {"5"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.commandsURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		common.Error("command fetch failed", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests {
		d := c.backoff.fail(now)
		if c.backoff.shouldLog(now) {
			common.Warn("command dashboard overloaded, backing off",
				zap.Int("status", resp.StatusCode),
				zap.Duration("backoff", d),
				zap.Int("attempt", c.backoff.consecutiveErrors),
			)
		}
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		common.Warn("command fetch returned unexpected status", zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	var body struct {
		OK   bool `json:"ok"`
		Data struct {
			Commands []map[string]interface{} `json:"commands"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		common.Error("command response decode failed", err)
		return nil, nil
	}
	if !body.OK {
		return nil, nil
	}

	c.backoff.reset()
	return decodeCommands(body.Data.Commands), nil
}

func decodeCommands(raw []map[string]interface{}) []Command {
	out := make([]Command, 0, len(raw))
	for _, entry := range raw {
		id, _ := entry["id"].(string)
		name, _ := entry["command"].(string)
		requireAdmin, _ := entry["requireAdmin"].(bool)
		out = append(out, Command{ID: id, Name: name, RequireAdmin: requireAdmin, Raw: entry})
	}
	return out
}

func (c *HTTPClient) SendResult(ctx context.Context, cmd Command, result Result) error {
	if err := c.resultLimit.Wait(ctx); err != nil {
		return fmt.Errorf("command: rate limit wait: %w", err)
	}

	payload := map[string]interface{}{
		"commandId":     cmd.ID,
		"deviceId":      c.deviceID,
		"command":       cmd.Name,
		"success":       result.Success,
		"output":        result.Output,
		"error":         nilIfEmpty(result.Error),
		"adminRequired": result.AdminRequired,
		"requireAdmin":  cmd.RequireAdmin,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("command: marshal result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resultsURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("command: send result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("command: send result status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) Close() error { return nil }

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
