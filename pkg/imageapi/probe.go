package imageapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ProbeResult reports whether an upstream endpoint accepted the credentials.
type ProbeResult struct {
	Reachable  bool          `json:"reachable"`
	StatusCode int           `json:"status_code,omitempty"`
	Message    string        `json:"message"`
	Models     []string      `json:"models,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// TestConnection issues GET {base_url}/v1/models bounded by timeout. It does
// not retry and never returns an error; failures are described in the result.
func (c *Client) TestConnection(ctx context.Context, creds Credentials, timeout time.Duration) ProbeResult {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if creds.BaseURL == "" || creds.APIKey == "" {
		return ProbeResult{Message: "base url and api key are required"}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := c.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(creds.BaseURL, modelsPath), nil)
	if err != nil {
		return ProbeResult{Message: fmt.Sprintf("invalid base url: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		result := ProbeResult{Message: fmt.Sprintf("connection failed: %v", err), Latency: c.now().Sub(start)}
		if ctx.Err() != nil {
			result.Message = fmt.Sprintf("no response within %s", timeout)
		}
		c.logger.Warn("connection probe failed", zap.String("base_url", creds.BaseURL), zap.Error(err))
		return result
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	result := ProbeResult{StatusCode: resp.StatusCode, Latency: c.now().Sub(start)}
	switch {
	case resp.StatusCode == http.StatusOK:
		result.Reachable = true
		result.Message = "connection ok"
		result.Models = modelIDs(body)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		result.Message = "invalid api key"
	default:
		result.Message = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, errorMessage(body))
	}
	c.logger.Info("connection probe finished",
		zap.String("base_url", creds.BaseURL),
		zap.Int("status", resp.StatusCode),
		zap.Bool("reachable", result.Reachable),
	)
	return result
}

func modelIDs(body []byte) []string {
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
