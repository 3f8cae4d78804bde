// Package client talks to a running gpuminer HTTP API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gpuminer/internal/api"
	"gpuminer/internal/farm"
	"gpuminer/pkg/mining/core"
)

// APIClient represents a client for the gpuminer control API.
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient creates a client for the API listening at addr. addr may be
// a bare host:port or a full URL.
func NewAPIClient(addr string) *APIClient {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &APIClient{
		BaseURL: base,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetStats fetches the farm snapshot.
func (c *APIClient) GetStats() (*farm.Stats, error) {
	var stats farm.Stats
	if err := c.do(http.MethodGet, "/v1/stats", nil, &stats, http.StatusOK); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetHealth fetches the health summary. A degraded farm answers 503 with a
// body, which is still returned.
func (c *APIClient) GetHealth() (*api.HealthResponse, error) {
	var health api.HealthResponse
	if err := c.do(http.MethodGet, "/v1/health", nil, &health, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &health, nil
}

// Pause asks every worker to pause.
func (c *APIClient) Pause() error {
	return c.do(http.MethodPost, "/v1/pause", nil, nil, http.StatusOK)
}

// Resume restarts paused workers.
func (c *APIClient) Resume() error {
	return c.do(http.MethodPost, "/v1/resume", nil, nil, http.StatusOK)
}

// GetSolutions returns the recent solution history.
func (c *APIClient) GetSolutions() ([]core.Solution, error) {
	var resp struct {
		Solutions []core.Solution `json:"solutions"`
	}
	if err := c.do(http.MethodGet, "/v1/solutions", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Solutions, nil
}

func (c *APIClient) do(method, path string, body, out interface{}, accept ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		preview := string(respBody)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, preview)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w", err)
	}
	return nil
}
