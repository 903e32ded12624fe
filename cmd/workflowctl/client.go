package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// apiClient is a thin HTTP client for the orchestrator API
type apiClient struct {
	base       string
	platformID string
	http       *http.Client
}

func newAPIClient() (*apiClient, error) {
	base := strings.TrimRight(viper.GetString("server"), "/")
	if base == "" {
		return nil, fmt.Errorf("no orchestrator server configured")
	}
	return &apiClient{
		base:       base,
		platformID: viper.GetString("platform-id"),
		http:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return exitWith(ExitValidation, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return exitWith(ExitConfig, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.platformID != "" {
		req.Header.Set("X-Platform-ID", c.platformID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return exitWith(ExitConnection, fmt.Errorf("orchestrator unreachable: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return exitWith(ExitConnection, err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return exitWith(ExitValidation, fmt.Errorf("%s %s: %s", method, path, apiErr.Error))
		}
		return exitWith(ExitValidation, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return exitWith(ExitValidation, fmt.Errorf("unexpected response body: %w", err))
		}
	}
	return nil
}
