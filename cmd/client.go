package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/swarmbus/swarmbus/internal/config"
)

// apiClient is a thin HTTP client for the bus's /api endpoints, shared by
// the status/history/halt/send/despawn subcommands.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

var (
	busAddr   string
	busAPIKey string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&busAddr, "addr", "", "Bus address (default http://127.0.0.1:<config port>)")
	rootCmd.PersistentFlags().StringVar(&busAPIKey, "api-key", "", "API key for the bus HTTP API")
}

func newAPIClient() (*apiClient, error) {
	base := busAddr
	if base == "" {
		cfg, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		base = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		if busAPIKey == "" {
			busAPIKey = cfg.Server.APIKey
		}
	}
	return &apiClient{
		base:   base,
		apiKey: busAPIKey,
		http:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reaching bus at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("bus: %s", apiErr.Error)
		}
		return fmt.Errorf("bus returned %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *apiClient) get(path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(http.MethodGet, path, nil, out)
}
