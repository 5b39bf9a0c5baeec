package omaha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skylift-os/update-agent/internal/httputil"
	"github.com/skylift-os/update-agent/internal/logging"
)

var log = logging.L("omaha")

// maxResponseSize bounds the update-check answer; payloads are fetched
// separately, the check itself is small.
const maxResponseSize = 1 << 20

// ClientConfig identifies this device to the update server.
type ClientConfig struct {
	ServerURL string
	AppID     string
	Version   string
	Channel   string
}

// Client issues update checks against the server's JSON endpoint.
type Client struct {
	cfg      ClientConfig
	client   *http.Client
	retryCfg httputil.RetryConfig
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:      cfg,
		client:   &http.Client{Timeout: 2 * time.Minute},
		retryCfg: httputil.DefaultRetryConfig(),
	}
}

type checkRequest struct {
	Protocol string            `json:"protocol"`
	App      []checkRequestApp `json:"app"`
}

type checkRequestApp struct {
	AppID       string          `json:"appid"`
	Version     string          `json:"version"`
	Track       string          `json:"track,omitempty"`
	UpdateCheck map[string]bool `json:"updatecheck"`
}

// Check posts one update check and decodes the answer. Returns ErrNoUpdate
// when the server offers nothing.
func (c *Client) Check(ctx context.Context) (*Response, error) {
	body, err := json.Marshal(map[string]checkRequest{
		"request": {
			Protocol: "3.0",
			App: []checkRequestApp{{
				AppID:       c.cfg.AppID,
				Version:     c.cfg.Version,
				Track:       c.cfg.Channel,
				UpdateCheck: map[string]bool{"updatedisabled": false},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build update check: %w", err)
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	url := c.cfg.ServerURL + "/service/update2/json"

	resp, err := httputil.Do(ctx, c.client, http.MethodPost, url, body, headers, c.retryCfg)
	if err != nil {
		return nil, fmt.Errorf("update check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update check returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read update check response: %w", err)
	}

	parsed, err := ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	log.Info("update check answered",
		"packages", len(parsed.Packages),
		"maxFailuresPerUrl", parsed.MaxFailureCountPerURL,
	)
	return parsed, nil
}
