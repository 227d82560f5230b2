package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
)

// DashboardServersPath is the dashboard endpoint listing the end servers
// installed for an API key.
const DashboardServersPath = "/api/external/user/mcp/servers"

const maxDashboardResponse = 8 << 20

// DashboardSource fetches descriptors from the dashboard's external API,
// authenticating with the gateway's API key.
type DashboardSource struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// NewDashboardSource returns a DashboardSource for the dashboard at baseURL.
func NewDashboardSource(baseURL, apiKey string, logger *zerolog.Logger) *DashboardSource {
	return &DashboardSource{BaseURL: baseURL, APIKey: apiKey, Logger: logger}
}

// Fetch requests the installed servers. The response is either a JSON array
// of descriptors or an object with a "servers" array. Entries that fail to
// decode are skipped; a non-2xx status fails the fetch.
func (s *DashboardSource) Fetch(ctx context.Context) ([]endserver.Descriptor, error) {
	logger := s.logger()
	url := strings.TrimRight(s.BaseURL, "/") + DashboardServersPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: build dashboard request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot: fetch end servers: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDashboardResponse))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read dashboard response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("snapshot: failed to fetch end servers: %s", resp.Status)
	}

	items, err := decodeServerList(body)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decode dashboard response: %w", err)
	}
	out := make([]endserver.Descriptor, 0, len(items))
	for i, raw := range items {
		var desc endserver.Descriptor
		if err := json.Unmarshal(raw, &desc); err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("skipping invalid end server from dashboard")
			continue
		}
		out = append(out, desc)
	}
	logger.Debug().Int("servers", len(out)).Msg("fetched end servers from dashboard")
	return out, nil
}

func (s *DashboardSource) logger() zerolog.Logger {
	if s.Logger != nil {
		return *s.Logger
	}
	return log.With().Str("component", "snapshot").Logger()
}

func decodeServerList(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var wrapped struct {
		Servers []json.RawMessage `json:"servers"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Servers, nil
}
