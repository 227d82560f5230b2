package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
)

const dashboardServers = `[
  {
    "id": "github",
    "name": "GitHub",
    "category": "official",
    "config": {"transport": "stdio", "command": "npx", "args": ["server-github"]},
    "environmentVariables": [{"name": "Token", "key": "GITHUB_TOKEN", "required": true, "value": "abc"}],
    "requiresAuth": false,
    "accessTokenExpiresAt": null
  },
  {
    "id": "legacy",
    "name": "Legacy",
    "config": {"transport": "sse", "url": "http://legacy/sse"},
    "environmentVariables": []
  },
  {
    "id": "linear",
    "name": "Linear",
    "config": {"transport": "streamable-http", "url": "https://mcp.linear.app/mcp"},
    "environmentVariables": [],
    "requiresAuth": true,
    "accessToken": "lin_123"
  }
]`

func newDashboard(t *testing.T, handler http.HandlerFunc) *DashboardSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := zerolog.Nop()
	src := NewDashboardSource(srv.URL+"/", "nexus-key", &logger)
	src.HTTPClient = srv.Client()
	return src
}

func TestDashboardSourceFetchesArray(t *testing.T) {
	t.Parallel()
	src := newDashboard(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DashboardServersPath || r.Header.Get("Authorization") != "Bearer nexus-key" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(dashboardServers))
	})

	descs, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 2, "the sse entry should be skipped")
	require.Equal(t, "github", descs[0].ID)
	require.Equal(t, endserver.TransportStdio, endserver.TransportOf(descs[0].Config))
	require.Empty(t, descs[0].MissingEnv())
	require.Equal(t, "linear", descs[1].ID)
	require.Equal(t, endserver.TransportStreamableHTTP, endserver.TransportOf(descs[1].Config))
	require.Equal(t, "lin_123", descs[1].AccessToken)
}

func TestDashboardSourceFetchesWrappedList(t *testing.T) {
	t.Parallel()
	src := newDashboard(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"servers":` + dashboardServers + `}`))
	})

	descs, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 2)
}

func TestDashboardSourceErrorStatus(t *testing.T) {
	t.Parallel()
	src := newDashboard(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})

	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestDashboardSourceMalformedBody(t *testing.T) {
	t.Parallel()
	src := newDashboard(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})

	_, err := src.Fetch(context.Background())
	require.Error(t, err)
}

func TestStaticAndFuncSources(t *testing.T) {
	t.Parallel()
	static := Static{{ID: "a"}, {ID: "b"}}
	descs, err := static.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 2)
	descs[0].ID = "mutated"
	again, err := static.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", again[0].ID)

	calls := 0
	fn := Func(func(context.Context) ([]endserver.Descriptor, error) {
		calls++
		return nil, nil
	})
	_, err = fn.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
