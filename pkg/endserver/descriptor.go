package endserver

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"
)

// TokenExpiryBuffer is subtracted from an access token's expiry before it is
// considered valid.
const TokenExpiryBuffer = 5 * time.Minute

// EnvVar describes one environment variable an end server declares.
// Value is nil when the user has not supplied it.
type EnvVar struct {
	Name        string  `json:"name"`
	Key         string  `json:"key"`
	Description string  `json:"description,omitempty"`
	Required    bool    `json:"required"`
	Value       *string `json:"value"`
}

// Satisfied reports whether a required variable carries a non-blank value.
// Optional variables are always satisfied.
func (e EnvVar) Satisfied() bool {
	if !e.Required {
		return true
	}
	return e.Value != nil && strings.TrimSpace(*e.Value) != ""
}

// StdioConfig describes an end server launched as a child process speaking
// JSON-RPC over its stdio.
type StdioConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

func (*StdioConfig) transport() ConfigTransport { return TransportStdio }

// HTTPConfig describes an end server reachable over the Streamable HTTP
// transport. Headers are added to every outbound request.
type HTTPConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (*HTTPConfig) transport() ConfigTransport { return TransportStreamableHTTP }

// TransportConfig is implemented by *StdioConfig and *HTTPConfig.
type TransportConfig interface {
	transport() ConfigTransport
}

// Descriptor is the declarative description of one end server.
type Descriptor struct {
	ID                   string
	Name                 string
	Description          string
	SourceURL            string
	Category             string
	InstalledOn          string
	LogoURL              string
	Config               TransportConfig
	EnvVars              []EnvVar
	RequiresAuth         bool
	AccessToken          string
	AccessTokenExpiresAt string
}

// MissingEnv returns the keys of required environment variables that have no
// usable value.
func (d Descriptor) MissingEnv() []string {
	var missing []string
	for _, env := range d.EnvVars {
		if !env.Satisfied() {
			missing = append(missing, env.Key)
		}
	}
	return missing
}

// RequiredEnvKeys lists the keys of every required environment variable.
func (d Descriptor) RequiredEnvKeys() []string {
	keys := []string{}
	for _, env := range d.EnvVars {
		if env.Required {
			keys = append(keys, env.Key)
		}
	}
	return keys
}

// TokenExpired reports whether the access token expires within
// TokenExpiryBuffer of now. Missing or unparsable expiry values never expire.
func (d Descriptor) TokenExpired(now time.Time) bool {
	if d.AccessTokenExpiresAt == "" {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339, d.AccessTokenExpiresAt)
	if err != nil {
		return false
	}
	return !now.Before(expiresAt.Add(-TokenExpiryBuffer))
}

// NormalizeToken trims whitespace and strips a leading "Bearer " prefix.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// ConfigChanged reports whether incoming differs from existing in any field
// that requires the end server connection to be rebuilt.
func ConfigChanged(existing, incoming Descriptor) bool {
	if existing.Name != incoming.Name ||
		existing.Description != incoming.Description ||
		existing.SourceURL != incoming.SourceURL ||
		existing.Category != incoming.Category ||
		existing.LogoURL != incoming.LogoURL ||
		existing.RequiresAuth != incoming.RequiresAuth ||
		existing.AccessTokenExpiresAt != incoming.AccessTokenExpiresAt ||
		NormalizeToken(existing.AccessToken) != NormalizeToken(incoming.AccessToken) {
		return true
	}
	if !slices.Equal(envSignature(existing.EnvVars), envSignature(incoming.EnvVars)) {
		return true
	}
	return !transportEqual(existing.Config, incoming.Config)
}

func envSignature(vars []EnvVar) []string {
	sig := make([]string, 0, len(vars))
	for _, env := range vars {
		value := "<nil>"
		if env.Value != nil {
			value = "=" + *env.Value
		}
		sig = append(sig, fmt.Sprintf("%s|%t|%s", env.Key, env.Required, value))
	}
	sort.Strings(sig)
	return sig
}

func transportEqual(a, b TransportConfig) bool {
	if TransportOf(a) != TransportOf(b) {
		return false
	}
	if x, ok := AsStdio(a); ok {
		y, ok := AsStdio(b)
		return ok && x.Command == y.Command &&
			slices.Equal(x.Args, y.Args) &&
			maps.Equal(x.Env, y.Env)
	}
	if x, ok := AsHTTP(a); ok {
		y, ok := AsHTTP(b)
		return ok && x.URL == y.URL && maps.Equal(x.Headers, y.Headers)
	}
	// a holds no config, so b must not either.
	_, bStdio := AsStdio(b)
	_, bHTTP := AsHTTP(b)
	return !bStdio && !bHTTP
}

// HTTPHeader converts the configured static headers to an http.Header.
func (c *HTTPConfig) HTTPHeader() http.Header {
	if c == nil || len(c.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

type descriptorJSON struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Description          string          `json:"description,omitempty"`
	SourceURL            string          `json:"sourceUrl,omitempty"`
	Category             string          `json:"category,omitempty"`
	InstalledOn          string          `json:"installedOn,omitempty"`
	LogoURL              string          `json:"logoUrl,omitempty"`
	Config               json.RawMessage `json:"config"`
	EnvVars              []EnvVar        `json:"environmentVariables"`
	RequiresAuth         bool            `json:"requiresAuth"`
	AccessToken          string          `json:"accessToken,omitempty"`
	AccessTokenExpiresAt *string         `json:"accessTokenExpiresAt"`
}

type transportJSON struct {
	Transport ConfigTransport   `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// MarshalJSON encodes the descriptor in the dashboard wire shape, with the
// transport config tagged by its "transport" field.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	wire := descriptorJSON{
		ID:           d.ID,
		Name:         d.Name,
		Description:  d.Description,
		SourceURL:    d.SourceURL,
		Category:     d.Category,
		InstalledOn:  d.InstalledOn,
		LogoURL:      d.LogoURL,
		EnvVars:      d.EnvVars,
		RequiresAuth: d.RequiresAuth,
		AccessToken:  d.AccessToken,
	}
	if wire.EnvVars == nil {
		wire.EnvVars = []EnvVar{}
	}
	if d.AccessTokenExpiresAt != "" {
		wire.AccessTokenExpiresAt = &d.AccessTokenExpiresAt
	}
	tc := transportJSON{Transport: TransportOf(d.Config)}
	if cfg, ok := AsStdio(d.Config); ok {
		tc.Command, tc.Args, tc.Env = cfg.Command, cfg.Args, cfg.Env
		if tc.Args == nil {
			tc.Args = []string{}
		}
	} else if cfg, ok := AsHTTP(d.Config); ok {
		tc.URL, tc.Headers = cfg.URL, cfg.Headers
	} else {
		return nil, fmt.Errorf("endserver: descriptor %q has no transport config", d.ID)
	}
	raw, err := json.Marshal(tc)
	if err != nil {
		return nil, err
	}
	wire.Config = raw
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the dashboard wire shape.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var wire descriptorJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	cfg, err := decodeTransport(wire.Config)
	if err != nil {
		return fmt.Errorf("endserver: descriptor %q: %w", wire.ID, err)
	}
	*d = Descriptor{
		ID:           wire.ID,
		Name:         wire.Name,
		Description:  wire.Description,
		SourceURL:    wire.SourceURL,
		Category:     wire.Category,
		InstalledOn:  wire.InstalledOn,
		LogoURL:      wire.LogoURL,
		Config:       cfg,
		EnvVars:      wire.EnvVars,
		RequiresAuth: wire.RequiresAuth,
		AccessToken:  wire.AccessToken,
	}
	if wire.AccessTokenExpiresAt != nil {
		d.AccessTokenExpiresAt = *wire.AccessTokenExpiresAt
	}
	return nil
}

func decodeTransport(raw json.RawMessage) (TransportConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("missing transport config")
	}
	var tc transportJSON
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, err
	}
	if !tc.Transport.Supported() {
		return nil, fmt.Errorf("unsupported transport %q", tc.Transport)
	}
	if tc.Transport == TransportStreamableHTTP {
		return &HTTPConfig{URL: tc.URL, Headers: tc.Headers}, nil
	}
	return &StdioConfig{Command: tc.Command, Args: tc.Args, Env: tc.Env}, nil
}
