package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the root config FileSource reads when no path is set.
const DefaultConfigPath = "servers/config.yml"

// SourceDir is one directory of end server definitions listed in the root
// config. Each subdirectory of Path holds one config.yml or config.yaml.
type SourceDir struct {
	Path     string `yaml:"path"`
	Category string `yaml:"category"`
	Optional bool   `yaml:"optional"`
}

// DefaultSourceDirs are used when the root config is absent, invalid, or does
// not list sources.
func DefaultSourceDirs() []SourceDir {
	return []SourceDir{
		{Path: "./default", Category: "official"},
		{Path: "./custom", Category: "custom", Optional: true},
	}
}

// FileSource reads end server descriptors from a tree of YAML files rooted at
// a config.yml. It rereads the tree on every Fetch.
type FileSource struct {
	// Path of the root config. Source directories resolve relative to its
	// directory. Defaults to DefaultConfigPath.
	Path string
	// Logger receives diagnostics about skipped files.
	Logger *zerolog.Logger
	// LookupEnv resolves valueFromEnv and accessTokenFromEnv. Defaults to
	// os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// NewFileSource returns a FileSource for the root config at path.
func NewFileSource(path string, logger *zerolog.Logger) *FileSource {
	return &FileSource{Path: path, Logger: logger}
}

type rootConfig struct {
	Sources *[]SourceDir `yaml:"sources"`
}

type serverFile struct {
	ID                   string         `yaml:"id"`
	Name                 string         `yaml:"name"`
	Description          string         `yaml:"description"`
	SourceURL            string         `yaml:"sourceUrl"`
	Category             string         `yaml:"category"`
	LogoURL              string         `yaml:"logoUrl"`
	InstalledOn          string         `yaml:"installedOn"`
	RequiresAuth         bool           `yaml:"requiresAuth"`
	AccessToken          *string        `yaml:"accessToken"`
	AccessTokenFromEnv   string         `yaml:"accessTokenFromEnv"`
	AccessTokenExpiresAt string         `yaml:"accessTokenExpiresAt"`
	Env                  []envFile      `yaml:"env"`
	Config               *transportFile `yaml:"config"`
}

type envFile struct {
	Key          string  `yaml:"key"`
	Name         string  `yaml:"name"`
	Description  string  `yaml:"description"`
	Required     bool    `yaml:"required"`
	Value        *string `yaml:"value"`
	ValueFromEnv string  `yaml:"valueFromEnv"`
}

type transportFile struct {
	Transport endserver.ConfigTransport `yaml:"transport"`
	Command   string                    `yaml:"command"`
	Args      []string                  `yaml:"args"`
	Env       map[string]string         `yaml:"env"`
	URL       string                    `yaml:"url"`
	Headers   map[string]string         `yaml:"headers"`
}

// Fetch walks every source directory and returns the valid descriptors in
// directory order. Files that violate the schema and repeated ids are
// skipped. Unreadable files and YAML syntax errors fail the fetch.
func (s *FileSource) Fetch(ctx context.Context) ([]endserver.Descriptor, error) {
	logger := s.logger()
	path := s.Path
	if path == "" {
		path = DefaultConfigPath
	}
	baseDir := filepath.Dir(path)
	sources := s.loadRoot(path, logger)
	logger.Debug().Str("config", path).Int("sources", len(sources)).Msg("loading end servers from files")

	seen := make(map[string]string)
	var out []endserver.Descriptor
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := src.Path
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if src.Optional {
					logger.Debug().Str("dir", dir).Msg("optional source missing, skipping")
				} else {
					logger.Warn().Str("dir", dir).Msg("source not found")
				}
				continue
			}
			return nil, fmt.Errorf("snapshot: read source %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			serverDir := filepath.Join(dir, entry.Name())
			file := findServerFile(serverDir)
			if file == "" {
				logger.Warn().Str("dir", serverDir).Msg("no config.yml found, skipping")
				continue
			}
			desc, ok, err := s.parseServerFile(file, src.Category, logger)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if first, dup := seen[desc.ID]; dup {
				logger.Warn().Str("server", desc.ID).Str("file", file).Str("first", first).Msg("duplicate server id, skipping")
				continue
			}
			seen[desc.ID] = file
			out = append(out, desc)
		}
	}
	return out, nil
}

func (s *FileSource) logger() zerolog.Logger {
	if s.Logger != nil {
		return *s.Logger
	}
	return log.With().Str("component", "snapshot").Logger()
}

func (s *FileSource) lookupEnv(key string) (string, bool) {
	if s.LookupEnv != nil {
		return s.LookupEnv(key)
	}
	return os.LookupEnv(key)
}

func (s *FileSource) loadRoot(path string, logger zerolog.Logger) []SourceDir {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug().Str("config", path).Msg("no root config found, using default sources")
		} else {
			logger.Warn().Err(err).Str("config", path).Msg("failed to read root config, using default sources")
		}
		return DefaultSourceDirs()
	}
	var root rootConfig
	if err := yaml.Unmarshal(data, &root); err != nil {
		logger.Warn().Err(err).Str("config", path).Msg("invalid root config, using default sources")
		return DefaultSourceDirs()
	}
	if root.Sources == nil {
		return DefaultSourceDirs()
	}
	for i, src := range *root.Sources {
		if src.Path == "" {
			logger.Warn().Str("config", path).Int("index", i).Msg("source without path, using default sources")
			return DefaultSourceDirs()
		}
	}
	return *root.Sources
}

func findServerFile(dir string) string {
	for _, name := range []string{"config.yml", "config.yaml"} {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// parseServerFile returns ok=false for files that should be skipped and an
// error only when the file cannot be read or parsed as YAML.
func (s *FileSource) parseServerFile(path, category string, logger zerolog.Logger) (endserver.Descriptor, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return endserver.Descriptor{}, false, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	var file serverFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			logger.Warn().Err(err).Str("file", path).Msg("skipping invalid server config")
			return endserver.Descriptor{}, false, nil
		}
		return endserver.Descriptor{}, false, fmt.Errorf("snapshot: parse %s: %w", path, err)
	}
	if err := file.validate(); err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("skipping invalid server config")
		return endserver.Descriptor{}, false, nil
	}

	envVars := make([]endserver.EnvVar, 0, len(file.Env))
	for _, e := range file.Env {
		name := e.Name
		if name == "" {
			name = e.Key
		}
		envVars = append(envVars, endserver.EnvVar{
			Name:        name,
			Key:         e.Key,
			Description: e.Description,
			Required:    e.Required,
			Value:       s.resolveEnvValue(e),
		})
	}

	desc := endserver.Descriptor{
		ID:                   file.ID,
		Name:                 file.Name,
		Description:          file.Description,
		SourceURL:            file.SourceURL,
		Category:             file.Category,
		InstalledOn:          file.InstalledOn,
		LogoURL:              file.LogoURL,
		Config:               buildTransport(file.Config, envVars),
		EnvVars:              envVars,
		RequiresAuth:         file.RequiresAuth,
		AccessTokenExpiresAt: file.AccessTokenExpiresAt,
	}
	if desc.Category == "" {
		desc.Category = category
	}
	if file.AccessToken != nil {
		desc.AccessToken = *file.AccessToken
	} else if file.AccessTokenFromEnv != "" {
		desc.AccessToken, _ = s.lookupEnv(file.AccessTokenFromEnv)
	}
	if desc.InstalledOn == "" {
		if info, err := os.Stat(path); err == nil {
			desc.InstalledOn = formatInstalledOn(info.ModTime())
		}
	}
	return desc, true, nil
}

func (s *FileSource) resolveEnvValue(e envFile) *string {
	if e.Value != nil {
		v := *e.Value
		return &v
	}
	if e.ValueFromEnv != "" {
		if v, ok := s.lookupEnv(e.ValueFromEnv); ok {
			return &v
		}
	}
	return nil
}

func (f *serverFile) validate() error {
	if f.ID == "" {
		return errors.New("id is required")
	}
	if f.Name == "" {
		return errors.New("name is required")
	}
	for i, e := range f.Env {
		if e.Key == "" {
			return fmt.Errorf("env[%d]: key is required", i)
		}
	}
	if f.Config == nil {
		return errors.New("config is required")
	}
	if !f.Config.Transport.Supported() {
		return fmt.Errorf("config.transport %q is not supported", f.Config.Transport)
	}
	if f.Config.Transport == endserver.TransportStdio && f.Config.Command == "" {
		return errors.New("config.command is required for stdio")
	}
	if f.Config.Transport == endserver.TransportStreamableHTTP && f.Config.URL == "" {
		return errors.New("config.url is required for streamable-http")
	}
	return nil
}

// buildTransport converts a validated config block. Stdio children receive
// the configured env overlaid with every resolved env var value.
func buildTransport(cfg *transportFile, envVars []endserver.EnvVar) endserver.TransportConfig {
	if cfg.Transport == endserver.TransportStreamableHTTP {
		return &endserver.HTTPConfig{URL: cfg.URL, Headers: cfg.Headers}
	}
	env := make(map[string]string, len(cfg.Env)+len(envVars))
	for k, v := range cfg.Env {
		env[k] = v
	}
	for _, e := range envVars {
		if e.Value != nil {
			env[e.Key] = *e.Value
		}
	}
	if len(env) == 0 {
		env = nil
	}
	args := cfg.Args
	if args == nil {
		args = []string{}
	}
	return &endserver.StdioConfig{Command: cfg.Command, Args: args, Env: env}
}

func formatInstalledOn(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
