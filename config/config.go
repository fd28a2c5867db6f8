// Package config loads the service configuration: a JSON file located via
// SDL_CONFIG (default ./sdl.json), with SDL_DB_PATH overriding the database
// location. Invalid configuration is fatal by taxonomy — the process refuses
// to start rather than run half-configured.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInvalid marks configuration the process must not start with.
var ErrInvalid = errors.New("config: invalid")

// Env variable names.
const (
	EnvConfig = "SDL_CONFIG"
	EnvDBPath = "SDL_DB_PATH"
)

// DefaultPath is used when SDL_CONFIG is unset.
const DefaultPath = "sdl.json"

// RepoConfig is one repository registration from the file.
type RepoConfig struct {
	RepoID       string   `json:"repoId"`
	RootPath     string   `json:"rootPath"`
	Ignore       []string `json:"ignore,omitempty"`
	Languages    []string `json:"languages,omitempty"`
	MaxFileBytes int64    `json:"maxFileBytes,omitempty"`
}

// IndexingConfig tunes the pipeline and watcher.
type IndexingConfig struct {
	EnableFileWatching bool `json:"enableFileWatching"`
	DebounceMs         int  `json:"debounceMs,omitempty"`
	MaxWorkers         int  `json:"maxWorkers,omitempty"`
}

// CacheConfig bounds the in-memory result cache.
type CacheConfig struct {
	MaxEntries   int   `json:"maxEntries,omitempty"`
	MaxSizeBytes int64 `json:"maxSizeBytes,omitempty"`
}

// PolicyConfig mirrors policy.Config.
type PolicyConfig struct {
	MaxWindowLines     int  `json:"maxWindowLines,omitempty"`
	MaxWindowTokens    int  `json:"maxWindowTokens,omitempty"`
	RequireIdentifiers bool `json:"requireIdentifiers"`
	AllowBreakGlass    bool `json:"allowBreakGlass"`
	DefaultDenyRaw     bool `json:"defaultDenyRaw"`
	SliceMaxCards      int  `json:"sliceMaxCards,omitempty"`
	SliceMaxTokens     int  `json:"sliceMaxTokens,omitempty"`
}

// Config is the whole file.
type Config struct {
	DBPath         string         `json:"dbPath"`
	ParseCachePath string         `json:"parseCachePath,omitempty"`
	Repos          []RepoConfig   `json:"repos,omitempty"`
	Indexing       IndexingConfig `json:"indexing"`
	Cache          CacheConfig    `json:"cache"`
	Policy         PolicyConfig   `json:"policy"`
}

// Default returns a usable standalone configuration.
func Default() *Config {
	return &Config{
		DBPath: "sdl.db",
		Indexing: IndexingConfig{
			EnableFileWatching: false,
			DebounceMs:         500,
		},
		Cache: CacheConfig{
			MaxEntries:   1024,
			MaxSizeBytes: 64 << 20,
		},
		Policy: PolicyConfig{
			MaxWindowLines:     180,
			MaxWindowTokens:    1400,
			RequireIdentifiers: true,
			AllowBreakGlass:    false,
			DefaultDenyRaw:     true,
			SliceMaxCards:      60,
			SliceMaxTokens:     12000,
		},
	}
}

// Load reads the configuration. A missing ./sdl.json yields defaults (the CLI
// can run against flags alone); a file named by SDL_CONFIG that is missing,
// or a present-but-broken file, is ErrInvalid.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	if db := os.Getenv(EnvDBPath); db != "" {
		cfg.DBPath = db
	}
	if cfg.ParseCachePath == "" && cfg.DBPath != "" {
		cfg.ParseCachePath = cfg.DBPath + ".parsecache"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the hard requirements.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("%w: dbPath is required", ErrInvalid)
	}
	seen := map[string]bool{}
	for i, r := range c.Repos {
		if r.RepoID == "" {
			return fmt.Errorf("%w: repos[%d]: repoId is required", ErrInvalid, i)
		}
		if seen[r.RepoID] {
			return fmt.Errorf("%w: duplicate repoId %q", ErrInvalid, r.RepoID)
		}
		seen[r.RepoID] = true
		if r.RootPath == "" {
			return fmt.Errorf("%w: repo %s: rootPath is required", ErrInvalid, r.RepoID)
		}
		if !filepath.IsAbs(r.RootPath) {
			return fmt.Errorf("%w: repo %s: rootPath must be absolute", ErrInvalid, r.RepoID)
		}
	}
	if c.Indexing.DebounceMs < 0 || c.Indexing.MaxWorkers < 0 {
		return fmt.Errorf("%w: negative indexing settings", ErrInvalid)
	}
	return nil
}

// Write saves the config atomically (temp file + rename).
func (c *Config) Write(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
