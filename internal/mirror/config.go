package mirror

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"time"
)

const (
	defaultMaxConns  = 4
	defaultRetries   = 5
	defaultIndexPath = "index.json"
)

var validID = regexp.MustCompile(`^[a-z0-9_-]+$`)

// IsValidID checks if the given mirror ID is valid.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		parsedURL.RawPath += "/"
	}

	u.URL = parsedURL
	return nil
}

type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return errors.New("negative duration: " + string(text))
	}
	d.Duration = parsed
	return nil
}

// CrateFilters defines which upstream crates are mirrored.
type CrateFilters struct {
	// KeepVersions limits mirroring to the N newest versions of each crate.
	// Zero means all versions.
	KeepVersions int `toml:"keep_versions,omitempty"`

	// ExcludePatterns lists path.Match patterns; crates whose name matches
	// any pattern are not mirrored.
	ExcludePatterns []string `toml:"exclude_patterns,omitempty"`
}

// Check validates the filter configuration.
func (f *CrateFilters) Check() error {
	if f.KeepVersions < 0 {
		return errors.New("keep_versions must not be negative")
	}
	for _, pattern := range f.ExcludePatterns {
		if _, err := path.Match(pattern, ""); err != nil {
			return errors.New("bad exclude pattern: " + pattern)
		}
	}
	return nil
}

// MirrorConfig configures a single mirrored registry.
type MirrorConfig struct {
	URL       tomlURL `toml:"url"`
	IndexPath string  `toml:"index_path,omitempty"`

	PGPKeyPath string `toml:"pgp_key_path,omitempty"`
	NoPGPCheck bool   `toml:"no_pgp_check,omitempty"`

	// Prune removes crates that disappeared from the upstream index.
	// When false, entries missing upstream are kept in the local mirror.
	Prune bool `toml:"prune,omitempty"`

	Filters *CrateFilters `toml:"filters,omitempty"`
}

// Check validates the mirror configuration.
func (mc *MirrorConfig) Check() error {
	if mc.URL.URL == nil {
		return errors.New("url is not set")
	}
	if strings.Contains(mc.indexPath(), "..") {
		return errors.New("index_path must not contain \"..\"")
	}

	if !mc.NoPGPCheck && mc.PGPKeyPath != "" {
		if !path.IsAbs(mc.PGPKeyPath) {
			return errors.New("pgp_key_path must be an absolute path")
		}
		if _, err := os.Stat(mc.PGPKeyPath); os.IsNotExist(err) {
			return errors.New("pgp_key_path does not exist: " + mc.PGPKeyPath)
		} else if err != nil {
			return errors.New("cannot access pgp_key_path: " + err.Error())
		}
	}

	if mc.Filters != nil {
		return mc.Filters.Check()
	}
	return nil
}

func (mc *MirrorConfig) indexPath() string {
	if mc.IndexPath == "" {
		return defaultIndexPath
	}
	return mc.IndexPath
}

// Resolve returns *url.URL for a path relative to the registry root.
func (mc *MirrorConfig) Resolve(p string) *url.URL {
	return mc.URL.ResolveReference(&url.URL{Path: p})
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration.
func (lc *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + lc.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(lc.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + lc.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir         string                   `toml:"dir"`
	MaxConns    int                      `toml:"max_conns"`
	Retries     int                      `toml:"retries"`
	MinInterval tomlDuration             `toml:"min_interval"`
	ReqTimeout  tomlDuration             `toml:"request_timeout"`
	Log         LogConfig                `toml:"log"`
	Mirrors     map[string]*MirrorConfig `toml:"mirrors"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !path.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if c.MaxConns <= 0 {
		return errors.New("max_conns must be positive")
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	return nil
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConns: defaultMaxConns,
		Retries:  defaultRetries,
	}
}
