package mirror

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/lmittmann/tint"
)

// Mirror kinds.
const (
	KindRepoData = "repodata"
	KindListing  = "listing"
)

const (
	defaultMaxTrees         = 4
	defaultTransfersPerTree = 1
	defaultAttempts         = 3
	defaultRetryInterval    = time.Second
	defaultHTTPRetries      = 10
	defaultConnectTimeout   = 7 * time.Second
	defaultReadTimeout      = 10 * time.Second
	defaultSpeedLimit       = 5000
	defaultSpeedTime        = 15 * time.Second
	defaultUserAgent        = "condasync/1.0"
	defaultFullScan         = 0.1
	defaultVerify           = 0.05
)

var (
	defaultExcludedPackages = []string{"pytorch-nightly", "pytorch-nightly-cpu", "ignite-nightly"}
	defaultPackagePatterns  = []string{"*.tar.bz2", "*.conda"}
)

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
		if parsedURL.RawPath != "" {
			parsedURL.RawPath += "/"
		}
	}

	u.URL = parsedURL
	return nil
}

type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return errors.New("negative duration: " + string(text))
	}
	d.Duration = v
	return nil
}

// MirrConfig describes one upstream conda location.
//
// A repodata mirror expands into one tree per channel and architecture:
// <url>/<channel>/<arch> is mirrored to <dir>/<path>/<channel>/<arch>.
// Without channels, the trees are <url>/<arch>.  A listing mirror is a
// single tree: <url> is mirrored to <dir>/<path>.
type MirrConfig struct {
	URL           tomlURL  `toml:"url"`
	Kind          string   `toml:"kind"`
	Path          string   `toml:"path,omitempty"`
	Channels      []string `toml:"channels,omitempty"`
	Architectures []string `toml:"architectures,omitempty"`
}

// Check vaildates the configuration.
func (mirrorConfig *MirrConfig) Check() error {
	if mirrorConfig.URL.URL == nil {
		return errors.New("url is not set")
	}

	switch mirrorConfig.Kind {
	case KindRepoData:
		if len(mirrorConfig.Architectures) == 0 {
			return errors.New("no architectures")
		}
	case KindListing:
		if len(mirrorConfig.Channels) != 0 {
			return errors.New("listing mirror cannot have channels")
		}
		if len(mirrorConfig.Architectures) != 0 {
			return errors.New("listing mirror cannot have architectures")
		}
	case "":
		return errors.New("kind is not set")
	default:
		return errors.New("unknown kind: " + mirrorConfig.Kind)
	}

	if mirrorConfig.Path != "" {
		if path.IsAbs(mirrorConfig.Path) {
			return errors.New("path must be relative: " + mirrorConfig.Path)
		}
		if strings.Contains(path.Clean(mirrorConfig.Path), "..") {
			return errors.New("path must not leave dir: " + mirrorConfig.Path)
		}
	}

	for _, elem := range append(append([]string{}, mirrorConfig.Channels...), mirrorConfig.Architectures...) {
		if elem == "" || strings.ContainsAny(elem, `/\`) || elem == "." || elem == ".." {
			return errors.New("invalid channel or architecture: " + elem)
		}
	}
	return nil
}

// Resolve returns *url.URL for a relative path.
func (mirrorConfig *MirrConfig) Resolve(p string) *url.URL {
	return mirrorConfig.URL.ResolveReference(&url.URL{Path: p})
}

// HTTPConfig tunes the transport.
type HTTPConfig struct {
	// Retries is the number of automatic retries on transient errors
	// performed for every single request.
	Retries        int          `toml:"retries"`
	ConnectTimeout tomlDuration `toml:"connect_timeout"`
	// ReadTimeout bounds listing fetches and metadata probes.
	ReadTimeout tomlDuration `toml:"read_timeout"`
	// Transfers slower than SpeedLimit bytes per second for SpeedTime are aborted.
	SpeedLimit int64        `toml:"speed_limit"`
	SpeedTime  tomlDuration `toml:"speed_time"`
	UserAgent  string       `toml:"user_agent"`
}

// SamplingConfig holds the probabilities of the listing heuristics.
type SamplingConfig struct {
	FullScan float64 `toml:"full_scan"`
	Verify   float64 `toml:"verify"`
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "tint", "color":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		})
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/condasync.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir              string                 `toml:"dir"`
	Prune            bool                   `toml:"prune"`
	MaxTrees         int                    `toml:"max_trees"`
	TransfersPerTree int                    `toml:"transfers_per_tree"`
	Attempts         int                    `toml:"attempts"`
	RetryInterval    tomlDuration           `toml:"retry_interval"`
	ExcludedPackages []string               `toml:"excluded_packages"`
	PackagePatterns  []string               `toml:"package_patterns"`
	Log              LogConfig              `toml:"log"`
	HTTP             HTTPConfig             `toml:"http"`
	Sampling         SamplingConfig         `toml:"sampling"`
	Mirrors          map[string]*MirrConfig `toml:"mirrors"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !path.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if c.MaxTrees < 1 {
		return errors.New("max_trees must be at least 1")
	}
	if c.TransfersPerTree < 1 {
		return errors.New("transfers_per_tree must be at least 1")
	}
	if c.Attempts < 1 {
		return errors.New("attempts must be at least 1")
	}
	if c.HTTP.Retries < 0 {
		return errors.New("http.retries must not be negative")
	}
	for _, p := range []float64{c.Sampling.FullScan, c.Sampling.Verify} {
		if p < 0 || p > 1 {
			return errors.New("sampling probabilities must be within [0, 1]")
		}
	}
	if len(c.PackagePatterns) == 0 {
		return errors.New("no package_patterns")
	}
	for _, pattern := range c.PackagePatterns {
		if !doublestar.ValidatePattern(pattern) {
			return errors.New("invalid package pattern: " + pattern)
		}
	}
	return nil
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxTrees:         defaultMaxTrees,
		TransfersPerTree: defaultTransfersPerTree,
		Attempts:         defaultAttempts,
		RetryInterval:    tomlDuration{defaultRetryInterval},
		ExcludedPackages: append([]string(nil), defaultExcludedPackages...),
		PackagePatterns:  append([]string(nil), defaultPackagePatterns...),
		HTTP: HTTPConfig{
			Retries:        defaultHTTPRetries,
			ConnectTimeout: tomlDuration{defaultConnectTimeout},
			ReadTimeout:    tomlDuration{defaultReadTimeout},
			SpeedLimit:     defaultSpeedLimit,
			SpeedTime:      tomlDuration{defaultSpeedTime},
			UserAgent:      defaultUserAgent,
		},
		Sampling: SamplingConfig{
			FullScan: defaultFullScan,
			Verify:   defaultVerify,
		},
	}
}
