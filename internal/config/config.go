package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Spatial    SpatialConfig    `yaml:"spatial" mapstructure:"spatial"`
	Match      MatchConfig      `yaml:"match" mapstructure:"match"`
	Similarity SimilarityConfig `yaml:"similarity" mapstructure:"similarity"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Sources    []SourceConfig   `yaml:"sources" mapstructure:"sources"`
	Stretch    StretchConfig    `yaml:"stretch" mapstructure:"stretch"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the read-only ledger API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SpatialConfig sets the H3 resolutions. BucketResolution is used for
// candidate generation; DedupeResolution for duplicate keys.
type SpatialConfig struct {
	BucketResolution int `yaml:"bucket_resolution" mapstructure:"bucket_resolution"`
	DedupeResolution int `yaml:"dedupe_resolution" mapstructure:"dedupe_resolution"`
	RingRadius       int `yaml:"ring_radius" mapstructure:"ring_radius"`
}

// MatchConfig configures stable matching. Thresholds are in meters, keyed by
// scope label ("registry-stats").
type MatchConfig struct {
	Rounds              int                `yaml:"rounds" mapstructure:"rounds"`
	DefaultThresholdM   float64            `yaml:"default_threshold_m" mapstructure:"default_threshold_m"`
	Thresholds          map[string]float64 `yaml:"thresholds" mapstructure:"thresholds"`
	ContinuityScope     string             `yaml:"continuity_scope" mapstructure:"continuity_scope"`
	ContinuityNameCheck bool               `yaml:"continuity_name_check" mapstructure:"continuity_name_check"`
	Workers             int                `yaml:"workers" mapstructure:"workers"`
}

// Threshold returns the threshold for a scope label.
func (m MatchConfig) Threshold(label string) float64 {
	if v, ok := m.Thresholds[label]; ok {
		return v
	}
	return m.DefaultThresholdM
}

// SimilarityConfig configures the similarity fallback.
type SimilarityConfig struct {
	Floor            float64 `yaml:"floor" mapstructure:"floor"`
	TextOnlyFallback bool    `yaml:"text_only_fallback" mapstructure:"text_only_fallback"`
}

// LedgerConfig configures canonical identity issuance.
type LedgerConfig struct {
	PrimaryScope string `yaml:"primary_scope" mapstructure:"primary_scope"`
}

// ColumnsConfig maps entity fields to source columns.
type ColumnsConfig struct {
	ID        string   `yaml:"id" mapstructure:"id"`
	Lat       string   `yaml:"lat" mapstructure:"lat"`
	Lon       string   `yaml:"lon" mapstructure:"lon"`
	Coords    string   `yaml:"coords" mapstructure:"coords"`
	Name      string   `yaml:"name" mapstructure:"name"`
	Road      string   `yaml:"road" mapstructure:"road"`
	Area      string   `yaml:"area" mapstructure:"area"`
	Subarea   string   `yaml:"subarea" mapstructure:"subarea"`
	Type      string   `yaml:"type" mapstructure:"type"`
	Direction string   `yaml:"direction" mapstructure:"direction"`
	Fares     []string `yaml:"fares" mapstructure:"fares"`
}

// SourceConfig describes one entity extract.
type SourceConfig struct {
	Scope     string        `yaml:"scope" mapstructure:"scope"`
	Format    string        `yaml:"format" mapstructure:"format"`
	Path      string        `yaml:"path" mapstructure:"path"`
	URL       string        `yaml:"url" mapstructure:"url"`
	Member    string        `yaml:"member" mapstructure:"member"`
	Delimiter string        `yaml:"delimiter" mapstructure:"delimiter"`
	Encoding  string        `yaml:"encoding" mapstructure:"encoding"`
	Sheet     string        `yaml:"sheet" mapstructure:"sheet"`
	Columns   ColumnsConfig `yaml:"columns" mapstructure:"columns"`
}

// StretchConfig points at the stretch and fare extracts used by stretch
// assignment, and at the optional manual patch file.
type StretchConfig struct {
	Stretches SourceConfig `yaml:"stretches" mapstructure:"stretches"`
	Fares     SourceConfig `yaml:"fares" mapstructure:"fares"`
	OriginCol string       `yaml:"origin_col" mapstructure:"origin_col"`
	DestCol   string       `yaml:"dest_col" mapstructure:"dest_col"`
	PatchFile string       `yaml:"patch_file" mapstructure:"patch_file"`
	TopK      int          `yaml:"top_k" mapstructure:"top_k"`
}

// FetchConfig configures remote extract downloads.
type FetchConfig struct {
	TempDir     string  `yaml:"temp_dir" mapstructure:"temp_dir"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TOLLMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("spatial.bucket_resolution", 8)
	v.SetDefault("spatial.dedupe_resolution", 10)
	v.SetDefault("spatial.ring_radius", 1)
	v.SetDefault("match.rounds", 2)
	v.SetDefault("match.default_threshold_m", 100.0)
	v.SetDefault("match.continuity_scope", "registry-registry")
	v.SetDefault("match.continuity_name_check", true)
	v.SetDefault("match.workers", 4)
	v.SetDefault("similarity.floor", 0.5)
	v.SetDefault("similarity.text_only_fallback", true)
	v.SetDefault("ledger.primary_scope", "registry")
	v.SetDefault("stretch.origin_col", "origin_id")
	v.SetDefault("stretch.dest_col", "destination_id")
	v.SetDefault("stretch.top_k", 3)
	v.SetDefault("stretch.fares.scope", "fares")
	v.SetDefault("fetch.temp_dir", "/tmp/tollmap")
	v.SetDefault("fetch.user_agent", "tollmap/1.0")
	v.SetDefault("fetch.timeout_secs", 120)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_per_sec", 2.0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields required by mode: "reconcile", "neighbours",
// "stretch", "serve" or "migrate". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "reconcile", "neighbours":
		errs = append(errs, c.validateMatching()...)
		errs = append(errs, c.validateSources()...)
		if mode == "reconcile" && !c.hasPrimarySource() {
			errs = append(errs, "sources: no source with primary scope "+c.Ledger.PrimaryScope)
		}
	case "stretch":
		errs = append(errs, c.validateMatching()...)
		if c.Stretch.Stretches.Path == "" && c.Stretch.Stretches.URL == "" {
			errs = append(errs, "stretch.stretches path or url is required")
		}
		if c.Stretch.Fares.Path == "" && c.Stretch.Fares.URL == "" {
			errs = append(errs, "stretch.fares path or url is required")
		}
		if c.Stretch.TopK < 1 {
			errs = append(errs, "stretch.top_k must be >= 1")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateStore()...)
	case "migrate":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateMatching() []string {
	var errs []string
	inRange := func(name string, res int) {
		if res < 0 || res > 15 {
			errs = append(errs, name+" must be between 0 and 15")
		}
	}
	inRange("spatial.bucket_resolution", c.Spatial.BucketResolution)
	inRange("spatial.dedupe_resolution", c.Spatial.DedupeResolution)
	if c.Spatial.RingRadius < 1 {
		errs = append(errs, "spatial.ring_radius must be >= 1")
	}
	if c.Match.Rounds < 1 {
		errs = append(errs, "match.rounds must be >= 1")
	}
	if !(c.Match.DefaultThresholdM > 0) {
		errs = append(errs, "match.default_threshold_m must be > 0")
	}
	labels := make([]string, 0, len(c.Match.Thresholds))
	for label := range c.Match.Thresholds {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		if v := c.Match.Thresholds[label]; !(v > 0) {
			errs = append(errs, "match.thresholds."+label+" must be > 0")
		}
	}
	if c.Match.Workers < 1 {
		errs = append(errs, "match.workers must be >= 1")
	}
	if !(c.Similarity.Floor > 0) || c.Similarity.Floor > 1 {
		errs = append(errs, "similarity.floor must be in (0, 1]")
	}
	return errs
}

func (c *Config) validateSources() []string {
	var errs []string
	if len(c.Sources) == 0 {
		errs = append(errs, "sources: at least one source is required")
	}
	for i, s := range c.Sources {
		if s.Scope == "" {
			errs = append(errs, fmt.Sprintf("sources[%d].scope is required", i))
		}
		if s.Path == "" && s.URL == "" {
			errs = append(errs, fmt.Sprintf("sources[%d] path or url is required", i))
		}
		if s.Columns.ID == "" && s.Format != "shp" {
			errs = append(errs, fmt.Sprintf("sources[%d].columns.id is required", i))
		}
	}
	return errs
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return []string{"store.driver must be postgres or sqlite"}
	}
	if c.Store.DatabaseURL == "" {
		return []string{"store.database_url is required"}
	}
	return nil
}

func (c *Config) hasPrimarySource() bool {
	for _, s := range c.Sources {
		if s.Scope == c.Ledger.PrimaryScope {
			return true
		}
	}
	return false
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
