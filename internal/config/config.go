package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"site-proximity/internal/gazetteer"
)

// ErrFatal marks configuration the service cannot start with.
var ErrFatal = errors.New("fatal configuration error")

// Duration reads TOML strings such as "30s" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ServerConfig struct {
	Port          string   `toml:"port"`
	OutputDir     string   `toml:"output_dir"`
	UploadDir     string   `toml:"upload_dir"`
	SessionSecret string   `toml:"session_secret"`
	JobTTL        Duration `toml:"job_ttl"`
	MaxUploadMB   int64    `toml:"max_upload_mb"`
}

type DataConfig struct {
	GazetteerPath string `toml:"gazetteer_path"`
	SitesPath     string `toml:"sites_path"`
}

type FuzzyConfig struct {
	ScoreThreshold float64 `toml:"score_threshold"`
	FieldThreshold float64 `toml:"field_threshold"`
	MinTokenLength int     `toml:"min_token_length"`
	NameWeight     float64 `toml:"name_weight"`
	ZoneWeight     float64 `toml:"zone_weight"`
	RegionWeight   float64 `toml:"region_weight"`
	LengthWeight   float64 `toml:"length_weight"`
}

type GeocodeConfig struct {
	BaseURL           string   `toml:"base_url"`
	UserAgent         string   `toml:"user_agent"`
	CountryCodes      string   `toml:"country_codes"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Timeout           Duration `toml:"timeout"`
	CacheSize         int      `toml:"cache_size"`
	ReverseLabels     bool     `toml:"reverse_labels"`
	ProbeTTL          Duration `toml:"probe_ttl"`
	DefaultZoom       int      `toml:"default_zoom"`
}

type BatchConfig struct {
	// Workers of 0 means max(NumCPU-1, 2).
	Workers int `toml:"workers"`
}

type FormatConfig struct {
	BaseURL string   `toml:"base_url"`
	Model   string   `toml:"model"`
	APIKey  string   `toml:"api_key"`
	Timeout Duration `toml:"timeout"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Data    DataConfig    `toml:"data"`
	Fuzzy   FuzzyConfig   `toml:"fuzzy"`
	Geocode GeocodeConfig `toml:"geocode"`
	Batch   BatchConfig   `toml:"batch"`
	Format  FormatConfig  `toml:"format"`
	Log     LogConfig     `toml:"log"`
}

func Default() *Config {
	fo := gazetteer.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Port:          "9595",
			OutputDir:     "output",
			UploadDir:     "uploads",
			SessionSecret: "change-me-site-proximity-session-key",
			JobTTL:        Duration{24 * time.Hour},
			MaxUploadMB:   32,
		},
		Data: DataConfig{
			GazetteerPath: "data/gazetteer.json",
			SitesPath:     "data/sites.csv",
		},
		Fuzzy: FuzzyConfig{
			ScoreThreshold: fo.ScoreThreshold,
			FieldThreshold: fo.FieldThreshold,
			MinTokenLength: fo.MinTokenLength,
			NameWeight:     fo.NameWeight,
			ZoneWeight:     fo.ZoneWeight,
			RegionWeight:   fo.RegionWeight,
			LengthWeight:   fo.LengthWeight,
		},
		Geocode: GeocodeConfig{
			BaseURL:           "https://nominatim.openstreetmap.org",
			UserAgent:         "site-proximity/1.0",
			CountryCodes:      "et",
			RequestsPerSecond: 1,
			Timeout:           Duration{30 * time.Second},
			CacheSize:         4096,
			ProbeTTL:          Duration{15 * time.Second},
			DefaultZoom:       8,
		},
		Format: FormatConfig{
			Model:   "deepseek-coder:latest",
			Timeout: Duration{60 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", ErrFatal, path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("%w: read %s: %v", ErrFatal, path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Server.Port)
	str("OUTPUT_DIR", &c.Server.OutputDir)
	str("SESSION_SECRET", &c.Server.SessionSecret)
	str("GAZETTEER_PATH", &c.Data.GazetteerPath)
	str("SITES_PATH", &c.Data.SitesPath)
	str("GEOCODE_BASE_URL", &c.Geocode.BaseURL)
	str("GEOCODE_USER_AGENT", &c.Geocode.UserAgent)
	str("LOG_LEVEL", &c.Log.Level)
	str("FORMAT_BASE_URL", &c.Format.BaseURL)
	str("FORMAT_MODEL", &c.Format.Model)
	str("FORMAT_API_KEY", &c.Format.APIKey)

	if v, ok := lookup("BATCH_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: BATCH_WORKERS=%q is not an integer", ErrFatal, v)
		}
		c.Batch.Workers = n
	}
	return nil
}

func (c *Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}
	check(c.Server.Port != "", "server.port is empty")
	check(c.Data.GazetteerPath != "", "data.gazetteer_path is empty")
	check(c.Data.SitesPath != "", "data.sites_path is empty")
	check(c.Fuzzy.ScoreThreshold > 0 && c.Fuzzy.ScoreThreshold <= 1, "fuzzy.score_threshold must be in (0, 1]")
	check(c.Fuzzy.FieldThreshold > 0 && c.Fuzzy.FieldThreshold <= 1, "fuzzy.field_threshold must be in (0, 1]")
	check(c.Fuzzy.MinTokenLength >= 1, "fuzzy.min_token_length must be at least 1")
	check(c.Fuzzy.NameWeight > 0, "fuzzy.name_weight must be positive")
	check(c.Fuzzy.LengthWeight >= 0 && c.Fuzzy.LengthWeight < 1, "fuzzy.length_weight must be in [0, 1)")
	check(c.Geocode.BaseURL != "", "geocode.base_url is empty")
	check(c.Geocode.Timeout.Duration > 0, "geocode.timeout must be positive")
	check(c.Geocode.RequestsPerSecond >= 0, "geocode.requests_per_second must not be negative")
	check(c.Batch.Workers >= 0, "batch.workers must not be negative")
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrFatal, errors.Join(problems...))
	}
	return nil
}

// FuzzyOptions converts the fuzzy section for the gazetteer index.
func (c *Config) FuzzyOptions() gazetteer.Options {
	return gazetteer.Options{
		ScoreThreshold: c.Fuzzy.ScoreThreshold,
		FieldThreshold: c.Fuzzy.FieldThreshold,
		MinTokenLength: c.Fuzzy.MinTokenLength,
		NameWeight:     c.Fuzzy.NameWeight,
		ZoneWeight:     c.Fuzzy.ZoneWeight,
		RegionWeight:   c.Fuzzy.RegionWeight,
		LengthWeight:   c.Fuzzy.LengthWeight,
	}
}

// FormatEnabled reports whether an LLM endpoint is configured.
func (c *Config) FormatEnabled() bool {
	return c.Format.BaseURL != "" && c.Format.Model != ""
}
