package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/cobaltsec/cobaltgraph/logger"
	"github.com/cobaltsec/cobaltgraph/util"

	"github.com/go-playground/validator/v10"
	"github.com/hjson/hjson-go/v4"
	"github.com/spf13/afero"
)

var Version string

const DefaultConfigPath = "./config.hjson"

var errReadingConfigFile = errors.New("encountered an error while reading the config file")

const (
	ModeDevice  = "device"
	ModeNetwork = "network"
)

type (
	Config struct {
		Mode       string     `json:"mode" validate:"required,oneof=device network"`
		Capture    Capture    `json:"capture" validate:"required"`
		Enrichment Enrichment `json:"enrichment" validate:"required"`
		Intel      Intel      `json:"intel" validate:"required"`
		Consensus  Consensus  `json:"consensus" validate:"required"`
		Scorers    Scorers    `json:"scorers" validate:"required"`
		Storage    Storage    `json:"storage" validate:"required"`
		Export     Export     `json:"export" validate:"required"`
	}

	Capture struct {
		Interface string `json:"interface"`
		TickMS    int    `json:"tick_ms" validate:"gte=100,lte=60000"`
	}

	Enrichment struct {
		Workers    int `json:"workers" validate:"gte=1,lte=64"`
		DeadlineMS int `json:"deadline_ms" validate:"gte=100,lte=60000"`
	}

	Intel struct {
		Geo       GeoIntel        `json:"geo" validate:"required"`
		VT        ProviderIntel   `json:"vt" validate:"required"`
		AbuseIPDB ProviderIntel   `json:"abuseipdb" validate:"required"`
		RDNS      RDNSIntel       `json:"rdns"`
		OUI       OUIFileOverride `json:"oui"`
	}

	GeoIntel struct {
		RatePerMin int `json:"rate_per_min" validate:"gte=1,lte=600"`
		TimeoutMS  int `json:"timeout_ms" validate:"gte=100,lte=30000"`
	}

	ProviderIntel struct {
		RatePerSec int    `json:"rate_per_sec" validate:"gte=1,lte=100"`
		TimeoutMS  int    `json:"timeout_ms" validate:"gte=100,lte=30000"`
		APIKey     string `json:"-"` // VT_API_KEY / ABUSEIPDB_API_KEY
	}

	RDNSIntel struct {
		Enabled    bool   `json:"enabled"`
		Resolver   string `json:"resolver" validate:"omitempty,hostname_port"`
		RatePerSec int    `json:"rate_per_sec" validate:"gte=1,lte=500"`
		TimeoutMS  int    `json:"timeout_ms" validate:"gte=100,lte=30000"`
	}

	OUIFileOverride struct {
		Path string `json:"path" validate:"omitempty"`
	}

	Consensus struct {
		MinScorers           int     `json:"min_scorers" validate:"gte=1,lte=16"`
		OutlierThreshold     float64 `json:"outlier_threshold" validate:"gt=0,lte=1"`
		UncertaintyThreshold float64 `json:"uncertainty_threshold" validate:"gt=0,lte=1"`
		MADK                 float64 `json:"mad_k" validate:"gt=0,lte=10"`
	}

	Scorers struct {
		Keys       ScorerKeys `json:"keys"`
		ML         MLScorer   `json:"ml"`
		DeadlineMS int        `json:"deadline_ms" validate:"gte=10,lte=10000"`
	}

	// ScorerKeys holds per-scorer HMAC secrets as hex strings. Empty keys are
	// generated fresh at startup. Never serialized back out.
	ScorerKeys struct {
		Statistical string `json:"-"`
		RuleBased   string `json:"-"`
		MLBased     string `json:"-"`
	}

	MLScorer struct {
		WeightsPath string `json:"weights_path"`
	}

	Storage struct {
		Path string `json:"path" validate:"required"`
	}

	Export struct {
		Dir             string `json:"dir" validate:"required"`
		BufferSize      int    `json:"buffer_size" validate:"gte=1,lte=100000"`
		FlushIntervalMS int    `json:"flush_interval_ms" validate:"gte=50,lte=600000"`
		CSVMaxSizeMB    int    `json:"csv_max_size_mb" validate:"gte=1,lte=10000"`
		JSONLMaxSizeMB  int    `json:"jsonl_max_size_mb" validate:"gte=1,lte=100000"`
	}
)

// defaultConfig returns the built-in defaults. Values mirror the documented
// defaults: 1s device tick, 4 enrichment workers, 5s enrichment deadline,
// 45/min geo, 4 rps VT, 1 rps AbuseIPDB, 3s intel timeouts, min 2 scorers,
// 0.3 outlier threshold, 0.25 uncertainty threshold, MAD k of 3.
func defaultConfig() Config {
	return Config{
		Mode: ModeDevice,
		Capture: Capture{
			TickMS: 1000,
		},
		Enrichment: Enrichment{
			Workers:    4,
			DeadlineMS: 5000,
		},
		Intel: Intel{
			Geo:       GeoIntel{RatePerMin: 45, TimeoutMS: 3000},
			VT:        ProviderIntel{RatePerSec: 4, TimeoutMS: 3000},
			AbuseIPDB: ProviderIntel{RatePerSec: 1, TimeoutMS: 3000},
			RDNS:      RDNSIntel{Enabled: true, RatePerSec: 20, TimeoutMS: 3000},
		},
		Consensus: Consensus{
			MinScorers:           2,
			OutlierThreshold:     0.3,
			UncertaintyThreshold: 0.25,
			MADK:                 3.0,
		},
		Scorers: Scorers{
			DeadlineMS: 100,
		},
		Storage: Storage{
			Path: "database/cobaltgraph.db",
		},
		Export: Export{
			Dir:             "exports/",
			BufferSize:      100,
			FlushIntervalMS: 1000,
			CSVMaxSizeMB:    10,
			JSONLMaxSizeMB:  100,
		},
	}
}

// GetDefaultConfig returns a Config object with default values
func GetDefaultConfig() Config {
	if Version == "" {
		Version = "dev"
	}
	return defaultConfig()
}

// LoadConfig attempts to read the config file at the specified path and
// returns a validated config object.
func LoadConfig(afs afero.Fs, path string) (*Config, error) {
	contents, err := util.GetFileContents(afs, path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("%w, located by default at '%s', please correct the issue in the config and try again:\n\t- %w", errReadingConfigFile, path, err)
	}
	return &cfg, nil
}

// ReadConfigFromMemory reads the config from bytes already read into memory
// as opposed to reading from a file.
func ReadConfigFromMemory(data []byte) (*Config, error) {
	var cfg Config
	if err := unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// unmarshal unmarshals the data into the config struct, applies the
// credential environment overlay, and validates the values
func unmarshal(data []byte, cfg *Config) error {
	if err := hjson.Unmarshal(data, &cfg); err != nil {
		return err
	}

	// credentials come from the environment so they never live in the
	// config file on disk
	cfg.setEnv()

	if err := cfg.Validate(); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON unmarshals the JSON bytes into the config struct
// overrides the default unmarshalling method to overlay the file onto defaults
func (c *Config) UnmarshalJSON(bytes []byte) error {
	// create temporary config struct to unmarshal into
	// not doing this would result in an infinite unmarshalling loop
	type tmpConfig Config
	defaultCfg := GetDefaultConfig()

	tmpCfg := tmpConfig(defaultCfg)

	if err := hjson.Unmarshal(bytes, &tmpCfg); err != nil {
		return err
	}

	*c = Config(tmpCfg)
	return nil
}

// setEnv overlays credentials and secrets from the environment.
// An unset variable leaves the config file value in place.
func (c *Config) setEnv() {
	if key := os.Getenv("VT_API_KEY"); key != "" {
		c.Intel.VT.APIKey = key
	}
	if key := os.Getenv("ABUSEIPDB_API_KEY"); key != "" {
		c.Intel.AbuseIPDB.APIKey = key
	}
	if key := os.Getenv("SCORER_KEY_STATISTICAL"); key != "" {
		c.Scorers.Keys.Statistical = key
	}
	if key := os.Getenv("SCORER_KEY_RULE_BASED"); key != "" {
		c.Scorers.Keys.RuleBased = key
	}
	if key := os.Getenv("SCORER_KEY_ML_BASED"); key != "" {
		c.Scorers.Keys.MLBased = key
	}
}

// Reset resets the config values to default
func (cfg *Config) Reset() error {
	newConfig := GetDefaultConfig()
	*cfg = newConfig

	if err := cfg.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate validates the config struct values
func (cfg *Config) Validate() error {
	zlog := logger.GetLogger()
	zlog.Debug().Str("mode", cfg.Mode).Msg("validating config")

	validate, err := NewValidator()
	if err != nil {
		return err
	}

	if err := validate.Struct(cfg); err != nil {
		return err
	}

	// exclusion and flagging are independent knobs, so this combination is
	// legal; it just means disagreement gets flagged before it is excluded
	if cfg.Consensus.OutlierThreshold < cfg.Consensus.UncertaintyThreshold {
		zlog.Warn().
			Float64("outlier_threshold", cfg.Consensus.OutlierThreshold).
			Float64("uncertainty_threshold", cfg.Consensus.UncertaintyThreshold).
			Msg("outlier_threshold below uncertainty_threshold")
	}

	return nil
}

// NewValidator creates a new validator with custom validation rules
func NewValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	// network mode requires an interface name
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		value := sl.Current().Interface().(Config)
		if value.Mode == ModeNetwork && value.Capture.Interface == "" {
			sl.ReportError(value.Capture.Interface, "Interface", "Capture", "required_for_network_mode", "")
		}
	}, Config{})

	return v, nil
}
