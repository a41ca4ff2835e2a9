// Package config holds the runtime knobs of an evaluation run, loaded from
// YAML and overridden from the command line.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/flowfid/features"
	"github.com/YuminosukeSato/flowfid/metrics"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
	"github.com/YuminosukeSato/flowfid/pkg/log"
)

// Log formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Config captures the runtime knobs for an evaluation run.
type Config struct {
	// Loader and images
	Batch   int    `yaml:"batch"`
	ImgSize int    `yaml:"img_size"`
	NBits   int    `yaml:"n_bits"`
	DataDir string `yaml:"data_dir"`

	// Generator
	NFlow     int     `yaml:"n_flow"`
	NBlock    int     `yaml:"n_block"`
	Hidden    int     `yaml:"hidden"`
	Temp      float64 `yaml:"temp"`
	Seed      uint64  `yaml:"seed"`
	ModelPath string  `yaml:"model_path"`

	// Feature extractor
	FeatureDim int    `yaml:"feature_dim"`
	PoolSize   int    `yaml:"pool_size"`
	Activation string `yaml:"activation"`

	// Distance
	Eps         float64 `yaml:"eps"`
	Method      string  `yaml:"method"`
	StatsCache  string  `yaml:"stats_cache"`
	KIDSubset   int     `yaml:"kid_subset"`
	MaxMemoryMB int64   `yaml:"max_memory_mb"`

	// Outputs
	HistoryDB string `yaml:"history_db"`
	ReportDir string `yaml:"report_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration of a 64×64, 4-block, 32-step Glow
// sampled at temperature 0.7.
func Default() *Config {
	return &Config{
		Batch:      16,
		ImgSize:    64,
		NBits:      5,
		NFlow:      32,
		NBlock:     4,
		Hidden:     32,
		Temp:       0.7,
		Seed:       1,
		FeatureDim: 64,
		PoolSize:   4,
		Activation: string(features.ActivationReLU),
		Eps:        metrics.DefaultEpsilon,
		Method:     metrics.MethodEigen.String(),
		LogLevel:   "info",
		LogFormat:  LogFormatJSON,
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}
	return cfg, nil
}

// Overrides captures CLI supplied values. Zero values leave the config
// unchanged. Temp and Seed are pointers because zero is a meaningful value
// for both; nil leaves them unchanged.
type Overrides struct {
	Batch      int
	ImgSize    int
	NBits      int
	DataDir    string
	NFlow      int
	NBlock     int
	Hidden     int
	Temp       *float64
	Seed       *uint64
	ModelPath  string
	FeatureDim int
	PoolSize   int
	Activation string
	Eps        float64
	Method     string
	StatsCache string
	KIDSubset  int
	HistoryDB  string
	ReportDir  string
	LogLevel   string
	LogFormat  string
	// MaxMemoryMB of zero keeps the configured limit.
	MaxMemoryMB int64
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	setInt := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt(&c.Batch, o.Batch)
	setInt(&c.ImgSize, o.ImgSize)
	setInt(&c.NBits, o.NBits)
	setInt(&c.NFlow, o.NFlow)
	setInt(&c.NBlock, o.NBlock)
	setInt(&c.Hidden, o.Hidden)
	setInt(&c.FeatureDim, o.FeatureDim)
	setInt(&c.PoolSize, o.PoolSize)
	setInt(&c.KIDSubset, o.KIDSubset)
	setStr(&c.DataDir, o.DataDir)
	setStr(&c.ModelPath, o.ModelPath)
	setStr(&c.Activation, o.Activation)
	setStr(&c.Method, o.Method)
	setStr(&c.StatsCache, o.StatsCache)
	setStr(&c.HistoryDB, o.HistoryDB)
	setStr(&c.ReportDir, o.ReportDir)
	setStr(&c.LogLevel, o.LogLevel)
	setStr(&c.LogFormat, o.LogFormat)
	if o.Temp != nil {
		c.Temp = *o.Temp
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.Eps > 0 {
		c.Eps = o.Eps
	}
	if o.MaxMemoryMB > 0 {
		c.MaxMemoryMB = o.MaxMemoryMB
	}
}

// Validate verifies the config is runnable. Enumerated string fields are
// lowercased and trimmed in place.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	for _, f := range []*string{&c.Method, &c.Activation, &c.LogLevel, &c.LogFormat} {
		*f = strings.ToLower(strings.TrimSpace(*f))
	}
	positive := []struct {
		name  string
		value int
	}{
		{"batch", c.Batch},
		{"img_size", c.ImgSize},
		{"n_flow", c.NFlow},
		{"n_block", c.NBlock},
		{"hidden", c.Hidden},
		{"feature_dim", c.FeatureDim},
		{"pool_size", c.PoolSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.NewValidationError(p.name, "must be > 0", p.value)
		}
	}
	if c.Batch < 2 {
		return errors.NewValidationError("batch", "covariance needs at least 2 samples per batch", c.Batch)
	}
	if c.NBits < 1 || c.NBits > 8 {
		return errors.NewValidationError("n_bits", "must be between 1 and 8", c.NBits)
	}
	if c.NBlock >= 31 || c.ImgSize%(1<<c.NBlock) != 0 {
		return errors.NewValidationError("img_size", "must be divisible by 2^n_block", c.ImgSize)
	}
	if c.PoolSize > c.ImgSize {
		return errors.NewValidationError("pool_size", "must not exceed img_size", c.PoolSize)
	}
	if c.Temp < 0 {
		return errors.NewValidationError("temp", "must be >= 0", c.Temp)
	}
	if c.Eps <= 0 {
		return errors.NewValidationError("eps", "must be > 0", c.Eps)
	}
	if c.KIDSubset < 0 || c.KIDSubset == 1 {
		return errors.NewValidationError("kid_subset", "must be 0 (disabled) or >= 2", c.KIDSubset)
	}
	if c.MaxMemoryMB < 0 {
		return errors.NewValidationError("max_memory_mb", "must be >= 0", c.MaxMemoryMB)
	}
	if _, err := metrics.ParseMethod(c.Method); err != nil {
		return err
	}
	if _, err := features.ParseActivation(c.Activation); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.NewValidationError("log_level", err.Error(), c.LogLevel)
	}
	switch c.LogFormat {
	case LogFormatJSON, LogFormatConsole:
	default:
		return errors.NewValidationError("log_format", "must be json or console", c.LogFormat)
	}
	return nil
}

// MethodValue returns the parsed square root method. Call after Validate.
func (c *Config) MethodValue() metrics.Method {
	m, _ := metrics.ParseMethod(c.Method)
	return m
}

// ActivationValue returns the parsed activation. Call after Validate.
func (c *Config) ActivationValue() features.Activation {
	a, _ := features.ParseActivation(c.Activation)
	return a
}
