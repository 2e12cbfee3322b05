// Package config provides simulation parameters and their loading from YAML
// files and environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidParameter is wrapped by every validation failure.
var ErrInvalidParameter = errors.New("invalid simulation parameter")

// SimulationParameters holds the demographic rates and ages.
// All ages and durations are in years; rates are per-year hazards.
type SimulationParameters struct {
	// DeathAge removes an individual once their age exceeds it.
	// Range: 20–100 in the tuning panel.
	DeathAge float64 `json:"death_age" yaml:"death_age"`

	// MinPartnerSeekingAge marks adulthood. Range: 15–30.
	MinPartnerSeekingAge float64 `json:"min_partner_seeking_age" yaml:"min_partner_seeking_age"`

	// MaxPartnerSeekingAge marks elderhood; elders stop seeking. Range: 40–70.
	MaxPartnerSeekingAge float64 `json:"max_partner_seeking_age" yaml:"max_partner_seeking_age"`

	// SpawnIndividualAge is the age of manually added individuals. Range: 15–25.
	SpawnIndividualAge float64 `json:"spawn_individual_age" yaml:"spawn_individual_age"`

	// MinConceptionAge and MaxConceptionAge bound the fertile window [min, max).
	MinConceptionAge float64 `json:"min_conception_age" yaml:"min_conception_age"`
	MaxConceptionAge float64 `json:"max_conception_age" yaml:"max_conception_age"`

	// ConceptionRate is the per-year conception hazard. Range: 0.1–2.0.
	ConceptionRate float64 `json:"conception_rate" yaml:"conception_rate"`

	// GestationDuration is the time from conception to birth. Range: 0.5–1.5.
	GestationDuration float64 `json:"gestation_duration" yaml:"gestation_duration"`

	// BreakupRate is the per-year breakup hazard for a partnership. Range: 0–1.
	BreakupRate float64 `json:"breakup_rate" yaml:"breakup_rate"`
}

// Cadences are the fixed intervals, in years, at which each pass runs.
type Cadences struct {
	Aging     float64 `json:"aging" yaml:"aging"`
	Seeking   float64 `json:"seeking" yaml:"seeking"`
	Gestation float64 `json:"gestation" yaml:"gestation"`
}

// LoggingConfig configures log verbosity.
type LoggingConfig struct {
	// Level is "info" (default), "debug", or "trace".
	Level string `json:"level" yaml:"level"`
}

// Config is the full file-level configuration.
type Config struct {
	Params   SimulationParameters `json:"params" yaml:"params"`
	Cadences Cadences             `json:"cadences" yaml:"cadences"`
	Logging  LoggingConfig        `json:"logging" yaml:"logging"`
}

// DefaultParams returns the default demographic parameters.
func DefaultParams() SimulationParameters {
	return SimulationParameters{
		DeathAge:             70.0,
		MinPartnerSeekingAge: 20.0,
		MaxPartnerSeekingAge: 50.0,
		SpawnIndividualAge:   18.0,
		MinConceptionAge:     25.0,
		MaxConceptionAge:     35.0,
		ConceptionRate:       0.5,
		GestationDuration:    40.0 / 52.0,
		BreakupRate:          0.1,
	}
}

// DefaultCadences returns monthly aging, quarterly seeking and weekly gestation.
func DefaultCadences() Cadences {
	return Cadences{
		Aging:     1.0 / 12.0,
		Seeking:   1.0 / 4.0,
		Gestation: 1.0 / 52.0,
	}
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Params:   DefaultParams(),
		Cadences: DefaultCadences(),
		Logging:  LoggingConfig{Level: "info"},
	}
}

// LoadFromFile loads configuration from a YAML file. Fields absent from the
// file keep their default values. The result is validated.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	return errors.Join(c.Params.Validate(), c.Cadences.Validate(), c.validateLogging())
}

func (c *Config) validateLogging() error {
	validLevels := map[string]bool{"": true, "info": true, "debug": true, "trace": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("%w: invalid log level %q (valid: info, debug, trace)", ErrInvalidParameter, c.Logging.Level)
	}
	return nil
}

// Validate rejects out-of-range parameters: ages and rates must be
// non-negative, durations positive, and each age window ordered.
func (p SimulationParameters) Validate() error {
	var errs []error
	nonNegative := func(name string, v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be >= 0, got %v", ErrInvalidParameter, name, v))
		}
	}
	nonNegative("death_age", p.DeathAge)
	nonNegative("min_partner_seeking_age", p.MinPartnerSeekingAge)
	nonNegative("max_partner_seeking_age", p.MaxPartnerSeekingAge)
	nonNegative("spawn_individual_age", p.SpawnIndividualAge)
	nonNegative("min_conception_age", p.MinConceptionAge)
	nonNegative("max_conception_age", p.MaxConceptionAge)
	nonNegative("conception_rate", p.ConceptionRate)
	nonNegative("breakup_rate", p.BreakupRate)

	if math.IsNaN(p.GestationDuration) || math.IsInf(p.GestationDuration, 0) || p.GestationDuration <= 0 {
		errs = append(errs, fmt.Errorf("%w: gestation_duration must be > 0, got %v", ErrInvalidParameter, p.GestationDuration))
	}
	if p.MinPartnerSeekingAge > p.MaxPartnerSeekingAge {
		errs = append(errs, fmt.Errorf("%w: min_partner_seeking_age %v exceeds max_partner_seeking_age %v",
			ErrInvalidParameter, p.MinPartnerSeekingAge, p.MaxPartnerSeekingAge))
	}
	if p.MinConceptionAge > p.MaxConceptionAge {
		errs = append(errs, fmt.Errorf("%w: min_conception_age %v exceeds max_conception_age %v",
			ErrInvalidParameter, p.MinConceptionAge, p.MaxConceptionAge))
	}
	return errors.Join(errs...)
}

// Validate requires every cadence to be a positive, finite interval.
func (c Cadences) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"aging", c.Aging},
		{"seeking", c.Seeking},
		{"gestation", c.Gestation},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v <= 0 {
			errs = append(errs, fmt.Errorf("%w: cadence %s must be > 0, got %v", ErrInvalidParameter, f.name, f.v))
		}
	}
	return errors.Join(errs...)
}

// Finest returns the shortest cadence interval.
func (c Cadences) Finest() float64 {
	return math.Min(c.Aging, math.Min(c.Seeking, c.Gestation))
}

// envOverrides maps environment variables onto parameter fields.
var envOverrides = []struct {
	key   string
	field func(*SimulationParameters) *float64
}{
	{"KINFOLK_DEATH_AGE", func(p *SimulationParameters) *float64 { return &p.DeathAge }},
	{"KINFOLK_MIN_PARTNER_SEEKING_AGE", func(p *SimulationParameters) *float64 { return &p.MinPartnerSeekingAge }},
	{"KINFOLK_MAX_PARTNER_SEEKING_AGE", func(p *SimulationParameters) *float64 { return &p.MaxPartnerSeekingAge }},
	{"KINFOLK_SPAWN_INDIVIDUAL_AGE", func(p *SimulationParameters) *float64 { return &p.SpawnIndividualAge }},
	{"KINFOLK_MIN_CONCEPTION_AGE", func(p *SimulationParameters) *float64 { return &p.MinConceptionAge }},
	{"KINFOLK_MAX_CONCEPTION_AGE", func(p *SimulationParameters) *float64 { return &p.MaxConceptionAge }},
	{"KINFOLK_CONCEPTION_RATE", func(p *SimulationParameters) *float64 { return &p.ConceptionRate }},
	{"KINFOLK_GESTATION_DURATION", func(p *SimulationParameters) *float64 { return &p.GestationDuration }},
	{"KINFOLK_BREAKUP_RATE", func(p *SimulationParameters) *float64 { return &p.BreakupRate }},
}

// ApplyEnv overrides parameters from KINFOLK_* environment variables and
// KINFOLK_LOG_LEVEL. Unparseable values are reported, not ignored.
func (c *Config) ApplyEnv() error {
	var errs []error
	for _, o := range envOverrides {
		raw, ok := os.LookupEnv(o.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.key, err))
			continue
		}
		*o.field(&c.Params) = v
	}
	if lvl := os.Getenv("KINFOLK_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return c.Validate()
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
