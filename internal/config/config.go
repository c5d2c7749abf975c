// Package config loads the machine settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/cbegin/beatgrid-go/internal/effects"
	"github.com/cbegin/beatgrid-go/internal/logging"
	"github.com/cbegin/beatgrid-go/internal/pattern"
	"github.com/cbegin/beatgrid-go/internal/samples"
	"github.com/cbegin/beatgrid-go/internal/scheduler"
)

var ErrInvalid = errors.New("invalid config")

// Timing controls the two scheduling clocks.
type Timing struct {
	Lookahead    time.Duration `yaml:"lookahead"`
	TickInterval time.Duration `yaml:"tickInterval"`
}

type Audio struct {
	SampleRate int           `yaml:"sampleRate"`
	BufferSize time.Duration `yaml:"bufferSize"`
	Gain       float32       `yaml:"gain"`
}

// Kit lists the voices and the directory their sample paths are relative to.
type Kit struct {
	Dir    string              `yaml:"dir"`
	Voices []samples.VoiceSpec `yaml:"voices"`
}

type Config struct {
	Tempo       pattern.Tempo       `yaml:"tempo"`
	Timing      Timing              `yaml:"timing"`
	Audio       Audio               `yaml:"audio"`
	Kit         Kit                 `yaml:"kit"`
	Bus         effects.BusSettings `yaml:"bus"`
	Log         logging.Options     `yaml:"log"`
	PatternFile string              `yaml:"patternFile"`
}

// Default returns the settings used when no config file exists.
func Default() *Config {
	return &Config{
		Tempo: pattern.DefaultTempo(),
		Timing: Timing{
			Lookahead:    scheduler.DefaultLookahead,
			TickInterval: scheduler.DefaultTickInterval,
		},
		Audio: Audio{
			SampleRate: 48000,
			BufferSize: 20 * time.Millisecond,
			Gain:       0.8,
		},
		Kit: Kit{
			Dir: "samples",
			Voices: []samples.VoiceSpec{
				{ID: "kick", Location: "kick.wav"},
				{ID: "snare", Location: "snare.wav"},
				{ID: "hiHatClosed", Location: "hihat-closed.wav"},
			},
		},
		Log:         logging.DefaultOptions(),
		PatternFile: "beatgrid.json",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve makes relative kit and pattern paths relative to the config file.
func (c *Config) resolve(base string) {
	if c.Kit.Dir != "" && !filepath.IsAbs(c.Kit.Dir) {
		c.Kit.Dir = filepath.Join(base, c.Kit.Dir)
	}
	if c.PatternFile != "" && !filepath.IsAbs(c.PatternFile) {
		c.PatternFile = filepath.Join(base, c.PatternFile)
	}
}

func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if terr := c.Tempo.Validate(); terr != nil {
		err = multierr.Append(err, terr)
	}
	if c.Timing.TickInterval <= 0 || c.Timing.Lookahead <= c.Timing.TickInterval {
		err = multierr.Append(err, fmt.Errorf("%w: lookahead %v, tick %v",
			scheduler.ErrLookahead, c.Timing.Lookahead, c.Timing.TickInterval))
	}
	if c.Audio.SampleRate <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: sample rate %d", ErrInvalid, c.Audio.SampleRate))
	}
	if c.Audio.Gain < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: negative gain", ErrInvalid))
	}
	if len(c.Bus.EQ) > 5 {
		err = multierr.Append(err, fmt.Errorf("%w: %d eq bands, at most 5", ErrInvalid, len(c.Bus.EQ)))
	}
	seen := make(map[string]bool, len(c.Kit.Voices))
	for i, v := range c.Kit.Voices {
		switch {
		case v.ID == "":
			err = multierr.Append(err, fmt.Errorf("%w: voice %d has no id", ErrInvalid, i))
		case v.Location == "":
			err = multierr.Append(err, fmt.Errorf("%w: voice %q has no path", ErrInvalid, v.ID))
		case seen[v.ID]:
			err = multierr.Append(err, fmt.Errorf("%w: voice %q listed twice", ErrInvalid, v.ID))
		}
		seen[v.ID] = true
	}
	return err
}

// SchedulerOptions returns the timing options for scheduler.New.
func (c *Config) SchedulerOptions() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithLookahead(c.Timing.Lookahead),
		scheduler.WithTickInterval(c.Timing.TickInterval),
	}
}
