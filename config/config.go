// Package config defines the run configuration of the product pipeline and
// its YAML schema. A configuration is parsed once at manager construction;
// malformed configuration is fatal for the whole run.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root document.
type Config struct {
	Run          Run           `yaml:"config" validate:"required"`
	Telescope    Telescope     `yaml:"telescope" validate:"required"`
	Models       Models        `yaml:"models"`
	KLTransforms []KLTransform `yaml:"kltransforms" validate:"min=1,dive"`
	PSEstimators []PSEstimator `yaml:"psestimators" validate:"dive"`
}

// Run holds process-level settings.
type Run struct {
	// OutputDirectory is the cache root; all product artifacts live under
	// it. Resolved relative to the configuration file.
	OutputDirectory string `yaml:"output_directory" validate:"required"`
	// Workers is the size of the fixed worker pool.
	Workers int `yaml:"workers" validate:"min=0"`
	// Codec selects artifact compression: zstd, lz4 or none.
	Codec string `yaml:"codec" validate:"omitempty,oneof=zstd lz4 none"`
	// MemoryLimitMB caps in-flight matrix memory; 0 is unlimited.
	MemoryLimitMB int64 `yaml:"memory_limit_mb" validate:"min=0"`
	// WriteLimitMBPerSec caps artifact-write throughput; 0 is unlimited.
	WriteLimitMBPerSec int64 `yaml:"write_limit_mb_per_sec" validate:"min=0"`
	// LogFile receives one JSON line per pipeline event; empty logs to
	// stderr only.
	LogFile string `yaml:"log_file"`
}

// Telescope fixes the instrument geometry and mode ranges.
type Telescope struct {
	MMax      int     `yaml:"mmax" validate:"min=0"`
	LMax      int     `yaml:"lmax" validate:"min=0"`
	NTel      int     `yaml:"ntel" validate:"min=1"`
	NFreq     int     `yaml:"nfreq" validate:"min=1"`
	FreqStart float64 `yaml:"freq_start" validate:"gt=0"`
	FreqWidth float64 `yaml:"freq_width" validate:"gt=0"`
	// BeamWidth is the Gaussian beam width in multipole units.
	BeamWidth float64 `yaml:"beam_width"`
	// SVDThreshold is the relative singular-value cutoff of the beam
	// compression.
	SVDThreshold float64 `yaml:"svd_threshold"`
}

// Models parameterizes the covariance-model collaborators.
type Models struct {
	Signal     Signal     `yaml:"signal"`
	Foreground Foreground `yaml:"foreground"`
	Noise      Noise      `yaml:"noise"`
}

// Signal parameterizes the cosmological signal covariance.
type Signal struct {
	Amplitude     float64 `yaml:"amplitude"`
	SpectralIndex float64 `yaml:"spectral_index"`
	CorrWidth     float64 `yaml:"corr_width"`
}

// Foreground parameterizes the foreground covariance.
type Foreground struct {
	Amplitude     float64 `yaml:"amplitude"`
	SpectralIndex float64 `yaml:"spectral_index"`
	FreqIndex     float64 `yaml:"freq_index"`
	Xi            float64 `yaml:"xi"`
}

// Noise parameterizes the instrumental noise.
type Noise struct {
	Tsys          float64 `yaml:"tsys"`
	BandwidthTime float64 `yaml:"bandwidth_time"`
}

// KLTransform configures one named KL transform instance.
type KLTransform struct {
	Name string `yaml:"name" validate:"required"`
	// Foregrounds selects whether the foreground model enters the total
	// covariance.
	Foregrounds bool `yaml:"foregrounds"`
	// Threshold is the signal-to-contamination retention cutoff.
	Threshold float64 `yaml:"threshold" validate:"min=0"`
}

// PSEstimator configures one named power-spectrum estimator instance.
type PSEstimator struct {
	Name string `yaml:"name" validate:"required"`
	// KLTransform names the transform this estimator is bound to.
	KLTransform string `yaml:"kltransform" validate:"required"`
	// Bands is the number of bandpower bins.
	Bands int `yaml:"bands" validate:"min=1"`
	// Chi converts bin-center multipoles to wavenumbers.
	Chi float64 `yaml:"chi" validate:"gt=0"`
	// NSamples selects Monte-Carlo bias estimation; 0 is exact.
	NSamples int `yaml:"nsamples" validate:"min=0"`
	// Seed fixes the Monte-Carlo stream.
	Seed int64 `yaml:"seed"`
}

// Defaults used when the document omits optional fields.
func defaults(c *Config) {
	if c.Run.Workers <= 0 {
		c.Run.Workers = 1
	}
	if c.Run.Codec == "" {
		c.Run.Codec = "zstd"
	}
	if c.Telescope.BeamWidth <= 0 {
		c.Telescope.BeamWidth = 20.0
	}
	if c.Telescope.SVDThreshold <= 0 {
		c.Telescope.SVDThreshold = 1e-6
	}
	if c.Models.Signal.Amplitude == 0 {
		c.Models.Signal = Signal{Amplitude: 1.0, SpectralIndex: 1.5, CorrWidth: 15.0}
	}
	if c.Models.Foreground.Amplitude == 0 {
		c.Models.Foreground = Foreground{Amplitude: 500.0, SpectralIndex: 2.5, FreqIndex: 2.8, Xi: 4.0}
	}
	if c.Models.Noise.Tsys == 0 {
		c.Models.Noise = Noise{Tsys: 50.0, BandwidthTime: 1e6}
	}
	for i := range c.PSEstimators {
		if c.PSEstimators[i].Chi == 0 {
			c.PSEstimators[i].Chi = 100.0
		}
	}
}

// Load reads, parses and validates a configuration file. The output directory
// is resolved relative to the file's location.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	defaults(&c)

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&c); err != nil {
		return nil, fmt.Errorf("config: validate %q: %w", path, err)
	}

	if err := c.check(); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}

	if !filepath.IsAbs(c.Run.OutputDirectory) {
		c.Run.OutputDirectory = filepath.Join(filepath.Dir(path), c.Run.OutputDirectory)
	}

	return &c, nil
}

// check enforces the cross-field constraints the tag validator cannot express.
func (c *Config) check() error {
	if c.Telescope.LMax < c.Telescope.MMax {
		return fmt.Errorf("lmax (%d) must be >= mmax (%d)", c.Telescope.LMax, c.Telescope.MMax)
	}

	names := make(map[string]bool, len(c.KLTransforms))
	for _, kt := range c.KLTransforms {
		if names[kt.Name] {
			return fmt.Errorf("duplicate kltransform name %q", kt.Name)
		}
		names[kt.Name] = true
	}

	psNames := make(map[string]bool, len(c.PSEstimators))
	for _, ps := range c.PSEstimators {
		if psNames[ps.Name] {
			return fmt.Errorf("duplicate psestimator name %q", ps.Name)
		}
		psNames[ps.Name] = true
		if !names[ps.KLTransform] {
			return fmt.Errorf("psestimator %q references unknown kltransform %q", ps.Name, ps.KLTransform)
		}
	}
	return nil
}
