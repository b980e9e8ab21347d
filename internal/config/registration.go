package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/gicp/internal/registration"
	"github.com/banshee-data/gicp/internal/registration/lsq"
)

// DefaultConfigPath is the path to the canonical registration defaults file.
const DefaultConfigPath = "config/registration.defaults.json"

// RegistrationConfig holds the engine and optimizer parameters. Every field
// is optional; the Get* methods supply the default for an unset field, so
// partial configs are safe.
type RegistrationConfig struct {
	// Engine params
	KCorrespondences          *int     `json:"k_correspondences,omitempty"`
	NumThreads                *int     `json:"num_threads,omitempty"`
	MaxCorrespondenceDistance *float64 `json:"max_correspondence_distance,omitempty"` // unset means unbounded
	RegularizationMethod      *string  `json:"regularization_method,omitempty"`

	// Optimizer params
	Optimizer             *string  `json:"optimizer,omitempty"` // "lm" or "gn"
	MaxIterations         *int     `json:"max_iterations,omitempty"`
	RotationEpsilon       *float64 `json:"rotation_epsilon,omitempty"`
	TransformationEpsilon *float64 `json:"transformation_epsilon,omitempty"`
	LMMaxIterations       *int     `json:"lm_max_iterations,omitempty"`
	LMInitLambdaFactor    *float64 `json:"lm_init_lambda_factor,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultRegistrationConfig returns a config with every field set to its
// default. It mirrors DefaultConfigPath.
func DefaultRegistrationConfig() *RegistrationConfig {
	s := lsq.DefaultSettings()
	return &RegistrationConfig{
		KCorrespondences:      ptrInt(registration.DefaultCorrespondenceRandomness),
		NumThreads:            ptrInt(0),
		RegularizationMethod:  ptrString(registration.RegularizationNormalizedEllipse.String()),
		Optimizer:             ptrString(s.Method.String()),
		MaxIterations:         ptrInt(s.MaxIterations),
		RotationEpsilon:       ptrFloat64(s.RotationEpsilon),
		TransformationEpsilon: ptrFloat64(s.TransformationEpsilon),
		LMMaxIterations:       ptrInt(s.LMMaxIterations),
		LMInitLambdaFactor:    ptrFloat64(s.LMInitLambdaFactor),
	}
}

// LoadRegistrationConfig loads a RegistrationConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadRegistrationConfig(path string) (*RegistrationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RegistrationConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *RegistrationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/registration/lsq/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadRegistrationConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *RegistrationConfig) Validate() error {
	if c.KCorrespondences != nil && *c.KCorrespondences < 1 {
		return fmt.Errorf("k_correspondences must be at least 1, got %d", *c.KCorrespondences)
	}
	if c.NumThreads != nil && *c.NumThreads < 0 {
		return fmt.Errorf("num_threads must be non-negative, got %d", *c.NumThreads)
	}
	if c.MaxCorrespondenceDistance != nil {
		if d := *c.MaxCorrespondenceDistance; d < 0 || math.IsNaN(d) {
			return fmt.Errorf("max_correspondence_distance must be non-negative, got %f", d)
		}
	}
	if c.RegularizationMethod != nil {
		if _, err := registration.ParseRegularizationMethod(*c.RegularizationMethod); err != nil {
			return err
		}
	}
	if c.Optimizer != nil {
		if _, err := lsq.ParseMethod(*c.Optimizer); err != nil {
			return err
		}
	}
	if c.MaxIterations != nil && *c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", *c.MaxIterations)
	}
	if c.LMMaxIterations != nil && *c.LMMaxIterations < 1 {
		return fmt.Errorf("lm_max_iterations must be at least 1, got %d", *c.LMMaxIterations)
	}
	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"rotation_epsilon", c.RotationEpsilon},
		{"transformation_epsilon", c.TransformationEpsilon},
		{"lm_init_lambda_factor", c.LMInitLambdaFactor},
	} {
		if f.v != nil && !(*f.v > 0) {
			return fmt.Errorf("%s must be positive, got %g", f.name, *f.v)
		}
	}
	return nil
}

// GetKCorrespondences returns the k_correspondences value or the default.
func (c *RegistrationConfig) GetKCorrespondences() int {
	if c.KCorrespondences == nil {
		return registration.DefaultCorrespondenceRandomness
	}
	return *c.KCorrespondences
}

// GetNumThreads returns the num_threads value or the default (0, all cores).
func (c *RegistrationConfig) GetNumThreads() int {
	if c.NumThreads == nil {
		return 0
	}
	return *c.NumThreads
}

// GetMaxCorrespondenceDistance returns the distance gate, math.MaxFloat64
// when unset.
func (c *RegistrationConfig) GetMaxCorrespondenceDistance() float64 {
	if c.MaxCorrespondenceDistance == nil {
		return math.MaxFloat64
	}
	return *c.MaxCorrespondenceDistance
}

// GetRegularizationMethod returns the parsed method or the default.
func (c *RegistrationConfig) GetRegularizationMethod() registration.RegularizationMethod {
	if c.RegularizationMethod == nil {
		return registration.RegularizationNormalizedEllipse
	}
	m, err := registration.ParseRegularizationMethod(*c.RegularizationMethod)
	if err != nil {
		return registration.RegularizationNormalizedEllipse // default on parse error
	}
	return m
}

// GetOptimizer returns the parsed optimizer method or the default.
func (c *RegistrationConfig) GetOptimizer() lsq.Method {
	if c.Optimizer == nil {
		return lsq.LevenbergMarquardt
	}
	m, err := lsq.ParseMethod(*c.Optimizer)
	if err != nil {
		return lsq.LevenbergMarquardt
	}
	return m
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *RegistrationConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return lsq.DefaultSettings().MaxIterations
	}
	return *c.MaxIterations
}

// GetRotationEpsilon returns the rotation_epsilon value or the default.
func (c *RegistrationConfig) GetRotationEpsilon() float64 {
	if c.RotationEpsilon == nil {
		return lsq.DefaultSettings().RotationEpsilon
	}
	return *c.RotationEpsilon
}

// GetTransformationEpsilon returns the transformation_epsilon value or the default.
func (c *RegistrationConfig) GetTransformationEpsilon() float64 {
	if c.TransformationEpsilon == nil {
		return lsq.DefaultSettings().TransformationEpsilon
	}
	return *c.TransformationEpsilon
}

// GetLMMaxIterations returns the lm_max_iterations value or the default.
func (c *RegistrationConfig) GetLMMaxIterations() int {
	if c.LMMaxIterations == nil {
		return lsq.DefaultSettings().LMMaxIterations
	}
	return *c.LMMaxIterations
}

// GetLMInitLambdaFactor returns the lm_init_lambda_factor value or the default.
func (c *RegistrationConfig) GetLMInitLambdaFactor() float64 {
	if c.LMInitLambdaFactor == nil {
		return lsq.DefaultSettings().LMInitLambdaFactor
	}
	return *c.LMInitLambdaFactor
}

// ApplyTo configures e from c.
func (c *RegistrationConfig) ApplyTo(e *registration.Engine) {
	e.SetCorrespondenceRandomness(c.GetKCorrespondences())
	e.SetNumThreads(c.GetNumThreads())
	e.SetMaxCorrespondenceDistance(c.GetMaxCorrespondenceDistance())
	e.SetRegularizationMethod(c.GetRegularizationMethod())
}

// LSQSettings returns the optimizer settings described by c.
func (c *RegistrationConfig) LSQSettings() lsq.Settings {
	return lsq.Settings{
		Method:                c.GetOptimizer(),
		MaxIterations:         c.GetMaxIterations(),
		RotationEpsilon:       c.GetRotationEpsilon(),
		TransformationEpsilon: c.GetTransformationEpsilon(),
		LMMaxIterations:       c.GetLMMaxIterations(),
		LMInitLambdaFactor:    c.GetLMInitLambdaFactor(),
	}
}
