// File: internal/config/humanoid_config.go
// This file defines the HumanoidConfig struct, the tunable parameters for the
// pointer simulation used when the agent clicks. They control movement timing
// (Fitts's law), path noise and how long a button is held.
package config

import "github.com/spf13/viper"

// HumanoidConfig holds the pointer movement model parameters.
type HumanoidConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Fitts's law: MT = A + B * log2(1 + D/W), in milliseconds.
	FittsA float64 `mapstructure:"fitts_a" yaml:"fitts_a"`
	FittsB float64 `mapstructure:"fitts_b" yaml:"fitts_b"`

	// Standard deviation (px) of per-sample gaussian jitter.
	GaussianStrength float64 `mapstructure:"gaussian_strength" yaml:"gaussian_strength"`
	// Peak amplitude (px) of the slow sinusoidal drift applied along the path.
	DriftAmplitude float64 `mapstructure:"drift_amplitude" yaml:"drift_amplitude"`
	// Maximum lateral bow of the Bezier control points, as a fraction of the distance.
	CurveBow float64 `mapstructure:"curve_bow" yaml:"curve_bow"`

	ClickHoldMinMs int `mapstructure:"click_hold_min_ms" yaml:"click_hold_min_ms"`
	ClickHoldMaxMs int `mapstructure:"click_hold_max_ms" yaml:"click_hold_max_ms"`
}

// setHumanoidDefaults registers the humanoid defaults under browser.humanoid.
func setHumanoidDefaults(v *viper.Viper) {
	v.SetDefault("browser.humanoid.enabled", true)
	v.SetDefault("browser.humanoid.fitts_a", 80.0)
	v.SetDefault("browser.humanoid.fitts_b", 110.0)
	v.SetDefault("browser.humanoid.gaussian_strength", 0.6)
	v.SetDefault("browser.humanoid.drift_amplitude", 1.5)
	v.SetDefault("browser.humanoid.curve_bow", 0.15)
	v.SetDefault("browser.humanoid.click_hold_min_ms", 50)
	v.SetDefault("browser.humanoid.click_hold_max_ms", 120)
}
