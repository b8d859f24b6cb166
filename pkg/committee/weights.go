package committee

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PoolConfig is the on-disk committee configuration: the provider pool and
// the calibrated voting weight per provider id.
type PoolConfig struct {
	Providers []ProviderConfig   `yaml:"providers"`
	Weights   map[string]float64 `yaml:"weights"`

	// CalibratedAt and SampleCount describe the calibration run that
	// produced Weights. Informational only.
	CalibratedAt string `yaml:"calibrated_at,omitempty"`
	SampleCount  int    `yaml:"sample_count,omitempty"`
}

// LoadPoolConfig reads and validates the committee YAML.
func LoadPoolConfig(path string) (*PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("committee: read pool config: %w", err)
	}
	var cfg PoolConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("committee: parse pool config: %w", err)
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("committee: pool config declares no providers")
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.ID == "" || p.Model == "" {
			return nil, fmt.Errorf("committee: provider entry missing id or model")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("committee: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return &cfg, nil
}

// SavePoolConfig writes the pool config atomically: temp file in the target
// directory, fsync, rename. Readers never observe a half-written artifact.
func SavePoolConfig(path string, cfg *PoolConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("committee: encode pool config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".committee-*.yaml")
	if err != nil {
		return fmt.Errorf("committee: write pool config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("committee: write pool config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("committee: sync pool config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("committee: close pool config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("committee: replace pool config: %w", err)
	}
	return nil
}

// CalibrateWeight maps a measured per-field accuracy in [0,1] to a voting
// weight on a logistic curve centered at 0.5. A coin-flip provider lands at
// 0.5, a near-perfect one approaches 1.
func CalibrateWeight(accuracy float64) float64 {
	return 1 / (1 + math.Exp(-10*(accuracy-0.5)))
}

// NormalizeWeights scales weights to sum to 1 and clamps each at the floor,
// so no provider is silenced entirely by a bad calibration window. Providers
// absent from the map get an equal share of the default mass.
func NormalizeWeights(weights map[string]float64, ids []string, floor float64) map[string]float64 {
	out := make(map[string]float64, len(ids))
	var sum float64
	for _, id := range ids {
		w, ok := weights[id]
		if !ok || w <= 0 {
			w = 0.5
		}
		out[id] = w
		sum += w
	}
	if sum == 0 {
		for _, id := range ids {
			out[id] = 1 / float64(len(ids))
		}
		return out
	}
	for id, w := range out {
		w /= sum
		if w < floor {
			w = floor
		}
		out[id] = w
	}
	return out
}
