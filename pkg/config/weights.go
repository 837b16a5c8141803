package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ProviderSpec declares one committee provider in the pool file.
type ProviderSpec struct {
	ID         string  `yaml:"id"`
	Family     string  `yaml:"family"`
	Model      string  `yaml:"model,omitempty"`
	Weight     float64 `yaml:"weight"`
	TimeBudget string  `yaml:"time_budget,omitempty"`
}

// WeightsFile is the calibrated-weights artifact produced by offline
// calibration against the golden set.
type WeightsFile struct {
	Version   string         `yaml:"version"`
	Providers []ProviderSpec `yaml:"providers"`
}

// Weights exposes an immutable snapshot of the calibrated provider weights.
// Reload swaps the snapshot atomically; readers never observe a partial file.
type Weights struct {
	path     string
	snapshot atomic.Pointer[WeightsFile]
}

// LoadWeights reads the weights file at path. A missing path yields an empty
// snapshot with default weight 1.0 applied downstream.
func LoadWeights(path string) (*Weights, error) {
	w := &Weights{path: path}
	w.snapshot.Store(&WeightsFile{})
	if path == "" {
		return w, nil
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Reload re-reads the weights file and swaps the snapshot.
func (w *Weights) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read weights file: %w", err)
	}
	var file WeightsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse weights file %s: %w", w.path, err)
	}
	for i := range file.Providers {
		if file.Providers[i].Weight == 0 {
			file.Providers[i].Weight = 1.0
		}
	}
	w.snapshot.Store(&file)
	return nil
}

// Snapshot returns the current immutable weights view.
func (w *Weights) Snapshot() *WeightsFile {
	return w.snapshot.Load()
}

// WeightFor returns the calibrated weight for a provider id, default 1.0.
func (w *Weights) WeightFor(providerID string) float64 {
	for _, p := range w.Snapshot().Providers {
		if p.ID == providerID {
			return p.Weight
		}
	}
	return 1.0
}
