package emotion

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
	"gopkg.in/yaml.v3"
)

// ErrInvalidThreshold is returned for NaN, out-of-range or non-alertable entries.
var ErrInvalidThreshold = errors.New("invalid threshold")

// Thresholds maps alertable labels to the score at which they alert.
// Labels absent from the map never alert.
type Thresholds map[types.Emotion]float64

// DefaultThresholds returns the operator defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		types.Happy:     0.7,
		types.Sad:       0.6,
		types.Angry:     0.5,
		types.Surprised: 0.6,
	}
}

// Clone returns an independent copy.
func (t Thresholds) Clone() Thresholds {
	out := make(Thresholds, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Validate rejects non-alertable labels and values outside [0,1].
func (t Thresholds) Validate() error {
	for label, v := range t {
		if err := validateEntry(label, v); err != nil {
			return err
		}
	}
	return nil
}

func validateEntry(label types.Emotion, v float64) error {
	if !label.IsAlertable() {
		return fmt.Errorf("%w: %q is not an alertable emotion", ErrInvalidThreshold, label)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %s=%v must be within [0,1]", ErrInvalidThreshold, label, v)
	}
	return nil
}

// thresholdsFile is the on-disk YAML shape:
//
//	thresholds:
//	  happy: 0.7
//	  angry: 0.5
//	disabled: [sad]
type thresholdsFile struct {
	Thresholds map[string]float64 `yaml:"thresholds"`
	Disabled   []string           `yaml:"disabled"`
}

// ParseThresholds decodes YAML. Labels not mentioned keep their defaults;
// labels listed under disabled never alert.
func ParseThresholds(data []byte) (Thresholds, error) {
	var f thresholdsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing thresholds: %w", err)
	}

	out := DefaultThresholds()
	for name, v := range f.Thresholds {
		label := types.Emotion(name)
		if err := validateEntry(label, v); err != nil {
			return nil, err
		}
		out[label] = v
	}
	for _, name := range f.Disabled {
		label := types.Emotion(name)
		if !label.IsAlertable() {
			return nil, fmt.Errorf("%w: %q is not an alertable emotion", ErrInvalidThreshold, name)
		}
		delete(out, label)
	}
	return out, nil
}

// LoadThresholdsFile reads a YAML thresholds file.
func LoadThresholdsFile(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading thresholds file: %w", err)
	}
	return ParseThresholds(data)
}

// ThresholdStore is the live, operator-mutable threshold configuration.
// The detection loop takes a fresh Snapshot on every evaluation.
type ThresholdStore struct {
	mu     sync.RWMutex
	values Thresholds
	paused bool
}

// NewThresholdStore creates a store seeded with initial (validated).
func NewThresholdStore(initial Thresholds) (*ThresholdStore, error) {
	if initial == nil {
		initial = DefaultThresholds()
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &ThresholdStore{values: initial.Clone()}, nil
}

// Snapshot returns a copy of the current thresholds.
func (s *ThresholdStore) Snapshot() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.Clone()
}

// Set changes one label. Invalid values are rejected and leave the store unchanged.
func (s *ThresholdStore) Set(label types.Emotion, v float64) error {
	if err := validateEntry(label, v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[label] = v
	return nil
}

// Disable makes a label non-alertable until it is Set again.
func (s *ThresholdStore) Disable(label types.Emotion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, label)
}

// Replace swaps the whole map after validation.
func (s *ThresholdStore) Replace(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = t.Clone()
	return nil
}

// SetPaused toggles alert generation without touching the thresholds.
func (s *ThresholdStore) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// Paused reports whether alerts are currently switched off.
func (s *ThresholdStore) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}
