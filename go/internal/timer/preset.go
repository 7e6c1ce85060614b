package timer

import (
	"errors"
	"fmt"
)

// ErrInvalidPresets is returned for an empty or non-positive preset list
var ErrInvalidPresets = errors.New("invalid preset list")

// DefaultPresets returns the stock cycle order.
func DefaultPresets() []int {
	return []int{35, 25, 20}
}

// PresetCycle is the process-local cycle of countdown durations. Only the
// chosen duration ever leaves the process, never the position.
//
// index always points at the preset the next Advance returns, so a fresh
// cycle yields presets[0] first and N calls bring it back to where it began.
type PresetCycle struct {
	presets []int
	index   int
}

// NewPresetCycle creates a cycle positioned at index 0.
func NewPresetCycle(presets []int) (*PresetCycle, error) {
	if len(presets) == 0 {
		return nil, fmt.Errorf("%w: no presets", ErrInvalidPresets)
	}
	for _, p := range presets {
		if p <= 0 || p > MaxDurationSeconds {
			return nil, fmt.Errorf("%w: %d", ErrInvalidPresets, p)
		}
	}

	cp := make([]int, len(presets))
	copy(cp, presets)
	return &PresetCycle{presets: cp}, nil
}

// Advance returns the current duration and moves to (index + 1) mod N.
func (c *PresetCycle) Advance() int {
	d := c.presets[c.index]
	c.index = (c.index + 1) % len(c.presets)
	return d
}

// Index returns the position of the next duration Advance will return.
func (c *PresetCycle) Index() int {
	return c.index
}

// Presets returns a copy of the configured durations.
func (c *PresetCycle) Presets() []int {
	cp := make([]int, len(c.presets))
	copy(cp, c.presets)
	return cp
}
