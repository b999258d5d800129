// Package daqconfig holds the canonical readout configuration and the rules for merging
// operator updates into it.
package daqconfig

import (
	"sync"

	"daq-gateway/common"
)

// ConfigObject is the firmware-facing configuration: it accepts a flat metric mapping
// and packs it into the integer vector sent with CONFIGURE.
type ConfigObject interface {
	MetricDict() common.MetricMapping
	SetConfigDict(m common.MetricMapping)
	Serialize() []int32
}

// Field is one entry of a configuration layout. Len 0 declares a scalar; otherwise the
// field is a vector of exactly Len elements.
type Field struct {
	Key     string
	Len     int
	Default float64
}

// DefaultTpcLayout is the TPC readout configuration in firmware packing order.
var DefaultTpcLayout = []Field{
	{Key: "crate_number", Default: 1},
	{Key: "fem_count", Default: 16},
	{Key: "fem_enable", Len: 16, Default: 1},
	{Key: "timesize", Default: 3199},
	{Key: "compression_enable", Default: 1},
	{Key: "channel_threshold", Len: 64, Default: 0},
	{Key: "trigger_source", Default: 0},
	{Key: "trigger_frame_width", Default: 8000},
	{Key: "prescale", Len: 8, Default: 1},
	{Key: "pulser_amplitude", Default: 0},
	{Key: "drift_frames", Default: 4},
	{Key: "load_fem_fpga", Default: 0},
}

// TpcConfig is a layout-driven ConfigObject.
type TpcConfig struct {
	mu     sync.RWMutex
	layout []Field
	values common.MetricMapping
}

var _ ConfigObject = (*TpcConfig)(nil)

// NewTpcConfig returns a config populated with the layout defaults. A nil layout uses
// DefaultTpcLayout.
func NewTpcConfig(layout []Field) *TpcConfig {
	if layout == nil {
		layout = DefaultTpcLayout
	}

	values := make(common.MetricMapping, len(layout))
	for _, f := range layout {
		if f.Len > 0 {
			values[f.Key] = common.Number(f.Default).Broadcast(f.Len)
		} else {
			values[f.Key] = common.Number(f.Default)
		}
	}

	return &TpcConfig{layout: append([]Field(nil), layout...), values: values}
}

// MetricDict returns a copy of the current mapping.
func (c *TpcConfig) MetricDict() common.MetricMapping {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values.Clone()
}

// SetConfigDict replaces values for keys the layout knows.
func (c *TpcConfig) SetConfigDict(m common.MetricMapping) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range c.layout {
		if v, ok := m[f.Key]; ok {
			c.values[f.Key] = v.Clone()
		}
	}
}

// Serialize packs the mapping in layout order: floor(value) per scalar and exactly Len
// elements per vector, zero-padded or truncated.
func (c *TpcConfig) Serialize() []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []int32

	for _, f := range c.layout {
		v := c.values[f.Key]

		if f.Len == 0 {
			out = append(out, v.Int())
			continue
		}

		elems := v.Elements()
		if !v.IsSequence() {
			elems = v.Broadcast(f.Len).Elements()
		}
		for i := 0; i < f.Len; i++ {
			var e float64
			if i < len(elems) {
				e = elems[i]
			}
			out = append(out, common.Number(e).Int())
		}
	}

	return out
}
