package daqconfig

import (
	"sync"

	"github.com/rs/zerolog"

	"daq-gateway/common"
)

// Merger owns the canonical metric mapping and pushes it into the ConfigObject after
// every merge. Merge, Serialize and Config are mutually exclusive.
type Merger struct {
	mu     sync.Mutex
	object ConfigObject
	config common.MetricMapping
	logger zerolog.Logger
}

// NewMerger seeds the canonical mapping from object.
func NewMerger(object ConfigObject, logger zerolog.Logger) *Merger {
	m := &Merger{
		object: object,
		config: object.MetricDict(),
		logger: logger,
	}
	m.logger.Debug().Int("keys", len(m.config)).Msg("Initialized config merger")
	return m
}

// Merge applies update and returns the number of values written.
//
// A scalar written to a vector key is broadcast to the vector's length; text is accepted
// there only when it parses as a number. Any other value replaces the entry as is. Keys
// that are not in the canonical mapping are ignored.
func (m *Merger) Merge(update common.ConfigUpdate) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	applied := 0

	for category, values := range update {
		for key, value := range values {
			current, ok := m.config[key]
			if !ok {
				m.logger.Debug().Str("category", category).Str("key", key).Msg("Ignoring unknown config key")
				continue
			}

			switch {
			case current.IsSequence() && !value.IsSequence():
				if _, ok := value.Float(); !ok {
					m.logger.Warn().Str("key", key).Str("value", value.String()).Msg("Refusing non-numeric value for vector config key")
					continue
				}
				m.config[key] = value.Broadcast(current.Len())
			default:
				// TODO: a vector written over a scalar is not length-checked; confirm
				// with the firmware owners whether it should be rejected.
				m.config[key] = value.Clone()
			}
			applied++
		}
	}

	m.object.SetConfigDict(m.config.Clone())

	return applied
}

// Serialize returns the ConfigObject's packed form of the canonical mapping.
func (m *Merger) Serialize() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.object.Serialize()
}

// Config returns a copy of the canonical mapping.
func (m *Merger) Config() common.MetricMapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}
