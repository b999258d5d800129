package gateway

import (
	"errors"
	"sync"

	"daq-gateway/common"
)

// Sink delivers events to observers. A sink handed a Session target it does not own
// drops the event and returns nil.
type Sink interface {
	Publish(ev common.Event, to common.Target) error
}

// MultiSink fans every publish out to its members.
type MultiSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

var _ Sink = (*MultiSink)(nil)

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Add registers another member. Transports are added after the gateway they feed has
// been built.
func (m *MultiSink) Add(s Sink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

func (m *MultiSink) Publish(ev common.Event, to common.Target) error {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Publish(ev, to); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev common.Event, to common.Target) error

func (f SinkFunc) Publish(ev common.Event, to common.Target) error {
	return f(ev, to)
}
