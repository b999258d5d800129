// Package registry owns the process-wide table of device links.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"daq-gateway/common"
	"daq-gateway/link"
)

// LinkFactory constructs the link for one device.
type LinkFactory func(desc common.DeviceDescriptor) (link.DeviceLink, error)

// Entry is one registered device.
type Entry struct {
	Descriptor common.DeviceDescriptor
	Link       link.DeviceLink

	// guard serializes exchanges on this device's link.
	guard chan struct{}
}

// Acquire takes the device's exchange guard. Holders get exclusive use of the link's
// inbound and outbound paths until release is called.
func (e *Entry) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case e.guard <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-e.guard }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry maps device names to their links. The table is read-only between Open and
// Close, so lookups are safe from any goroutine.
type Registry struct {
	descs   []common.DeviceDescriptor
	factory LinkFactory
	logger  zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
	open    bool

	closeOnce sync.Once
}

// New validates descs and returns an unopened registry.
func New(descs []common.DeviceDescriptor, factory LinkFactory, logger zerolog.Logger) (*Registry, error) {
	seen := make(map[string]struct{}, len(descs))
	out := make([]common.DeviceDescriptor, 0, len(descs))

	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("device descriptor without a name")
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = struct{}{}
		out = append(out, d.WithRoleDefaults())
	}

	return &Registry{descs: out, factory: factory, logger: logger}, nil
}

// Open builds and opens every link. Either all links come up or none stay open.
func (r *Registry) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open {
		return fmt.Errorf("registry already open")
	}
	if r.entries != nil {
		return fmt.Errorf("registry already closed")
	}

	entries := make(map[string]*Entry, len(r.descs))
	order := make([]string, 0, len(r.descs))

	abort := func() {
		for _, name := range order {
			_ = entries[name].Link.Close()
		}
	}

	for _, d := range r.descs {
		l, err := r.factory(d)
		if err != nil {
			abort()
			return fmt.Errorf("create link for %s: %w", d.Name, err)
		}

		if err := l.Open(ctx); err != nil {
			_ = l.Close()
			abort()
			return fmt.Errorf("open link for %s: %w", d.Name, err)
		}

		entries[d.Name] = &Entry{Descriptor: d, Link: l, guard: make(chan struct{}, 1)}
		order = append(order, d.Name)

		r.logger.Info().Str("device", d.Name).Str("title", d.Title()).Msg("Device link opened")
	}

	r.entries = entries
	r.order = order
	r.open = true

	return nil
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.open {
		return nil, common.ErrLinkNotOpen
	}

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownDevice, name)
	}

	return e, nil
}

// Entries returns every entry in configuration order.
func (r *Registry) Entries() ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.open {
		return nil, common.ErrLinkNotOpen
	}

	out := make([]*Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}

	return out, nil
}

// Descriptors returns the registered descriptors, role defaults applied, in
// configuration order.
func (r *Registry) Descriptors() ([]common.DeviceDescriptor, error) {
	entries, err := r.Entries()
	if err != nil {
		return nil, err
	}

	out := make([]common.DeviceDescriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Descriptor)
	}

	return out, nil
}

// Names returns the device names sorted alphabetically.
func (r *Registry) Names() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.open {
		return nil, common.ErrLinkNotOpen
	}

	names := append([]string(nil), r.order...)
	sort.Strings(names)

	return names, nil
}

// Titles returns the operator-facing device list in configuration order.
func (r *Registry) Titles() ([]common.DeviceTitle, error) {
	entries, err := r.Entries()
	if err != nil {
		return nil, err
	}

	titles := make([]common.DeviceTitle, 0, len(entries))
	for _, e := range entries {
		titles = append(titles, common.DeviceTitle{Name: e.Descriptor.Name, Title: e.Descriptor.Title()})
	}

	return titles, nil
}

// Close stops every link once. Later calls do nothing.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		order := r.order
		entries := r.entries
		r.open = false
		if r.entries == nil {
			r.entries = map[string]*Entry{}
		}
		r.mu.Unlock()

		for _, name := range order {
			r.logger.Info().Str("device", name).Msg("Stopping connection")
			if err := entries[name].Link.Close(); err != nil {
				r.logger.Warn().Err(err).Str("device", name).Msg("Link close failed")
			}
		}

		r.logger.Info().Int("devices", len(order)).Msg("Closed all device connections")
	})

	return nil
}
