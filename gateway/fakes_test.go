package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"daq-gateway/common"
	"daq-gateway/daqconfig"
	"daq-gateway/link"
	"daq-gateway/logger"
	"daq-gateway/registry"
)

// fakeLink returns scripted batches from Drain. Batches in replies, or those returned by
// respond, are queued behind every successful Send.
type fakeLink struct {
	mu      sync.Mutex
	queue   [][]common.Frame
	replies [][]common.Frame
	respond func(common.Frame) [][]common.Frame
	sent    []common.Frame
	sendErr error
	drains  int
	closed  bool
}

func (f *fakeLink) Open(context.Context) error { return nil }

func (f *fakeLink) Drain(_ context.Context, max int) []common.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.drains++
	if len(f.queue) == 0 {
		return nil
	}

	batch := f.queue[0]
	f.queue = f.queue[1:]
	if max > 0 && len(batch) > max {
		f.queue = append([][]common.Frame{batch[max:]}, f.queue...)
		batch = batch[:max]
	}

	return batch
}

func (f *fakeLink) Send(_ context.Context, fr common.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, fr)
	f.queue = append(f.queue, f.replies...)
	if f.respond != nil {
		f.queue = append(f.queue, f.respond(fr)...)
	}

	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) push(batch ...common.Frame) {
	f.mu.Lock()
	f.queue = append(f.queue, batch)
	f.mu.Unlock()
}

func (f *fakeLink) sentFrames() []common.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Frame(nil), f.sent...)
}

func (f *fakeLink) drainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type published struct {
	Event  common.Event
	Target common.Target
}

// recordingSink keeps every publish.
type recordingSink struct {
	mu     sync.Mutex
	events []published
}

func (s *recordingSink) Publish(ev common.Event, to common.Target) error {
	s.mu.Lock()
	s.events = append(s.events, published{Event: ev, Target: to})
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) snapshot() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.events...)
}

func (s *recordingSink) to(target common.Target) []common.Event {
	var out []common.Event
	for _, p := range s.snapshot() {
		if p.Target == target {
			out = append(out, p.Event)
		}
	}
	return out
}

func testDevices() []common.DeviceDescriptor {
	return []common.DeviceDescriptor{
		{Name: "DaemonStat", Port: 50000, Decoder: "daq_computer"},
		{Name: "DaemonCmd", Port: 50001},
		{Name: "TPCReadoutStat", Port: 50002, Decoder: "tpc_readout"},
		{Name: "TPCReadoutCmd", Port: 50003},
	}
}

func openRegistry(t *testing.T, links map[string]*fakeLink) *registry.Registry {
	t.Helper()

	reg := newRegistry(t, links)
	require.NoError(t, reg.Open(context.Background()))
	t.Cleanup(func() { _ = reg.Close() })

	return reg
}

func newRegistry(t *testing.T, links map[string]*fakeLink) *registry.Registry {
	t.Helper()

	factory := func(d common.DeviceDescriptor) (link.DeviceLink, error) {
		l, ok := links[d.Name]
		if !ok {
			l = &fakeLink{}
			links[d.Name] = l
		}
		return l, nil
	}

	reg, err := registry.New(testDevices(), factory, logger.NewTestLogger())
	require.NoError(t, err)

	return reg
}

func testMerger() *daqconfig.Merger {
	return daqconfig.NewMerger(daqconfig.NewTpcConfig(nil), logger.NewTestLogger())
}

func fastResponse() ResponsePolicy {
	return ResponsePolicy{MaxFrames: 1000, Delay: 0, MaxDrains: 120}
}

func fastPoll() PollPolicy {
	return PollPolicy{MaxFrames: 1000, IdleSleep: 5 * time.Millisecond}
}

var errBrokenPipe = errors.New("broken pipe")
