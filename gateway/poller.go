package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"daq-gateway/common"
	"daq-gateway/monitor"
	"daq-gateway/registry"
)

// PollPolicy paces a device poller.
type PollPolicy struct {
	MaxFrames int           `mapstructure:"max_frames"`
	IdleSleep time.Duration `mapstructure:"idle_sleep"`
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{MaxFrames: 1000, IdleSleep: 500 * time.Millisecond}
}

// Poller drains one device link and broadcasts what it reads.
type Poller struct {
	entry   *registry.Entry
	decode  monitor.DecodeFunc
	publish func(common.Event, common.Target)
	policy  PollPolicy
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func newPoller(entry *registry.Entry, publish func(common.Event, common.Target), policy PollPolicy, metrics *Metrics, logger zerolog.Logger) *Poller {
	p := &Poller{
		entry:   entry,
		publish: publish,
		policy:  policy,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}

	if d := entry.Descriptor; d.IsStatusChannel && d.Decoder != "" {
		if decode, ok := monitor.Lookup(d.Decoder); ok {
			p.decode = decode
		} else {
			p.logger.Warn().Str("decoder", d.Decoder).Msg("Unknown status decoder, publishing raw arguments")
		}
	}

	return p
}

// Run polls until ctx is cancelled. Cancellation is observed at every drain and sleep.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info().Msg("Poller started")
	defer p.logger.Info().Msg("Poller stopped")

	for ctx.Err() == nil {
		if p.pollOnce(ctx) > 0 {
			continue
		}
		if !sleep(ctx, p.policy.IdleSleep) {
			return
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) int {
	release, err := p.entry.Acquire(ctx)
	if err != nil {
		return 0
	}
	frames := p.entry.Link.Drain(ctx, p.policy.MaxFrames)
	release()

	name := p.entry.Descriptor.Name
	for _, f := range frames {
		p.publish(p.event(f), common.Broadcast)
	}

	if len(frames) > 0 {
		p.metrics.FramesPolled.WithLabelValues(name).Add(float64(len(frames)))
	}

	return len(frames)
}

func (p *Poller) event(f common.Frame) common.Event {
	name := p.entry.Descriptor.Name

	if p.decode == nil {
		return common.FrameEvent(name, f, p.now())
	}

	metrics, err := p.decode(f.Args)
	if err != nil {
		p.metrics.DecodeFailures.WithLabelValues(name).Inc()
		p.logger.Warn().Err(err).Int32("opcode", f.Opcode).Msg("Status decode failed, publishing raw arguments")
		return common.FrameEvent(name, f, p.now())
	}

	return common.MetricsEvent(name, f.Opcode, monitor.Normalize(metrics), p.now())
}

// sleep waits for d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
