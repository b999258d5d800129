package gateway

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"daq-gateway/common"
	"daq-gateway/registry"
)

// unknownLabel replaces operator input that failed validation in metric labels.
const unknownLabel = "unknown"

// applyConfigMarker leads the argument vector of a command carrying the configuration.
const applyConfigMarker int32 = 1

// ResponsePolicy bounds response collection after a command write. Collection stops on
// the first empty drain, after MaxDrains drains (0 is unbounded), or on cancellation.
type ResponsePolicy struct {
	MaxFrames int           `mapstructure:"max_frames"`
	Delay     time.Duration `mapstructure:"delay"`
	MaxDrains int           `mapstructure:"max_drains"`
}

func DefaultResponsePolicy() ResponsePolicy {
	return ResponsePolicy{MaxFrames: 1000, Delay: 500 * time.Millisecond, MaxDrains: 120}
}

// BuildFrame applies the argument policy: no value sends no arguments, a scalar sends
// [floor(v)], and an apply-config value sends the marker followed by serialize().
func BuildFrame(code CommCode, value CommandValue, serialize func() []int32) common.Frame {
	switch value.kind {
	case valueScalar:
		return common.NewFrame(int32(code), int32(math.Floor(value.scalar)))
	case valueApplyConfig:
		cfg := serialize()
		args := make([]int32, 0, 1+len(cfg))
		args = append(args, applyConfigMarker)
		args = append(args, cfg...)
		return common.Frame{Opcode: int32(code), Args: args}
	default:
		return common.NewFrame(int32(code))
	}
}

// Dispatcher writes command frames and collects their responses.
type Dispatcher struct {
	registry  *registry.Registry
	serialize func() []int32
	policy    ResponsePolicy
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewDispatcher(reg *registry.Registry, serialize func() []int32, policy ResponsePolicy, metrics *Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  reg,
		serialize: serialize,
		policy:    policy,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch sends command to device once and passes each response frame to emit. It
// holds the device's exchange guard throughout, so responses never interleave with
// another request or the device's poller. It returns the number of frames emitted.
func (d *Dispatcher) Dispatch(ctx context.Context, device, command string, value CommandValue, emit func(common.Event)) (int, error) {
	code, err := ResolveCommand(command)
	if err != nil {
		d.metrics.Commands.WithLabelValues(unknownLabel, unknownLabel, "unknown_command").Inc()
		return 0, err
	}

	entry, err := d.registry.Lookup(device)
	if err != nil {
		d.metrics.Commands.WithLabelValues(unknownLabel, command, "unknown_device").Inc()
		return 0, err
	}

	frame := BuildFrame(code, value, d.serialize)

	release, err := entry.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	log := d.logger.With().Str("device", device).Str("command", command).Logger()

	if err := entry.Link.Send(ctx, frame); err != nil {
		d.metrics.Commands.WithLabelValues(device, command, "write_failed").Inc()
		log.Warn().Err(err).Msg("Command write failed")
		return 0, fmt.Errorf("%w: %s: %w", common.ErrLinkWriteFailed, device, err)
	}

	d.metrics.Commands.WithLabelValues(device, command, "sent").Inc()
	log.Info().Int32("opcode", frame.Opcode).Int("argc", frame.Len()).Str("value", value.String()).Msg("Command sent")

	emitted := 0
	for drains := 0; d.policy.MaxDrains <= 0 || drains < d.policy.MaxDrains; drains++ {
		frames := entry.Link.Drain(ctx, d.policy.MaxFrames)
		if len(frames) == 0 {
			break
		}

		for _, f := range frames {
			emit(common.FrameEvent(device, f, d.now()))
		}
		emitted += len(frames)

		if !sleep(ctx, d.policy.Delay) {
			break
		}
	}

	if emitted > 0 {
		d.metrics.ResponseFrames.WithLabelValues(device).Add(float64(emitted))
	}
	log.Debug().Int("frames", emitted).Msg("Response collection finished")

	return emitted, nil
}
