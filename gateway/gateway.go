// Package gateway multiplexes the device links: per-device pollers broadcast telemetry,
// and operator commands are dispatched to a device with their responses returned to the
// requesting session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"daq-gateway/common"
	"daq-gateway/daqconfig"
	"daq-gateway/logger"
	"daq-gateway/registry"
)

// Options configures a Gateway.
type Options struct {
	Poll     PollPolicy
	Response ResponsePolicy
	// ConfigDir, when set, is the root that load_config_file paths resolve under.
	ConfigDir string
}

func DefaultOptions() Options {
	return Options{Poll: DefaultPollPolicy(), Response: DefaultResponsePolicy()}
}

// CommandRequest is an operator's send_command message.
type CommandRequest struct {
	Device  string          `json:"device"`
	Command string          `json:"cmd"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Gateway ties the registry, the config merger and the event sink together.
type Gateway struct {
	registry   *registry.Registry
	merger     *daqconfig.Merger
	sink       Sink
	dispatcher *Dispatcher
	metrics    *Metrics
	options    Options
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	pollers  sync.WaitGroup
	requests sync.WaitGroup
	stopOnce sync.Once
}

// New builds a gateway. Start opens the registry and launches the pollers.
func New(reg *registry.Registry, merger *daqconfig.Merger, sink Sink, options Options, metrics *Metrics, log zerolog.Logger) *Gateway {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Gateway{
		registry:   reg,
		merger:     merger,
		sink:       sink,
		dispatcher: NewDispatcher(reg, merger.Serialize, options.Response, metrics, logger.WithComponent(log, "dispatcher")),
		metrics:    metrics,
		options:    options,
		logger:     log,
		now:        time.Now,
	}
}

// Start opens every device link and starts one poller per device.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ctx != nil {
		return errors.New("gateway already started")
	}

	if err := g.registry.Open(ctx); err != nil {
		return err
	}

	entries, err := g.registry.Entries()
	if err != nil {
		return err
	}

	g.ctx, g.cancel = context.WithCancel(context.Background())
	runCtx := g.ctx

	for _, e := range entries {
		p := newPoller(e, g.publish, g.options.Poll, g.metrics,
			logger.WithDevice(logger.WithComponent(g.logger, "poller"), e.Descriptor.Name))
		g.pollers.Add(1)
		go func() {
			defer g.pollers.Done()
			p.Run(runCtx)
		}()
	}

	g.logger.Info().Int("devices", len(entries)).Msg("Gateway started")

	return nil
}

// Stop cancels pollers and in-flight dispatches, waits for them, then closes every
// link. It is safe to call more than once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		if g.cancel != nil {
			g.cancel()
		}
		if g.ctx == nil {
			g.ctx = context.Background()
		}
		g.mu.Unlock()

		g.pollers.Wait()
		g.requests.Wait()

		if err := g.registry.Close(); err != nil {
			g.logger.Warn().Err(err).Msg("Registry close failed")
		}

		g.logger.Info().Msg("Gateway stopped")
	})
}

// beginRequest registers an in-flight request against the running gateway.
func (g *Gateway) beginRequest() (context.Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ctx == nil || g.ctx.Err() != nil || g.cancel == nil {
		return nil, common.ErrLinkNotOpen
	}
	g.requests.Add(1)
	return g.ctx, nil
}

func (g *Gateway) publish(ev common.Event, to common.Target) {
	g.metrics.EventsPublished.WithLabelValues(targetLabel(to.IsBroadcast())).Inc()

	if err := g.sink.Publish(ev, to); err != nil {
		g.metrics.PublishErrors.Inc()
		g.logger.Debug().Err(err).Str("device", ev.Device).Str("target", to.String()).Msg("Publish failed")
	}
}

// Devices enumerates the registered devices in configuration order.
func (g *Gateway) Devices() ([]common.DeviceTitle, error) {
	return g.registry.Titles()
}

// Config returns a copy of the canonical configuration.
func (g *Gateway) Config() common.MetricMapping {
	return g.merger.Config()
}

// Merge folds update into the canonical configuration.
func (g *Gateway) Merge(update common.ConfigUpdate) int {
	n := g.merger.Merge(update)
	g.metrics.ConfigMerges.Inc()
	return n
}

// Dispatch sends one command and hands each response event to emit.
func (g *Gateway) Dispatch(ctx context.Context, device, command string, value CommandValue, emit func(common.Event)) (int, error) {
	return g.dispatcher.Dispatch(ctx, device, command, value, emit)
}

// HandleCommand validates req and dispatches it on its own goroutine; responses and
// failures go to sessionID only.
func (g *Gateway) HandleCommand(sessionID string, req CommandRequest) {
	reply := common.Session(sessionID)

	if _, err := g.registry.Lookup(req.Device); errors.Is(err, common.ErrLinkNotOpen) {
		g.publish(common.ErrorEvent(req.Device, err.Error(), g.now()), reply)
		return
	} else if err != nil || req.Command == "" {
		g.publish(common.ErrorEvent(req.Device, "Invalid device or command", g.now()), reply)
		return
	}

	value, err := ParseCommandValue(req.Value)
	if err != nil {
		g.publish(common.ErrorEvent(req.Device, err.Error(), g.now()), reply)
		return
	}

	ctx, err := g.beginRequest()
	if err != nil {
		g.publish(common.ErrorEvent(req.Device, err.Error(), g.now()), reply)
		return
	}

	go func() {
		defer g.requests.Done()

		emit := func(ev common.Event) { g.publish(ev, reply) }

		if _, err := g.Dispatch(ctx, req.Device, req.Command, value, emit); err != nil {
			g.publish(common.ErrorEvent(req.Device, err.Error(), g.now()), reply)
		}
	}()
}

// UpdateConfig merges update and reports the resulting configuration to sessionID.
func (g *Gateway) UpdateConfig(sessionID string, update common.ConfigUpdate) {
	g.Merge(update)

	cfg, err := json.Marshal(g.Config())
	if err != nil {
		g.publish(common.ErrorEvent(common.ServerDevice, err.Error(), g.now()), common.Session(sessionID))
		return
	}

	g.publish(common.InfoEvent("Updated config "+string(cfg), g.now()), common.Session(sessionID))
}

// LoadConfigFile reads a configuration file and returns its contents to sessionID
// without merging it.
func (g *Gateway) LoadConfigFile(sessionID, path string) {
	reply := common.Session(sessionID)

	g.logger.Info().Str("path", path).Str("session", sessionID).Msg("Loading config file")

	update, err := daqconfig.LoadFile(g.resolveConfigPath(path))
	if err != nil {
		g.publish(common.ErrorEvent(common.ServerDevice, fmt.Sprintf("Failed to load file: %v", err), g.now()), reply)
		return
	}

	g.publish(common.ConfigLoadedEvent(update, g.now()), reply)
}

func (g *Gateway) resolveConfigPath(path string) string {
	if g.options.ConfigDir == "" {
		return path
	}
	return filepath.Join(g.options.ConfigDir, filepath.Clean("/"+path))
}
