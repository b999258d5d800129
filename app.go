package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"daq-gateway/daqconfig"
	"daq-gateway/gateway"
	"daq-gateway/link"
	"daq-gateway/logger"
	"daq-gateway/mqtt"
	"daq-gateway/registry"
	"daq-gateway/websocket"
)

// app is the wired gateway process.
type app struct {
	config  Config
	logger  zerolog.Logger
	metrics *prometheus.Registry

	gateway *gateway.Gateway
	sinks   *gateway.MultiSink
	mqtt    *mqtt.Client
	http    *websocket.Server
}

func newApp(config Config, log zerolog.Logger) (*app, error) {
	reg, err := registry.New(config.Devices,
		link.NewFactory(config.Link, logger.WithComponent(log, "link")),
		logger.WithComponent(log, "registry"))
	if err != nil {
		return nil, err
	}

	merger := daqconfig.NewMerger(daqconfig.NewTpcConfig(nil), logger.WithComponent(log, "config"))

	if path := config.DAQ.DefaultConfig; path != "" {
		update, err := daqconfig.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load default config: %w", err)
		}
		n := merger.Merge(update)
		log.Info().Str("path", path).Int("values", n).Msg("Merged default configuration")
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sinks := gateway.NewMultiSink()

	gw := gateway.New(reg, merger, sinks, gateway.Options{
		Poll:      config.Poll,
		Response:  config.Response,
		ConfigDir: config.DAQ.ConfigDir,
	}, gateway.NewMetrics(metrics), logger.WithComponent(log, "gateway"))

	a := &app{config: config, logger: log, metrics: metrics, gateway: gw, sinks: sinks}

	if config.MQTT.Enabled {
		a.mqtt = mqtt.NewClient(config.MQTT, gw, logger.WithComponent(log, "mqtt"))
		sinks.Add(a.mqtt)
	}

	if config.HTTP.Enabled {
		a.http = websocket.NewServer(config.HTTP, gw, metrics, logger.WithComponent(log, "websocket"))
		sinks.Add(a.http)
	}

	return a, nil
}

// start opens the device links, then the operator transports.
func (a *app) start(ctx context.Context) error {
	if err := a.gateway.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	if a.mqtt != nil {
		if err := a.mqtt.Start(); err != nil {
			a.gateway.Stop()
			return err
		}
	}

	if a.http != nil {
		if err := a.http.Start(); err != nil {
			if a.mqtt != nil {
				a.mqtt.Stop()
			}
			a.gateway.Stop()
			return err
		}
	}

	return nil
}

// stop shuts the transports down first so no new requests arrive, then the gateway.
func (a *app) stop(ctx context.Context) {
	if a.http != nil {
		if err := a.http.Stop(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}
	if a.mqtt != nil {
		a.mqtt.Stop()
	}
	a.gateway.Stop()
}
