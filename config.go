package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"daq-gateway/common"
	"daq-gateway/gateway"
	"daq-gateway/link"
	"daq-gateway/logger"
	"daq-gateway/mqtt"
	"daq-gateway/websocket"
)

const envPrefix = "DAQGW"

// DAQConfig locates configuration files for the readout.
type DAQConfig struct {
	// DefaultConfig is merged into the canonical configuration at startup.
	DefaultConfig string `mapstructure:"default_config"`
	// ConfigDir confines load_config_file requests when set.
	ConfigDir string `mapstructure:"config_dir"`
}

type Config struct {
	Devices  []common.DeviceDescriptor `mapstructure:"devices"`
	Link     link.Config               `mapstructure:"link"`
	Poll     gateway.PollPolicy        `mapstructure:"poll"`
	Response gateway.ResponsePolicy    `mapstructure:"response"`
	MQTT     mqtt.Config               `mapstructure:"mqtt"`
	HTTP     websocket.Config          `mapstructure:"http"`
	Logging  logger.Config             `mapstructure:"logging"`
	DAQ      DAQConfig                 `mapstructure:"daq"`
}

// defaultDevices are the hub's four channels.
func defaultDevices() []map[string]any {
	devices := []struct {
		name string
		port int
		dec  string
	}{
		{"DaemonStat", 50000, "daq_computer"},
		{"DaemonCmd", 50001, ""},
		{"TPCReadoutStat", 50002, "tpc_readout"},
		{"TPCReadoutCmd", 50003, ""},
	}

	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		out = append(out, map[string]any{
			"name":    d.name,
			"address": "0.0.0.0",
			"port":    d.port,
			"mode":    common.ModeListen,
			"decoder": d.dec,
		})
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("devices", defaultDevices())

	l := link.DefaultConfig()
	v.SetDefault("link.drain_timeout", l.DrainTimeout)
	v.SetDefault("link.write_timeout", l.WriteTimeout)
	v.SetDefault("link.connect_timeout", l.ConnectTimeout)
	v.SetDefault("link.reconnect_interval", l.ReconnectInterval)
	v.SetDefault("link.heartbeat", l.Heartbeat)
	v.SetDefault("link.heartbeat_opcode", l.HeartbeatOpcode)
	v.SetDefault("link.queue_size", l.QueueSize)
	v.SetDefault("link.max_args", l.MaxArgs)

	p := gateway.DefaultPollPolicy()
	v.SetDefault("poll.max_frames", p.MaxFrames)
	v.SetDefault("poll.idle_sleep", p.IdleSleep)

	r := gateway.DefaultResponsePolicy()
	v.SetDefault("response.max_frames", r.MaxFrames)
	v.SetDefault("response.delay", r.Delay)
	v.SetDefault("response.max_drains", r.MaxDrains)

	m := mqtt.DefaultConfig()
	v.SetDefault("mqtt.enabled", m.Enabled)
	v.SetDefault("mqtt.broker", m.Broker)
	v.SetDefault("mqtt.username", m.Username)
	v.SetDefault("mqtt.password", m.Password)
	v.SetDefault("mqtt.client_id", m.ClientID)
	v.SetDefault("mqtt.events_topic", m.EventsTopic)
	v.SetDefault("mqtt.command_topic", m.CommandTopic)
	v.SetDefault("mqtt.qos", m.QoS)
	v.SetDefault("mqtt.keep_alive", m.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", m.ConnectTimeout)
	v.SetDefault("mqtt.publish_timeout", m.PublishTimeout)
	v.SetDefault("mqtt.auto_reconnect", m.AutoReconnect)
	v.SetDefault("mqtt.session_ttl", m.SessionTTL)

	h := websocket.DefaultConfig()
	v.SetDefault("http.enabled", h.Enabled)
	v.SetDefault("http.addr", h.Addr)
	v.SetDefault("http.path", h.Path)
	v.SetDefault("http.write_timeout", h.WriteTimeout)
	v.SetDefault("http.read_timeout", h.ReadTimeout)
	v.SetDefault("http.ping_interval", h.PingInterval)

	lg := logger.DefaultConfig()
	v.SetDefault("logging.level", lg.Level)
	v.SetDefault("logging.debug", lg.Debug)
	v.SetDefault("logging.output", lg.Output)
	v.SetDefault("logging.time_format", lg.TimeFormat)
	v.SetDefault("logging.pretty", lg.Pretty)

	v.SetDefault("daq.default_config", "")
	v.SetDefault("daq.config_dir", "")
}

// loadConfig reads config.yaml (or the file named by --config), then applies DAQGW_*
// environment overrides on top of the built-in defaults.
func loadConfig(args []string) (Config, error) {
	flags := pflag.NewFlagSet("daq-gateway", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to the configuration file")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("http-addr", "", "HTTP/WebSocket listen address")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlag("logging.level", flags.Lookup("log-level")); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlag("http.addr", flags.Lookup("http-addr")); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if *configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c Config) validate() error {
	if len(c.Devices) == 0 {
		return errors.New("config: no devices configured")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}
