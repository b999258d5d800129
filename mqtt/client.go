// Package mqtt bridges the gateway onto an MQTT broker: events are published to the
// events topic or to a session's response topic, and operator requests arrive on
// <command_topic>/<session>/request.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"daq-gateway/common"
	"daq-gateway/gateway"
)

// ErrNotConnected is returned by Publish while the broker connection is down.
var ErrNotConnected = errors.New("mqtt client not connected")

// Config is the MQTT client configuration.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ClientID       string        `mapstructure:"client_id"`
	EventsTopic    string        `mapstructure:"events_topic"`
	CommandTopic   string        `mapstructure:"command_topic"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`
	// SessionTTL is how long a session keeps receiving replies after its last request.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

func generateClientID() string {
	return "daq-gateway-" + uuid.NewString()[:8]
}

func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		EventsTopic:    "daq/events",
		CommandTopic:   "daq/command",
		QoS:            1,
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		AutoReconnect:  true,
		SessionTTL:     time.Hour,
	}
}

// Handler receives decoded operator requests.
type Handler interface {
	HandleCommand(sessionID string, req gateway.CommandRequest)
	UpdateConfig(sessionID string, update common.ConfigUpdate)
	LoadConfigFile(sessionID, path string)
}

// Request is the JSON body of a message on a request topic.
type Request struct {
	Type    string              `json:"type"`
	Device  string              `json:"device,omitempty"`
	Command string              `json:"cmd,omitempty"`
	Value   json.RawMessage     `json:"value,omitempty"`
	Config  common.ConfigUpdate `json:"config,omitempty"`
	Path    string              `json:"path,omitempty"`
}

// Envelope wraps every published event with its client-side name.
type Envelope struct {
	Event string       `json:"event"`
	Data  common.Event `json:"data"`
}

// Client is the MQTT event sink and command ingress.
type Client struct {
	config     Config
	handler    Handler
	mqttClient mqttLib.Client
	logger     zerolog.Logger

	// newClient builds the paho client; tests replace it.
	newClient func(*mqttLib.ClientOptions) mqttLib.Client

	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]time.Time
}

var _ gateway.Sink = (*Client)(nil)

func NewClient(config Config, handler Handler, logger zerolog.Logger) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultConfig().SessionTTL
	}

	return &Client{
		config:    config,
		handler:   handler,
		logger:    logger,
		newClient: mqttLib.NewClient,
		now:       time.Now,
		sessions:  make(map[string]time.Time),
	}
}

// Start connects to the broker. The request subscription is (re)established on every
// connect.
func (c *Client) Start() error {
	c.logger.Info().Str("broker", c.config.Broker).Str("client_id", c.config.ClientID).Msg("Starting MQTT client")

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)
	// Handlers publish replies and wait on their tokens.
	opts.SetOrderMatters(false)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Info().Msg("MQTT authentication enabled")
	} else {
		c.logger.Info().Msg("MQTT authentication disabled (anonymous mode)")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.mqttClient = c.newClient(opts)

	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info().Msg("MQTT client started")
	return nil
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	if c.mqttClient != nil && c.mqttClient.IsConnected() {
		c.mqttClient.Disconnect(1000)
		c.logger.Info().Msg("MQTT client disconnected")
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

func (c *Client) requestFilter() string {
	return c.config.CommandTopic + "/+/request"
}

func (c *Client) responseTopic(session string) string {
	return c.config.CommandTopic + "/" + session + "/response"
}

func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Info().Msg("Connected to MQTT broker")

	filter := c.requestFilter()
	if token := client.Subscribe(filter, c.config.QoS, c.onRequestReceived); token.Wait() && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Str("topic", filter).Msg("Failed to subscribe to request topic")
		return
	}
	c.logger.Info().Str("topic", filter).Msg("Subscribed to request topic")
}

func (c *Client) onConnectionLostHandler(_ mqttLib.Client, err error) {
	c.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (c *Client) onReconnectingHandler(mqttLib.Client, *mqttLib.ClientOptions) {
	c.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// sessionFromTopic extracts <session> from <command_topic>/<session>/request.
func (c *Client) sessionFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, c.config.CommandTopic+"/")
	if !ok {
		return "", false
	}
	session, ok := strings.CutSuffix(rest, "/request")
	if !ok || session == "" || strings.Contains(session, "/") {
		return "", false
	}
	return session, true
}

func (c *Client) onRequestReceived(_ mqttLib.Client, msg mqttLib.Message) {
	session, ok := c.sessionFromTopic(msg.Topic())
	if !ok {
		c.logger.Warn().Str("topic", msg.Topic()).Msg("Ignoring message on unexpected topic")
		return
	}

	c.touchSession(session)

	var req Request
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		c.logger.Warn().Err(err).Str("session", session).Msg("Failed to unmarshal request")
		c.reply(session, common.ErrorEvent(common.ServerDevice, fmt.Sprintf("invalid request: %v", err), time.Now()))
		return
	}

	c.logger.Debug().Str("session", session).Str("type", req.Type).Msg("Processing request")

	switch req.Type {
	case "send_command":
		c.handler.HandleCommand(session, gateway.CommandRequest{Device: req.Device, Command: req.Command, Value: req.Value})
	case "update_config":
		c.handler.UpdateConfig(session, req.Config)
	case "load_config_file":
		c.handler.LoadConfigFile(session, req.Path)
	default:
		c.reply(session, common.ErrorEvent(common.ServerDevice, fmt.Sprintf("unknown request type %q", req.Type), time.Now()))
	}
}

func (c *Client) reply(session string, ev common.Event) {
	if err := c.Publish(ev, common.Session(session)); err != nil {
		c.logger.Debug().Err(err).Str("session", session).Msg("Reply failed")
	}
}

// touchSession marks session as active and forgets sessions idle for longer than the TTL.
func (c *Client) touchSession(session string) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, seen := range c.sessions {
		if now.Sub(seen) > c.config.SessionTTL {
			delete(c.sessions, id)
		}
	}
	c.sessions[session] = now
}

func (c *Client) ownsSession(session string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen, ok := c.sessions[session]
	return ok && c.now().Sub(seen) <= c.config.SessionTTL
}

func (c *Client) sessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Publish sends ev to the events topic or to the response topic of a session this client
// has seen requests from. Events for other sessions are dropped.
func (c *Client) Publish(ev common.Event, to common.Target) error {
	topic := c.config.EventsTopic
	if !to.IsBroadcast() {
		if !c.ownsSession(to.Session) {
			return nil
		}
		topic = c.responseTopic(to.Session)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(Envelope{Event: ev.Name(), Data: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := c.mqttClient.Publish(topic, c.config.QoS, false, payload)
	if c.config.PublishTimeout > 0 {
		if !token.WaitTimeout(c.config.PublishTimeout) {
			return fmt.Errorf("publish to %s timed out", topic)
		}
	} else {
		token.Wait()
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.Trace().Str("topic", topic).Str("device", ev.Device).Msg("Published event")
	return nil
}
