package common

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Link modes.
const (
	ModeListen = "listen" // gateway accepts the hub's connection
	ModeDial   = "dial"   // gateway connects out to the device
	ModeTTY    = "tty"    // serial or rfcomm device node
)

// DeviceDescriptor describes one named device and its link. It is immutable once the
// registry is built.
type DeviceDescriptor struct {
	Name             string `mapstructure:"name" json:"name"`
	Address          string `mapstructure:"address" json:"address"`
	Port             int    `mapstructure:"port" json:"port"`
	Mode             string `mapstructure:"mode" json:"mode"`
	Path             string `mapstructure:"path" json:"path,omitempty"`
	IsCommandChannel bool   `mapstructure:"command_channel" json:"command_channel"`
	IsStatusChannel  bool   `mapstructure:"status_channel" json:"status_channel"`
	Decoder          string `mapstructure:"decoder" json:"decoder,omitempty"`
}

// WithRoleDefaults fills in role flags from the conventional name suffix when neither
// flag was configured.
func (d DeviceDescriptor) WithRoleDefaults() DeviceDescriptor {
	if !d.IsCommandChannel && !d.IsStatusChannel {
		d.IsCommandChannel = strings.HasSuffix(d.Name, "Cmd")
		d.IsStatusChannel = strings.HasSuffix(d.Name, "Stat")
	}
	if d.Mode == "" {
		d.Mode = ModeListen
	}
	return d
}

// Title is the operator-facing label, e.g. "DaemonCmd [50001]".
func (d DeviceDescriptor) Title() string {
	return fmt.Sprintf("%s [%d]", d.Name, d.Port)
}

// DeviceTitle is the enumeration entry handed to operator clients.
type DeviceTitle struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

// Frame is one command or response unit on a device link.
type Frame struct {
	Opcode int32   `json:"opcode"`
	Args   []int32 `json:"args"`
}

// NewFrame builds a frame whose declared length is exactly len(args).
func NewFrame(opcode int32, args ...int32) Frame {
	return Frame{Opcode: opcode, Args: append([]int32(nil), args...)}
}

// Len is the argument count declared on the wire.
func (f Frame) Len() int {
	return len(f.Args)
}

// EventKind tags what an Event carries.
type EventKind string

const (
	KindFrame        EventKind = "frame"
	KindError        EventKind = "error"
	KindInfo         EventKind = "info"
	KindConfigLoaded EventKind = "config_loaded"
)

// ServerDevice is the origin name of events produced by the gateway itself.
const ServerDevice = "SERVER"

// Event is a value object published to observers. Constructors copy their inputs so an
// Event shares no mutable state with its producer.
type Event struct {
	Device    string
	Timestamp time.Time
	Kind      EventKind
	Opcode    int32
	Args      []int32
	Metrics   map[string]any
	Message   string
	Config    ConfigUpdate
}

// FrameEvent wraps a frame read from a device.
func FrameEvent(device string, f Frame, at time.Time) Event {
	return Event{
		Device:    device,
		Timestamp: at,
		Kind:      KindFrame,
		Opcode:    f.Opcode,
		Args:      append([]int32(nil), f.Args...),
	}
}

// MetricsEvent wraps a decoded, normalized status frame.
func MetricsEvent(device string, opcode int32, metrics map[string]any, at time.Time) Event {
	m := make(map[string]any, len(metrics))
	for k, v := range metrics {
		m[k] = v
	}
	return Event{Device: device, Timestamp: at, Kind: KindFrame, Opcode: opcode, Metrics: m}
}

// ErrorEvent reports a failed request back to its session.
func ErrorEvent(device, message string, at time.Time) Event {
	return Event{Device: device, Timestamp: at, Kind: KindError, Message: message}
}

// InfoEvent carries an informational server message.
func InfoEvent(message string, at time.Time) Event {
	return Event{Device: ServerDevice, Timestamp: at, Kind: KindInfo, Message: message}
}

// ConfigLoadedEvent returns the contents of a configuration file to its requester.
func ConfigLoadedEvent(update ConfigUpdate, at time.Time) Event {
	return Event{Device: ServerDevice, Timestamp: at, Kind: KindConfigLoaded, Config: update.Clone()}
}

// Name is the client-side event name.
func (e Event) Name() string {
	if e.Kind == KindConfigLoaded {
		return "config_loaded"
	}
	return "command_response"
}

type eventJSON struct {
	Device    string `json:"device"`
	Timestamp string `json:"timestamp"`
	Time      string `json:"time"`
	Command   any    `json:"command"`
	Args      any    `json:"args"`
}

// MarshalJSON renders the command_response shape operator clients expect. A
// config_loaded event renders as the configuration itself.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == KindConfigLoaded {
		return json.Marshal(e.Config)
	}

	out := eventJSON{
		Device:    e.Device,
		Timestamp: e.Timestamp.Format("15:04:05"),
		Time:      e.Timestamp.Format(time.RFC3339Nano),
	}

	switch e.Kind {
	case KindError:
		out.Command, out.Args = "ERROR", e.Message
	case KindInfo:
		out.Command, out.Args = "INFO", e.Message
	default:
		out.Command = e.Opcode
		if e.Metrics != nil {
			out.Args = e.Metrics
		} else if e.Args != nil {
			out.Args = e.Args
		} else {
			out.Args = []int32{}
		}
	}

	return json.Marshal(out)
}

// Target addresses a publish: the zero value is a broadcast to every observer.
type Target struct {
	Session string
}

// Broadcast addresses all observers.
var Broadcast = Target{}

// Session addresses a single requesting session.
func Session(id string) Target {
	return Target{Session: id}
}

// IsBroadcast reports whether t addresses every observer.
func (t Target) IsBroadcast() bool {
	return t.Session == ""
}

func (t Target) String() string {
	if t.IsBroadcast() {
		return "broadcast"
	}
	return "session:" + t.Session
}
