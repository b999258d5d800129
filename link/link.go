// Package link implements the framed bidirectional device link the gateway polls and
// writes commands to.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"daq-gateway/common"
)

// DeviceLink is one device's link as seen by the gateway core.
type DeviceLink interface {
	// Open establishes the link. Failure means the link cannot exist at all.
	Open(ctx context.Context) error
	// Drain returns up to max queued inbound frames, waiting at most the link's drain
	// timeout for the first one. An empty result means the link is quiet.
	Drain(ctx context.Context, max int) []common.Frame
	// Send writes one frame. Only one send is in flight at a time.
	Send(ctx context.Context, f common.Frame) error
	// Close stops the link. Calling it more than once is a no-op.
	Close() error
}

var (
	ErrNotConnected = errors.New("link not connected")
	ErrClosed       = errors.New("link closed")
)

// Config holds link timing and buffering.
type Config struct {
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	Heartbeat         time.Duration `mapstructure:"heartbeat"`
	HeartbeatOpcode   int32         `mapstructure:"heartbeat_opcode"`
	QueueSize         int           `mapstructure:"queue_size"`
	MaxArgs           int           `mapstructure:"max_args"`
}

func DefaultConfig() Config {
	return Config{
		DrainTimeout:      50 * time.Millisecond,
		WriteTimeout:      time.Second,
		ConnectTimeout:    10 * time.Second,
		ReconnectInterval: 5 * time.Second,
		Heartbeat:         2 * time.Second,
		HeartbeatOpcode:   -1,
		QueueSize:         4096,
		MaxArgs:           DefaultMaxArgs,
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn is a DeviceLink over a byte stream: an accepted TCP peer (listen), an outbound TCP
// connection (dial), or a tty device node.
type Conn struct {
	desc   common.DeviceDescriptor
	config Config
	logger zerolog.Logger

	dial     func(ctx context.Context) (io.ReadWriteCloser, error)
	listener net.Listener

	conn      io.ReadWriteCloser
	connMutex sync.RWMutex
	closed    bool

	sendMutex sync.Mutex
	lastSend  atomic.Int64

	inbound  chan common.Frame
	stopChan chan struct{}
	wg       sync.WaitGroup

	opened    atomic.Bool
	closeOnce sync.Once
}

var _ DeviceLink = (*Conn)(nil)

// New builds an unopened link for desc.
func New(desc common.DeviceDescriptor, config Config, logger zerolog.Logger) (*Conn, error) {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}

	c := &Conn{
		desc:     desc,
		config:   config,
		logger:   logger.With().Str("device", desc.Name).Str("mode", desc.Mode).Logger(),
		inbound:  make(chan common.Frame, config.QueueSize),
		stopChan: make(chan struct{}),
	}

	switch desc.Mode {
	case common.ModeListen, common.ModeDial:
		if desc.Port < 0 || desc.Port > 65535 || (desc.Port == 0 && desc.Mode == common.ModeDial) {
			return nil, fmt.Errorf("device %s: invalid port %d", desc.Name, desc.Port)
		}
		c.dial = c.dialTCP
	case common.ModeTTY:
		if desc.Path == "" {
			return nil, fmt.Errorf("device %s: tty mode requires a path", desc.Name)
		}
		c.dial = c.openTTY
	default:
		return nil, fmt.Errorf("device %s: unknown link mode %q", desc.Name, desc.Mode)
	}

	return c, nil
}

func (c *Conn) address() string {
	return net.JoinHostPort(c.desc.Address, strconv.Itoa(c.desc.Port))
}

// Open starts the link's loops. In listen mode a bind failure is returned; dial and tty
// links connect in the background and keep retrying.
func (c *Conn) Open(ctx context.Context) error {
	if !c.opened.CompareAndSwap(false, true) {
		return fmt.Errorf("device %s: link already opened", c.desc.Name)
	}

	if c.desc.Mode == common.ModeListen {
		var lc net.ListenConfig

		ln, err := lc.Listen(ctx, "tcp", c.address())
		if err != nil {
			return fmt.Errorf("device %s: listen on %s: %w", c.desc.Name, c.address(), err)
		}

		c.listener = ln
		c.logger.Info().Str("addr", ln.Addr().String()).Msg("Listening for device connection")

		c.wg.Add(1)
		go c.acceptLoop()
	} else {
		c.wg.Add(1)
		go c.reconnectLoop()
	}

	if c.desc.IsCommandChannel && c.config.Heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}

	return nil
}

// Addr is the bound listen address, nil for other modes or before Open.
func (c *Conn) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Close stops all loops and drops the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopChan)

		c.connMutex.Lock()
		c.closed = true
		conn := c.conn
		c.conn = nil
		c.connMutex.Unlock()

		if c.listener != nil {
			_ = c.listener.Close()
		}
		if conn != nil {
			_ = conn.Close()
		}

		c.wg.Wait()
		c.logger.Info().Msg("Link stopped")
	})

	return nil
}

// Connected reports whether a peer is attached.
func (c *Conn) Connected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.conn != nil
}

func (c *Conn) getConnection() io.ReadWriteCloser {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.conn
}

// setConnection attaches conn, replacing any previous peer, and starts its read loop.
func (c *Conn) setConnection(conn io.ReadWriteCloser) bool {
	c.connMutex.Lock()
	if c.closed {
		c.connMutex.Unlock()
		_ = conn.Close()
		return false
	}

	prev := c.conn
	c.conn = conn
	c.wg.Add(1)
	c.connMutex.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	go c.readLoop(conn)

	c.logger.Info().Msg("Device connection established")
	return true
}

// dropConnection detaches conn if it is still the current peer.
func (c *Conn) dropConnection(conn io.ReadWriteCloser) {
	c.connMutex.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.connMutex.Unlock()

	_ = conn.Close()

	if current {
		c.logger.Info().Msg("Device connection closed")
	}
}

func (c *Conn) dialTCP(ctx context.Context) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: c.config.ConnectTimeout}
	return d.DialContext(ctx, "tcp", c.address())
}

func (c *Conn) openTTY(_ context.Context) (io.ReadWriteCloser, error) {
	if _, err := os.Stat(c.desc.Path); os.IsNotExist(err) {
		return nil, fmt.Errorf("device node %s does not exist", c.desc.Path)
	}

	file, err := os.OpenFile(c.desc.Path, os.O_RDWR|unix.O_NOCTTY|os.O_SYNC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.desc.Path, err)
	}

	return file, nil
}

func (c *Conn) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

func (c *Conn) acceptLoop() {
	defer c.wg.Done()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if c.stopped() {
				return
			}
			c.logger.Warn().Err(err).Msg("Accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		c.logger.Info().Str("peer", conn.RemoteAddr().String()).Msg("Accepted device connection")
		c.setConnection(conn)
	}
}

// stopContext is cancelled when the link is closed.
func (c *Conn) stopContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Conn) connect() error {
	ctx, cancel := c.stopContext()
	defer cancel()

	if c.config.ConnectTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancelTimeout()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.setConnection(conn)
	return nil
}

func (c *Conn) reconnectLoop() {
	defer c.wg.Done()

	if err := c.connect(); err != nil {
		c.logger.Warn().Err(err).Msg("Initial connection failed")
	}

	interval := c.config.ReconnectInterval
	if interval <= 0 {
		interval = DefaultConfig().ReconnectInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if !c.Connected() {
				if err := c.connect(); err != nil {
					c.logger.Debug().Err(err).Msg("Reconnection failed")
				}
			}
		}
	}
}

func (c *Conn) readLoop(conn io.ReadWriteCloser) {
	defer c.wg.Done()

	reader := NewFrameReader(conn, c.config.MaxArgs)

	for {
		frame, err := reader.Next()
		if err != nil {
			if !c.stopped() && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn().Err(err).Msg("Read error")
			}
			c.dropConnection(conn)
			return
		}

		if c.isHeartbeat(frame) {
			continue
		}

		select {
		case c.inbound <- frame:
		default:
			c.logger.Warn().Int32("opcode", frame.Opcode).Msg("Inbound queue full, dropping frame")
		}
	}
}

func (c *Conn) isHeartbeat(f common.Frame) bool {
	return c.config.Heartbeat > 0 && f.Opcode == c.config.HeartbeatOpcode && len(f.Args) == 0
}

func (c *Conn) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if !c.Connected() {
				continue
			}
			idle := time.Since(time.Unix(0, c.lastSend.Load()))
			if idle < c.config.Heartbeat {
				continue
			}
			if err := c.Send(context.Background(), common.NewFrame(c.config.HeartbeatOpcode)); err != nil {
				c.logger.Debug().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

// Drain implements DeviceLink.
func (c *Conn) Drain(ctx context.Context, max int) []common.Frame {
	if max <= 0 {
		return nil
	}

	timeout := c.config.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().DrainTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var frames []common.Frame

	select {
	case f := <-c.inbound:
		frames = append(frames, f)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	case <-c.stopChan:
		return nil
	}

	for len(frames) < max {
		select {
		case f := <-c.inbound:
			frames = append(frames, f)
		default:
			return frames
		}
	}

	return frames
}

// Send implements DeviceLink.
func (c *Conn) Send(ctx context.Context, f common.Frame) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if c.stopped() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn := c.getConnection()
	if conn == nil {
		return ErrNotConnected
	}

	if wd, ok := conn.(writeDeadliner); ok && c.config.WriteTimeout > 0 {
		_ = wd.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	if err := WriteFrame(conn, f); err != nil {
		c.logger.Warn().Err(err).Int32("opcode", f.Opcode).Msg("Write error")
		c.dropConnection(conn)
		return err
	}

	c.lastSend.Store(time.Now().UnixNano())
	c.logger.Debug().Int32("opcode", f.Opcode).Int("argc", f.Len()).Msg("Frame sent")

	return nil
}

// NewFactory returns a constructor for links sharing one Config.
func NewFactory(config Config, logger zerolog.Logger) func(common.DeviceDescriptor) (DeviceLink, error) {
	return func(desc common.DeviceDescriptor) (DeviceLink, error) {
		c, err := New(desc, config, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
