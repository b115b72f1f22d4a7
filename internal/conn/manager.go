package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Channel names one of the gateway's push connections.
type Channel string

const (
	ChannelMarket  Channel = "market"
	ChannelAccount Channel = "account"
)

// State is the lifecycle state of a channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateLive
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

var (
	ErrNotLive        = errors.New("channel not live")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrShutdown       = errors.New("connection manager shut down")
)

// Handler receives channel events. Calls for one channel are made from a
// single goroutine in arrival order; different channels are not ordered.
type Handler interface {
	OnOpen(ch Channel)
	OnClose(ch Channel, err error)
	OnMessage(ch Channel, msg []byte)
	OnError(ch Channel, err error)
}

// Handshake runs on a freshly dialed connection before it is considered
// usable, e.g. to authenticate.
type Handshake func(ctx context.Context, ws *websocket.Conn) error

// ChannelConfig describes one endpoint.
type ChannelConfig struct {
	URL            string
	Handshake      Handshake
	SubscribeFrame func(topics []string) any
	PingFrame      func() any
	PingInterval   time.Duration
	// ReadTimeout defaults to three ping intervals when pings are enabled.
	ReadTimeout time.Duration
}

// Config configures the manager.
type Config struct {
	Ladder    []time.Duration
	Channels  map[Channel]ChannelConfig
	QueueSize int
	Dialer    *websocket.Dialer
}

// DefaultLadder is the reconnect backoff schedule.
var DefaultLadder = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	15 * time.Second, 30 * time.Second, 60 * time.Second,
}

// ChannelStatus is a read-only view of one channel.
type ChannelStatus struct {
	Channel     Channel   `json:"channel"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	Topics      []string  `json:"topics"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Manager owns the push channels and their reconnect loops.
type Manager struct {
	cfg      Config
	dialer   *websocket.Dialer
	handler  Handler
	log      *zap.Logger
	channels map[Channel]*channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a manager; Start must be called before Connect.
func New(cfg Config, handler Handler, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		handler:  handler,
		log:      log.Named("conn"),
		channels: make(map[Channel]*channel, len(cfg.Channels)),
		sleep:    sleepCtx,
	}
	for name, cc := range cfg.Channels {
		if cc.PingInterval > 0 && cc.ReadTimeout == 0 {
			cc.ReadTimeout = 3 * cc.PingInterval
		}
		m.channels[name] = &channel{
			name:    name,
			cfg:     cc,
			m:       m,
			inbound: make(chan event, cfg.QueueSize),
		}
	}
	return m
}

// Start launches one dispatcher per channel. Connections are opened by Connect.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, c := range m.channels {
		m.wg.Add(1)
		go c.dispatch(m.ctx)
	}
}

// Connect opens the channel and waits for the first attempt. A failed
// attempt leaves a reconnect scheduled and returns the error.
func (m *Manager) Connect(ctx context.Context, name Channel) error {
	c, err := m.channel(name)
	if err != nil {
		return err
	}
	if err := m.runCtxErr(); err != nil {
		return err
	}

	c.mu.Lock()
	c.wanted = true
	if c.state != StateDisconnected || c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	err = c.open(ctx)
	if err != nil {
		c.recordError(err)
		c.enqueue(event{kind: eventError, err: err})
		c.scheduleReconnect()
	}
	return err
}

// Disconnect closes the channel and cancels any pending reconnect.
func (m *Manager) Disconnect(name Channel) error {
	c, err := m.channel(name)
	if err != nil {
		return err
	}
	c.close(nil)
	return nil
}

// IsLive reports whether the channel is connected with subscriptions restored.
func (m *Manager) IsLive(name Channel) bool {
	c, err := m.channel(name)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateLive
}

// Subscribe records topics for the channel and sends them when live. The
// set is re-issued on every reconnect.
func (m *Manager) Subscribe(name Channel, topics ...string) error {
	c, err := m.channel(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	var fresh []string
	for _, t := range topics {
		if c.hasTopic(t) {
			continue
		}
		c.topics = append(c.topics, t)
		fresh = append(fresh, t)
	}
	live := c.state == StateLive
	c.mu.Unlock()

	if !live || len(fresh) == 0 || c.cfg.SubscribeFrame == nil {
		return nil
	}
	return m.Send(m.runCtx(), name, c.cfg.SubscribeFrame(fresh))
}

// Send writes one JSON frame on a live channel.
func (m *Manager) Send(ctx context.Context, name Channel, v any) error {
	c, err := m.channel(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	live := c.state == StateLive
	c.mu.Unlock()
	if !live || ws == nil {
		return ErrNotLive
	}
	return c.write(ctx, ws, v)
}

// Status returns a snapshot of every channel.
func (m *Manager) Status() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(m.channels))
	for _, name := range []Channel{ChannelMarket, ChannelAccount} {
		if c, ok := m.channels[name]; ok {
			out = append(out, c.status())
		}
	}
	return out
}

// Shutdown cancels reconnect loops, closes every connection and waits for
// the manager's goroutines to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	for _, c := range m.channels {
		c.close(ErrShutdown)
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.log.Info("connection manager stopped")
}

func (m *Manager) channel(name Channel) (*channel, error) {
	c, ok := m.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return c, nil
}

func (m *Manager) runCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *Manager) runCtxErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	if !m.started {
		return errors.New("connection manager not started")
	}
	return nil
}

// goTracked runs f on a goroutine Shutdown waits for. It refuses once the
// manager is closed.
func (m *Manager) goTracked(f func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
	return true
}

func (m *Manager) backoff(attempt int) time.Duration {
	if attempt >= len(m.cfg.Ladder) {
		return m.cfg.Ladder[len(m.cfg.Ladder)-1]
	}
	return m.cfg.Ladder[attempt]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
