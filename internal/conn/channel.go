package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"venue-gateway/pkg/exchanges/common"
)

const writeTimeout = 10 * time.Second

type eventKind int

const (
	eventOpen eventKind = iota
	eventClose
	eventMessage
	eventError
)

type event struct {
	kind eventKind
	msg  []byte
	err  error
}

// liveConn is one established connection; done closes when it is dropped.
type liveConn struct {
	ws   *websocket.Conn
	gen  uint64
	done chan struct{}
}

type channel struct {
	name    Channel
	cfg     ChannelConfig
	m       *Manager
	inbound chan event
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	ws           *websocket.Conn
	cur          *liveConn
	gen          uint64
	topics       []string
	attempts     int
	wanted       bool
	reconnecting bool
	reconnectSeq uint64
	cancelLoop   context.CancelFunc
	connectedAt  time.Time
	lastErr      string
}

// open dials, runs the handshake and re-issues subscriptions. The channel
// becomes Live only after all of that succeeded. seq is the reconnect loop
// calling open, zero for a direct Connect.
func (c *channel) open(ctx context.Context, seq ...uint64) error {
	ws, _, err := c.m.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setDisconnected()
		return &common.TransportError{Op: "dial " + string(c.name), Err: err}
	}

	if c.cfg.Handshake != nil {
		if err := c.cfg.Handshake(ctx, ws); err != nil {
			ws.Close()
			c.setDisconnected()
			return fmt.Errorf("%s handshake: %w", c.name, err)
		}
	}

	c.mu.Lock()
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()
	if len(topics) > 0 && c.cfg.SubscribeFrame != nil {
		if err := c.write(ctx, ws, c.cfg.SubscribeFrame(topics)); err != nil {
			ws.Close()
			c.setDisconnected()
			return fmt.Errorf("%s resubscribe: %w", c.name, err)
		}
	}

	c.mu.Lock()
	if !c.wanted {
		c.state = StateDisconnected
		c.mu.Unlock()
		ws.Close()
		return ErrNotLive
	}
	c.gen++
	cur := &liveConn{ws: ws, gen: c.gen, done: make(chan struct{})}
	c.cur = cur
	c.ws = ws
	c.state = StateLive
	c.attempts = 0
	c.connectedAt = time.Now()
	c.lastErr = ""
	if len(seq) > 0 && seq[0] == c.reconnectSeq {
		c.reconnecting = false
		c.cancelLoop = nil
	}
	c.mu.Unlock()

	if c.cfg.ReadTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	c.m.log.Info("channel live", zap.String("channel", string(c.name)), zap.Int("topics", len(topics)))
	c.enqueue(event{kind: eventOpen})

	if !c.m.goTracked(func() { c.read(cur) }) {
		ws.Close()
		return ErrShutdown
	}
	if c.cfg.PingInterval > 0 && c.cfg.PingFrame != nil {
		c.m.goTracked(func() { c.ping(cur) })
	}
	return nil
}

func (c *channel) read(cur *liveConn) {
	for {
		_, msg, err := cur.ws.ReadMessage()
		if err != nil {
			c.drop(cur.gen, err)
			return
		}
		if c.cfg.ReadTimeout > 0 {
			_ = cur.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		if !c.enqueue(event{kind: eventMessage, msg: msg}) {
			return
		}
	}
}

func (c *channel) ping(cur *liveConn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	ctx := c.m.runCtx()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cur.done:
			return
		case <-ticker.C:
			if err := c.write(ctx, cur.ws, c.cfg.PingFrame()); err != nil {
				c.drop(cur.gen, err)
				return
			}
		}
	}
}

// drop handles the loss of connection gen. Stale generations are ignored.
func (c *channel) drop(gen uint64, err error) {
	c.mu.Lock()
	if c.cur == nil || c.cur.gen != gen {
		c.mu.Unlock()
		return
	}
	cur := c.cur
	c.cur = nil
	c.ws = nil
	c.state = StateDisconnected
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()

	close(cur.done)
	cur.ws.Close()

	c.m.log.Warn("channel closed", zap.String("channel", string(c.name)), zap.Error(err))
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.enqueue(event{kind: eventError, err: err})
	}
	c.enqueue(event{kind: eventClose, err: err})
	c.scheduleReconnect()
}

// close is an explicit disconnect: no reconnect follows.
func (c *channel) close(reason error) {
	c.mu.Lock()
	c.wanted = false
	if c.cancelLoop != nil {
		c.cancelLoop()
		c.cancelLoop = nil
	}
	c.reconnecting = false
	c.reconnectSeq++
	cur := c.cur
	c.cur = nil
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cur == nil {
		return
	}
	close(cur.done)
	c.writeMu.Lock()
	_ = cur.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	cur.ws.Close()
	c.enqueue(event{kind: eventClose, err: reason})
}

// scheduleReconnect starts the backoff loop unless one is already running.
func (c *channel) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || !c.wanted {
		c.mu.Unlock()
		return
	}
	parent := c.m.runCtx()
	if parent.Err() != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.reconnecting = true
	c.reconnectSeq++
	seq := c.reconnectSeq
	c.cancelLoop = cancel
	c.state = StateBackoff
	c.mu.Unlock()

	if !c.m.goTracked(func() { c.reconnectLoop(ctx, seq) }) {
		cancel()
		c.mu.Lock()
		if c.reconnectSeq == seq {
			c.reconnecting = false
		}
		c.mu.Unlock()
	}
}

func (c *channel) reconnectLoop(ctx context.Context, seq uint64) {
	for {
		c.mu.Lock()
		if c.reconnectSeq != seq {
			c.mu.Unlock()
			return
		}
		delay := c.m.backoff(c.attempts)
		c.attempts++
		attempt := c.attempts
		c.state = StateBackoff
		c.mu.Unlock()

		c.m.log.Info("reconnect scheduled",
			zap.String("channel", string(c.name)),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt))

		if err := c.m.sleep(ctx, delay); err != nil {
			c.endLoop(seq)
			return
		}

		c.mu.Lock()
		if !c.wanted || c.reconnectSeq != seq {
			c.mu.Unlock()
			c.endLoop(seq)
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		err := c.open(ctx, seq)
		if err == nil {
			return
		}
		if errors.Is(err, ErrShutdown) || ctx.Err() != nil {
			c.endLoop(seq)
			return
		}
		c.recordError(err)
		c.m.log.Warn("reconnect failed", zap.String("channel", string(c.name)), zap.Error(err))
		c.enqueue(event{kind: eventError, err: err})
	}
}

func (c *channel) endLoop(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectSeq == seq {
		c.reconnecting = false
		c.cancelLoop = nil
		if c.state == StateBackoff || c.state == StateConnecting {
			c.state = StateDisconnected
		}
	}
}

func (c *channel) dispatch(ctx context.Context) {
	defer c.m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.inbound:
			c.deliver(ev)
		}
	}
}

func (c *channel) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			c.m.log.Error("channel handler panic", zap.String("channel", string(c.name)), zap.Any("panic", r))
		}
	}()
	if c.m.handler == nil {
		return
	}
	switch ev.kind {
	case eventOpen:
		c.m.handler.OnOpen(c.name)
	case eventClose:
		c.m.handler.OnClose(c.name, ev.err)
	case eventMessage:
		c.m.handler.OnMessage(c.name, ev.msg)
	case eventError:
		c.m.handler.OnError(c.name, ev.err)
	}
}

func (c *channel) enqueue(ev event) bool {
	ctx := c.m.runCtx()
	select {
	case c.inbound <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *channel) write(ctx context.Context, ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(v); err != nil {
		return &common.TransportError{Op: "write " + string(c.name), Err: err}
	}
	return nil
}

func (c *channel) setDisconnected() {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func (c *channel) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *channel) hasTopic(t string) bool {
	for _, have := range c.topics {
		if have == t {
			return true
		}
	}
	return false
}

func (c *channel) status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ChannelStatus{
		Channel:   c.name,
		State:     c.state.String(),
		Attempts:  c.attempts,
		Topics:    append([]string(nil), c.topics...),
		LastError: c.lastErr,
	}
	if c.state == StateLive {
		st.ConnectedAt = c.connectedAt
	}
	return st
}
