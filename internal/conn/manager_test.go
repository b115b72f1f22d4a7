package conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	reject   atomic.Bool
	accepted atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
	// frames received from the client, per connection index
	frames chan frame
}

type frame struct {
	conn int
	text string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{frames: make(chan frame, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		idx := int(s.accepted.Add(1)) - 1
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go func() {
			for {
				_, msg, err := c.ReadMessage()
				if err != nil {
					return
				}
				s.frames <- frame{conn: idx, text: string(msg)}
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *wsServer) last() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (s *wsServer) dropLast() { s.last().Close() }

func (s *wsServer) nextFrame(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return frame{}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
	msgs   []string
	opens  chan struct{}
	closes chan struct{}
}

func newRecorder() *recorder {
	return &recorder{opens: make(chan struct{}, 16), closes: make(chan struct{}, 16)}
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnOpen(ch Channel) {
	r.add("open:" + string(ch))
	r.opens <- struct{}{}
}

func (r *recorder) OnClose(ch Channel, err error) {
	r.add("close:" + string(ch))
	r.closes <- struct{}{}
}

func (r *recorder) OnMessage(ch Channel, msg []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(msg))
	r.mu.Unlock()
}

func (r *recorder) OnError(ch Channel, err error) { r.add("error:" + string(ch)) }

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// delayLog records backoff sleeps and lets the test decide when they end.
type delayLog struct {
	mu      sync.Mutex
	delays  []time.Duration
	release chan struct{}
}

func (d *delayLog) sleep(ctx context.Context, dur time.Duration) error {
	d.mu.Lock()
	d.delays = append(d.delays, dur)
	d.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.release:
		return nil
	}
}

func (d *delayLog) snapshot() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

func subscribeFrame(topics []string) any {
	return map[string]any{"op": "subscribe", "args": topics}
}

func newTestManager(t *testing.T, url string, h Handler, hs Handshake) (*Manager, *delayLog) {
	t.Helper()
	m := New(Config{
		Channels: map[Channel]ChannelConfig{
			ChannelAccount: {URL: url, Handshake: hs, SubscribeFrame: subscribeFrame},
		},
	}, h, zap.NewNop())
	dl := &delayLog{release: make(chan struct{})}
	m.sleep = dl.sleep
	m.Start(context.Background())
	t.Cleanup(m.Shutdown)
	return m, dl
}

func TestConnectGoesLiveAndDeliversInOrder(t *testing.T) {
	srv := newWSServer(t)
	rec := newRecorder()
	m, _ := newTestManager(t, srv.url(), rec, nil)

	require.NoError(t, m.Subscribe(ChannelAccount, "order", "position"))
	require.NoError(t, m.Connect(context.Background(), ChannelAccount))
	require.True(t, m.IsLive(ChannelAccount))
	waitSignal(t, rec.opens, "open")

	f := srv.nextFrame(t)
	assert.Contains(t, f.text, `"order"`)
	assert.Contains(t, f.text, `"position"`)

	for _, msg := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, srv.last().WriteMessage(websocket.TextMessage, []byte(msg)))
	}
	require.Eventually(t, func() bool { return len(rec.messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, rec.messages())
}

func TestReconnectResubscribesBeforeLive(t *testing.T) {
	srv := newWSServer(t)
	rec := newRecorder()
	m, dl := newTestManager(t, srv.url(), rec, nil)

	require.NoError(t, m.Subscribe(ChannelAccount, "order"))
	require.NoError(t, m.Connect(context.Background(), ChannelAccount))
	waitSignal(t, rec.opens, "open")
	srv.nextFrame(t)

	srv.dropLast()
	waitSignal(t, rec.closes, "close")
	assert.False(t, m.IsLive(ChannelAccount))

	require.Eventually(t, func() bool { return len(dl.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Second, dl.snapshot()[0])

	dl.release <- struct{}{}
	waitSignal(t, rec.opens, "reopen")
	f := srv.nextFrame(t)
	assert.Equal(t, 1, f.conn)
	assert.Contains(t, f.text, `"order"`)
	assert.True(t, m.IsLive(ChannelAccount))

	st := m.Status()
	require.Len(t, st, 1)
	assert.Equal(t, "live", st[0].State)
	assert.Equal(t, 0, st[0].Attempts)
}

func TestReconnectFollowsLadder(t *testing.T) {
	srv := newWSServer(t)
	rec := newRecorder()
	m, dl := newTestManager(t, srv.url(), rec, nil)

	require.NoError(t, m.Connect(context.Background(), ChannelAccount))
	waitSignal(t, rec.opens, "open")

	srv.reject.Store(true)
	srv.dropLast()
	waitSignal(t, rec.closes, "close")

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return len(dl.snapshot()) == i+1 }, 2*time.Second, 5*time.Millisecond)
		dl.release <- struct{}{}
	}
	require.Eventually(t, func() bool { return len(dl.snapshot()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, dl.snapshot())

	srv.reject.Store(false)
	dl.release <- struct{}{}
	waitSignal(t, rec.opens, "reopen")

	// Ladder restarts from the first rung after a successful connect.
	srv.dropLast()
	require.Eventually(t, func() bool { return len(dl.snapshot()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Second, dl.snapshot()[4])
}

func TestSingleReconnectTaskPerChannel(t *testing.T) {
	srv := newWSServer(t)
	m, dl := newTestManager(t, srv.url(), newRecorder(), nil)

	c := m.channels[ChannelAccount]
	c.mu.Lock()
	c.wanted = true
	c.mu.Unlock()

	c.scheduleReconnect()
	c.scheduleReconnect()
	c.scheduleReconnect()

	require.Eventually(t, func() bool { return len(dl.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, dl.snapshot(), 1)
	assert.Equal(t, "backoff", m.Status()[0].State)
}

func TestShutdownCancelsPendingReconnect(t *testing.T) {
	srv := newWSServer(t)
	rec := newRecorder()
	m, dl := newTestManager(t, srv.url(), rec, nil)

	require.NoError(t, m.Connect(context.Background(), ChannelAccount))
	waitSignal(t, rec.opens, "open")
	srv.dropLast()
	require.Eventually(t, func() bool { return len(dl.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()
	waitSignal(t, done, "shutdown")

	assert.False(t, m.IsLive(ChannelAccount))
	assert.Equal(t, "disconnected", m.Status()[0].State)
	assert.Equal(t, int32(1), srv.accepted.Load())
	assert.ErrorIs(t, m.Connect(context.Background(), ChannelAccount), ErrShutdown)
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	srv := newWSServer(t)
	rec := newRecorder()
	m, dl := newTestManager(t, srv.url(), rec, nil)

	require.NoError(t, m.Connect(context.Background(), ChannelAccount))
	waitSignal(t, rec.opens, "open")
	require.NoError(t, m.Disconnect(ChannelAccount))
	waitSignal(t, rec.closes, "close")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, dl.snapshot())
	assert.ErrorIs(t, m.Send(context.Background(), ChannelAccount, map[string]string{"op": "ping"}), ErrNotLive)
}

func TestHandshakeFailureSchedulesReconnect(t *testing.T) {
	srv := newWSServer(t)
	rec := newRecorder()
	errDenied := errors.New("denied")
	m, dl := newTestManager(t, srv.url(), rec, func(context.Context, *websocket.Conn) error {
		return errDenied
	})

	err := m.Connect(context.Background(), ChannelAccount)
	require.ErrorIs(t, err, errDenied)
	assert.False(t, m.IsLive(ChannelAccount))
	require.Eventually(t, func() bool { return len(dl.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownChannel(t *testing.T) {
	m := New(Config{}, nil, nil)
	assert.ErrorIs(t, m.Subscribe(ChannelMarket, "x"), ErrUnknownChannel)
	assert.False(t, m.IsLive(ChannelMarket))
}
