package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"venue-gateway/internal/conn"
	"venue-gateway/pkg/exchanges/bybit"
	"venue-gateway/pkg/exchanges/common"
)

var ErrShutdown = errors.New("command channel shut down")

// Stream is the account channel as seen by the command path.
type Stream interface {
	IsLive(ch conn.Channel) bool
	Send(ctx context.Context, ch conn.Channel, v any) error
}

// Limiter gates every outbound attempt.
type Limiter interface {
	Acquire(ctx context.Context) error
	RecordOutcome(success bool)
}

// Observer is told about every finished Execute call.
type Observer interface {
	ObserveCommand(kind string, transport string, err error, latency time.Duration)
}

// Config tunes the channel.
type Config struct {
	Timeout     time.Duration
	MaxInFlight int
	RecvWindow  int64
	// Clock returns venue milliseconds for signing headers.
	Clock func() int64
}

// Channel executes commands over the account stream with REST fallback.
type Channel struct {
	cfg      Config
	stream   Stream
	venue    common.Venue
	limiter  Limiter
	policy   common.RetryPolicy
	observer Observer
	log      *zap.Logger

	pending *pendingTable
	pool    chan struct{}

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New wires a command channel. stream may be nil for REST-only operation.
// The policy's recorder and classifier default to limiter and bybit.Classify.
func New(cfg Config, stream Stream, venue common.Venue, limiter Limiter, policy common.RetryPolicy, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	if policy.Classify == nil {
		policy.Classify = bybit.Classify
	}
	if policy.Recorder == nil {
		policy.Recorder = limiter
	}
	return &Channel{
		cfg:     cfg,
		stream:  stream,
		venue:   venue,
		limiter: limiter,
		policy:  policy,
		log:     log.Named("command"),
		pending: newPendingTable(),
		pool:    make(chan struct{}, cfg.MaxInFlight),
		done:    make(chan struct{}),
	}
}

// SetObserver attaches a metrics observer; call before the first Execute.
func (c *Channel) SetObserver(o Observer) { c.observer = o }

// Execute runs cmd and returns its single logical outcome. Transient
// failures are absorbed; fatal venue rejections come back as *common.VenueError.
func (c *Channel) Execute(ctx context.Context, cmd Command) (Result, error) {
	start := time.Now()
	res, err := c.execute(ctx, cmd)
	res.Kind = cmd.Kind
	res.Latency = time.Since(start)
	if c.observer != nil {
		c.observer.ObserveCommand(cmd.Kind.String(), string(res.Transport), err, res.Latency)
	}
	if err != nil {
		c.log.Warn("command failed",
			zap.String("kind", cmd.Kind.String()),
			zap.String("transport", string(res.Transport)),
			zap.Duration("latency", res.Latency),
			zap.Error(err))
	}
	return res, err
}

func (c *Channel) execute(ctx context.Context, cmd Command) (Result, error) {
	if c.isClosed() {
		return Result{}, ErrShutdown
	}
	select {
	case c.pool <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-c.done:
		return Result{}, ErrShutdown
	}
	defer func() { <-c.pool }()

	if err := c.limiter.Acquire(ctx); err != nil {
		return Result{}, err
	}

	out := c.viaStream(ctx, cmd)
	if !out.fallback {
		return out.res, out.err
	}
	// A token consumed by a stream attempt does not cover the REST call.
	return c.viaREST(ctx, cmd, !out.attempted)
}

type streamOutcome struct {
	res       Result
	err       error
	attempted bool
	fallback  bool
}

func (c *Channel) viaStream(ctx context.Context, cmd Command) streamOutcome {
	if c.stream == nil || !c.stream.IsLive(conn.ChannelAccount) {
		return streamOutcome{fallback: true}
	}
	op := cmd.Kind.Op()
	p, err := c.pending.register(op, c.cfg.Timeout)
	if err != nil {
		return streamOutcome{err: err}
	}

	msg := bybit.CommandMessage{
		ID:     p.RequestID,
		Op:     op,
		Header: bybit.Header(c.cfg.Clock(), c.cfg.RecvWindow),
		Args:   []any{cmd.args()},
	}
	if err := c.stream.Send(ctx, conn.ChannelAccount, msg); err != nil {
		c.pending.remove(p.RequestID)
		c.limiter.RecordOutcome(false)
		c.log.Info("stream send failed, using rest", zap.String("op", op), zap.Error(err))
		return streamOutcome{attempted: true, fallback: true}
	}

	timer := time.NewTimer(time.Until(p.TimeoutAt))
	defer timer.Stop()
	select {
	case r := <-p.done():
		if r.err != nil {
			return streamOutcome{err: r.err, attempted: true}
		}
		return c.streamResult(cmd, r.env)
	case <-timer.C:
		c.pending.remove(p.RequestID)
		c.limiter.RecordOutcome(false)
		c.log.Warn("stream command timed out, using rest",
			zap.String("op", op), zap.String("req_id", p.RequestID))
		return streamOutcome{attempted: true, fallback: true}
	case <-ctx.Done():
		c.pending.remove(p.RequestID)
		return streamOutcome{err: ctx.Err(), attempted: true}
	}
}

func (c *Channel) streamResult(cmd Command, env bybit.Envelope) streamOutcome {
	op := cmd.Kind.Op()
	res := Result{Transport: TransportStream}
	verr := env.Err(op)
	if verr == nil {
		var err error
		if cmd.Kind == KindCancelAll {
			res.Cancelled, err = bybit.DecodeCancelAll(env.Payload())
		} else {
			res.Ack, err = bybit.DecodeAck(env.Payload())
		}
		if err != nil {
			// Accepted but unreadable: let REST establish the outcome.
			c.limiter.RecordOutcome(false)
			c.log.Warn("undecodable stream ack, using rest", zap.String("op", op), zap.Error(err))
			return streamOutcome{attempted: true, fallback: true}
		}
		c.limiter.RecordOutcome(true)
		return streamOutcome{res: res, attempted: true}
	}

	switch c.policy.Classify(verr) {
	case common.ClassIdempotentSuccess:
		c.limiter.RecordOutcome(true)
		res.AlreadyClosed = true
		return streamOutcome{res: res, attempted: true}
	case common.ClassRetryable:
		c.limiter.RecordOutcome(false)
		c.log.Info("retryable stream rejection, using rest", zap.String("op", op), zap.Error(verr))
		return streamOutcome{attempted: true, fallback: true}
	default:
		c.limiter.RecordOutcome(false)
		return streamOutcome{res: res, err: verr, attempted: true}
	}
}

func (c *Channel) viaREST(ctx context.Context, cmd Command, tokenHeld bool) (Result, error) {
	res := Result{Transport: TransportREST}
	if c.venue == nil {
		return res, errors.New("no rest venue configured")
	}

	first := true
	err := c.policy.Run(ctx, func(ctx context.Context) error {
		if !first || !tokenHeld {
			if err := c.limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		first = false

		actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		var err error
		switch cmd.Kind {
		case KindPlace:
			res.Ack, err = c.venue.PlaceOrder(actx, cmd.Place)
		case KindAmend:
			res.Ack, err = c.venue.AmendOrder(actx, cmd.Amend)
		case KindCancel:
			res.Ack, err = c.venue.CancelOrder(actx, cmd.Cancel)
		case KindCancelAll:
			res.Cancelled, err = c.venue.CancelAllOrders(actx, cmd.Category, cmd.Symbol)
		default:
			err = fmt.Errorf("unknown command kind %d", cmd.Kind)
		}
		return err
	})

	switch {
	case err == nil:
		return res, nil
	case (cmd.Kind == KindCancel || cmd.Kind == KindAmend) && bybit.IsOrderNotExists(err):
		res.AlreadyClosed = true
		return res, nil
	case cmd.Kind == KindPlace && bybit.IsDuplicateLinkID(err) && cmd.Place.ClientOrderID != "":
		return c.resolvePlaced(ctx, cmd.Place, res)
	}
	return res, err
}

// resolvePlaced looks up a placement that an earlier attempt already landed.
func (c *Channel) resolvePlaced(ctx context.Context, p common.PlaceParams, res Result) (Result, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	o, err := c.venue.FindOrder(actx, p.Category, p.Symbol, p.ClientOrderID)
	if err != nil {
		return res, fmt.Errorf("resolve duplicate placement %s: %w", p.ClientOrderID, err)
	}
	c.log.Info("placement already on venue", zap.String("link_id", p.ClientOrderID), zap.String("order_id", o.OrderID))
	res.Ack = common.OrderAck{OrderID: o.OrderID, ClientOrderID: o.ClientOrderID}
	res.Order = &o
	return res, nil
}

// HandleResponse routes a correlated reply to its waiter. It reports false
// for replies nobody waits for anymore.
func (c *Channel) HandleResponse(env bybit.Envelope) bool {
	id := env.RequestID()
	if id == "" {
		return false
	}
	ok := c.pending.resolve(id, response{env: env})
	if !ok {
		c.log.Debug("late or unknown command response", zap.String("req_id", id))
	}
	return ok
}

// Pending returns the number of requests awaiting a stream response.
func (c *Channel) Pending() int { return c.pending.len() }

// InFlight returns the number of occupied worker slots.
func (c *Channel) InFlight() int { return len(c.pool) }

// Shutdown fails every pending command with ErrShutdown and rejects new ones.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	n := c.pending.close(ErrShutdown)
	c.log.Info("command channel stopped", zap.Int("resolved_pending", n))
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
