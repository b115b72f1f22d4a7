// Package publish fans gateway events and periodic health reports out to
// Redis for dashboards and other processes.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"venue-gateway/internal/events"
	"venue-gateway/internal/health"
	"venue-gateway/pkg/config"
)

// Topics forwarded to Redis. Market data stays local.
var Topics = []events.Event{
	events.EventOrderUpdate, events.EventOrderClosed, events.EventFill,
	events.EventPositionChange, events.EventBalance, events.EventConnection,
	events.EventHealthTransition, events.EventAlert,
}

// Reporter supplies the latest health report.
type Reporter interface {
	HealthReport() health.Report
}

type envelope struct {
	Event   events.Event `json:"event"`
	At      time.Time    `json:"at"`
	Payload any          `json:"payload"`
}

// Publisher forwards bus events to a Redis channel and keeps the latest
// health report under "<channel>:health".
type Publisher struct {
	writer   *BatchWriter
	bus      *events.Bus
	reporter Reporter
	channel  string
	interval time.Duration
	log      *zap.Logger
}

// Options tune a Publisher. Zero values use defaults.
type Options struct {
	Channel        string
	ReportInterval time.Duration
	BatchSize      int
	FlushInterval  time.Duration
}

func New(client *redis.Client, bus *events.Bus, reporter Reporter, opts Options, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("publish")
	if opts.Channel == "" {
		opts.Channel = "gateway:status"
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 5 * time.Second
	}
	return &Publisher{
		writer:   NewBatchWriter(client, opts.BatchSize, opts.FlushInterval, log),
		bus:      bus,
		reporter: reporter,
		channel:  opts.Channel,
		interval: opts.ReportInterval,
		log:      log,
	}
}

// NewFromConfig returns nil when no Redis address is configured.
func NewFromConfig(cfg config.RedisConfig, bus *events.Bus, reporter Reporter, log *zap.Logger) (*Publisher, *redis.Client) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return New(client, bus, reporter, Options{Channel: cfg.Channel}, log), client
}

// HealthKey is where the latest report is stored.
func (p *Publisher) HealthKey() string { return p.channel + ":health" }

// Run forwards until ctx ends, then flushes.
func (p *Publisher) Run(ctx context.Context) {
	msgs, unsub := p.bus.Subscribe(Topics, 1024)
	defer unsub()
	defer p.writer.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.storeReport()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			p.forward(msg)
		case <-ticker.C:
			p.storeReport()
		}
	}
}

func (p *Publisher) forward(msg events.Message) {
	raw, err := json.Marshal(envelope{Event: msg.Event, At: msg.At, Payload: msg.Payload})
	if err != nil {
		p.log.Warn("event not serializable", zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}
	p.writer.Write(Op{Channel: p.channel, Payload: raw})
}

func (p *Publisher) storeReport() {
	if p.reporter == nil {
		return
	}
	raw, err := json.Marshal(p.reporter.HealthReport())
	if err != nil {
		p.log.Warn("health report not serializable", zap.Error(err))
		return
	}
	p.writer.Write(Op{Key: p.HealthKey(), TTL: 3 * p.interval, Payload: raw})
}

func (p *Publisher) Stats() WriterStats { return p.writer.Stats() }
