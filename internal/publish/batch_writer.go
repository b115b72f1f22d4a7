package publish

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Op is one buffered Redis write. An empty Key publishes Payload on Channel;
// otherwise Payload is stored under Key with TTL.
type Op struct {
	Channel string
	Key     string
	TTL     time.Duration
	Payload []byte
}

// BatchWriter buffers writes and flushes them through one pipeline, either
// when maxSize ops are pending or every interval.
type BatchWriter struct {
	client   *redis.Client
	log      *zap.Logger
	buffer   []Op
	mu       sync.Mutex
	maxSize  int
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
}

// WriterStats counts flushed writes.
type WriterStats struct {
	TotalWrites  uint64 `json:"totalWrites"`
	TotalBatches uint64 `json:"totalBatches"`
	TotalErrors  uint64 `json:"totalErrors"`
}

func NewBatchWriter(client *redis.Client, maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	bw := &BatchWriter{
		client:   client,
		log:      log,
		buffer:   make([]Op, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		timeout:  5 * time.Second,
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write queues an op, flushing inline when the buffer is full.
func (bw *BatchWriter) Write(op Op) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		_ = bw.Flush()
	}
}

// Flush sends everything pending.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]Op, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.execute(ops)
}

func (bw *BatchWriter) execute(ops []Op) error {
	ctx, cancel := context.WithTimeout(context.Background(), bw.timeout)
	defer cancel()

	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)

	pipe := bw.client.Pipeline()
	for _, op := range ops {
		if op.Key != "" {
			pipe.Set(ctx, op.Key, op.Payload, op.TTL)
			continue
		}
		pipe.Publish(ctx, op.Channel, op.Payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		bw.totalErrors.Add(1)
		bw.log.Warn("redis batch failed", zap.Int("ops", len(ops)), zap.Error(err))
		return err
	}
	bw.log.Debug("redis batch flushed", zap.Int("ops", len(ops)))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.done:
			_ = bw.Flush()
			return
		}
	}
}

// Pending returns the number of queued ops.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BatchWriter) Stats() WriterStats {
	return WriterStats{
		TotalWrites:  bw.totalWrites.Load(),
		TotalBatches: bw.totalBatches.Load(),
		TotalErrors:  bw.totalErrors.Load(),
	}
}

// Close flushes what is pending and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.once.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
