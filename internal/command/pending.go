package command

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"venue-gateway/pkg/exchanges/bybit"
)

// response is what resolves a PendingCommand: a venue reply or a local error.
type response struct {
	env bybit.Envelope
	err error
}

// PendingCommand is one correlated request awaiting its response.
type PendingCommand struct {
	RequestID string
	Op        string
	IssuedAt  time.Time
	TimeoutAt time.Time

	once   sync.Once
	result chan response
}

// resolve delivers r if nothing was delivered before.
func (p *PendingCommand) resolve(r response) bool {
	delivered := false
	p.once.Do(func() {
		p.result <- r
		delivered = true
	})
	return delivered
}

// Done yields the single result.
func (p *PendingCommand) done() <-chan response { return p.result }

// pendingTable correlates responses with requests by request id. Entries are
// removed on resolution, timeout or abandonment.
type pendingTable struct {
	mu     sync.Mutex
	items  map[string]*PendingCommand
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{items: make(map[string]*PendingCommand)}
}

func (t *pendingTable) register(op string, timeout time.Duration) (*PendingCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return nil, t.closed
	}
	now := time.Now()
	p := &PendingCommand{
		RequestID: uuid.NewString(),
		Op:        op,
		IssuedAt:  now,
		TimeoutAt: now.Add(timeout),
		result:    make(chan response, 1),
	}
	t.items[p.RequestID] = p
	return p, nil
}

// resolve removes the entry for id and hands it r. It reports false for
// unknown ids, which covers late replies to timed-out requests.
func (t *pendingTable) resolve(id string, r response) bool {
	t.mu.Lock()
	p, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	return p.resolve(r)
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.items, id)
	t.mu.Unlock()
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// close resolves every entry with err and refuses new registrations.
func (t *pendingTable) close(err error) int {
	t.mu.Lock()
	t.closed = err
	items := t.items
	t.items = make(map[string]*PendingCommand)
	t.mu.Unlock()

	for _, p := range items {
		p.resolve(response{err: err})
	}
	return len(items)
}
