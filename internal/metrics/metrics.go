package metrics

import "sync"

// Counter names used across the relay. Drops are counted by reason so a
// misbehaving client population shows up in a single scrape.
const (
	EnvelopesReceived     = "envelopes_received"
	DropMalformed         = "dropped_malformed"
	DropUnknownAction     = "dropped_unknown_action"
	DropUnauthorizedJoin  = "dropped_unauthorized_join"
	DropRateLimited       = "dropped_rate_limited"
	DropSendQueueOverflow = "dropped_send_queue_overflow"

	RoomBroadcasts    = "room_broadcasts"
	DirectDeliveries  = "direct_deliveries"
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the
// routing and enforcement logic testable without standing up a metrics
// backend; PrometheusHandler exposes the same counters for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc increments the named counter. A nil receiver is a no-op so components
// can treat metrics as optional.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add adds n to the named counter.
func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
