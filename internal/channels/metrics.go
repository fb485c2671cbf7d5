package channels

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// gateOutcome labels what the delivery gate decided for an inbound event.
type gateOutcome string

const (
	outcomeDelivered    gateOutcome = "delivered"
	outcomeMetadataOnly gateOutcome = "metadata_only"
	outcomeNoTrigger    gateOutcome = "no_trigger"
)

// Mirror receives a copy of selected counter updates, typically the process
// scrape surface in internal/observability. Message totals and queue depth
// are mirrored by the registry, which sees the routed direction.
type Mirror interface {
	RecordGateOutcome(channel, outcome string)
	RecordReconnect(channel string)
	ObserveSendLatency(channel string, seconds float64)
}

// Metrics tracks per-channel delivery pipeline counters: message flow, gate
// decisions, queue behavior, and connection churn.
type Metrics struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesFailed   atomic.Uint64

	queued     atomic.Uint64
	queueDrops atomic.Uint64

	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64
	reconnectAttempts atomic.Uint64
	fatalErrors       atomic.Uint64

	outcomesMu sync.Mutex
	outcomes   map[gateOutcome]uint64

	sendLatency *latencyRing

	channel   models.ChannelType
	startTime time.Time
	mirror    Mirror
}

// NewMetrics creates metrics for one channel.
func NewMetrics(channel models.ChannelType) *Metrics {
	return &Metrics{
		outcomes:    make(map[gateOutcome]uint64),
		sendLatency: newLatencyRing(512),
		channel:     channel,
		startTime:   time.Now(),
	}
}

func (m *Metrics) RecordMessageSent()      { m.messagesSent.Add(1) }
func (m *Metrics) RecordMessageReceived()  { m.messagesReceived.Add(1) }
func (m *Metrics) RecordMessageFailed()    { m.messagesFailed.Add(1) }
func (m *Metrics) RecordQueued()           { m.queued.Add(1) }
func (m *Metrics) RecordQueueDrop()        { m.queueDrops.Add(1) }
func (m *Metrics) RecordConnectionOpened() { m.connectionsOpened.Add(1) }
func (m *Metrics) RecordConnectionClosed() { m.connectionsClosed.Add(1) }
func (m *Metrics) RecordFatal()            { m.fatalErrors.Add(1) }

// SetMirror attaches a mirror. Must be called before the channel connects.
func (m *Metrics) SetMirror(mirror Mirror) {
	m.mirror = mirror
}

func (m *Metrics) RecordReconnectAttempt() {
	m.reconnectAttempts.Add(1)
	if m.mirror != nil {
		m.mirror.RecordReconnect(string(m.channel))
	}
}

func (m *Metrics) RecordGateOutcome(outcome gateOutcome) {
	m.outcomesMu.Lock()
	m.outcomes[outcome]++
	m.outcomesMu.Unlock()
	if m.mirror != nil {
		m.mirror.RecordGateOutcome(string(m.channel), string(outcome))
	}
}

func (m *Metrics) RecordSendLatency(d time.Duration) {
	m.sendLatency.record(d)
	if m.mirror != nil {
		m.mirror.ObserveSendLatency(string(m.channel), d.Seconds())
	}
}

// Snapshot returns a point-in-time view of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.outcomesMu.Lock()
	outcomes := make(map[string]uint64, len(m.outcomes))
	for k, v := range m.outcomes {
		outcomes[string(k)] = v
	}
	m.outcomesMu.Unlock()

	return MetricsSnapshot{
		Channel:           m.channel,
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		MessagesFailed:    m.messagesFailed.Load(),
		Queued:            m.queued.Load(),
		QueueDrops:        m.queueDrops.Load(),
		GateOutcomes:      outcomes,
		ConnectionsOpened: m.connectionsOpened.Load(),
		ConnectionsClosed: m.connectionsClosed.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		FatalErrors:       m.fatalErrors.Load(),
		SendLatency:       m.sendLatency.snapshot(),
		Uptime:            time.Since(m.startTime),
	}
}

// MetricsSnapshot is a point-in-time view of a channel's metrics.
type MetricsSnapshot struct {
	Channel           models.ChannelType
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesFailed    uint64
	Queued            uint64
	QueueDrops        uint64
	GateOutcomes      map[string]uint64
	ConnectionsOpened uint64
	ConnectionsClosed uint64
	ReconnectAttempts uint64
	FatalErrors       uint64
	SendLatency       LatencySnapshot
	Uptime            time.Duration
}

// latencyRing keeps the most recent send latencies for percentile stats.
type latencyRing struct {
	mu      sync.Mutex
	samples []time.Duration
	head    int
	count   int
}

func newLatencyRing(size int) *latencyRing {
	return &latencyRing{samples: make([]time.Duration, size)}
}

func (r *latencyRing) record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.head] = d
	r.head = (r.head + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

func (r *latencyRing) snapshot() LatencySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return LatencySnapshot{}
	}

	sorted := make([]time.Duration, r.count)
	for i := 0; i < r.count; i++ {
		sorted[i] = r.samples[(r.head-r.count+i+len(r.samples))%len(r.samples)]
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencySnapshot{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
	}
}

// LatencySnapshot summarizes recent send latencies.
type LatencySnapshot struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
}
