package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/pkg/netstate"
	"main/pkg/retry"
	"main/pkg/transport"
)

// EventKind classifies a connection lifecycle event.
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventReconnect  EventKind = "reconnect"
)

// HistoryEntry is one recorded lifecycle event. History is append-only for
// the process lifetime; ResetMetrics truncates it.
type HistoryEntry struct {
	Timestamp time.Time
	Kind      EventKind
	Success   bool
	Duration  time.Duration
}

// Metrics are the running counters derived from recorded events.
type Metrics struct {
	TotalConnections      int
	SuccessfulConnections int
	FailedConnections     int
	TotalRetryAttempts    int
	AverageRetryTime      time.Duration
	LastConnectDuration   time.Duration
	Uptime                time.Duration
}

// Option configures a Monitor.
type Option struct {
	// Detector supplies connectivity state; when set, the monitor forces a
	// reconnect across registered clients when connectivity returns. Optional.
	Detector *netstate.Detector
	// Retry configures the wrapped policy used for aggregate bookkeeping.
	// The policy never drives a connection. Optional.
	Retry retry.Config
	// Collectors receives metric updates, e.g. the Prometheus bridge. Optional.
	Collectors []Collector
	// Sinks receive every recorded history entry, e.g. a persistence layer. Optional.
	Sinks []Sink
}

// Collector observes metric updates.
type Collector interface {
	ObserveEvent(kind EventKind, success bool)
	ObserveOnline(online bool)
}

// Sink consumes recorded history entries. Returning false signals the entry
// was not accepted; the monitor does not retry.
type Sink interface {
	Record(entry HistoryEntry) bool
}

// Monitor aggregates lifecycle events from transport clients into metrics
// and human-readable reports.
type Monitor struct {
	opt       Option
	policy    *retry.Policy
	createdAt time.Time

	mu           sync.Mutex
	history      []HistoryEntry
	retrySum     time.Duration
	retrySamples int
	totals       Metrics
	clients      []transport.Client
	removeListen func()

	now func() time.Time
}

// New builds a monitor and, when a detector is configured, subscribes to its
// transitions.
func New(option ...Option) *Monitor {
	var opt Option
	if len(option) != 0 {
		opt = option[0]
	}
	m := &Monitor{
		opt:       opt,
		policy:    retry.New(opt.Retry),
		createdAt: time.Now(),
		now:       time.Now,
	}
	if opt.Detector != nil {
		m.removeListen = opt.Detector.AddListener(m.onNetworkChange)
	}
	return m
}

// RecordEvent appends a lifecycle event and recomputes the running counters.
// Duration is optional; it is only meaningful for reconnect events (time to
// recover) and successful connects (dial latency).
func (m *Monitor) RecordEvent(kind EventKind, success bool, duration ...time.Duration) {
	var d time.Duration
	hasDuration := len(duration) != 0
	if hasDuration {
		d = duration[0]
	}
	entry := HistoryEntry{
		Timestamp: m.now(),
		Kind:      kind,
		Success:   success,
		Duration:  d,
	}

	m.mu.Lock()
	m.history = append(m.history, entry)

	switch kind {
	case EventConnect, EventReconnect:
		m.totals.TotalConnections++
		if success {
			m.totals.SuccessfulConnections++
			if hasDuration {
				m.totals.LastConnectDuration = d
			}
		} else {
			m.totals.FailedConnections++
		}
		if kind == EventReconnect {
			m.totals.TotalRetryAttempts++
			if hasDuration {
				m.retrySum += d
				m.retrySamples++
				m.totals.AverageRetryTime = m.retrySum / time.Duration(m.retrySamples)
			}
		}
	case EventDisconnect:
		// disconnects only live in the history log
	}
	m.mu.Unlock()

	for _, collector := range m.opt.Collectors {
		collector.ObserveEvent(kind, success)
	}
	for _, sink := range m.opt.Sinks {
		if !sink.Record(entry) {
			logs.Warnf("monitor sink rejected %s event", kind)
		}
	}
}

// Metrics returns a snapshot of the running counters.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.totals
	snapshot.Uptime = m.now().Sub(m.createdAt)
	return snapshot
}

// History returns a copy of the recorded events.
func (m *Monitor) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HistoryEntry(nil), m.history...)
}

// Policy exposes the wrapped retry policy. The monitor never advances it;
// callers own its bookkeeping when they drive retries through the monitor
// rather than through a transport client.
func (m *Monitor) Policy() *retry.Policy {
	return m.policy
}

// retryStats reports the busiest registered client, falling back to the
// wrapped policy when no client has retry activity.
func (m *Monitor) retryStats() retry.Stats {
	m.mu.Lock()
	clients := append([]transport.Client(nil), m.clients...)
	m.mu.Unlock()

	stats := m.policy.Stats()
	for _, client := range clients {
		s := client.RetryStats()
		if s.AttemptCount > stats.AttemptCount || (s.IsRetrying && !stats.IsRetrying) {
			stats = s
		}
	}
	return stats
}

// MonitorClient registers a client for passive observation and
// force-reconnect. Callers remain responsible for forwarding the client's
// lifecycle events into RecordEvent.
func (m *Monitor) MonitorClient(client transport.Client) {
	if client == nil {
		return
	}
	m.mu.Lock()
	m.clients = append(m.clients, client)
	m.mu.Unlock()
}

// ForceReconnect reconnects every registered client immediately.
func (m *Monitor) ForceReconnect() {
	m.mu.Lock()
	clients := append([]transport.Client(nil), m.clients...)
	m.mu.Unlock()

	for _, client := range clients {
		if err := client.Reconnect(); err != nil {
			logs.Errorf("monitor force reconnect, err: %+v", err)
			m.RecordEvent(EventReconnect, false)
			continue
		}
		m.RecordEvent(EventReconnect, true)
	}
}

func (m *Monitor) onNetworkChange(online bool) {
	for _, collector := range m.opt.Collectors {
		collector.ObserveOnline(online)
	}
	if !online {
		logs.Warnf("network offline")
		return
	}
	logs.Info("network back online, forcing reconnect")
	m.ForceReconnect()
}

// ResetMetrics truncates the history, zeroes the counters and resets the
// wrapped policy.
func (m *Monitor) ResetMetrics() {
	m.mu.Lock()
	m.history = nil
	m.totals = Metrics{}
	m.retrySum = 0
	m.retrySamples = 0
	m.createdAt = m.now()
	m.mu.Unlock()
	m.policy.Reset()
}

// Close detaches the monitor from its detector.
func (m *Monitor) Close() {
	if m.removeListen != nil {
		m.removeListen()
		m.removeListen = nil
	}
}

// GenerateReport renders a deterministic summary of the current metrics plus
// live detector and client retry state.
func (m *Monitor) GenerateReport() string {
	metrics := m.Metrics()
	stats := m.retryStats()

	successRate := 0.0
	if metrics.TotalConnections > 0 {
		successRate = float64(metrics.SuccessfulConnections) / float64(metrics.TotalConnections) * 100
	}

	online := true
	if m.opt.Detector != nil {
		online = m.opt.Detector.IsOnline()
	}

	var b strings.Builder
	b.WriteString("connection report\n")
	fmt.Fprintf(&b, "  total connections:  %d\n", metrics.TotalConnections)
	fmt.Fprintf(&b, "  successful:         %d\n", metrics.SuccessfulConnections)
	fmt.Fprintf(&b, "  failed:             %d\n", metrics.FailedConnections)
	fmt.Fprintf(&b, "  success rate:       %.1f%%\n", successRate)
	fmt.Fprintf(&b, "  retry attempts:     %d\n", metrics.TotalRetryAttempts)
	fmt.Fprintf(&b, "  avg retry time:     %s\n", metrics.AverageRetryTime)
	fmt.Fprintf(&b, "  last connect time:  %s\n", metrics.LastConnectDuration)
	fmt.Fprintf(&b, "  uptime:             %s\n", metrics.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "  retrying:           %t (%d/%d attempts)\n", stats.IsRetrying, stats.AttemptCount, stats.MaxAttempts)
	fmt.Fprintf(&b, "  network online:     %t\n", online)
	return b.String()
}
