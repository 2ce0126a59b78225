package monitor

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/pkg/netstate"
	"main/pkg/retry"
	"main/pkg/transport"
)

type fakeClient struct {
	mu         sync.Mutex
	reconnects int
	status     transport.Status
	stats      retry.Stats
}

var _ transport.Client = (*fakeClient)(nil)

func (c *fakeClient) Connect() error { return nil }
func (c *fakeClient) Disconnect()    {}
func (c *fakeClient) Reconnect() error {
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
	return nil
}
func (c *fakeClient) Status() transport.Status { return c.status }
func (c *fakeClient) RetryStats() retry.Stats  { return c.stats }

func (c *fakeClient) reconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func TestRecordEventCounts(t *testing.T) {
	m := New()

	m.RecordEvent(EventConnect, true, 120*time.Millisecond)
	m.RecordEvent(EventDisconnect, false)
	m.RecordEvent(EventReconnect, true, 200*time.Millisecond)
	m.RecordEvent(EventReconnect, true, 400*time.Millisecond)
	m.RecordEvent(EventReconnect, false)

	metrics := m.Metrics()
	assert.Equal(t, 4, metrics.TotalConnections) // connects + reconnects
	assert.Equal(t, 3, metrics.SuccessfulConnections)
	assert.Equal(t, 1, metrics.FailedConnections)
	assert.Equal(t, 3, metrics.TotalRetryAttempts)
	assert.Equal(t, 300*time.Millisecond, metrics.AverageRetryTime)
	assert.Equal(t, 120*time.Millisecond, metrics.LastConnectDuration)

	history := m.History()
	require.Len(t, history, 5)
	assert.Equal(t, EventConnect, history[0].Kind)
	assert.Equal(t, EventDisconnect, history[1].Kind)
	assert.False(t, history[0].Timestamp.IsZero())
}

func TestHistoryIsSnapshot(t *testing.T) {
	m := New()
	m.RecordEvent(EventConnect, true)

	history := m.History()
	history[0].Kind = EventDisconnect

	assert.Equal(t, EventConnect, m.History()[0].Kind)
}

func TestResetMetrics(t *testing.T) {
	m := New()
	m.RecordEvent(EventConnect, true)
	m.RecordEvent(EventReconnect, true, time.Second)

	m.ResetMetrics()

	assert.Empty(t, m.History())
	metrics := m.Metrics()
	assert.Zero(t, metrics.TotalConnections)
	assert.Zero(t, metrics.TotalRetryAttempts)
	assert.Zero(t, metrics.AverageRetryTime)
	assert.Zero(t, m.Policy().Stats().AttemptCount)
}

func TestForceReconnectOnNetworkRecovery(t *testing.T) {
	detector := netstate.New()
	m := New(Option{Detector: detector})
	defer m.Close()

	a, b := &fakeClient{}, &fakeClient{}
	m.MonitorClient(a)
	m.MonitorClient(b)

	detector.SetOnline(false)
	assert.Equal(t, 0, a.reconnectCount())

	detector.SetOnline(true)
	assert.Equal(t, 1, a.reconnectCount())
	assert.Equal(t, 1, b.reconnectCount())

	metrics := m.Metrics()
	assert.Equal(t, 2, metrics.TotalRetryAttempts)
}

func TestCloseDetachesDetector(t *testing.T) {
	detector := netstate.New()
	m := New(Option{Detector: detector})

	client := &fakeClient{}
	m.MonitorClient(client)
	m.Close()

	detector.SetOnline(false)
	detector.SetOnline(true)
	assert.Equal(t, 0, client.reconnectCount())
}

func TestGenerateReport(t *testing.T) {
	detector := netstate.New()
	m := New(Option{Detector: detector})
	defer m.Close()

	m.RecordEvent(EventConnect, true)
	m.RecordEvent(EventReconnect, false)

	report := m.GenerateReport()
	assert.True(t, strings.HasPrefix(report, "connection report"))
	assert.Contains(t, report, "total connections:  2")
	assert.Contains(t, report, "successful:         1")
	assert.Contains(t, report, "failed:             1")
	assert.Contains(t, report, "success rate:       50.0%")
	assert.Contains(t, report, "retry attempts:     1")
	assert.Contains(t, report, "network online:     true")

	detector.SetOnline(false)
	assert.Contains(t, m.GenerateReport(), "network online:     false")
}

func TestGenerateReportUsesClientRetryState(t *testing.T) {
	m := New()
	m.MonitorClient(&fakeClient{stats: retry.Stats{
		AttemptCount: 2,
		MaxAttempts:  5,
		IsRetrying:   true,
	}})

	assert.Contains(t, m.GenerateReport(), "retrying:           true (2/5 attempts)")
}

func TestGenerateReportEmpty(t *testing.T) {
	m := New()
	report := m.GenerateReport()
	assert.Contains(t, report, "success rate:       0.0%")
}

func TestPromCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewPromCollector(reg)
	m := New(Option{Collectors: []Collector{collector}})

	m.RecordEvent(EventConnect, true)
	m.RecordEvent(EventConnect, true)
	m.RecordEvent(EventReconnect, false)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		collector.events.WithLabelValues("connect", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		collector.events.WithLabelValues("reconnect", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.online))

	collector.ObserveOnline(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.online))
}
