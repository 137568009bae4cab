package health

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/notify"
)

func healthy() models.HealthMetrics {
	return models.HealthMetrics{ProbeOK: true, ProbeLatency: 50 * time.Millisecond, ASR: 90}
}

func TestScore(t *testing.T) {
	s := DefaultScorer()

	tests := []struct {
		name   string
		mutate func(*models.HealthMetrics)
		want   int
	}{
		{"perfect", func(m *models.HealthMetrics) {}, 100},
		{"latency warning", func(m *models.HealthMetrics) { m.ProbeLatency = 300 * time.Millisecond }, 90},
		{"latency critical", func(m *models.HealthMetrics) { m.ProbeLatency = 600 * time.Millisecond }, 80},
		{"latency exactly 200ms", func(m *models.HealthMetrics) { m.ProbeLatency = 200 * time.Millisecond }, 100},
		{"asr below 70", func(m *models.HealthMetrics) { m.ASR = 60 }, 85},
		{"asr below 50", func(m *models.HealthMetrics) { m.ASR = 40 }, 70},
		{"failure above 10", func(m *models.HealthMetrics) { m.FailureRate = 15 }, 90},
		{"failure above 20", func(m *models.HealthMetrics) { m.FailureRate = 25 }, 75},
		{"utilization above 85", func(m *models.HealthMetrics) { m.Utilization = 90 }, 90},
		{"utilization above 95", func(m *models.HealthMetrics) { m.Utilization = 99 }, 80},
		{"everything bad", func(m *models.HealthMetrics) {
			m.ProbeLatency = time.Second
			m.ASR = 10
			m.FailureRate = 80
			m.Utilization = 100
		}, 5},
		{"probe failed", func(m *models.HealthMetrics) { m.ProbeOK = false }, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := healthy()
			tt.mutate(&m)
			assert.Equal(t, tt.want, s.Score(m))
		})
	}
}

func TestScore_NeverNegative(t *testing.T) {
	s := Scorer{LatencyCritical: time.Millisecond, LatencyWarning: time.Microsecond, HealthyMin: 70, DegradedMin: 40}
	m := models.HealthMetrics{ProbeOK: false, Utilization: 100}
	assert.GreaterOrEqual(t, s.Score(m), 0)
}

func TestScore_MonotonicInFailureRate(t *testing.T) {
	s := DefaultScorer()
	bases := []models.HealthMetrics{
		healthy(),
		{ProbeOK: true, ProbeLatency: 400 * time.Millisecond, ASR: 55, Utilization: 90},
		{ProbeOK: false, ProbeLatency: 2 * time.Second},
	}
	for _, base := range bases {
		prev := s.Score(base)
		for fr := 0.0; fr <= 100; fr += 0.5 {
			m := base
			m.FailureRate = fr
			got := s.Score(m)
			assert.LessOrEqual(t, got, prev, "failure rate %.1f", fr)
			prev = got
		}
	}
}

func TestBucket(t *testing.T) {
	s := DefaultScorer()
	assert.Equal(t, models.HealthHealthy, s.Bucket(100))
	assert.Equal(t, models.HealthHealthy, s.Bucket(70))
	assert.Equal(t, models.HealthDegraded, s.Bucket(69))
	assert.Equal(t, models.HealthDegraded, s.Bucket(40))
	assert.Equal(t, models.HealthUnhealthy, s.Bucket(39))
	assert.Equal(t, models.HealthUnhealthy, s.Bucket(0))
}

func TestOutcomeWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewOutcomeWindow(10 * time.Minute)
	w.now = func() time.Time { return now }

	assert.Equal(t, WindowStats{ASR: 100}, w.Stats(1))

	w.Record(1, Outcome{At: now.Add(-20 * time.Minute), Failed: true})
	w.Record(1, Outcome{At: now.Add(-5 * time.Minute), Answered: true, PostDialDelay: 2 * time.Second})
	w.Record(1, Outcome{At: now.Add(-4 * time.Minute), Answered: true, PostDialDelay: 4 * time.Second})
	w.Record(1, Outcome{At: now.Add(-3 * time.Minute), Failed: true})
	w.Record(1, Outcome{})

	st := w.Stats(1)
	assert.Equal(t, 4, st.Samples)
	assert.InDelta(t, 50.0, st.ASR, 0.001)
	assert.InDelta(t, 25.0, st.FailureRate, 0.001)
	assert.Equal(t, 3*time.Second, st.PostDialDelay)

	w.Forget(1)
	assert.Equal(t, 0, w.Stats(1).Samples)
}

// scriptedProber replays results per call.
type scriptedProber struct {
	mu      sync.Mutex
	results []ProbeResult
	calls   int
}

func (p *scriptedProber) Probe(ctx context.Context, gw *models.Gateway) ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.results[len(p.results)-1]
	if p.calls < len(p.results) {
		r = p.results[p.calls]
	}
	p.calls++
	return r
}

var (
	up   = ProbeResult{OK: true, Latency: 20 * time.Millisecond}
	down = ProbeResult{OK: false, Err: errors.New("timeout")}
)

type fakeWriter struct {
	mu      sync.Mutex
	updates []models.GatewayStatus
}

func (f *fakeWriter) UpdateGatewayStatus(_ context.Context, _ int64, status models.GatewayStatus, _ int, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, status)
	return true, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	changes []notify.GatewayStatusChange
}

func (f *fakeNotifier) GatewayStatusChanged(_ context.Context, c notify.GatewayStatusChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, c)
	return nil
}

func (f *fakeNotifier) received() []notify.GatewayStatusChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.GatewayStatusChange(nil), f.changes...)
}

// stuckNotifier holds every call until released or its context ends.
type stuckNotifier struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *stuckNotifier) GatewayStatusChanged(ctx context.Context, _ notify.GatewayStatusChange) error {
	s.calls.Add(1)
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTestMonitor(p Prober) (*Monitor, *fakeWriter, *fakeNotifier) {
	cfg := DefaultConfig()
	cfg.ProbeTimeout = 50 * time.Millisecond
	w, n := &fakeWriter{}, &fakeNotifier{}
	m := NewMonitor(cfg, p, NewOutcomeWindow(time.Minute), nil).WithWriter(w).WithNotifier(n)
	return m, w, n
}

func recordFor(t *testing.T, m *Monitor, id int64) *record {
	t.Helper()
	v, ok := m.arena.Load(id)
	require.True(t, ok)
	return v.(*record)
}

func TestMonitor_HysteresisRequiresTwoProbes(t *testing.T) {
	p := &scriptedProber{results: []ProbeResult{down, up, down, down, down}}
	m, w, n := newTestMonitor(p)
	gw := &models.Gateway{ID: 1, Name: "gw1", Status: models.GatewayActive}
	m.Sync([]*models.Gateway{gw})
	rec := recordFor(t, m, 1)
	ctx := context.Background()

	m.step(ctx, rec) // down once
	assert.Equal(t, models.HealthHealthy, m.Status(1).Bucket)

	m.step(ctx, rec) // back up resets the streak
	assert.Equal(t, models.HealthHealthy, m.Status(1).Bucket)

	m.step(ctx, rec) // down
	assert.Equal(t, models.HealthHealthy, m.Status(1).Bucket)

	m.step(ctx, rec) // down twice in a row
	assert.Equal(t, models.HealthUnhealthy, m.Status(1).Bucket)
	assert.Equal(t, []models.GatewayStatus{models.GatewayFailed}, w.updates)

	m.step(ctx, rec) // still down, no new transition
	m.Stop()

	changes := n.received()
	require.Len(t, changes, 1)
	assert.Equal(t, models.HealthHealthy, changes[0].Previous)
	assert.Equal(t, models.HealthUnhealthy, changes[0].Current)
	assert.Equal(t, 2, changes[0].Probes)
}

func TestMonitor_SlowNotifierDoesNotBlockProbes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hysteresis = 1
	n := &stuckNotifier{release: make(chan struct{})}
	p := &scriptedProber{results: []ProbeResult{down, up, down, up}}
	m := NewMonitor(cfg, p, NewOutcomeWindow(time.Minute), nil).WithNotifier(n)
	gw := &models.Gateway{ID: 1, Name: "gw1", Status: models.GatewayActive}
	m.Sync([]*models.Gateway{gw})
	rec := recordFor(t, m, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			m.step(context.Background(), rec)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("probe loop waited on the notifier")
	}
	assert.Equal(t, models.HealthHealthy, m.Status(1).Bucket)

	close(n.release)
	m.Stop()
	assert.Equal(t, int32(4), n.calls.Load())
}

func TestMonitor_ProbeTimeoutFailsClosed(t *testing.T) {
	m, _, _ := newTestMonitor(&scriptedProber{results: []ProbeResult{down}})
	st := m.Probe(context.Background(), &models.Gateway{ID: 9, Name: "gw9"})

	assert.False(t, st.Metrics.ProbeOK)
	assert.Equal(t, 50*time.Millisecond, st.Metrics.ProbeLatency)
	assert.Equal(t, models.HealthUnhealthy, st.Bucket)
}

func TestMonitor_UnprobedGatewayGetsDefault(t *testing.T) {
	m, _, _ := newTestMonitor(&scriptedProber{results: []ProbeResult{up}})
	st := m.Status(77)
	assert.Equal(t, 70, st.Score)
	assert.Equal(t, models.HealthHealthy, st.Bucket)
}

func TestMonitor_UtilizationFeedsScore(t *testing.T) {
	m, _, _ := newTestMonitor(&scriptedProber{results: []ProbeResult{up}})
	st := m.Probe(context.Background(), &models.Gateway{ID: 1, MaxChannels: 100, CurrentChannels: 97})
	assert.InDelta(t, 97.0, st.Metrics.Utilization, 0.001)
	assert.Equal(t, 80, st.Score)
}

func TestMonitor_OutcomesFeedScore(t *testing.T) {
	m, _, _ := newTestMonitor(&scriptedProber{results: []ProbeResult{up}})
	for i := 0; i < 10; i++ {
		m.Window().Record(5, Outcome{Answered: i < 4, Failed: i >= 7})
	}
	st := m.Probe(context.Background(), &models.Gateway{ID: 5})
	assert.Equal(t, 10, st.Metrics.Samples)
	// ASR 40 (-30), failure rate 30 (-25)
	assert.Equal(t, 45, st.Score)
}

func TestMonitor_StartSyncStop(t *testing.T) {
	p := &scriptedProber{results: []ProbeResult{up}}
	m, _, _ := newTestMonitor(p)
	m.cfg.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gws := []*models.Gateway{
		{ID: 1, Name: "a", Status: models.GatewayActive},
		{ID: 2, Name: "b", Status: models.GatewayDisabled},
	}
	m.Start(ctx, gws)

	require.Eventually(t, func() bool {
		return !m.Status(1).ComputedAt.IsZero()
	}, time.Second, 5*time.Millisecond)
	_, probed := m.arena.Load(int64(2))
	assert.False(t, probed)

	m.Sync(nil)
	_, still := m.arena.Load(int64(1))
	assert.False(t, still)

	m.Stop()
	left := 0
	m.arena.Range(func(_, _ any) bool { left++; return true })
	assert.Zero(t, left)
}

func TestSIPProber_UDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	received := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		received <- string(buf[:n])
		pc.WriteTo([]byte("SIP/2.0 200 OK\r\nContent-Length: 0\r\n\r\n"), addr)
	}()

	port := pc.LocalAddr().(*net.UDPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res := SIPProber{}.Probe(ctx, &models.Gateway{Host: "127.0.0.1", Port: port, Transport: "udp"})
	require.True(t, res.OK, "%v", res.Err)
	assert.Less(t, res.Latency, time.Second)

	req := <-received
	assert.True(t, strings.HasPrefix(req, "OPTIONS sip:127.0.0.1:"))
	assert.Contains(t, req, "CSeq: 1 OPTIONS\r\n")
}

func TestSIPProber_TCPSilentGatewayTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(500 * time.Millisecond)
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := SIPProber{}.Probe(ctx, &models.Gateway{Host: "127.0.0.1", Port: port, Transport: "tcp"})
	assert.False(t, res.OK)
	assert.Error(t, res.Err)
	assert.GreaterOrEqual(t, res.Latency, 90*time.Millisecond)
}
