package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/metrics"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/notify"
)

// StatusWriter persists health-driven gateway status transitions.
type StatusWriter interface {
	UpdateGatewayStatus(ctx context.Context, id int64, status models.GatewayStatus, score int, at time.Time) (bool, error)
}

// StatusNotifier announces externally visible status changes.
type StatusNotifier interface {
	GatewayStatusChanged(ctx context.Context, c notify.GatewayStatusChange) error
}

const (
	noticeBuffer  = 64
	notifyTimeout = 5 * time.Second
)

type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// Hysteresis is how many consecutive probes a new bucket must hold.
	Hysteresis int
	// DefaultScore is reported for gateways that have not been probed yet.
	DefaultScore int
	Scorer       Scorer
}

func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 2 * time.Second,
		Hysteresis:   2,
		DefaultScore: 70,
		Scorer:       DefaultScorer(),
	}
}

// record is one gateway's slot in the arena. status is written only by the
// gateway's task and read lock-free by anyone.
type record struct {
	gateway atomic.Pointer[models.Gateway]
	status  atomic.Pointer[models.HealthStatus]

	// Owned by the task.
	stable  models.HealthBucket
	pending models.HealthBucket
	streak  int
}

// Monitor runs one probe loop per gateway.
type Monitor struct {
	cfg      Config
	prober   Prober
	window   *OutcomeWindow
	writer   StatusWriter
	notifier StatusNotifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	arena sync.Map // int64 -> *record

	// Status changes are published from one goroutine so a slow notifier
	// never holds up a probe loop.
	noticeMu sync.Mutex
	notices  chan notify.GatewayStatusChange
	drained  chan struct{}

	mu    sync.Mutex
	ctx   context.Context
	tasks map[int64]context.CancelFunc
	wg    sync.WaitGroup
}

func NewMonitor(cfg Config, prober Prober, window *OutcomeWindow, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Hysteresis < 1 {
		cfg.Hysteresis = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Monitor{
		cfg:    cfg,
		prober: prober,
		window: window,
		logger: logger.Named("health"),
		now:    time.Now,
		tasks:  make(map[int64]context.CancelFunc),
	}
}

// WithWriter sets where status transitions are persisted.
func (m *Monitor) WithWriter(w StatusWriter) *Monitor {
	m.writer = w
	return m
}

// WithNotifier sets where status changes are announced and starts the
// publishing goroutine. Stop drains it.
func (m *Monitor) WithNotifier(n StatusNotifier) *Monitor {
	m.notifier = n
	m.notices = make(chan notify.GatewayStatusChange, noticeBuffer)
	m.drained = make(chan struct{})
	go m.dispatch(m.notices, m.drained)
	return m
}

func (m *Monitor) WithMetrics(mt *metrics.Metrics) *Monitor {
	m.metrics = mt
	return m
}

// Window is the outcome window feeding ASR and failure rate.
func (m *Monitor) Window() *OutcomeWindow {
	return m.window
}

// Start begins probing gateways. Later calls to Sync add and remove tasks.
func (m *Monitor) Start(ctx context.Context, gateways []*models.Gateway) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	m.Sync(gateways)
}

// Sync reconciles running tasks with the configured gateways. Disabled
// gateways are not probed.
func (m *Monitor) Sync(gateways []*models.Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]bool, len(gateways))
	for _, gw := range gateways {
		if gw.Status == models.GatewayDisabled {
			continue
		}
		seen[gw.ID] = true

		if v, ok := m.arena.Load(gw.ID); ok {
			v.(*record).gateway.Store(gw)
			continue
		}

		rec := &record{stable: BucketForStatus(gw.Status)}
		rec.gateway.Store(gw)
		m.arena.Store(gw.ID, rec)

		if m.ctx != nil {
			ctx, cancel := context.WithCancel(m.ctx)
			m.tasks[gw.ID] = cancel
			m.wg.Add(1)
			go m.run(ctx, rec)
		}
	}

	m.arena.Range(func(key, _ any) bool {
		id := key.(int64)
		if !seen[id] {
			if cancel, ok := m.tasks[id]; ok {
				cancel()
				delete(m.tasks, id)
			}
			m.arena.Delete(id)
			m.window.Forget(id)
		}
		return true
	})
}

// Stop cancels every task, waits for them to exit and flushes queued status
// notifications.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for id, cancel := range m.tasks {
		cancel()
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	m.wg.Wait()

	m.noticeMu.Lock()
	notices, drained := m.notices, m.drained
	m.notices = nil
	m.noticeMu.Unlock()
	if notices != nil {
		close(notices)
		<-drained
	}
}

func (m *Monitor) dispatch(notices <-chan notify.GatewayStatusChange, drained chan<- struct{}) {
	defer close(drained)
	for c := range notices {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := m.notifier.GatewayStatusChanged(ctx, c); err != nil {
			m.logger.Warn("status notification failed", zap.String("gateway", c.GatewayName), zap.Error(err))
		}
		cancel()
	}
}

// announce queues c for publishing. A full queue drops the change.
func (m *Monitor) announce(c notify.GatewayStatusChange) {
	m.noticeMu.Lock()
	defer m.noticeMu.Unlock()
	if m.notices == nil {
		return
	}
	select {
	case m.notices <- c:
	default:
		m.logger.Warn("status notification dropped, queue full", zap.String("gateway", c.GatewayName))
	}
}

func (m *Monitor) run(ctx context.Context, rec *record) {
	defer m.wg.Done()

	m.step(ctx, rec)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.step(ctx, rec)
		}
	}
}

// Probe checks one gateway and scores it without touching hysteresis state.
// The returned bucket is the raw bucket of this probe.
func (m *Monitor) Probe(ctx context.Context, gw *models.Gateway) models.HealthStatus {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	res := m.prober.Probe(pctx, gw)
	cancel()

	if !res.OK && res.Latency < m.cfg.ProbeTimeout {
		res.Latency = m.cfg.ProbeTimeout
	}

	ws := m.window.Stats(gw.ID)
	hm := models.HealthMetrics{
		ProbeLatency:  res.Latency,
		ProbeOK:       res.OK,
		ASR:           ws.ASR,
		FailureRate:   ws.FailureRate,
		Utilization:   utilization(gw),
		PostDialDelay: ws.PostDialDelay,
		Samples:       ws.Samples,
	}
	score := m.cfg.Scorer.Score(hm)
	return models.HealthStatus{
		GatewayID:  gw.ID,
		Score:      score,
		Bucket:     m.cfg.Scorer.Bucket(score),
		Metrics:    hm,
		ComputedAt: m.now(),
	}
}

func utilization(gw *models.Gateway) float64 {
	if gw.MaxChannels <= 0 {
		return 0
	}
	return float64(gw.CurrentChannels) / float64(gw.MaxChannels) * 100
}

func (m *Monitor) step(ctx context.Context, rec *record) {
	gw := rec.gateway.Load()
	st := m.Probe(ctx, gw)
	if ctx.Err() != nil {
		// Shutting down; a cancelled probe says nothing about the gateway.
		return
	}

	raw := st.Bucket
	switch raw {
	case rec.stable:
		rec.pending, rec.streak = "", 0
	case rec.pending:
		rec.streak++
	default:
		rec.pending, rec.streak = raw, 1
	}

	prev := rec.stable
	probes := rec.streak
	changed := rec.pending != "" && rec.streak >= m.cfg.Hysteresis
	if changed {
		rec.stable = rec.pending
		rec.pending, rec.streak = "", 0
	}

	st.Bucket = rec.stable
	rec.status.Store(&st)
	m.metrics.HealthScore(gw.Name, st.Score)

	m.logger.Debug("probe",
		zap.String("gateway", gw.Name),
		zap.Int("score", st.Score),
		zap.String("raw", string(raw)),
		zap.String("status", string(st.Bucket)),
		zap.Duration("latency", st.Metrics.ProbeLatency))

	if changed {
		m.transition(ctx, gw, prev, st, probes)
	}
}

func (m *Monitor) transition(ctx context.Context, gw *models.Gateway, prev models.HealthBucket, st models.HealthStatus, probes int) {
	status := st.Bucket.GatewayStatus()
	m.logger.Info("gateway health changed",
		zap.String("gateway", gw.Name),
		zap.String("from", string(prev)),
		zap.String("to", string(st.Bucket)),
		zap.Int("score", st.Score))
	m.metrics.StatusChanged(string(st.Bucket))

	if m.writer != nil {
		if _, err := m.writer.UpdateGatewayStatus(ctx, gw.ID, status, st.Score, st.ComputedAt); err != nil {
			m.logger.Error("persist gateway status", zap.String("gateway", gw.Name), zap.Error(err))
		}
	}
	if m.notifier != nil {
		m.announce(notify.GatewayStatusChange{
			GatewayID:     gw.ID,
			GatewayName:   gw.Name,
			CarrierID:     gw.CarrierID,
			Previous:      prev,
			Current:       st.Bucket,
			GatewayStatus: status,
			Score:         st.Score,
			Metrics:       st.Metrics,
			Probes:        probes,
		})
	}
}

// Status returns the last published status. Gateways without a completed probe
// get the neutral default score.
func (m *Monitor) Status(gatewayID int64) models.HealthStatus {
	if v, ok := m.arena.Load(gatewayID); ok {
		if st := v.(*record).status.Load(); st != nil {
			return *st
		}
	}
	return models.HealthStatus{
		GatewayID: gatewayID,
		Score:     m.cfg.DefaultScore,
		Bucket:    m.cfg.Scorer.Bucket(m.cfg.DefaultScore),
	}
}
