package carrier

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reloader refreshes the snapshot on a cron schedule so writes made directly to
// the store by external configuration management become visible.
type Reloader struct {
	mgr      *Manager
	cron     *cron.Cron
	timeout  time.Duration
	logger   *zap.Logger
	onReload []func(*Snapshot)
}

// NewReloader schedules reloads with spec, e.g. "@every 30s".
func NewReloader(mgr *Manager, spec string, timeout time.Duration, logger *zap.Logger) (*Reloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reloader{
		mgr:     mgr,
		cron:    cron.New(),
		timeout: timeout,
		logger:  logger.Named("store"),
	}
	if _, err := r.cron.AddFunc(spec, r.reload); err != nil {
		return nil, fmt.Errorf("invalid reload schedule %q: %w", spec, err)
	}
	return r, nil
}

// OnReload registers fn to receive each freshly loaded snapshot.
func (r *Reloader) OnReload(fn func(*Snapshot)) {
	r.onReload = append(r.onReload, fn)
}

func (r *Reloader) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for a running reload.
func (r *Reloader) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reloader) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.mgr.Load(ctx); err != nil {
		// The previous snapshot stays in service.
		r.logger.Warn("snapshot reload failed", zap.Error(err))
		return
	}
	snap := r.mgr.Current()
	for _, fn := range r.onReload {
		fn(snap)
	}
}
