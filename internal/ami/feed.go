package ami

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/carrier"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/failover"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/health"
)

type SnapshotSource interface {
	Current() *carrier.Snapshot
}

type OutcomeRecorder interface {
	Record(gatewayID int64, o health.Outcome)
}

// OutcomeFeed turns Hangup events on gateway channels into health outcomes.
type OutcomeFeed struct {
	config   SnapshotSource
	recorder OutcomeRecorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewOutcomeFeed(config SnapshotSource, recorder OutcomeRecorder, logger *zap.Logger) *OutcomeFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutcomeFeed{
		config:   config,
		recorder: recorder,
		logger:   logger.Named("ami"),
		now:      time.Now,
	}
}

// Run consumes events until the channel closes or ctx is done.
func (f *OutcomeFeed) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			f.Handle(e)
		}
	}
}

// Handle records e if it is the hangup of a known gateway's channel. It
// reports whether an outcome was recorded.
func (f *OutcomeFeed) Handle(e Event) bool {
	if e["Event"] != "Hangup" {
		return false
	}
	name, ok := GatewayFromChannel(e["Channel"])
	if !ok {
		return false
	}
	snap := f.config.Current()
	if snap == nil {
		return false
	}
	gw, ok := snap.GatewayByName(name)
	if !ok {
		f.logger.Debug("hangup on unknown gateway", zap.String("gateway", name))
		return false
	}
	code, err := strconv.Atoi(e["Cause"])
	if err != nil {
		return false
	}
	cause := failover.Cause(code)

	out := health.Outcome{At: f.now(), Answered: cause == failover.NormalClearing}
	if c, ok := snap.Carriers[gw.CarrierID]; ok {
		out.Failed = !out.Answered && failover.Retryable(c.Failover, cause)
	}
	f.recorder.Record(gw.ID, out)
	return true
}

// GatewayFromChannel extracts the gateway name from a channel such as
// "PJSIP/endpoint-acme-lon-0000002a".
func GatewayFromChannel(channel string) (string, bool) {
	_, rest, ok := strings.Cut(channel, "/")
	if !ok {
		return "", false
	}
	rest, ok = strings.CutPrefix(rest, "endpoint-")
	if !ok {
		return "", false
	}
	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
