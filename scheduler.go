package m7dash

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// sendFailureSleep is a package variable so tests can drop the delay.
var sendFailureSleep = time.Second

// runScheduler issues diagnostic requests on a fixed cadence: the
// high-priority parameters every cycle, plus one low-priority parameter
// round-robin after every lowPIDEvery high cycles. Requests are
// fire-and-forget; the receiver correlates responses as they arrive.
func (e *Engine) runScheduler(ctx context.Context) {
	high := pidsByTier(tierHigh)
	low := pidsByTier(tierLow)
	log.WithField("high", len(high)).
		WithField("low", len(low)).
		Info("diagnostic query scheduler started")

	cycles := 0
	lowIdx := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("diagnostic query scheduler stopped")
			return
		default:
		}

		for _, desc := range high {
			e.sendQuery(ctx, desc)
			if !sleepCtx(ctx, e.queryInterval) {
				return
			}
		}

		cycles++
		if cycles >= e.lowPIDEvery && len(low) > 0 {
			cycles = 0
			e.sendQuery(ctx, low[lowIdx])
			lowIdx = (lowIdx + 1) % len(low)
			if !sleepCtx(ctx, e.queryInterval) {
				return
			}
		}
	}
}

// sendQuery holds the shared send lock only for the single write so the
// receive loop is never blocked behind it. A transient send failure is
// not fatal; back off and carry on.
func (e *Engine) sendQuery(ctx context.Context, desc pidDescriptor) {
	e.sendMu.Lock()
	err := e.bus.Send(obdRequest(desc.pid))
	e.sendMu.Unlock()
	if err != nil {
		log.WithField("pid", desc.name).
			WithField("err", err).
			Warn("unable to send diagnostic request")
		sleepCtx(ctx, sendFailureSleep)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
