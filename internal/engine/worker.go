package engine

import (
	"context"
	"time"

	"braid/internal/domain"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WorkerGroup runs the two per-session consolidation tasks, memory replay
// and self tuning, as cancellable periodic loops. Both are best-effort: a
// tick error is swallowed into a low-confidence observation delta so a
// transient consolidation failure never breaks a user-facing turn.
type WorkerGroup struct {
	engine           *Engine
	replayInterval   time.Duration
	selfTuneInterval time.Duration
	logger           *zap.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewWorkerGroup(engine *Engine, replayInterval, selfTuneInterval time.Duration, logger *zap.Logger) *WorkerGroup {
	if replayInterval < time.Second {
		replayInterval = time.Second
	}
	if selfTuneInterval < time.Second {
		selfTuneInterval = time.Second
	}
	return &WorkerGroup{
		engine:           engine,
		replayInterval:   replayInterval,
		selfTuneInterval: selfTuneInterval,
		logger:           logger,
	}
}

// Start launches both loops. They share one context so Stop cancels them as
// a unit: in-flight sleeps are interrupted immediately, in-flight store
// writes run to completion.
func (w *WorkerGroup) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.group, ctx = errgroup.WithContext(ctx)

	w.group.Go(func() error {
		w.loop(ctx, "memory-replay", w.replayInterval, w.engine.ReplayTick)
		return nil
	})
	w.group.Go(func() error {
		w.loop(ctx, "self-tuning", w.selfTuneInterval, w.engine.SelfTuneTick)
		return nil
	})

	w.logger.Info("background workers started",
		zap.String("braid_id", w.engine.BraidID()),
		zap.Duration("replay_interval", w.replayInterval),
		zap.Duration("self_tune_interval", w.selfTuneInterval))
}

// Stop cancels both loops and waits for them to drain.
func (w *WorkerGroup) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	_ = w.group.Wait()
	w.logger.Info("background workers stopped", zap.String("braid_id", w.engine.BraidID()))
}

func (w *WorkerGroup) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("background tick failed",
					zap.String("worker", name), zap.Error(err))
				w.engine.appendObservation(ctx,
					name+" tick failed: "+err.Error(), 0.2, domain.ProvenanceSystem)
			}
		}
	}
}
