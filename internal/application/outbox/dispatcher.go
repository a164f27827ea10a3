// Package outbox relays pending outbox records to the bus. Together with
// the store it resolves the publish-failure question: producers never
// publish directly, so a broker outage delays events instead of losing
// them.
package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shopfabric/fulfillment/internal/bus"
	domoutbox "github.com/shopfabric/fulfillment/internal/domain/outbox"
	"github.com/shopfabric/fulfillment/internal/pkg/busmetrics"
)

const DefaultMaxAttempts = 5

type Dispatcher struct {
	store       domoutbox.Store
	bus         bus.Bus
	interval    time.Duration
	batch       int
	maxAttempts int
	log         *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewDispatcher(store domoutbox.Store, b bus.Bus, interval time.Duration, batch int, logger *zap.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if batch <= 0 {
		batch = 64
	}
	return &Dispatcher{
		store:       store,
		bus:         b,
		interval:    interval,
		batch:       batch,
		maxAttempts: DefaultMaxAttempts,
		log:         logger.With(zap.String("component", "outbox_dispatcher")),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		d.cancel = cancel

		d.wg.Add(1)
		go d.run(runCtx)
		d.log.Info("outbox_dispatcher_started")
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Flush(ctx); err != nil {
				d.log.Error("outbox_flush_failed", zap.Error(err))
			}
		}
	}
}

// Flush publishes one batch of pending records and reports how many were
// sent. Records whose publish fails stay pending until the attempt cap
// moves them to failed.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	pending, err := d.store.Pending(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range pending {
		if err := d.bus.Publish(ctx, rec.Exchange, rec.Envelope); err != nil {
			busmetrics.OutboxDispatch.WithLabelValues("failed").Inc()
			d.log.Warn("outbox_publish_failed",
				zap.String("record_id", rec.ID),
				zap.String("routing_key", rec.RoutingKey),
				zap.Int("attempts", rec.Attempts+1),
				zap.Error(err),
			)
			if err := d.store.MarkFailed(ctx, rec.ID, err, d.maxAttempts); err != nil {
				d.log.Error("outbox_mark_failed_error", zap.String("record_id", rec.ID), zap.Error(err))
			}
			continue
		}

		busmetrics.OutboxDispatch.WithLabelValues("sent").Inc()
		if err := d.store.MarkSent(ctx, rec.ID); err != nil {
			d.log.Error("outbox_mark_sent_error", zap.String("record_id", rec.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		d.log.Info("outbox_dispatcher_stopped")
	})
}
