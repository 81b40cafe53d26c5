package bootstrap

import (
	"context"
	"sync"
	"time"

	chclient "atlas/internal/adapters/clickhouse"
	"atlas/internal/adapters/evm"
	"atlas/internal/adapters/kafka"
	redisclient "atlas/internal/adapters/redis"
	"atlas/internal/api"
	"atlas/internal/cache"
	"atlas/internal/services/history"
	"atlas/internal/workers"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// Lifecycle manages graceful startup and shutdown of components
type Lifecycle struct {
	shutdownTimeout time.Duration
}

// NewLifecycle creates a new lifecycle manager
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		shutdownTimeout: 60 * time.Second,
	}
}

// Shutdown performs coordinated cleanup of all components in order:
// 1. HTTP server stops accepting requests
// 2. Workers finish their current runs
// 3. History writer flushes its batches
// 4. Kafka consumer unblocks, then the producer closes
// 5. Remaining goroutines drain
// 6. Errors flush, stores close last (flushes may still need them)
func (l *Lifecycle) Shutdown(
	wg *sync.WaitGroup,
	httpServer *api.Server,
	workerScheduler *workers.Scheduler,
	historySvc *history.Service,
	kafkaProducer *kafka.Producer,
	alertsConsumer *kafka.Consumer,
	tieredCache *cache.Tiered,
	chain *evm.Client,
	chClient *chclient.Client,
	redisClient *redisclient.Client,
	tracker errors.Tracker,
	log *logger.Logger,
) {
	ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()

	log.Info("[1/6] Stopping HTTP server...")
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Errorw("HTTP server shutdown failed", "error", err)
		}
	}

	log.Info("[2/6] Stopping workers...")
	if workerScheduler != nil {
		if err := workerScheduler.Stop(); err != nil {
			log.Errorw("worker scheduler stop failed", "error", err)
		} else {
			log.Info("✓ Workers stopped")
		}
	}

	log.Info("[3/6] Flushing history writer...")
	if historySvc != nil {
		if err := historySvc.Stop(ctx); err != nil {
			log.Errorw("history flush failed", "error", err)
		} else {
			log.Info("✓ History writer flushed")
		}
	}

	log.Info("[4/6] Closing Kafka...")
	if alertsConsumer != nil {
		if err := alertsConsumer.Close(); err != nil {
			log.Errorw("failed to close alerts consumer", "error", err)
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Errorw("failed to close kafka producer", "error", err)
		} else {
			log.Info("✓ Kafka closed")
		}
	}

	log.Info("[5/6] Waiting for goroutines...")
	l.waitForGoroutines(wg, 30*time.Second, log)

	log.Info("[6/6] Flushing errors and closing stores...")
	l.flushErrorTracker(tracker, ctx, log)

	if tieredCache != nil {
		tieredCache.Close()
	}
	if chain != nil {
		chain.Close()
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			log.Errorw("failed to close clickhouse", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("failed to close redis", "error", err)
		}
	}

	log.Info("✓ Graceful shutdown complete")
	_ = logger.Sync()
}

// waitForGoroutines waits for background goroutines with a timeout
func (l *Lifecycle) waitForGoroutines(wg *sync.WaitGroup, timeout time.Duration, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("✓ All goroutines finished")
	case <-time.After(timeout):
		log.Warn("Timed out waiting for goroutines, continuing shutdown")
	}
}

// flushErrorTracker flushes pending error reports
func (l *Lifecycle) flushErrorTracker(tracker errors.Tracker, ctx context.Context, log *logger.Logger) {
	if tracker == nil {
		return
	}
	if err := tracker.Flush(ctx); err != nil {
		log.Errorw("failed to flush error tracker", "error", err)
	}
}
