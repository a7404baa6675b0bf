// Package invalidation reacts to document-change notifications from the
// document collaborator by purging the changed user's L1 and L3 entries.
// L2 is never touched: embeddings depend on query phrasing, not on the
// user's documents.
package invalidation

import (
	"context"
	"sync"
	"time"

	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/qcache"
)

// Mode selects how purges run
type Mode string

const (
	// ModeSync purges before OnDocumentChanged returns
	ModeSync Mode = "sync"
	// ModeAsync enqueues the purge for a background worker. Staleness is
	// bounded by the queue backlog: at most QueueSize purges ahead of this
	// one, each two prefix scans. When the queue is full the hook falls
	// back to a synchronous purge instead of dropping the event.
	ModeAsync Mode = "async"
)

// Config controls the hook
type Config struct {
	Mode      Mode          `mapstructure:"mode"`
	QueueSize int           `mapstructure:"queue_size"`
	PurgeTime time.Duration `mapstructure:"purge_timeout"`
}

// DefaultConfig returns async invalidation with a bounded queue
func DefaultConfig() Config {
	return Config{
		Mode:      ModeAsync,
		QueueSize: 1024,
		PurgeTime: 5 * time.Second,
	}
}

// Hook purges user-scoped cache entries when documents change
type Hook struct {
	caches  *qcache.Caches
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	queue chan string
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once

	// idle is signalled whenever the worker drains the queue; Flush waits
	// on it
	mu   sync.Mutex
	idle *sync.Cond
	busy int
}

// NewHook creates the invalidation hook and, in async mode, starts its
// worker
func NewHook(caches *qcache.Caches, config Config, logger observability.Logger, metrics observability.MetricsClient) *Hook {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.PurgeTime <= 0 {
		config.PurgeTime = 5 * time.Second
	}
	if config.Mode == "" {
		config.Mode = ModeAsync
	}

	h := &Hook{
		caches:  caches,
		config:  config,
		logger:  logger.WithPrefix("invalidation"),
		metrics: metrics,
		queue:   make(chan string, config.QueueSize),
		stop:    make(chan struct{}),
	}
	h.idle = sync.NewCond(&h.mu)

	if config.Mode == ModeAsync {
		h.wg.Add(1)
		go h.worker()
	}
	return h
}

// OnDocumentChanged is called by the document collaborator after any
// create, update, or delete of a user's documents. It deletes, never
// creates, cache entries.
func (h *Hook) OnDocumentChanged(ctx context.Context, userID string) {
	if userID == "" {
		return
	}

	if h.config.Mode == ModeSync {
		h.purge(userID)
		return
	}

	h.mu.Lock()
	h.busy++
	h.mu.Unlock()

	select {
	case h.queue <- userID:
	default:
		// Queue full: purge inline rather than lose the event.
		h.logger.Warn("invalidation queue full, purging synchronously", map[string]interface{}{
			"user_id": userID,
		})
		h.purgeDone(userID)
	}
}

// Flush blocks until every queued purge has completed
func (h *Hook) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.mu.Lock()
		for h.busy > 0 {
			h.idle.Wait()
		}
		h.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the worker
func (h *Hook) Close() {
	h.once.Do(func() {
		close(h.stop)
		h.wg.Wait()
	})
}

func (h *Hook) worker() {
	defer h.wg.Done()
	for {
		select {
		case userID := <-h.queue:
			h.purgeDone(userID)
		case <-h.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case userID := <-h.queue:
					h.purgeDone(userID)
				default:
					return
				}
			}
		}
	}
}

func (h *Hook) purgeDone(userID string) {
	h.purge(userID)
	h.mu.Lock()
	h.busy--
	if h.busy == 0 {
		h.idle.Broadcast()
	}
	h.mu.Unlock()
}

func (h *Hook) purge(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.PurgeTime)
	defer cancel()

	start := time.Now()
	l1Deleted, err1 := h.caches.L1.DeleteByPrefix(ctx, h.caches.L1.UserPrefix(userID))
	l3Deleted, err3 := h.caches.L3.DeleteByPrefix(ctx, h.caches.L3.UserPrefix(userID))

	if err1 != nil || err3 != nil {
		// Entries left behind still expire by TTL; nothing stronger to do
		// while the store is unreachable.
		h.logger.Warn("invalidation purge incomplete", map[string]interface{}{
			"user_id": userID,
			"l1_err":  errString(err1),
			"l3_err":  errString(err3),
		})
		h.metrics.IncrementCounter("invalidation.incomplete", 1)
		return
	}

	h.metrics.RecordLatency("invalidation.purge", time.Since(start))
	h.logger.Debug("purged user cache entries", map[string]interface{}{
		"user_id":    userID,
		"l1_deleted": l1Deleted,
		"l3_deleted": l3Deleted,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
