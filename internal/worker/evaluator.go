package worker

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/abtest-engine/internal/domain"
	"github.com/ignite/abtest-engine/internal/pkg/distlock"
	"github.com/ignite/abtest-engine/internal/service/experiment"
)

// ============================================================================
// EXPERIMENT EVALUATOR
// ============================================================================
// Drives running A/B tests to a verdict without operator input:
// - Polls testing experiments every minute
// - Auto-selects a winner once significance and sample-size gates pass
// - Expires tests that run out their window with no winner

// DefaultEvaluatorInterval is how often the evaluator scans testing experiments.
const DefaultEvaluatorInterval = 1 * time.Minute

// evaluationLockTTL bounds how long one instance can hold an experiment.
const evaluationLockTTL = 30 * time.Second

// Evaluator periodically evaluates running experiments.
type Evaluator struct {
	svc   *experiment.Service
	db    *sql.DB
	redis *redis.Client

	interval time.Duration

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Counters for health reporting
	evaluated int64
	winners   int64
	expired   int64
}

// NewEvaluator creates an evaluator. redis and db back the cross-instance
// lock; with both nil the evaluator runs unlocked (single-instance mode).
func NewEvaluator(svc *experiment.Service, db *sql.DB, redisClient *redis.Client, interval time.Duration) *Evaluator {
	if interval <= 0 {
		interval = DefaultEvaluatorInterval
	}
	return &Evaluator{
		svc:      svc,
		db:       db,
		redis:    redisClient,
		interval: interval,
	}
}

// Start begins the evaluation loop.
func (w *Evaluator) Start() {
	if w.running {
		return
	}

	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())

	log.Printf("[Evaluator] Starting with interval %v", w.interval)

	w.wg.Add(1)
	go w.runLoop()
}

// Stop gracefully stops the evaluator.
func (w *Evaluator) Stop() {
	if !w.running {
		return
	}

	log.Println("[Evaluator] Stopping...")
	w.cancel()
	w.wg.Wait()
	w.running = false
	log.Println("[Evaluator] Stopped")
}

// Stats returns lifetime counters for health endpoints.
func (w *Evaluator) Stats() (evaluated, winners, expired int64) {
	return atomic.LoadInt64(&w.evaluated), atomic.LoadInt64(&w.winners), atomic.LoadInt64(&w.expired)
}

func (w *Evaluator) runLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Evaluator) tick() {
	ctx, cancel := context.WithTimeout(w.ctx, w.interval)
	defer cancel()
	w.evaluateAll(ctx)
}

// evaluateAll scans every testing experiment once. Each experiment is taken
// under a distributed lock so overlapping instances never evaluate the same
// test twice in one window.
func (w *Evaluator) evaluateAll(ctx context.Context) {
	experiments, err := w.svc.List(ctx, experiment.ListFilter{Status: string(domain.ExperimentTesting)})
	if err != nil {
		log.Printf("[Evaluator] Error listing testing experiments: %v", err)
		return
	}
	if len(experiments) == 0 {
		return
	}

	for i := range experiments {
		if ctx.Err() != nil {
			return
		}
		w.evaluateOne(ctx, &experiments[i])
	}
}

func (w *Evaluator) evaluateOne(ctx context.Context, e *domain.Experiment) {
	if w.redis != nil || w.db != nil {
		lock := distlock.NewLock(w.redis, w.db, distlock.ExperimentKey(e.ID), evaluationLockTTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Evaluator] Lock error for experiment %s: %v", e.ID, err)
			return
		}
		if !acquired {
			return // another instance has it this round
		}
		defer lock.Release(ctx)
	}

	atomic.AddInt64(&w.evaluated, 1)

	// Snapshot counters and stats outside any write path.
	results, err := w.svc.Results(ctx, e.ID)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			return // deleted between listing and evaluation
		}
		log.Printf("[Evaluator] Error computing results for %s: %v", e.ID, err)
		return
	}

	// Winner first: a test that is both decidable and past its window
	// should complete, not expire.
	if e.AutoSelectWinner && results.Significance.CanDeclareWinner {
		_, err := w.svc.SelectWinner(ctx, e.ID, results.Significance.LeadingVariantID, experiment.ActorSystem)
		switch {
		case err == nil:
			atomic.AddInt64(&w.winners, 1)
			log.Printf("[Evaluator] Experiment %s: auto-selected winner %s (%s)",
				e.ID, results.Significance.LeadingLabel, results.Significance.Message)
			return
		case errors.Is(err, experiment.ErrAlreadyDecided),
			errors.Is(err, experiment.ErrInvalidState),
			errors.Is(err, experiment.ErrNotFound):
			return // raced with a manual selection or teardown
		case errors.Is(err, experiment.ErrNotSignificant):
			// Counters moved between snapshot and commit; try next tick.
		default:
			log.Printf("[Evaluator] Error selecting winner for %s: %v", e.ID, err)
			return
		}
	}

	if e.Elapsed(time.Now().UTC()) {
		err := w.svc.Expire(ctx, e.ID)
		switch {
		case err == nil:
			atomic.AddInt64(&w.expired, 1)
			log.Printf("[Evaluator] Experiment %s: expired after %.1fh window", e.ID, e.DurationHours)
		case errors.Is(err, experiment.ErrInvalidState), errors.Is(err, experiment.ErrNotFound):
			// Already decided or deleted; nothing to do.
		default:
			log.Printf("[Evaluator] Error expiring %s: %v", e.ID, err)
		}
	}
}
