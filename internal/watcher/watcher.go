package watcher

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/openjules/openjules/internal/controller"
	"github.com/openjules/openjules/internal/db"
	"github.com/openjules/openjules/internal/guard"
	"github.com/openjules/openjules/internal/llm"
	"github.com/openjules/openjules/internal/sandbox"
	"github.com/openjules/openjules/internal/settings"
	"github.com/openjules/openjules/internal/stream"
	"github.com/openjules/openjules/internal/webhook"
)

const (
	defaultMaxConcurrent = 4
	staleHeartbeatAfter  = 30 * time.Second
	streamMaxAge         = 30 * time.Minute
)

// Watcher picks up pending jobs and runs one mission controller task per job.
// It also sweeps stale heartbeats and garbage-collects finished log streams.
type Watcher struct {
	store   *db.DB
	driver  *sandbox.Driver
	streams *stream.Manager
	logger  *log.Logger

	cron    *cron.Cron
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	active  map[string]bool
	running bool
}

// New creates a watcher over the shared store, sandbox driver and stream manager
func New(store *db.DB, driver *sandbox.Driver, streams *stream.Manager, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultMaxConcurrent)
	return &Watcher{
		store:   store,
		driver:  driver,
		streams: streams,
		logger:  logger,
		cron:    cron.New(),
		group:   g,
		ctx:     gctx,
		cancel:  cancel,
		active:  make(map[string]bool),
	}
}

// Start sweeps state left by a previous process, then begins the periodic
// pickup, staleness and stream GC ticks.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	// Crashed controllers must not leave containers or running jobs behind
	if err := w.driver.ReapOrphans(w.ctx); err != nil {
		w.logger.Printf("reaping orphans: %v", err)
	}
	if stale, err := w.store.SweepStaleJobs(time.Now().Add(-staleHeartbeatAfter)); err != nil {
		w.logger.Printf("sweeping stale jobs: %v", err)
	} else if len(stale) > 0 {
		w.logger.Printf("failed %d stale jobs from a previous run", len(stale))
	}

	if _, err := w.cron.AddFunc("@every 2s", w.pickupPending); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc("@every 30s", w.sweepStale); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc("@every 5m", func() { w.streams.CleanupOldStreams(streamMaxAge) }); err != nil {
		return err
	}
	w.cron.Start()
	w.running = true
	return nil
}

// Stop halts the ticks and waits for in-flight controllers to finish their
// cooperative cancellation.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	<-w.cron.Stop().Done()
	w.cancel()
	_ = w.group.Wait()
}

func (w *Watcher) pickupPending() {
	jobs, err := w.store.ListJobsByStatus(db.JobPending)
	if err != nil {
		w.logger.Printf("listing pending jobs: %v", err)
		return
	}
	for _, job := range jobs {
		w.launch(job)
	}
}

func (w *Watcher) launch(job *db.Job) {
	w.mu.Lock()
	if w.active[job.ID] {
		w.mu.Unlock()
		return
	}
	w.active[job.ID] = true
	w.mu.Unlock()

	started := w.group.TryGo(func() error {
		defer func() {
			w.mu.Lock()
			delete(w.active, job.ID)
			w.mu.Unlock()
		}()
		if err := w.runJob(job); err != nil {
			w.logger.Printf("job %s: %v", job.ID, err)
		}
		return nil
	})
	if !started {
		// All controller slots busy; the job stays pending for the next tick
		w.mu.Lock()
		delete(w.active, job.ID)
		w.mu.Unlock()
	}
}

func (w *Watcher) runJob(job *db.Job) error {
	cfg, err := settings.Load(w.store, job.ProjectID)
	if err != nil {
		return w.failJob(job, "loading settings: "+err.Error())
	}

	gateway := llm.NewGateway(cfg)
	var reviewer guard.Reviewer
	if cfg.Execution.CommandGuard.AIReview {
		reviewer = gateway
	}
	g := guard.New(cfg.Execution.CommandGuard, reviewer)
	notifier := webhook.NewNotifier(w.logger)

	ctrl := controller.New(w.store, controller.NewDockerHost(w.driver), gateway, g, w.streams, notifier, cfg, w.logger)
	return ctrl.Run(w.ctx, job)
}

func (w *Watcher) failJob(job *db.Job, reason string) error {
	now := time.Now()
	job.Status = db.JobFailed
	job.LastError = reason
	job.FinishedAt = &now
	return w.store.UpdateJob(job)
}

func (w *Watcher) sweepStale() {
	if _, err := w.store.SweepStaleJobs(time.Now().Add(-staleHeartbeatAfter)); err != nil {
		w.logger.Printf("sweeping stale jobs: %v", err)
	}
}
