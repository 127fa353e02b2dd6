// Package dispatcher accepts job-run requests, assigns each a unique
// execution id, and guarantees at most one concurrently running
// executor per execution id and one active execution per script.
// Control operations acknowledge immediately; the long-running work
// happens on a worker pool, with progress pushed on an event feed
// and durably recorded in the state store.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opsbots/machinist/internal/execution"
	"github.com/opsbots/machinist/internal/executor"
	"github.com/opsbots/machinist/internal/pubsub"
	"github.com/opsbots/machinist/internal/statestore"
)

// Script lock keys serialize the one-active-run-per-script decision:
// the winner of the compare-and-set on `script:<ref>` is the only
// submission allowed through while the recorded execution is live.
const (
	scriptKeyPrefix  = "script:"
	fieldActiveExec  = "active_execution"
	defaultQueueSize = 64
	eventBuffer      = 16
)

// Event is one execution status transition, pushed to live
// subscribers as it is recorded.
type Event struct {
	ID       string           `json:"id"`
	Status   execution.Status `json:"status"`
	ExitInfo string           `json:"exit_info,omitempty"`
}

// Options tune the dispatcher. Zero values get sensible defaults.
type Options struct {
	// Workers is the size of the execution worker pool.
	Workers int

	// Retention bounds how long terminal executions are kept in the
	// store before eviction.
	Retention time.Duration

	// MaintenanceInterval is how often reconciliation and retention
	// eviction run.
	MaintenanceInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o

	if out.Workers <= 0 {
		out.Workers = 2
	}

	if out.Retention <= 0 {
		out.Retention = 24 * time.Hour
	}

	if out.MaintenanceInterval <= 0 {
		out.MaintenanceInterval = 30 * time.Second
	}

	return out
}

// Dispatcher owns the submission queue, the worker pool, and the
// in-memory registry of running execution handles.
type Dispatcher struct {
	store  statestore.Store
	exec   *executor.Executor
	logger *slog.Logger
	opts   Options

	events    *pubsub.Hub[Event]
	queue     chan string
	scheduler gocron.Scheduler
	workers   *errgroup.Group

	mu      sync.Mutex
	handles map[string]*executor.Handle
	closed  bool
}

// New creates a Dispatcher. Call Run to start the worker pool and
// the maintenance schedule.
func New(
	store statestore.Store,
	exec *executor.Executor,
	logger *slog.Logger,
	opts Options,
) (*Dispatcher, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create maintenance scheduler: %w", err)
	}

	return &Dispatcher{
		store:     store,
		exec:      exec,
		logger:    logger,
		opts:      opts.withDefaults(),
		events:    pubsub.NewHub[Event](eventBuffer),
		queue:     make(chan string, defaultQueueSize),
		scheduler: scheduler,
		handles:   make(map[string]*executor.Handle),
	}, nil
}

// Run performs the startup reconciliation pass, then starts the
// worker pool and the maintenance schedule. It returns immediately;
// use Shutdown to stop.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Recover executions a previous agent left behind before
	// accepting new work.
	if err := d.exec.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	d.workers = &errgroup.Group{}

	for range d.opts.Workers {
		d.workers.Go(func() error {
			for id := range d.queue {
				d.process(id)
			}

			return nil
		})
	}

	if _, err := d.scheduler.NewJob(
		gocron.DurationJob(d.opts.MaintenanceInterval),
		gocron.NewTask(func() { d.maintain(context.Background()) }),
	); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	d.scheduler.Start()

	return nil
}

// Shutdown stops accepting submissions, makes a best-effort stop of
// running executions, and waits for the workers to drain.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	d.closed = true
	close(d.queue)

	handles := make([]*executor.Handle, 0, len(d.handles))
	for _, h := range d.handles {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup

	for _, h := range handles {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := d.exec.Stop(ctx, h); err != nil {
				d.logger.Warn("stop execution on shutdown", "id", h.ID(), "err", err)
			}
		}()
	}

	wg.Wait()

	if d.workers != nil {
		d.workers.Wait()
	}

	if err := d.scheduler.Shutdown(); err != nil {
		d.logger.Warn("shut down maintenance scheduler", "err", err)
	}

	d.events.Close()
}

// Submit validates a run request, claims the per-script lock, writes
// the queued record, and hands the execution to the worker pool.
func (d *Dispatcher) Submit(
	ctx context.Context,
	scriptRef string,
	params map[string]string,
) (string, error) {
	if err := validateSubmission(scriptRef, params); err != nil {
		return "", err
	}

	id := uuid.NewString()

	if err := d.acquireScriptLock(ctx, scriptRef, id); err != nil {
		return "", err
	}

	ex := &execution.Execution{
		ID:        id,
		ScriptRef: scriptRef,
		Params:    params,
		Status:    execution.StatusQueued,
	}

	fields, err := ex.Fields()
	if err != nil {
		d.releaseScriptLock(ctx, scriptRef, id)
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := d.store.SetFields(ctx, execution.Key(id), fields); err != nil {
		d.releaseScriptLock(ctx, scriptRef, id)
		return "", err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.releaseScriptLock(ctx, scriptRef, id)

		return "", fmt.Errorf("dispatcher is shut down")
	}

	select {
	case d.queue <- id:
	default:
		d.mu.Unlock()
		d.releaseScriptLock(ctx, scriptRef, id)
		d.store.DeleteKey(ctx, execution.Key(id))

		return "", fmt.Errorf("submission queue is full")
	}
	d.mu.Unlock()

	d.logger.Info("execution submitted", "id", id, "script_ref", scriptRef)
	d.events.Publish(Event{ID: id, Status: execution.StatusQueued})

	return id, nil
}

// process runs one queued execution to completion on a worker.
func (d *Dispatcher) process(id string) {
	ctx := context.Background()

	ex, err := d.load(ctx, id)
	if err != nil {
		d.logger.Warn("load queued execution", "id", id, "err", err)
		return
	}

	// Canceled while still queued: nothing to run.
	if ex.Status != execution.StatusQueued {
		return
	}

	h, err := d.exec.Start(ctx, ex)
	if err != nil {
		d.logger.Error("start execution", "id", id, "err", err)
		d.releaseScriptLock(ctx, ex.ScriptRef, id)
		d.publishCurrent(ctx, id)

		return
	}

	d.mu.Lock()
	d.handles[id] = h
	d.mu.Unlock()

	d.events.Publish(Event{ID: id, Status: execution.StatusRunning})

	// A cancel that raced the start may have recorded its intent
	// before the handle existed anywhere; honor it now.
	if d.cancelRequested(ctx, id) {
		d.events.Publish(Event{ID: id, Status: execution.StatusStopping})

		go func() {
			if err := d.exec.Stop(context.Background(), h); err != nil {
				d.logger.Error("stop execution", "id", id, "err", err)
			}
		}()
	}

	<-h.Done()

	d.mu.Lock()
	delete(d.handles, id)
	d.mu.Unlock()

	d.releaseScriptLock(ctx, ex.ScriptRef, id)
	d.publishCurrent(ctx, id)
}

// Cancel requests termination of an execution. It is idempotent: a
// queued execution goes straight to stopped without a process ever
// being spawned, a running one is signaled and escalates after the
// grace period, and a terminal one is left untouched.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	ex, err := d.load(ctx, id)
	if err != nil {
		return err
	}

	if ex.Status == execution.StatusQueued {
		swapped, err := d.store.CompareAndSet(
			ctx,
			execution.Key(id),
			execution.FieldStatus,
			string(execution.StatusQueued),
			string(execution.StatusStopped),
		)
		if err != nil {
			return err
		}

		if swapped {
			if err := d.store.SetFields(ctx, execution.Key(id), map[string]string{
				execution.FieldExitInfo:   execution.ExitCanceled,
				execution.FieldFinishedAt: time.Now().UTC().Format(time.RFC3339Nano),
			}); err != nil {
				return err
			}

			d.releaseScriptLock(ctx, ex.ScriptRef, id)
			d.events.Publish(Event{
				ID:       id,
				Status:   execution.StatusStopped,
				ExitInfo: execution.ExitCanceled,
			})

			return nil
		}

		// A worker claimed it between load and swap; fall through to
		// the running path.
		if ex, err = d.load(ctx, id); err != nil {
			return err
		}
	}

	switch ex.Status {
	case execution.StatusRunning, execution.StatusPaused:
	case execution.StatusStopping:
		return nil
	default:
		// Already terminal: cancel twice, same terminal state, no
		// duplicate side effects.
		return nil
	}

	d.mu.Lock()
	h, owned := d.handles[id]
	d.mu.Unlock()

	if !owned {
		// The worker may be between claiming the run and registering
		// its handle. Record the intent durably, then look again: the
		// worker checks the flag right after registration, so one side
		// always observes the other.
		if err := d.store.SetFields(ctx, execution.Key(id), map[string]string{
			execution.FieldCancelRequested: "1",
		}); err != nil {
			return err
		}

		d.mu.Lock()
		h, owned = d.handles[id]
		d.mu.Unlock()
	}

	if !owned {
		// No live handle for an active record in this process: the
		// owning process is gone. Resolve it the reconciliation way.
		return d.exec.Reconcile(ctx)
	}

	d.events.Publish(Event{ID: id, Status: execution.StatusStopping})

	// Stop blocks for up to the grace period; the acknowledgment must
	// not. The worker waiting on the handle publishes the terminal
	// event.
	go func() {
		if err := d.exec.Stop(context.Background(), h); err != nil {
			d.logger.Error("stop execution", "id", id, "err", err)
		}
	}()

	return nil
}

// Pause suspends a running execution. Valid only from running.
func (d *Dispatcher) Pause(ctx context.Context, id string) error {
	return d.signal(ctx, id, "pause", execution.StatusRunning, execution.StatusPaused, d.exec.Pause)
}

// Resume continues a paused execution. Valid only from paused.
func (d *Dispatcher) Resume(ctx context.Context, id string) error {
	return d.signal(ctx, id, "resume", execution.StatusPaused, execution.StatusRunning, d.exec.Resume)
}

func (d *Dispatcher) signal(
	ctx context.Context,
	id, op string,
	from, to execution.Status,
	apply func(context.Context, *executor.Handle) error,
) error {
	ex, err := d.load(ctx, id)
	if err != nil {
		return err
	}

	if ex.Status != from {
		return NewInvalidTransitionError(op, ex.Status, to)
	}

	d.mu.Lock()
	h, owned := d.handles[id]
	d.mu.Unlock()

	if !owned {
		return NewInvalidTransitionError(op, ex.Status, to)
	}

	if err := apply(ctx, h); err != nil {
		return err
	}

	d.events.Publish(Event{ID: id, Status: to})

	return nil
}

// Get returns the durable record of an execution.
func (d *Dispatcher) Get(ctx context.Context, id string) (*execution.Execution, error) {
	return d.load(ctx, id)
}

// List returns all retained executions, newest first.
func (d *Dispatcher) List(ctx context.Context) ([]*execution.Execution, error) {
	keys, err := d.store.Keys(ctx, execution.KeyPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]*execution.Execution, 0, len(keys))

	for _, key := range keys {
		fields, err := d.store.GetAll(ctx, key)
		if err != nil {
			return nil, err
		}

		if len(fields) == 0 {
			continue
		}

		ex, err := execution.FromFields(execution.IDFromKey(key), fields)
		if err != nil {
			d.logger.Warn("skipping undecodable execution record", "key", key, "err", err)
			continue
		}

		out = append(out, ex)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

// Output returns the archived combined output of an execution,
// decompressed. Nil when no output was recorded (yet).
func (d *Dispatcher) Output(ctx context.Context, id string) ([]byte, error) {
	if _, err := d.load(ctx, id); err != nil {
		return nil, err
	}

	field, _, err := d.store.GetField(ctx, execution.Key(id), execution.FieldOutput)
	if err != nil {
		return nil, err
	}

	return executor.Unarchive(field)
}

// Events returns a live feed of status transitions plus a cancel
// function releasing the subscription.
func (d *Dispatcher) Events() (<-chan Event, func()) {
	return d.events.Subscribe()
}

func (d *Dispatcher) cancelRequested(ctx context.Context, id string) bool {
	flag, _, err := d.store.GetField(
		ctx, execution.Key(id), execution.FieldCancelRequested,
	)
	if err != nil {
		d.logger.Warn("read cancel intent", "id", id, "err", err)
		return false
	}

	return flag == "1"
}

func (d *Dispatcher) load(ctx context.Context, id string) (*execution.Execution, error) {
	fields, err := d.store.GetAll(ctx, execution.Key(id))
	if err != nil {
		return nil, err
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return execution.FromFields(id, fields)
}

// publishCurrent reads the stored record and publishes its status,
// used after out-of-band transitions (process exit, failed start).
func (d *Dispatcher) publishCurrent(ctx context.Context, id string) {
	ex, err := d.load(ctx, id)
	if err != nil {
		d.logger.Warn("load execution for event", "id", id, "err", err)
		return
	}

	d.events.Publish(Event{ID: id, Status: ex.Status, ExitInfo: ex.ExitInfo})
}

func validateSubmission(scriptRef string, params map[string]string) error {
	if strings.TrimSpace(scriptRef) == "" {
		return fmt.Errorf("%w: script_ref is empty", ErrValidation)
	}

	if strings.Contains(scriptRef, "..") {
		return fmt.Errorf("%w: script_ref escapes the scripts directory", ErrValidation)
	}

	for k := range params {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: empty param key", ErrValidation)
		}
	}

	return nil
}
