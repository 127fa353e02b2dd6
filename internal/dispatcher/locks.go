package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/opsbots/machinist/internal/execution"
)

// acquireScriptLock claims the one-active-run-per-script slot for a
// new execution id. The compare-and-set on the lock field is the
// single linearizable decision point for duplicate submissions:
// whichever submit wins the swap proceeds, every other concurrent
// submit for the same script observes a lost swap and rejects.
func (d *Dispatcher) acquireScriptLock(
	ctx context.Context,
	scriptRef, id string,
) error {
	key := scriptKeyPrefix + scriptRef

	current, _, err := d.store.GetField(ctx, key, fieldActiveExec)
	if err != nil {
		return err
	}

	if current != "" {
		// A recorded holder only blocks while its execution is live.
		// A stale lock (holder evicted or terminal) is taken over.
		holder, err := d.load(ctx, current)
		if err == nil && !holder.Status.Terminal() {
			return fmt.Errorf("%w: %s held by %s", ErrDuplicate, scriptRef, current)
		}
	}

	swapped, err := d.store.CompareAndSet(ctx, key, fieldActiveExec, current, id)
	if err != nil {
		return err
	}

	if !swapped {
		return fmt.Errorf("%w: %s", ErrDuplicate, scriptRef)
	}

	return nil
}

// releaseScriptLock frees the per-script slot, but only if this
// execution still holds it.
func (d *Dispatcher) releaseScriptLock(ctx context.Context, scriptRef, id string) {
	key := scriptKeyPrefix + scriptRef

	if _, err := d.store.CompareAndSet(ctx, key, fieldActiveExec, id, ""); err != nil {
		d.logger.Warn("release script lock",
			"script_ref", scriptRef,
			"id", id,
			"err", err,
		)
	}
}

// maintain is the periodic housekeeping pass: reconcile orphaned
// executions, evict terminal records past the retention window, and
// free script locks whose holder is gone.
func (d *Dispatcher) maintain(ctx context.Context) {
	if err := d.exec.Reconcile(ctx); err != nil {
		d.logger.Error("periodic reconciliation", "err", err)
	}

	if err := d.evictExpired(ctx); err != nil {
		d.logger.Error("retention eviction", "err", err)
	}

	if err := d.sweepScriptLocks(ctx); err != nil {
		d.logger.Error("script lock sweep", "err", err)
	}
}

func (d *Dispatcher) evictExpired(ctx context.Context) error {
	keys, err := d.store.Keys(ctx, execution.KeyPrefix)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-d.opts.Retention)

	for _, key := range keys {
		fields, err := d.store.GetAll(ctx, key)
		if err != nil {
			return err
		}

		ex, err := execution.FromFields(execution.IDFromKey(key), fields)
		if err != nil {
			continue
		}

		if !ex.Status.Terminal() || ex.FinishedAt.IsZero() {
			continue
		}

		if ex.FinishedAt.After(cutoff) {
			continue
		}

		if err := d.store.DeleteKey(ctx, key); err != nil {
			return err
		}

		d.logger.Debug("evicted retained execution",
			"id", ex.ID,
			"finished_at", ex.FinishedAt,
		)
	}

	return nil
}

func (d *Dispatcher) sweepScriptLocks(ctx context.Context) error {
	keys, err := d.store.Keys(ctx, scriptKeyPrefix)
	if err != nil {
		return err
	}

	for _, key := range keys {
		holder, ok, err := d.store.GetField(ctx, key, fieldActiveExec)
		if err != nil {
			return err
		}

		if !ok || holder == "" {
			continue
		}

		ex, err := d.load(ctx, holder)
		if err == nil && !ex.Status.Terminal() {
			continue
		}

		if _, err := d.store.CompareAndSet(
			ctx, key, fieldActiveExec, holder, "",
		); err != nil {
			return err
		}
	}

	return nil
}
