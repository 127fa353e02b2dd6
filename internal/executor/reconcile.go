package executor

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opsbots/machinist/internal/execution"
)

// Reconcile scans the store for non-terminal executions whose
// recorded pid is no longer alive and resolves them: running/paused
// records become failed with exit_info=orphaned, and stopping records
// become stopped with exit_info=forced, honoring the stop that was
// already in flight when the owner died. This is the sole recovery
// mechanism for host or agent crashes: the in-memory handles die with
// the process, the store records do not.
//
// Executions still owned by a live process (including this one) pass
// the liveness probe and are left alone, so Reconcile is safe to run
// at startup and periodically thereafter.
func (e *Executor) Reconcile(ctx context.Context) error {
	keys, err := e.store.Keys(ctx, execution.KeyPrefix)
	if err != nil {
		return err
	}

	for _, key := range keys {
		fields, err := e.store.GetAll(ctx, key)
		if err != nil {
			return err
		}

		ex, err := execution.FromFields(execution.IDFromKey(key), fields)
		if err != nil {
			e.logger.Warn("skipping undecodable execution record",
				"key", key,
				"err", err,
			)

			continue
		}

		var (
			target   execution.Status
			exitInfo string
		)

		switch ex.Status {
		case execution.StatusRunning, execution.StatusPaused:
			target, exitInfo = execution.StatusFailed, execution.ExitOrphaned
		case execution.StatusStopping:
			target, exitInfo = execution.StatusStopped, execution.ExitForced
		default:
			continue
		}

		if ex.PID != 0 && pidAlive(ex.PID) {
			continue
		}

		// Claim the transition with CAS so a racing owner writing its
		// own terminal state wins and we back off.
		claimed, err := e.store.CompareAndSet(
			ctx,
			key,
			execution.FieldStatus,
			string(ex.Status),
			string(target),
		)
		if err != nil {
			return err
		}

		if !claimed {
			continue
		}

		if err := e.store.SetFields(ctx, key, map[string]string{
			execution.FieldExitInfo:   exitInfo,
			execution.FieldFinishedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}

		e.logger.Warn("reconciled dead execution",
			"id", ex.ID,
			"pid", ex.PID,
			"previous_status", ex.Status,
			"status", target,
		)
	}

	return nil
}

// pidAlive probes a pid with signal 0. EPERM means the process
// exists but belongs to someone else, which still counts as alive.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}
