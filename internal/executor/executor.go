// Package executor owns one OS process per running execution. It
// records the pid and status of the process in the state store,
// implements pause/resume as whole-process suspend/continue signals,
// and escalates a graceful stop to a forced kill after a bounded
// grace period. The store is always left in a terminal state, even
// when the process refuses to exit.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opsbots/machinist/internal/execution"
	"github.com/opsbots/machinist/internal/statestore"
)

// paramEnvPrefix is the environment variable prefix under which
// submission params are exposed to the script.
const paramEnvPrefix = "ROBOT_PARAM_"

// killReapTimeout bounds how long the stop path waits for the
// process to be reaped after SIGKILL before it gives up and writes
// the terminal record anyway.
const killReapTimeout = 5 * time.Second

// Executor starts script processes and supervises them until exit.
type Executor struct {
	store       statestore.Store
	logger      *slog.Logger
	scriptsDir  string
	gracePeriod time.Duration
}

// New creates an Executor. Relative script refs are resolved under
// scriptsDir; gracePeriod bounds the SIGTERM-to-SIGKILL escalation.
func New(
	store statestore.Store,
	logger *slog.Logger,
	scriptsDir string,
	gracePeriod time.Duration,
) *Executor {
	return &Executor{
		store:       store,
		logger:      logger,
		scriptsDir:  scriptsDir,
		gracePeriod: gracePeriod,
	}
}

// Handle is the in-process view of one running execution. It is
// disposable: the store record is the durable truth, and a Handle
// that dies with its host process is recovered by Reconcile.
type Handle struct {
	id  string
	pid int
	cmd *exec.Cmd

	interrupted atomic.Bool
	forced      atomic.Bool

	done chan struct{}
}

// ID returns the execution id the handle belongs to.
func (h *Handle) ID() string {
	return h.id
}

// PID returns the pid of the owned process.
func (h *Handle) PID() int {
	return h.pid
}

// Done returns a channel that is closed once the process has exited
// and the terminal store record has been written.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start launches the process for a queued execution. The
// queued→running transition is claimed with a compare-and-set so
// that at most one executor ever owns an execution, and the pid is
// recorded before Start returns.
func (e *Executor) Start(
	ctx context.Context,
	ex *execution.Execution,
) (*Handle, error) {
	cmd := exec.Command(e.resolveScript(ex.ScriptRef))
	cmd.Env = append(os.Environ(), paramEnv(ex.Params)...)
	cmd.Stdout = &outputBuffer{}
	cmd.Stderr = cmd.Stdout

	// Own process group, so pause/stop signals reach the script and
	// anything it spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	key := execution.Key(ex.ID)

	claimed, err := e.store.CompareAndSet(
		ctx,
		key,
		execution.FieldStatus,
		string(execution.StatusQueued),
		string(execution.StatusRunning),
	)
	if err != nil {
		return nil, err
	}

	if !claimed {
		return nil, fmt.Errorf(
			"execution %s is no longer queued", ex.ID,
		)
	}

	if err := cmd.Start(); err != nil {
		startErr := fmt.Errorf("start script process: %w", err)

		if storeErr := e.store.SetFields(ctx, key, map[string]string{
			execution.FieldStatus:     string(execution.StatusFailed),
			execution.FieldExitInfo:   startErr.Error(),
			execution.FieldFinishedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}); storeErr != nil {
			e.logger.Error("record start failure", "id", ex.ID, "err", storeErr)
		}

		return nil, startErr
	}

	h := &Handle{
		id:   ex.ID,
		pid:  cmd.Process.Pid,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	if err := e.store.SetFields(ctx, key, map[string]string{
		execution.FieldPID:       fmt.Sprintf("%d", h.pid),
		execution.FieldStartedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		// The process is running but the store write failed. Kill it:
		// an execution invisible to the store must not keep going.
		unix.Kill(-h.pid, unix.SIGKILL)
		cmd.Wait()

		return nil, err
	}

	e.logger.Info("execution started",
		"id", ex.ID,
		"script_ref", ex.ScriptRef,
		"pid", h.pid,
	)

	go e.supervise(h)

	return h, nil
}

// supervise waits for the process and writes the terminal record.
func (e *Executor) supervise(h *Handle) {
	defer close(h.done)

	err := h.cmd.Wait()

	// The store write must go through even if the caller's request
	// context is long gone.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, exitInfo := h.terminalState(err)

	fields := map[string]string{
		execution.FieldStatus:     string(status),
		execution.FieldExitInfo:   exitInfo,
		execution.FieldFinishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	if out, ok := h.cmd.Stdout.(*outputBuffer); ok {
		if archived := archive(out.Bytes()); archived != "" {
			fields[execution.FieldOutput] = archived
		}
	}

	if err := e.store.SetFields(ctx, execution.Key(h.id), fields); err != nil {
		e.logger.Error("record terminal state", "id", h.id, "err", err)
		return
	}

	e.logger.Info("execution finished",
		"id", h.id,
		"status", status,
		"exit_info", exitInfo,
	)
}

// terminalState maps the process exit to a terminal status and
// exit_info value.
func (h *Handle) terminalState(waitErr error) (execution.Status, string) {
	if h.interrupted.Load() {
		if h.forced.Load() {
			return execution.StatusStopped, execution.ExitForced
		}

		return execution.StatusStopped, execution.ExitCanceled
	}

	if waitErr == nil {
		return execution.StatusCompleted, execution.ExitCode(0)
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return execution.StatusFailed, execution.ExitCode(exitErr.ExitCode())
	}

	return execution.StatusFailed, waitErr.Error()
}

// Pause suspends the whole process group. The pause is coarse: the
// script is an opaque external program, so there is no cooperative
// checkpoint to reach first.
func (e *Executor) Pause(ctx context.Context, h *Handle) error {
	if err := unix.Kill(-h.pid, unix.SIGSTOP); err != nil {
		return fmt.Errorf("suspend process group %d: %w", h.pid, err)
	}

	return e.store.SetFields(ctx, execution.Key(h.id), map[string]string{
		execution.FieldStatus: string(execution.StatusPaused),
	})
}

// Resume continues a suspended process group.
func (e *Executor) Resume(ctx context.Context, h *Handle) error {
	if err := unix.Kill(-h.pid, unix.SIGCONT); err != nil {
		return fmt.Errorf("continue process group %d: %w", h.pid, err)
	}

	return e.store.SetFields(ctx, execution.Key(h.id), map[string]string{
		execution.FieldStatus: string(execution.StatusRunning),
	})
}

// Stop terminates the process group: SIGTERM, a grace period, then
// SIGKILL. A paused process is continued first so the termination
// signal can be handled. Stop returns once the process has exited,
// or after the post-kill reap window expires, in which case the
// anomaly is logged and the terminal record is written regardless.
func (e *Executor) Stop(ctx context.Context, h *Handle) error {
	stopping, err := e.markStopping(ctx, execution.Key(h.id))
	if err != nil {
		return err
	}

	if !stopping {
		// The process beat the stop to a terminal record. There is
		// nothing left to signal, and the record supervise wrote must
		// not be clobbered.
		<-h.done

		return nil
	}

	h.interrupted.Store(true)

	// A SIGSTOPped group never sees SIGTERM; wake it up first.
	unix.Kill(-h.pid, unix.SIGCONT)

	if err := unix.Kill(-h.pid, unix.SIGTERM); err != nil {
		e.logger.Warn("terminate process group", "id", h.id, "err", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(e.gracePeriod):
	}

	h.forced.Store(true)

	e.logger.Warn("grace period expired, killing process group",
		"id", h.id,
		"pid", h.pid,
		"grace_period", e.gracePeriod,
	)

	if err := unix.Kill(-h.pid, unix.SIGKILL); err != nil {
		e.logger.Warn("kill process group", "id", h.id, "err", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(killReapTimeout):
	}

	// The process survived SIGKILL (unkillable/stuck in the kernel).
	// The store still has to reach a terminal state.
	e.logger.Error("process not reaped after SIGKILL, forcing terminal record",
		"id", h.id,
		"pid", h.pid,
	)

	return e.store.SetFields(ctx, execution.Key(h.id), map[string]string{
		execution.FieldStatus:     string(execution.StatusStopped),
		execution.FieldExitInfo:   execution.ExitForced,
		execution.FieldFinishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// markStopping claims the transition to stopping with a
// compare-and-set from the two signalable states. It reports false
// when the record is already terminal, so a stop racing a natural
// exit backs off instead of overwriting the terminal record.
func (e *Executor) markStopping(ctx context.Context, key string) (bool, error) {
	for _, from := range []execution.Status{
		execution.StatusRunning,
		execution.StatusPaused,
	} {
		swapped, err := e.store.CompareAndSet(
			ctx,
			key,
			execution.FieldStatus,
			string(from),
			string(execution.StatusStopping),
		)
		if err != nil || swapped {
			return swapped, err
		}
	}

	status, _, err := e.store.GetField(ctx, key, execution.FieldStatus)
	if err != nil {
		return false, err
	}

	// Already stopping: another stop is in flight, keep signaling.
	return execution.Status(status) == execution.StatusStopping, nil
}

func (e *Executor) resolveScript(ref string) string {
	if filepath.IsAbs(ref) || e.scriptsDir == "" {
		return ref
	}

	return filepath.Join(e.scriptsDir, ref)
}

func paramEnv(params map[string]string) []string {
	env := make([]string, 0, len(params))

	for k, v := range params {
		env = append(env, paramEnvPrefix+strings.ToUpper(k)+"="+v)
	}

	return env
}
