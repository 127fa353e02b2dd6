// Package execution defines the Execution record: one invocation of
// a robot script, tracked end-to-end by a unique identifier. The
// state store entry for an execution is the only durable record of
// its status; the in-memory process is disposable.
package execution

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ExitInfo values recorded alongside terminal statuses. Normal exits
// record "exit:<code>" via ExitCode.
const (
	ExitForced   = "forced"
	ExitOrphaned = "orphaned"
	ExitCanceled = "canceled"
)

// ExitCode renders a process exit code as an exit_info value.
func ExitCode(code int) string {
	return "exit:" + strconv.Itoa(code)
}

// transitions is the allowed state machine:
// queued → running → {paused ⇄ running} → stopping → stopped, with
// failure edges from queued/running, and queued → stopped for
// cancellation before a process was ever spawned.
var transitions = map[Status][]Status{
	StatusQueued:   {StatusRunning, StatusStopped, StatusFailed},
	StatusRunning:  {StatusPaused, StatusStopping, StatusStopped, StatusCompleted, StatusFailed},
	StatusPaused:   {StatusRunning, StatusStopping, StatusFailed},
	StatusStopping: {StatusStopped},
}

// CanTransition reports whether moving from one status to another is
// a legal lifecycle transition.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Active reports whether an execution in this status counts against
// the one-concurrent-run-per-script policy.
func (s Status) Active() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusStopping:
		return true
	default:
		return false
	}
}

// Execution is one invocation of a script. Params are immutable
// after submission. PID is owned exclusively by the executor that
// started the process and only ever read by other components.
type Execution struct {
	ID         string
	ScriptRef  string
	Params     map[string]string
	Status     Status
	PID        int
	StartedAt  time.Time
	FinishedAt time.Time
	ExitInfo   string
}

// Store field names for an execution hash.
const (
	FieldScriptRef  = "script_ref"
	FieldParams     = "params"
	FieldStatus     = "status"
	FieldPID        = "pid"
	FieldStartedAt  = "started_at"
	FieldFinishedAt = "finished_at"
	FieldExitInfo   = "exit_info"
	FieldOutput     = "output_zst"

	// FieldCancelRequested marks a cancel that arrived before any
	// worker registered a handle for the execution. The claiming
	// worker honors it right after registration.
	FieldCancelRequested = "cancel_requested"
)

// KeyPrefix is the store key prefix for execution hashes.
const KeyPrefix = "execution:"

// Key returns the store key for an execution id.
func Key(id string) string {
	return KeyPrefix + id
}

// IDFromKey recovers the execution id from a store key.
func IDFromKey(key string) string {
	return key[len(KeyPrefix):]
}

// Fields encodes the execution as store fields, omitting unset
// values so that CompareAndSet's absent sentinel stays usable.
func (e *Execution) Fields() (map[string]string, error) {
	fields := map[string]string{
		FieldScriptRef: e.ScriptRef,
		FieldStatus:    string(e.Status),
	}

	if e.Params != nil {
		params, err := json.Marshal(e.Params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}

		fields[FieldParams] = string(params)
	}

	if e.PID != 0 {
		fields[FieldPID] = strconv.Itoa(e.PID)
	}

	if !e.StartedAt.IsZero() {
		fields[FieldStartedAt] = e.StartedAt.UTC().Format(time.RFC3339Nano)
	}

	if !e.FinishedAt.IsZero() {
		fields[FieldFinishedAt] = e.FinishedAt.UTC().Format(time.RFC3339Nano)
	}

	if e.ExitInfo != "" {
		fields[FieldExitInfo] = e.ExitInfo
	}

	return fields, nil
}

// FromFields decodes an execution from its store fields.
func FromFields(id string, fields map[string]string) (*Execution, error) {
	e := &Execution{
		ID:        id,
		ScriptRef: fields[FieldScriptRef],
		Status:    Status(fields[FieldStatus]),
		ExitInfo:  fields[FieldExitInfo],
	}

	if raw, ok := fields[FieldParams]; ok {
		if err := json.Unmarshal([]byte(raw), &e.Params); err != nil {
			return nil, fmt.Errorf("decode params for %s: %w", id, err)
		}
	}

	if raw, ok := fields[FieldPID]; ok {
		pid, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decode pid for %s: %w", id, err)
		}

		e.PID = pid
	}

	var err error

	if e.StartedAt, err = parseTime(fields[FieldStartedAt]); err != nil {
		return nil, fmt.Errorf("decode started_at for %s: %w", id, err)
	}

	if e.FinishedAt, err = parseTime(fields[FieldFinishedAt]); err != nil {
		return nil, fmt.Errorf("decode finished_at for %s: %w", id, err)
	}

	return e, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}

	return time.Parse(time.RFC3339Nano, raw)
}
