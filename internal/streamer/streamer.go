// Package streamer implements the live screen feed: a single capture
// loop takes periodic screenshots, compresses them, and broadcasts
// them to all attached subscribers. Session state lives in the state
// store so every process observes a consistent view, and a watchdog
// forces the session back to idle when a stop request goes unanswered
// by a dead capture loop.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/opsbots/machinist/internal/pubsub"
	"github.com/opsbots/machinist/internal/statestore"
)

var (
	// ErrAlreadyActive indicates a capture loop is already running.
	// At most one may run system-wide: the screen is an exclusive
	// resource.
	ErrAlreadyActive = errors.New("stream already active")

	// ErrInvalidCaptureConfig indicates an out-of-range fps or
	// quality value. Rejected immediately, never retried.
	ErrInvalidCaptureConfig = errors.New("invalid capture configuration")
)

// frameBuffer is the per-subscriber frame backlog. Anything beyond
// this is dropped for that subscriber; the capture loop never waits.
const frameBuffer = 4

// Streamer owns the capture loop and the subscriber hub.
type Streamer struct {
	store   statestore.Store
	logger  *slog.Logger
	capture Capturer

	// stopTimeout bounds how long stop_requested may persist without
	// the loop reaching idle before the watchdog forces it.
	stopTimeout time.Duration

	hub   *pubsub.Hub[Frame]
	loops atomic.Int32
	seq   atomic.Uint64
}

// New creates a Streamer. stopTimeout is the watchdog bound for an
// unanswered stop request.
func New(
	store statestore.Store,
	logger *slog.Logger,
	capture Capturer,
	stopTimeout time.Duration,
) *Streamer {
	return &Streamer{
		store:       store,
		logger:      logger,
		capture:     capture,
		stopTimeout: stopTimeout,
		hub:         pubsub.NewHub[Frame](frameBuffer),
	}
}

// Start claims the capture singleton and launches the capture loop.
// The idle→starting compare-and-set is the exclusivity guarantee: a
// second start, from this process or any other, loses the swap and
// gets ErrAlreadyActive.
func (s *Streamer) Start(ctx context.Context, fps, quality int) error {
	if fps < 1 || fps > 60 {
		return fmt.Errorf("%w: fps %d out of range [1,60]", ErrInvalidCaptureConfig, fps)
	}

	if quality < 1 || quality > 100 {
		return fmt.Errorf("%w: quality %d out of range [1,100]", ErrInvalidCaptureConfig, quality)
	}

	claimed, err := s.claimIdle(ctx)
	if err != nil {
		return err
	}

	if !claimed {
		return ErrAlreadyActive
	}

	if err := s.store.DeleteKey(ctx, stopKey); err != nil {
		return err
	}

	if err := s.store.SetFields(ctx, sessionKey, map[string]string{
		fieldFPS:   strconv.Itoa(fps),
		fieldQual:  strconv.Itoa(quality),
		fieldSubs:  strconv.Itoa(s.hub.Len()),
		fieldSince: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}

	s.logger.Info("stream starting", "fps", fps, "quality", quality)

	go s.captureLoop(fps, quality)

	return nil
}

// claimIdle performs the idle→starting swap, treating a missing
// session key as idle.
func (s *Streamer) claimIdle(ctx context.Context) (bool, error) {
	claimed, err := s.store.CompareAndSet(
		ctx, sessionKey, fieldState, string(StateIdle), string(StateStarting),
	)
	if err != nil || claimed {
		return claimed, err
	}

	return s.store.CompareAndSet(
		ctx, sessionKey, fieldState, "", string(StateStarting),
	)
}

// Stop requests a graceful stop. It is idempotent and always safe:
// setting stop_requested does nothing when no session is active, and
// the watchdog guarantees the flag eventually drives the state to
// idle even if the capture loop is unresponsive.
func (s *Streamer) Stop(ctx context.Context) error {
	// Record requested_at only on the first request so repeated stop
	// calls cannot keep pushing the watchdog deadline out.
	first, err := s.store.CompareAndSet(ctx, stopKey, fieldFlag, "", flagSet)
	if err != nil {
		return err
	}

	if first {
		if err := s.store.SetFields(ctx, stopKey, map[string]string{
			fieldReqAt: time.Now().UTC().Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
	}

	// Best-effort visibility: flip active to stopping if that is
	// where the session currently is.
	if _, err := s.store.CompareAndSet(
		ctx, sessionKey, fieldState, string(StateActive), string(StateStopping),
	); err != nil {
		return err
	}

	return nil
}

// Status returns the current session view.
func (s *Streamer) Status(ctx context.Context) (Session, error) {
	fields, err := s.store.GetAll(ctx, sessionKey)
	if err != nil {
		return Session{}, err
	}

	flag, _, err := s.store.GetField(ctx, stopKey, fieldFlag)
	if err != nil {
		return Session{}, err
	}

	return sessionFromFields(fields, flag == flagSet), nil
}

// Subscribe attaches a live viewer. The returned cancel function
// must be called on every exit path; it releases the subscription
// and decrements the subscriber count.
func (s *Streamer) Subscribe(ctx context.Context) (<-chan Frame, func()) {
	frames, cancelSub := s.hub.Subscribe()

	s.storeSubscriberCount(ctx)

	cancel := func() {
		cancelSub()
		s.storeSubscriberCount(context.Background())
	}

	return frames, cancel
}

func (s *Streamer) storeSubscriberCount(ctx context.Context) {
	if err := s.store.SetFields(ctx, sessionKey, map[string]string{
		fieldSubs: strconv.Itoa(s.hub.Len()),
	}); err != nil {
		s.logger.Warn("record subscriber count", "err", err)
	}
}

// ActiveCaptureLoops reports how many capture loops are running in
// this process. It must never exceed one.
func (s *Streamer) ActiveCaptureLoops() int32 {
	return s.loops.Load()
}

// captureLoop is the single active capture loop: capture, encode,
// publish, pace, check the stop flag. Frame delivery is best-effort
// per subscriber; only the capture itself paces the loop.
func (s *Streamer) captureLoop(fps, quality int) {
	s.loops.Add(1)
	defer s.loops.Add(-1)

	ctx := context.Background()

	if err := s.store.SetFields(ctx, sessionKey, map[string]string{
		fieldState: string(StateActive),
	}); err != nil {
		s.logger.Error("record active state", "err", err)
		s.reset(ctx)

		return
	}

	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		img, err := s.capture.Capture(ctx)
		if err != nil {
			s.logger.Warn("capture frame", "err", err)
		} else if data, err := encodeFrame(img, quality); err != nil {
			s.logger.Warn("encode frame", "err", err)
		} else {
			s.hub.Publish(Frame{
				Seq:        s.seq.Add(1),
				Data:       data,
				CapturedAt: time.Now().UTC(),
			})
		}

		stop, err := s.stopRequested(ctx)
		if err != nil {
			s.logger.Error("read stop flag", "err", err)
			stop = true
		}

		if stop {
			break
		}

		<-ticker.C
	}

	s.logger.Info("stream stopped")
	s.reset(ctx)
}

func (s *Streamer) stopRequested(ctx context.Context) (bool, error) {
	flag, _, err := s.store.GetField(ctx, stopKey, fieldFlag)
	if err != nil {
		return false, err
	}

	return flag == flagSet, nil
}

// reset returns the session to idle by deleting both session keys.
func (s *Streamer) reset(ctx context.Context) {
	if err := s.store.DeleteKey(ctx, sessionKey); err != nil {
		s.logger.Error("reset session state", "err", err)
	}

	if err := s.store.DeleteKey(ctx, stopKey); err != nil {
		s.logger.Error("clear stop flag", "err", err)
	}
}

// Watch runs the watchdog until ctx is done: when stop_requested has
// persisted past the stop timeout without the state reaching idle,
// the capture loop is presumed dead and the session is forcibly
// reset.
func (s *Streamer) Watch(ctx context.Context) error {
	interval := s.stopTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.watchdogPass(ctx); err != nil {
				s.logger.Error("stream watchdog", "err", err)
			}
		}
	}
}

func (s *Streamer) watchdogPass(ctx context.Context) error {
	flag, _, err := s.store.GetField(ctx, stopKey, fieldFlag)
	if err != nil {
		return err
	}

	if flag != flagSet {
		return nil
	}

	state, _, err := s.store.GetField(ctx, sessionKey, fieldState)
	if err != nil {
		return err
	}

	if state == "" || state == string(StateIdle) {
		// Stopped cleanly but the flag survived; clear it.
		return s.store.DeleteKey(ctx, stopKey)
	}

	requestedAt, _, err := s.store.GetField(ctx, stopKey, fieldReqAt)
	if err != nil {
		return err
	}

	since, err := time.Parse(time.RFC3339Nano, requestedAt)
	if err != nil {
		// Unreadable timestamp: treat the request as expired rather
		// than letting the session wedge forever.
		since = time.Time{}
	}

	if time.Since(since) < s.stopTimeout {
		return nil
	}

	s.logger.Error("stop request unanswered, forcing stream to idle",
		"state", state,
		"requested_at", requestedAt,
		"stop_timeout", s.stopTimeout,
	)

	s.reset(ctx)

	return nil
}
