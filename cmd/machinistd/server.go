package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opsbots/machinist/internal/authgate"
	"github.com/opsbots/machinist/internal/config"
	"github.com/opsbots/machinist/internal/dispatcher"
	"github.com/opsbots/machinist/internal/execution"
	"github.com/opsbots/machinist/internal/statestore"
	"github.com/opsbots/machinist/internal/streamer"
	"github.com/opsbots/machinist/internal/tunnel"
)

// maxRequestBody bounds control-request bodies. These are tiny JSON
// documents; anything bigger is a mistake.
const maxRequestBody = 64 * 1024

type server struct {
	dispatcher *dispatcher.Dispatcher
	streamer   *streamer.Streamer
	tunnel     *tunnel.Manager
	gate       *authgate.Gate
	cfg        *config.Config
	logger     *slog.Logger
}

func newServer(
	disp *dispatcher.Dispatcher,
	stream *streamer.Streamer,
	tun *tunnel.Manager,
	gate *authgate.Gate,
	cfg *config.Config,
	logger *slog.Logger,
) *server {
	return &server{
		dispatcher: disp,
		streamer:   stream,
		tunnel:     tun,
		gate:       gate,
		cfg:        cfg,
		logger:     logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/executions",
		s.guard(authgate.PolicyHybrid, s.handleSubmit))
	mux.HandleFunc("GET /api/v1/executions",
		s.guard(authgate.PolicyHybrid, s.handleList))
	mux.HandleFunc("GET /api/v1/executions/{id}",
		s.guard(authgate.PolicyHybrid, s.handleGet))
	mux.HandleFunc("GET /api/v1/executions/{id}/output",
		s.guard(authgate.PolicyHybrid, s.handleOutput))
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel",
		s.guard(authgate.PolicyHybrid, s.handleCancel))
	mux.HandleFunc("POST /api/v1/executions/{id}/pause",
		s.guard(authgate.PolicyHybrid, s.handlePause))
	mux.HandleFunc("POST /api/v1/executions/{id}/resume",
		s.guard(authgate.PolicyHybrid, s.handleResume))

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.HandleFunc("POST /api/v1/stream/start",
		s.guard(authgate.PolicyHybrid, s.handleStreamStart))
	mux.HandleFunc("POST /api/v1/stream/stop",
		s.guard(authgate.PolicyHybrid, s.handleStreamStop))
	mux.HandleFunc("GET /api/v1/stream/status",
		s.guard(authgate.PolicyHybrid, s.handleStreamStatus))
	mux.HandleFunc("GET /api/v1/stream/frames", s.handleFrames)

	mux.HandleFunc("POST /api/v1/tunnel/start",
		s.guard(authgate.PolicyTokenOnly, s.handleTunnelStart))
	mux.HandleFunc("POST /api/v1/tunnel/stop",
		s.guard(authgate.PolicyTokenOnly, s.handleTunnelStop))
	mux.HandleFunc("GET /api/v1/tunnel/status",
		s.guard(authgate.PolicyTokenOnly, s.handleTunnelStatus))

	return mux
}

type submitRequest struct {
	ScriptRef string            `json:"script_ref"`
	Params    map[string]string `json:"params"`
}

type executionView struct {
	ID         string            `json:"id"`
	ScriptRef  string            `json:"script_ref"`
	Params     map[string]string `json:"params,omitempty"`
	Status     execution.Status  `json:"status"`
	PID        int               `json:"pid,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
	ExitInfo   string            `json:"exit_info,omitempty"`
}

func viewOf(ex *execution.Execution) executionView {
	return executionView{
		ID:         ex.ID,
		ScriptRef:  ex.ScriptRef,
		Params:     ex.Params,
		Status:     ex.Status,
		PID:        ex.PID,
		StartedAt:  ex.StartedAt,
		FinishedAt: ex.FinishedAt,
		ExitInfo:   ex.ExitInfo,
	}
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, "decode submission", err)
		return
	}

	id, err := s.dispatcher.Submit(r.Context(), req.ScriptRef, req.Params)
	if err != nil {
		s.writeError(w, r, "submit execution", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	executions, err := s.dispatcher.List(r.Context())
	if err != nil {
		s.writeError(w, r, "list executions", err)
		return
	}

	views := make([]executionView, 0, len(executions))
	for _, ex := range executions {
		views = append(views, viewOf(ex))
	}

	s.writeJSON(w, http.StatusOK, views)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	ex, err := s.dispatcher.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "get execution", err)
		return
	}

	s.writeJSON(w, http.StatusOK, viewOf(ex))
}

func (s *server) handleOutput(w http.ResponseWriter, r *http.Request) {
	output, err := s.dispatcher.Output(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "get execution output", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(output)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.dispatcher.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, "cancel execution", err)
		return
	}

	// Cancellation is acknowledged before the process is gone; the
	// terminal transition arrives on the event feed.
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Pause(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, "pause execution", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Resume(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, "resume execution", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type statusEvent struct {
	ID       string           `json:"id"`
	Status   execution.Status `json:"status"`
	ExitInfo string           `json:"exit_info,omitempty"`
}

// handleEvents pushes execution status transitions as server-sent
// events. Auth failures are delivered in-band on the stream itself.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := s.openEventStream(w, r)
	if !ok {
		return
	}

	events, cancel := s.dispatcher.Events()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}

			payload, err := json.Marshal(statusEvent(event))
			if err != nil {
				s.logger.Error("encode status event", "err", err)
				continue
			}

			writeSSE(w, "status", payload)
			flusher.Flush()
		}
	}
}

type frameEvent struct {
	Seq        uint64    `json:"seq"`
	Data       string    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
}

// handleFrames pushes encoded screen frames as server-sent events,
// base64 in the data field.
func (s *server) handleFrames(w http.ResponseWriter, r *http.Request) {
	flusher, ok := s.openEventStream(w, r)
	if !ok {
		return
	}

	frames, cancel := s.streamer.Subscribe(r.Context())
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}

			payload, err := json.Marshal(frameEvent{
				Seq:        frame.Seq,
				Data:       base64.StdEncoding.EncodeToString(frame.Data),
				CapturedAt: frame.CapturedAt,
			})
			if err != nil {
				s.logger.Error("encode frame event", "err", err)
				continue
			}

			writeSSE(w, "frame", payload)
			flusher.Flush()
		}
	}
}

// openEventStream commits the response to the SSE content type and
// then authorizes. A caller holding a long-lived streaming read gets
// failures as an in-band error event, never a redirect or a bare
// connection drop.
func (s *server) openEventStream(
	w http.ResponseWriter,
	r *http.Request,
) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if _, err := s.gate.Authorize(
		r.Context(),
		credentialsFromRequest(r),
		authgate.PolicyStreamingInBand,
	); err != nil {
		writeSSE(w, "error", []byte(`{"error":"unauthorized"}`))
		flusher.Flush()

		return nil, false
	}

	return flusher, true
}

func writeSSE(w io.Writer, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

type streamStartRequest struct {
	FPS     int `json:"fps"`
	Quality int `json:"quality"`
}

func (s *server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	req := streamStartRequest{
		FPS:     s.cfg.Stream.FPS,
		Quality: s.cfg.Stream.Quality,
	}

	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, "decode stream start", err)
		return
	}

	if err := s.streamer.Start(r.Context(), req.FPS, req.Quality); err != nil {
		s.writeError(w, r, "start stream", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"fps":     req.FPS,
		"quality": req.Quality,
	})
}

func (s *server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if err := s.streamer.Stop(r.Context()); err != nil {
		s.writeError(w, r, "stop stream", err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.streamer.Status(r.Context())
	if err != nil {
		s.writeError(w, r, "get stream status", err)
		return
	}

	s.writeJSON(w, http.StatusOK, session)
}

func (s *server) handleTunnelStart(w http.ResponseWriter, r *http.Request) {
	cfg := tunnel.Config{
		Hostname:      s.cfg.Tunnel.Hostname,
		Port:          s.cfg.Tunnel.Port,
		CredentialRef: s.cfg.Tunnel.CredentialRef,
	}

	if err := s.decode(r, &cfg); err != nil {
		s.writeError(w, r, "decode tunnel start", err)
		return
	}

	if err := s.tunnel.Start(r.Context(), cfg); err != nil {
		s.writeError(w, r, "start tunnel", err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleTunnelStop(w http.ResponseWriter, r *http.Request) {
	if err := s.tunnel.Stop(); err != nil {
		s.writeError(w, r, "stop tunnel", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tunnel.Status())
}

// decode reads a JSON request body into dst. An empty body leaves dst
// untouched so that handlers can pre-fill defaults.
func (s *server) decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("%w: read request body: %v", dispatcher.ErrValidation, err)
	}

	if len(body) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: parse request body: %v", dispatcher.ErrValidation, err)
	}

	return nil
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

// writeError translates component errors to HTTP responses.
func (s *server) writeError(
	w http.ResponseWriter,
	r *http.Request,
	logMsg string,
	err error,
) {
	var redirect authgate.RedirectError

	switch {
	case errors.As(err, &redirect):
		http.Redirect(w, r, redirect.Location, http.StatusFound)

	case errors.Is(err, authgate.ErrUnauthorized):
		s.respondError(w, http.StatusUnauthorized, err)

	case errors.Is(err, dispatcher.ErrValidation),
		errors.Is(err, streamer.ErrInvalidCaptureConfig):
		s.logger.Warn(logMsg, "err", err)
		s.respondError(w, http.StatusBadRequest, err)

	case errors.Is(err, dispatcher.ErrNotFound):
		s.logger.Warn(logMsg, "err", err)
		s.respondError(w, http.StatusNotFound, err)

	case errors.Is(err, dispatcher.ErrDuplicate),
		errors.Is(err, streamer.ErrAlreadyActive),
		errors.Is(err, tunnel.ErrTunnelActive),
		errors.As(err, new(dispatcher.InvalidTransitionError)):
		s.logger.Warn(logMsg, "err", err)
		s.respondError(w, http.StatusConflict, err)

	case errors.Is(err, statestore.ErrStoreUnavailable):
		s.logger.Error(logMsg, "err", err)
		s.respondError(w, http.StatusServiceUnavailable, err)

	default:
		s.logger.Error(logMsg, "err", err)
		s.respondError(
			w, http.StatusInternalServerError,
			errors.New("internal server error"),
		)
	}
}

func (s *server) respondError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
