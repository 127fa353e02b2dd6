package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opsbots/machinist/internal/authgate"
	"github.com/opsbots/machinist/internal/config"
	"github.com/opsbots/machinist/internal/dispatcher"
	"github.com/opsbots/machinist/internal/execution"
	"github.com/opsbots/machinist/internal/executor"
	"github.com/opsbots/machinist/internal/statestore"
	"github.com/opsbots/machinist/internal/streamer"
	"github.com/opsbots/machinist/internal/tunnel"
)

const testToken = "tok-test"

// stubCapturer produces synthetic frames; the test host has no screen.
type stubCapturer struct{}

func (stubCapturer) Capture(ctx context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

type testDaemon struct {
	url      string
	client   *http.Client
	sessions *authgate.HMACSessions
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	dir := t.TempDir()
	scriptsDir := filepath.Join(dir, "scripts")

	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	writeScript(t, scriptsDir, "greet.sh", "#!/bin/sh\necho hello $ROBOT_PARAM_NAME\n")
	writeScript(t, scriptsDir, "slow.sh", "#!/bin/sh\nsleep 60\n")

	store, err := statestore.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	exec := executor.New(store, logger, scriptsDir, time.Second)

	disp, err := dispatcher.New(store, exec, logger, dispatcher.Options{
		Workers:             2,
		Retention:           time.Hour,
		MaintenanceInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if err := disp.Run(context.Background()); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	stream := streamer.New(store, logger, stubCapturer{}, time.Second)
	tun := tunnel.New(store, logger, []string{"/bin/sleep", "60"})

	cfg := config.Default()
	cfg.ScriptsDir = scriptsDir
	cfg.APITokens = map[string]string{"test": testToken}
	cfg.SessionSecret = "test-secret"

	sessions := authgate.NewHMACSessions([]byte(cfg.SessionSecret))

	gate := authgate.New(
		authgate.NewStaticTokens(cfg.APITokens),
		sessions,
		cfg.LoginURL,
		logger,
	)

	srv := httptest.NewServer(
		newServer(disp, stream, tun, gate, cfg, logger).routes(),
	)

	t.Cleanup(func() {
		srv.Close()
		stream.Stop(context.Background())
		tun.Stop()
		disp.Shutdown(context.Background())
		store.Close()
	})

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testDaemon{url: srv.URL, client: client, sessions: sessions}
}

func writeScript(t *testing.T, dir, name, content string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o755); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
}

// call performs an authenticated request and returns the status code
// and body.
func (d *testDaemon) call(
	t *testing.T,
	method, path, body string,
) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, d.url+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := d.client.Do(req)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return resp.StatusCode, data
}

func (d *testDaemon) submit(t *testing.T, body string) string {
	t.Helper()

	code, data := d.call(t, http.MethodPost, "/api/v1/executions", body)
	if code != http.StatusAccepted {
		t.Fatalf("expected status code: got '%d', want '%d' (%s)",
			code, http.StatusAccepted, data)
	}

	var resp struct {
		ID string `json:"id"`
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return resp.ID
}

func (d *testDaemon) waitStatus(
	t *testing.T,
	id string,
	want execution.Status,
) executionView {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for {
		code, data := d.call(t, http.MethodGet, "/api/v1/executions/"+id, "")
		if code != http.StatusOK {
			t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusOK)
		}

		var view executionView
		if err := json.Unmarshal(data, &view); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if view.Status == want {
			return view
		}

		if time.Now().After(deadline) {
			t.Fatalf(
				"timed out waiting for status '%s': still '%s'",
				want, view.Status,
			)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	d := newTestDaemon(t)

	id := d.submit(t, `{"script_ref":"greet.sh","params":{"NAME":"world"}}`)

	view := d.waitStatus(t, id, execution.StatusCompleted)

	if view.ExitInfo != "exit:0" {
		t.Errorf("expected exit info: got '%s', want 'exit:0'", view.ExitInfo)
	}

	code, output := d.call(t, http.MethodGet, "/api/v1/executions/"+id+"/output", "")
	if code != http.StatusOK {
		t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusOK)
	}

	if !strings.Contains(string(output), "hello world") {
		t.Errorf("expected output to contain 'hello world': got '%s'", output)
	}
}

func TestRejectsUnauthenticatedRequests(t *testing.T) {
	d := newTestDaemon(t)

	for _, tc := range []struct {
		name  string
		token string
	}{
		{"no credentials", ""},
		{"wrong token", "tok-wrong"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, d.url+"/api/v1/executions", nil)
			if err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}

			resp, err := d.client.Do(req)
			if err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("expected status code: got '%d', want '%d'",
					resp.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

func TestInteractiveCallerRedirectsToLogin(t *testing.T) {
	d := newTestDaemon(t)

	req, err := http.NewRequest(http.MethodGet, d.url+"/api/v1/executions", nil)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	req.Header.Set("Accept", "text/html")

	resp, err := d.client.Do(req)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected status code: got '%d', want '%d'",
			resp.StatusCode, http.StatusFound)
	}

	if location := resp.Header.Get("Location"); location != "/login" {
		t.Errorf("expected redirect location: got '%s', want '/login'", location)
	}
}

func TestSessionCookieAccepted(t *testing.T) {
	d := newTestDaemon(t)

	req, err := http.NewRequest(http.MethodGet, d.url+"/api/v1/executions", nil)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	req.AddCookie(&http.Cookie{
		Name:  sessionCookieName,
		Value: d.sessions.Issue("alice", time.Hour),
	})

	resp, err := d.client.Do(req)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status code: got '%d', want '%d'",
			resp.StatusCode, http.StatusOK)
	}
}

func TestDuplicateSubmissionConflicts(t *testing.T) {
	d := newTestDaemon(t)

	id := d.submit(t, `{"script_ref":"slow.sh"}`)
	d.waitStatus(t, id, execution.StatusRunning)

	code, _ := d.call(t, http.MethodPost, "/api/v1/executions", `{"script_ref":"slow.sh"}`)
	if code != http.StatusConflict {
		t.Errorf("expected status code: got '%d', want '%d'", code, http.StatusConflict)
	}

	code, _ = d.call(t, http.MethodPost, "/api/v1/executions/"+id+"/cancel", "")
	if code != http.StatusAccepted {
		t.Errorf("expected status code: got '%d', want '%d'", code, http.StatusAccepted)
	}

	view := d.waitStatus(t, id, execution.StatusStopped)
	if view.ExitInfo != execution.ExitCanceled {
		t.Errorf("expected exit info: got '%s', want '%s'",
			view.ExitInfo, execution.ExitCanceled)
	}
}

func TestRequestValidation(t *testing.T) {
	d := newTestDaemon(t)

	t.Run("empty script ref", func(t *testing.T) {
		code, _ := d.call(t, http.MethodPost, "/api/v1/executions", `{"script_ref":""}`)
		if code != http.StatusBadRequest {
			t.Errorf("expected status code: got '%d', want '%d'",
				code, http.StatusBadRequest)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		code, _ := d.call(t, http.MethodPost, "/api/v1/executions", `{"script_ref":`)
		if code != http.StatusBadRequest {
			t.Errorf("expected status code: got '%d', want '%d'",
				code, http.StatusBadRequest)
		}
	})

	t.Run("unknown execution", func(t *testing.T) {
		code, _ := d.call(t, http.MethodPost, "/api/v1/executions/nope/cancel", "")
		if code != http.StatusNotFound {
			t.Errorf("expected status code: got '%d', want '%d'",
				code, http.StatusNotFound)
		}
	})

	t.Run("pause requires running", func(t *testing.T) {
		id := d.submit(t, `{"script_ref":"greet.sh"}`)
		d.waitStatus(t, id, execution.StatusCompleted)

		code, _ := d.call(t, http.MethodPost, "/api/v1/executions/"+id+"/pause", "")
		if code != http.StatusConflict {
			t.Errorf("expected status code: got '%d', want '%d'",
				code, http.StatusConflict)
		}
	})
}

func TestPauseResumeOverHTTP(t *testing.T) {
	d := newTestDaemon(t)

	id := d.submit(t, `{"script_ref":"slow.sh"}`)
	d.waitStatus(t, id, execution.StatusRunning)

	code, _ := d.call(t, http.MethodPost, "/api/v1/executions/"+id+"/pause", "")
	if code != http.StatusNoContent {
		t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusNoContent)
	}

	d.waitStatus(t, id, execution.StatusPaused)

	code, _ = d.call(t, http.MethodPost, "/api/v1/executions/"+id+"/resume", "")
	if code != http.StatusNoContent {
		t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusNoContent)
	}

	d.waitStatus(t, id, execution.StatusRunning)

	code, _ = d.call(t, http.MethodPost, "/api/v1/executions/"+id+"/cancel", "")
	if code != http.StatusAccepted {
		t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusAccepted)
	}

	d.waitStatus(t, id, execution.StatusStopped)
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	d := newTestDaemon(t)

	code, _ := d.call(t, http.MethodPost, "/api/v1/stream/start", `{"fps":10,"quality":50}`)
	if code != http.StatusAccepted {
		t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusAccepted)
	}

	d.waitStreamState(t, "active")

	code, _ = d.call(t, http.MethodPost, "/api/v1/stream/start", "")
	if code != http.StatusConflict {
		t.Errorf("expected status code: got '%d', want '%d'", code, http.StatusConflict)
	}

	code, _ = d.call(t, http.MethodPost, "/api/v1/stream/stop", "")
	if code != http.StatusAccepted {
		t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusAccepted)
	}

	d.waitStreamState(t, "idle")
}

func (d *testDaemon) waitStreamState(t *testing.T, want string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for {
		code, data := d.call(t, http.MethodGet, "/api/v1/stream/status", "")
		if code != http.StatusOK {
			t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusOK)
		}

		var session struct {
			State string `json:"state"`
		}

		if err := json.Unmarshal(data, &session); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if session.State == want {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf(
				"timed out waiting for stream state '%s': still '%s'",
				want, session.State,
			)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func TestFramesStreamReportsAuthFailureInBand(t *testing.T) {
	d := newTestDaemon(t)

	resp, err := d.client.Get(d.url + "/api/v1/stream/frames")
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer resp.Body.Close()

	// The stream itself carries the failure: the response commits to
	// the event stream before authorization runs.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status code: got '%d', want '%d'",
			resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if !strings.Contains(string(body), "event: error") {
		t.Errorf("expected an in-band error event: got '%s'", body)
	}

	if !strings.Contains(string(body), "unauthorized") {
		t.Errorf("expected an unauthorized payload: got '%s'", body)
	}
}

func TestEventsFeedDeliversTransitions(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, d.url+"/api/v1/events", nil,
	)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := d.client.Do(req)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 64)

	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}

		close(lines)
	}()

	id := d.submit(t, `{"script_ref":"greet.sh"}`)

	want := fmt.Sprintf(`"id":"%s","status":"completed"`, id)
	deadline := time.After(10 * time.Second)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("event stream closed before the terminal event")
			}

			if strings.Contains(line, want) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the terminal event")
		}
	}
}

func TestTunnelEndpointsAreTokenOnly(t *testing.T) {
	d := newTestDaemon(t)

	// A valid session is not enough for tunnel control.
	req, err := http.NewRequest(http.MethodGet, d.url+"/api/v1/tunnel/status", nil)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	req.AddCookie(&http.Cookie{
		Name:  sessionCookieName,
		Value: d.sessions.Issue("alice", time.Hour),
	})

	resp, err := d.client.Do(req)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status code: got '%d', want '%d'",
			resp.StatusCode, http.StatusUnauthorized)
	}

	code, _ := d.call(
		t, http.MethodPost, "/api/v1/tunnel/start",
		`{"hostname":"robots.example.net","port":8443}`,
	)
	if code != http.StatusAccepted {
		t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusAccepted)
	}

	code, data := d.call(t, http.MethodGet, "/api/v1/tunnel/status", "")
	if code != http.StatusOK {
		t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusOK)
	}

	var state struct {
		Active   bool   `json:"active"`
		Hostname string `json:"hostname"`
	}

	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if !state.Active {
		t.Error("expected tunnel to report active")
	}

	if state.Hostname != "robots.example.net" {
		t.Errorf("expected hostname: got '%s', want 'robots.example.net'", state.Hostname)
	}

	code, _ = d.call(t, http.MethodPost, "/api/v1/tunnel/stop", "")
	if code != http.StatusNoContent {
		t.Fatalf("expected status code: got '%d', want '%d'", code, http.StatusNoContent)
	}
}
