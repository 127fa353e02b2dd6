package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// apiError is a non-2xx response from the agent.
type apiError struct {
	status  int
	message string
}

func (e apiError) Error() string {
	switch e.status {
	case http.StatusUnauthorized:
		return "not authenticated"
	case http.StatusNotFound:
		return "not found"
	case http.StatusServiceUnavailable:
		return "agent unavailable"
	default:
		return e.message
	}
}

// client is a thin HTTP client for the agent API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
	}
}

func (c *client) newRequest(
	ctx context.Context,
	method, path string,
	body any,
) (*http.Request, error) {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// call performs a request and decodes a JSON response into out (when
// out is non-nil).
func (c *client) call(
	ctx context.Context,
	method, path string,
	body, out any,
) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach agent: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// raw performs a GET and returns the body as-is.
func (c *client) raw(ctx context.Context, path string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach agent: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(resp.StatusCode, data)
	}

	return data, nil
}

// stream opens a long-lived GET and returns the body for the caller
// to consume. The caller owns closing it.
func (c *client) stream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach agent: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)

		return nil, decodeError(resp.StatusCode, data)
	}

	return resp.Body, nil
}

func decodeError(status int, data []byte) error {
	var payload struct {
		Error string `json:"error"`
	}

	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		return apiError{status: status, message: http.StatusText(status)}
	}

	return apiError{status: status, message: payload.Error}
}

var errMissingParam = errors.New("params must be KEY=VALUE")
