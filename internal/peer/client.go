/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package peer wraps localhost HTTP calls between fabric services. Failures
// are values, not exceptions: every call yields a Result whose Status is one
// of ok, peer_unavailable, timeout or rejected.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Status classifies the outcome of a peer call.
type Status string

const (
	StatusOK          Status = "ok"
	StatusUnavailable Status = "peer_unavailable"
	StatusTimeout     Status = "timeout"
	StatusRejected    Status = "rejected"
)

// Deadlines for the three call classes.
const (
	CommandDeadline  = 2 * time.Second
	MetadataDeadline = 5 * time.Second
	BulkDeadline     = 30 * time.Second
	HealthDeadline   = 1 * time.Second
)

// Result is the outcome of one peer call.
type Result struct {
	Status     Status
	HTTPStatus int
	Body       []byte
	Err        error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Status == StatusOK }

// Decode unmarshals the response body into v.
func (r Result) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("peer: empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Client is a shared HTTP client with injected deadlines. One client per
// service; deadlines come from the call site, never from ambient state.
type Client struct {
	http *http.Client
}

// NewClient creates a peer client. The transport timeout is left unset;
// every call carries its own context deadline.
func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        8,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// PostJSON posts body as JSON to url within deadline.
func (c *Client) PostJSON(ctx context.Context, url string, body any, deadline time.Duration) Result {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{Status: StatusRejected, Err: fmt.Errorf("marshal request: %w", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{Status: StatusRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// GetJSON fetches url within deadline.
func (c *Client) GetJSON(ctx context.Context, url string, deadline time.Duration) Result {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Status: StatusRejected, Err: err}
	}
	return c.do(req)
}

// Probe checks a peer's liveness endpoint within the health deadline.
func (c *Client) Probe(ctx context.Context, url string) Result {
	return c.GetJSON(ctx, url, HealthDeadline)
}

func (c *Client) do(req *http.Request) Result {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(req.Context().Err(), context.DeadlineExceeded) {
			return Result{Status: StatusTimeout, Err: err}
		}
		return Result{Status: StatusUnavailable, Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return Result{Status: StatusUnavailable, HTTPStatus: resp.StatusCode, Err: readErr}
	}

	if resp.StatusCode >= 400 {
		return Result{
			Status:     StatusRejected,
			HTTPStatus: resp.StatusCode,
			Body:       body,
			Err:        fmt.Errorf("peer returned HTTP %d", resp.StatusCode),
		}
	}

	return Result{Status: StatusOK, HTTPStatus: resp.StatusCode, Body: body}
}
