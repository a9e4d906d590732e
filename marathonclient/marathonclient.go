// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package marathonclient talks to a Marathon cluster: it fetches the app
// list with ordered-endpoint failover and opens the /v2/events SSE stream.
package marathonclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/praekeltfoundation/marathon-acme/sseframe"
)

// ErrAllEndpointsFailed is returned when every configured endpoint failed
// a non-streaming call.
var ErrAllEndpointsFailed = errors.New("marathonclient: all endpoints failed")

// HTTPError is a bad response from an endpoint. From GetApps it carries a
// 4xx status, which is authoritative and not retried; GetEvents also
// returns it for any non-200 status or a non-event-stream Content-Type.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("marathonclient: %s: unexpected status %d", e.URL, e.Status)
}

// App is a single Marathon application as returned by GET /v2/apps. Only
// the fields the reconciler needs are modeled; PortDefinitions is decoded
// solely to learn the port count (see label contract in the core's
// configuration documentation).
type App struct {
	ID              string             `json:"id"`
	Labels          map[string]string  `json:"labels"`
	PortDefinitions []json.RawMessage  `json:"portDefinitions"`
}

// AppsResponse is the body of GET /v2/apps.
type AppsResponse struct {
	Apps []App `json:"apps"`
}

// Client is a Marathon REST + SSE client with ordered-endpoint failover.
type Client struct {
	endpoints []string
	http      *http.Client
	timeout   time.Duration
	log       *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout for non-streaming calls.
// Default is 10s, per the core's configuration surface.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger attaches a logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient overrides the underlying *http.Client (e.g. for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New constructs a Client for the given ordered list of endpoint base
// URLs (e.g. "http://marathon.mesos:8080").
func New(endpoints []string, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("marathonclient: at least one endpoint is required")
	}
	c := &Client{
		endpoints: endpoints,
		http:      &http.Client{},
		timeout:   10 * time.Second,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetApps fetches GET /v2/apps, trying each endpoint in order and
// stopping at the first success. A 5xx or transport error advances to the
// next endpoint; a 4xx is authoritative and returned immediately.
func (c *Client) GetApps(ctx context.Context) (*AppsResponse, error) {
	var apps AppsResponse
	if err := c.getJSON(ctx, "/v2/apps", &apps); err != nil {
		return nil, err
	}
	return &apps, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	for _, base := range c.endpoints {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.do(reqCtx, base, path, nil)
		cancel()
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				return err // 4xx: authoritative, do not fail over
			}
			c.log.Warn("marathon endpoint failed, trying next",
				zap.String("endpoint", base), zap.Error(err))
			lastErr = err
			continue
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("marathonclient: decoding response from %s: %w", base, err)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = ErrAllEndpointsFailed
	}
	return fmt.Errorf("%w: %v", ErrAllEndpointsFailed, lastErr)
}

func (c *Client) do(ctx context.Context, base, path string, headers http.Header) (*http.Response, error) {
	u := strings.TrimRight(base, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: server error %d", u, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &HTTPError{Status: resp.StatusCode, URL: u}
	}
	return resp, nil
}

// EventCallback is invoked with the data field of an event matching a
// subscribed type, as raw bytes. The data is not parsed or checked to be
// valid JSON before the call.
type EventCallback func(eventType string, data json.RawMessage)

// EventStream is an open subscription to Marathon's /v2/events. Only one
// endpoint is tried per call to GetEvents; reconnection on close is the
// caller's (Orchestrator's) responsibility.
type EventStream struct {
	framer *sseframe.Framer
	cancel context.CancelFunc
	body   func() error
}

// Close tears down the underlying transport.
func (s *EventStream) Close() error {
	s.cancel()
	return s.body()
}

// Done is closed when the stream ends, normally or abnormally.
func (s *EventStream) Done() <-chan struct{} {
	return s.framer.Done()
}

// Err returns the terminal error after Done() fires.
func (s *EventStream) Err() error {
	return s.framer.Err()
}

// GetEvents opens GET /v2/events against the first configured endpoint,
// subscribing to the given event types, and invokes cb for every event
// whose type is in eventTypes. Events with a type outside the
// subscription are silently dropped. The returned stream must be Closed
// by the caller.
func (c *Client) GetEvents(ctx context.Context, sseTimeout time.Duration, cb EventCallback, eventTypes ...string) (*EventStream, error) {
	if len(eventTypes) == 0 {
		return nil, errors.New("marathonclient: at least one event type is required")
	}

	base := c.endpoints[0]
	q := url.Values{}
	for _, t := range eventTypes {
		q.Add("event_type", t)
	}
	u := strings.TrimRight(base, "/") + "/v2/events?" + q.Encode()

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		status := resp.StatusCode
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{Status: status, URL: u}
	}

	wanted := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = true
	}

	framer := sseframe.New(resp.Body, resp.Body, sseframe.WithIdleTimeout(sseTimeout))
	stream := &EventStream{framer: framer, cancel: cancel, body: resp.Body.Close}

	go func() {
		for ev := range framer.Events() {
			if !wanted[ev.Type] {
				continue
			}
			cb(ev.Type, json.RawMessage(ev.Data))
		}
	}()

	return stream, nil
}
