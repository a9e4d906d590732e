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

// Package marathonlb fans a signal out to every marathon-lb replica
// concurrently and classifies partial vs. total failure.
package marathonlb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAllEndpointsFailed is returned when every LB endpoint failed.
var ErrAllEndpointsFailed = errors.New("marathonlb: all endpoints failed")

// Client signals marathon-lb replicas to reload.
type Client struct {
	endpoints []string
	http      *http.Client
	timeout   time.Duration
	log       *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout. Default is 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient overrides the underlying *http.Client (e.g. for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New constructs a Client for the given set of marathon-lb endpoints.
func New(endpoints []string, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("marathonlb: at least one endpoint is required")
	}
	c := &Client{
		endpoints: endpoints,
		http:      &http.Client{},
		timeout:   5 * time.Second,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SignalHUP tells every replica to reload its route table.
func (c *Client) SignalHUP(ctx context.Context) ([]error, error) {
	return c.signal(ctx, "/_mlb_signal/hup")
}

// SignalUSR1 tells every replica to reload its current config (used for
// certificate changes).
func (c *Client) SignalUSR1(ctx context.Context) ([]error, error) {
	return c.signal(ctx, "/_mlb_signal/usr1")
}

// signal fans a POST out to every endpoint concurrently and returns, in
// endpoint order, nil for each endpoint that succeeded and its error
// otherwise; partial failures are logged with endpoint identity but do
// not fail the call overall. The aggregate error is ErrAllEndpointsFailed
// only when every single endpoint failed.
func (c *Client) signal(ctx context.Context, path string) ([]error, error) {
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	results := make([]error, len(c.endpoints))

	for i, base := range c.endpoints {
		i, base := i, base
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			u := strings.TrimRight(base, "/") + path
			req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, nil)
			if err != nil {
				results[i] = err
				return nil
			}
			resp, err := c.http.Do(req)
			if err != nil {
				results[i] = err
				c.log.Warn("marathon-lb signal failed", zap.String("endpoint", base), zap.Error(err))
				return nil
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				results[i] = fmt.Errorf("unexpected status %d", resp.StatusCode)
				c.log.Warn("marathon-lb signal failed",
					zap.String("endpoint", base), zap.Int("status", resp.StatusCode))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range results {
		if err == nil {
			return results, nil // at least one endpoint succeeded
		}
	}
	return results, ErrAllEndpointsFailed
}
