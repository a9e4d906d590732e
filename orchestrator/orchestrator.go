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

// Package orchestrator runs the Marathon event subscription, coalesces
// bursts of app-change events into single reconciliation passes, and
// reconnects the event stream with jittered backoff when it drops. It
// is the long-running process that cmd/marathon-acme starts and stops.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/praekeltfoundation/marathon-acme/marathonclient"
	"github.com/praekeltfoundation/marathon-acme/reconcile"
)

// State is one of the orchestrator's lifecycle states.
type State int

const (
	StateInit State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// eventSubscriber is the slice of marathonclient.Client the orchestrator
// needs to open the Marathon event stream; *marathonclient.Client
// satisfies it. A narrow interface, as reconcile.AppsFetcher is, lets
// tests drive the reconnect loop without a real HTTP server.
type eventSubscriber interface {
	GetEvents(ctx context.Context, sseTimeout time.Duration, cb marathonclient.EventCallback, eventTypes ...string) (*marathonclient.EventStream, error)
}

// syncer is the slice of reconcile.Reconciler the orchestrator drives.
type syncer interface {
	Sync(ctx context.Context) (reconcile.Result, error)
}

// Config controls the orchestrator's reconnect and coalescing behavior.
type Config struct {
	// SSETimeout is passed through to GetEvents as the idle timeout.
	SSETimeout time.Duration
	// ShutdownGrace bounds how long Stop waits for an in-flight sync
	// to finish before returning anyway.
	ShutdownGrace time.Duration
	// EventTypes is the set of Marathon event types that trigger a
	// sync; defaults to api_post_event if empty.
	EventTypes []string
}

// Orchestrator owns the Marathon event subscription and the
// reconciliation loop it drives. Zero value is not usable; build one
// with New.
type Orchestrator struct {
	marathon  eventSubscriber
	reconcile syncer
	cfg       Config
	log       *zap.Logger

	mu              sync.RWMutex
	state           State
	lastErr         error
	consecutiveFail int
	syncChClosed    bool

	syncCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an Orchestrator. cfg.EventTypes defaults to
// {"api_post_event"} when empty, matching the Marathon event the
// domain-label contract reacts to.
func New(m eventSubscriber, r syncer, cfg Config, log *zap.Logger) *Orchestrator {
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = []string{"api_post_event"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		marathon:  m,
		reconcile: r,
		cfg:       cfg,
		log:       log,
		state:     StateInit,
		syncCh:    make(chan struct{}, 1), // depth 1: coalesce bursts into one pending sync
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Healthy implements health.Checker: unhealthy once reconnection has
// failed three times in a row, so the process can be restarted by its
// supervisor rather than spin silently disconnected from Marathon.
func (o *Orchestrator) Healthy() (bool, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.consecutiveFail >= 3 {
		detail := "marathon event stream reconnect failing"
		if o.lastErr != nil {
			detail += ": " + o.lastErr.Error()
		}
		return false, detail
	}
	return true, ""
}

// Run starts the orchestrator: it runs an initial sync, then subscribes
// to the Marathon event stream and reconciles on every qualifying
// event, reconnecting with jittered exponential backoff whenever the
// stream drops. Run blocks until ctx is cancelled or Stop is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(StateStarting)
	defer close(o.doneCh)

	if _, err := o.reconcile.Sync(ctx); err != nil {
		o.log.Error("initial sync failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.syncLoop(ctx)
	}()

	o.setState(StateRunning)
	o.eventLoop(ctx)

	o.setState(StateStopping)
	o.closeSyncCh()
	wg.Wait()
	o.setState(StateStopped)
	return nil
}

// Stop requests a graceful shutdown and waits up to cfg.ShutdownGrace
// for the run loop to exit.
func (o *Orchestrator) Stop() {
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
	grace := o.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-o.doneCh:
	case <-time.After(grace):
		o.log.Warn("shutdown grace period elapsed before run loop exited")
	}
}

// eventLoop owns the Marathon SSE subscription and its reconnect
// backoff. Every qualifying event requests a sync via syncCh rather
// than running Sync inline, so a burst of app changes collapses into
// a single reconciliation.
func (o *Orchestrator) eventLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; only ctx cancellation or Stop ends the loop

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		default:
		}

		stream, err := o.marathon.GetEvents(ctx, o.cfg.SSETimeout, o.onEvent, o.cfg.EventTypes...)
		if err != nil {
			o.recordFailure(err)
			wait := bo.NextBackOff()
			o.log.Warn("marathon event stream connect failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
			if !o.sleep(ctx, wait) {
				return
			}
			continue
		}

		o.recordSuccess()
		bo.Reset()

		select {
		case <-stream.Done():
			err := stream.Err()
			_ = stream.Close()
			if err != nil && !errors.Is(err, context.Canceled) {
				o.recordFailure(err)
				wait := bo.NextBackOff()
				o.log.Warn("marathon event stream dropped, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
				if !o.sleep(ctx, wait) {
					return
				}
			}
		case <-ctx.Done():
			_ = stream.Close()
			return
		case <-o.stopCh:
			_ = stream.Close()
			return
		}
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-o.stopCh:
		return false
	}
}

func (o *Orchestrator) recordFailure(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.consecutiveFail++
	o.mu.Unlock()
}

func (o *Orchestrator) recordSuccess() {
	o.mu.Lock()
	o.lastErr = nil
	o.consecutiveFail = 0
	o.mu.Unlock()
}

// onEvent is the marathonclient.EventCallback passed to GetEvents. It
// never blocks: the buffered syncCh already holds a pending request if
// one hasn't been drained yet, so a burst of events coalesces into one
// sync instead of queuing one per event.
//
// marathonclient dispatches events from its own goroutine, which keeps
// running for a little while after EventStream.Close() asks the
// connection to tear down, so onEvent can still fire after Run has
// moved on to closing syncCh. The send and the close share o.mu so
// onEvent never races a send against a closed channel.
func (o *Orchestrator) onEvent(_ string, _ json.RawMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.syncChClosed {
		return
	}
	select {
	case o.syncCh <- struct{}{}:
	default:
	}
}

// closeSyncCh closes syncCh under o.mu so onEvent can never observe a
// closed channel and send on it.
func (o *Orchestrator) closeSyncCh() {
	o.mu.Lock()
	o.syncChClosed = true
	close(o.syncCh)
	o.mu.Unlock()
}

// syncLoop drains syncCh, running one reconciliation per signal, until
// the channel is closed by Run during shutdown.
func (o *Orchestrator) syncLoop(ctx context.Context) {
	for range o.syncCh {
		if _, err := o.reconcile.Sync(ctx); err != nil {
			o.log.Error("sync failed", zap.Error(err))
		}
	}
}
