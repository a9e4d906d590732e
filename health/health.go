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

// Package health reports readiness at GET /health, mirroring the
// structured JSON envelope the core's admin-style endpoints use.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Checker is anything that can report whether it is currently healthy.
// The Orchestrator implements it directly (covering event-stream
// reconnect failures); cmd/marathon-acme wraps the ACME service's Ready
// in a small adapter that implements it.
type Checker interface {
	Healthy() (ok bool, detail string)
}

// Reporter aggregates a set of named Checkers behind GET /health.
type Reporter struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewReporter returns an empty Reporter.
func NewReporter() *Reporter {
	return &Reporter{checkers: make(map[string]Checker)}
}

// Register adds or replaces the checker under name.
func (r *Reporter) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
}

// response is the JSON body returned by GET /health.
type response struct {
	Healthy bool                     `json:"healthy"`
	Details map[string]detailEntry   `json:"details"`
	AsOf    time.Time                `json:"as_of"`
}

type detailEntry struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// ServeHTTP implements http.Handler: 200 when every registered checker
// reports healthy, 503 otherwise.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resp := response{Healthy: true, Details: make(map[string]detailEntry, len(r.checkers)), AsOf: now()}
	for name, c := range r.checkers {
		ok, detail := c.Healthy()
		resp.Details[name] = detailEntry{Healthy: ok, Detail: detail}
		if !ok {
			resp.Healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// now is a var so tests can pin it if ever needed; avoids a direct
// time.Now() call sprinkled through ServeHTTP.
var now = time.Now
