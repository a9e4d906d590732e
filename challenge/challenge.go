// Copyright 2015 Light Code Labs, LLC
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

// Package challenge serves ACME HTTP-01 challenge responses at
// /.well-known/acme-challenge/<token>. It is the IResponder capability
// interface's concrete implementation: {StartResponding, StopResponding}.
package challenge

import (
	"net/http"
	"strings"
	"sync"
)

const basePath = "/.well-known/acme-challenge/"

// Responder answers HTTP-01 challenge requests for whatever tokens are
// currently registered. The ACME issuing service populates and clears
// tokens around each validation attempt; Responder itself only reads.
type Responder struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> key authorization
}

// New returns an empty Responder.
func New() *Responder {
	return &Responder{tokens: make(map[string]string)}
}

// StartResponding registers keyAuth as the answer for token.
func (r *Responder) StartResponding(token, keyAuth string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = keyAuth
}

// StopResponding removes token, once validation has completed.
func (r *Responder) StopResponding(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
}

// ServeHTTP implements http.Handler, mounted at the ACME HTTP-01
// well-known path on the core's public HTTP port.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !strings.HasPrefix(req.URL.Path, basePath) {
		http.NotFound(w, req)
		return
	}
	token := strings.TrimPrefix(req.URL.Path, basePath)

	r.mu.RLock()
	keyAuth, ok := r.tokens[token]
	r.mu.RUnlock()

	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(keyAuth))
}
