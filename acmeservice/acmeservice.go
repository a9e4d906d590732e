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

// Package acmeservice describes the external ACME issuing service
// contract the Reconciler depends on. Per the core's purpose and scope,
// the wire protocol (JWS signing, HTTP-01 challenge solving) is treated
// as a black box behind this interface; renewal policy and lead time
// belong to whatever backs this interface, not to the core.
package acmeservice

import (
	"context"

	"github.com/praekeltfoundation/marathon-acme/certstore"
)

// Service issues certificates and reports readiness. Renewal is driven by
// the service on its own schedule; the core only ever requests names it
// doesn't already hold a certificate for.
type Service interface {
	// Issue blocks until a bundle has been obtained for domain, or
	// returns a typed error. It does not write the bundle to the
	// certificate store: the caller (the Reconciler) stores it and then
	// signals the marathon-lb reload.
	Issue(ctx context.Context, domain string) (certstore.Bundle, error)

	// WhenReady returns a channel that is closed once, after
	// registration and first-sync readiness.
	WhenReady() <-chan struct{}

	// Ready reports whether the service currently considers itself
	// ready to issue (used by the health endpoint).
	Ready() bool
}

// IssueError is a typed failure from Issue, carrying the domain so
// callers (the Reconciler) can log and accumulate per-domain failures
// without inspecting error strings.
type IssueError struct {
	Domain string
	Err    error
}

func (e *IssueError) Error() string {
	return "acmeservice: issuing " + e.Domain + ": " + e.Err.Error()
}

func (e *IssueError) Unwrap() error { return e.Err }
