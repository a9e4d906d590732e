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

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	ok     bool
	detail string
}

func (f fakeChecker) Healthy() (bool, string) { return f.ok, f.detail }

func TestHealthyWhenAllCheckersOK(t *testing.T) {
	r := NewReporter()
	r.Register("orchestrator", fakeChecker{ok: true})
	r.Register("acme", fakeChecker{ok: true})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
}

func TestUnhealthyWhenAnyCheckerFails(t *testing.T) {
	r := NewReporter()
	r.Register("orchestrator", fakeChecker{ok: true})
	r.Register("acme", fakeChecker{ok: false, detail: "not ready"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Healthy)
	assert.Equal(t, "not ready", body.Details["acme"].Detail)
}
