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

package reconcile

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praekeltfoundation/marathon-acme/certstore"
	"github.com/praekeltfoundation/marathon-acme/marathonclient"
)

type fakeApps struct {
	apps marathonclient.AppsResponse
}

func (f *fakeApps) GetApps(ctx context.Context) (*marathonclient.AppsResponse, error) {
	return &f.apps, nil
}

type fakeLB struct {
	mu      sync.Mutex
	signals int
}

func (f *fakeLB) SignalUSR1(ctx context.Context) ([]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals++
	return []error{nil}, nil
}

func (f *fakeLB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals
}

type fakeACME struct {
	mu      sync.Mutex
	issued  []string
	failFor map[string]bool
}

func (f *fakeACME) Issue(ctx context.Context, domain string) (certstore.Bundle, error) {
	f.mu.Lock()
	f.issued = append(f.issued, domain)
	fail := f.failFor[domain]
	f.mu.Unlock()
	if fail {
		return certstore.Bundle{}, errors.New("simulated issuance failure")
	}
	return selfSignedBundle(domain), nil
}

func (f *fakeACME) WhenReady() <-chan struct{} { ch := make(chan struct{}); close(ch); return ch }
func (f *fakeACME) Ready() bool                { return true }

func (f *fakeACME) issuedDomains() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.issued))
	copy(out, f.issued)
	return out
}

func selfSignedBundle(cn string) certstore.Bundle {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		DNSNames:              []string{cn},
		BasicConstraintsValid: true,
	}
	der, _ := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	return certstore.Bundle{LeafCertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})}
}

// memStore is a minimal in-memory certstore.Store for reconciler tests.
type memStore struct {
	mu   sync.Mutex
	data map[string]certstore.Bundle
}

func newMemStore() *memStore { return &memStore{data: map[string]certstore.Bundle{}} }

func (s *memStore) Get(ctx context.Context, name string) (certstore.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[name]
	if !ok {
		return certstore.Bundle{}, &certstore.ErrNotExist{Name: name}
	}
	return b, nil
}

func (s *memStore) Store(ctx context.Context, name string, bundle certstore.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = bundle
	return nil
}

func (s *memStore) AsDict(ctx context.Context) (map[string]certstore.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]certstore.Bundle, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

func appWithLabels(id string, labels map[string]string, numPorts int) marathonclient.App {
	ports := make([]json.RawMessage, numPorts)
	for i := range ports {
		ports[i] = json.RawMessage("{}")
	}
	return marathonclient.App{ID: id, Labels: labels, PortDefinitions: ports}
}

func newReconciler(apps []marathonclient.App, store certstore.Store, acme *fakeACME, lb *fakeLB) *Reconciler {
	return &Reconciler{
		Marathon: &fakeApps{apps: marathonclient.AppsResponse{Apps: apps}},
		Store:    store,
		ACME:     acme,
		LB:       lb,
		Group:    "external",
	}
}

// Scenario 1: single app, new domain.
func TestSyncSingleAppNewDomain(t *testing.T) {
	apps := []marathonclient.App{
		appWithLabels("/app1", map[string]string{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_0_DOMAIN": "example.com",
		}, 1),
	}
	store := newMemStore()
	acme := &fakeACME{}
	lb := &fakeLB{}
	r := newReconciler(apps, store, acme, lb)

	result, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, acme.issuedDomains())
	assert.Equal(t, []string{"example.com"}, result.Issued)
	assert.True(t, result.Signalled)
	assert.Equal(t, 1, lb.count())

	stored, err := store.Get(context.Background(), "example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.LeafCertPEM)
}

// Scenario 2: existing certificate, no reissue.
func TestSyncExistingCertNoReissue(t *testing.T) {
	apps := []marathonclient.App{
		appWithLabels("/app1", map[string]string{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_0_DOMAIN": "example.com",
		}, 1),
	}
	store := newMemStore()
	require.NoError(t, store.Store(context.Background(), "example.com", selfSignedBundle("example.com")))
	acme := &fakeACME{}
	lb := &fakeLB{}
	r := newReconciler(apps, store, acme, lb)

	result, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, acme.issuedDomains())
	assert.Empty(t, result.Issued)
	assert.False(t, result.Signalled)
	assert.Equal(t, 0, lb.count())
}

// Scenario 3: wrong group.
func TestSyncWrongGroupSkipped(t *testing.T) {
	apps := []marathonclient.App{
		appWithLabels("/app1", map[string]string{
			"HAPROXY_GROUP":          "internal",
			"MARATHON_ACME_0_DOMAIN": "example.com",
		}, 1),
	}
	store := newMemStore()
	acme := &fakeACME{}
	lb := &fakeLB{}
	r := newReconciler(apps, store, acme, lb)

	result, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, acme.issuedDomains())
	assert.False(t, result.Signalled)
}

// Scenario 4: multiple comma-separated domains, first wins.
func TestSyncMultipleDomainsFirstWins(t *testing.T) {
	apps := []marathonclient.App{
		appWithLabels("/app1", map[string]string{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_0_DOMAIN": "example.com, example2.com",
		}, 1),
	}
	store := newMemStore()
	acme := &fakeACME{}
	lb := &fakeLB{}
	r := newReconciler(apps, store, acme, lb)

	result, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, acme.issuedDomains())
	assert.Equal(t, []string{"example.com"}, result.Wanted)
}

// Scenario 5: two apps share a domain, exactly one issuance.
func TestSyncSharedDomainIssuedOnce(t *testing.T) {
	apps := []marathonclient.App{
		appWithLabels("/app1", map[string]string{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_0_DOMAIN": "shared.example.com",
		}, 1),
		appWithLabels("/app2", map[string]string{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_0_DOMAIN": "shared.example.com",
		}, 1),
	}
	store := newMemStore()
	acme := &fakeACME{}
	lb := &fakeLB{}
	r := newReconciler(apps, store, acme, lb)

	result, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"shared.example.com"}, acme.issuedDomains())
	assert.Equal(t, []string{"shared.example.com"}, result.Issued)
}

func TestSyncIsIdempotent(t *testing.T) {
	apps := []marathonclient.App{
		appWithLabels("/app1", map[string]string{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_0_DOMAIN": "example.com",
		}, 1),
	}
	store := newMemStore()
	acme := &fakeACME{}
	lb := &fakeLB{}
	r := newReconciler(apps, store, acme, lb)

	_, err := r.Sync(context.Background())
	require.NoError(t, err)

	result2, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result2.Issued)
	assert.False(t, result2.Signalled)
	assert.Equal(t, 1, lb.count(), "second sync must not signal again")
}

func TestSyncOneDomainFailureDoesNotCancelOthers(t *testing.T) {
	apps := []marathonclient.App{
		appWithLabels("/app1", map[string]string{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_0_DOMAIN": "bad.example.com",
		}, 1),
		appWithLabels("/app2", map[string]string{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_1_DOMAIN": "good.example.com",
		}, 2),
	}
	store := newMemStore()
	acme := &fakeACME{failFor: map[string]bool{"bad.example.com": true}}
	lb := &fakeLB{}
	r := newReconciler(apps, store, acme, lb)

	result, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Contains(t, result.Issued, "good.example.com")
	assert.NotContains(t, result.Issued, "bad.example.com")
	require.Contains(t, result.Failed, "bad.example.com")
	assert.True(t, result.Signalled, "the successful issuance must still be signalled")
}

func TestAllowMultipleCertsPerPort(t *testing.T) {
	apps := []marathonclient.App{
		appWithLabels("/app1", map[string]string{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_0_DOMAIN": "a.example.com",
			"MARATHON_ACME_1_DOMAIN": "b.example.com",
		}, 2),
	}
	store := newMemStore()
	acme := &fakeACME{}
	lb := &fakeLB{}
	r := newReconciler(apps, store, acme, lb)
	r.AllowMultipleCerts = true

	result, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.example.com", "b.example.com"}, result.Wanted)
}

func TestDefaultOnlyFirstMatchingPort(t *testing.T) {
	apps := []marathonclient.App{
		appWithLabels("/app1", map[string]string{
			"HAPROXY_GROUP":          "external",
			"MARATHON_ACME_0_DOMAIN": "a.example.com",
			"MARATHON_ACME_1_DOMAIN": "b.example.com",
		}, 2),
	}
	store := newMemStore()
	acme := &fakeACME{}
	lb := &fakeLB{}
	r := newReconciler(apps, store, acme, lb)

	result, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com"}, result.Wanted)
}
