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

// Package vaultstore is a Vault KV v2 backed certstore.Store. It keeps a
// single "live" object mapping domain -> {version, fingerprint,
// dns_names} and updates it under compare-and-set so that concurrent
// writers never downgrade a domain's live entry to an older certificate
// version.
//
// The CAS loop here is the Go analogue of the teacher pack's own generic
// KV-with-atomic-put wrapper (kvstore.Store, built on
// github.com/docker/libkv's AtomicPut(key, value, previous *KVPair)):
// the same "read current version, write with the version you read,
// retry on conflict" shape, specialized to Vault KV v2's cas option
// because libkv has no Vault backend.
package vaultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/praekeltfoundation/marathon-acme/certstore"
)

const liveKey = "live"

// chainEntrySep joins and splits the chain field's PEM entries. It is an
// explicit double newline rather than a coincidence of each chain entry
// already ending in "\n": bundleFromData trims each split part, so the
// exact whitespace either side of the separator doesn't matter.
const chainEntrySep = "\n\n"

// liveEntry is the JSON-encoded value stored per domain in the live
// mapping.
type liveEntry struct {
	Version     int      `json:"version"`
	Fingerprint string   `json:"fingerprint"`
	DNSNames    []string `json:"dns_names"`
}

// Store is a Vault KV v2 backed certstore.Store.
type Store struct {
	client *vaultapi.Client
	mount  string
	log    *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New returns a Store writing certificate and live-mapping entries under
// the given Vault KV v2 mount path.
func New(client *vaultapi.Client, mount string, opts ...Option) *Store {
	s := &Store{client: client, mount: strings.Trim(mount, "/"), log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) dataPath(key string) string {
	return path.Join(s.mount, "data", key)
}

func (s *Store) certPath(name string) string {
	return s.dataPath(path.Join("certificates", strings.ToLower(name)))
}

// Get implements certstore.Store. It reads certificates/<name> directly;
// it does not consult the live mapping.
func (s *Store) Get(ctx context.Context, name string) (certstore.Bundle, error) {
	data, _, err := s.read(ctx, s.certPath(name))
	if err != nil {
		return certstore.Bundle{}, fmt.Errorf("vaultstore: reading certificate for %s: %w", name, err)
	}
	if data == nil {
		return certstore.Bundle{}, &certstore.ErrNotExist{Name: name}
	}
	return bundleFromData(data), nil
}

// Store implements certstore.Store via the algorithm in the core's
// certificate-store specification:
//  1. write certificates/<name> without CAS, capture its new version
//  2. read the live mapping, capture its version
//  3. compute {version, fingerprint, dns_names} for the new entry
//  4. if the live mapping's existing entry for name is >= the new
//     version, another writer already advanced past this write: stop
//  5. otherwise CAS-write the updated live mapping; on CAS mismatch,
//     re-read and retry from step 2
func (s *Store) Store(ctx context.Context, name string, bundle certstore.Bundle) error {
	sortedChain, err := certstore.SortedChain(bundle.ChainPEM)
	if err != nil {
		return fmt.Errorf("vaultstore: sorting chain for %s: %w", name, err)
	}

	certVersion, err := s.write(ctx, s.certPath(name), map[string]interface{}{
		"privkey": string(bundle.PrivateKeyPEM),
		"cert":    string(bundle.LeafCertPEM),
		"chain":   strings.Join(bytesToStrings(sortedChain), chainEntrySep),
	}, nil)
	if err != nil {
		return fmt.Errorf("vaultstore: writing certificate for %s: %w", name, err)
	}

	fingerprint, err := certstore.Fingerprint(bundle.LeafCertPEM)
	if err != nil {
		return fmt.Errorf("vaultstore: computing fingerprint for %s: %w", name, err)
	}
	dnsNames, err := bundle.DNSNames()
	if err != nil {
		return fmt.Errorf("vaultstore: parsing leaf for %s: %w", name, err)
	}

	for {
		mapping, liveVersion, err := s.readLive(ctx)
		if err != nil {
			return fmt.Errorf("vaultstore: reading live mapping: %w", err)
		}

		if existing, ok := mapping[name]; ok && existing.Version >= certVersion {
			// another writer already advanced this name past us
			s.log.Debug("vaultstore: skipping stale store, live entry already at or past our version",
				zap.String("name", name), zap.Int("existing_version", existing.Version), zap.Int("our_version", certVersion))
			return nil
		}

		mapping[name] = liveEntry{Version: certVersion, Fingerprint: fingerprint, DNSNames: dnsNames}

		encoded, err := encodeMapping(mapping)
		if err != nil {
			return fmt.Errorf("vaultstore: encoding live mapping: %w", err)
		}

		_, err = s.write(ctx, s.dataPath(liveKey), encoded, &liveVersion)
		if err == nil {
			return nil
		}
		if isCASMismatch(err) {
			continue // another writer raced us; re-read and retry
		}
		return fmt.Errorf("vaultstore: writing live mapping: %w", err)
	}
}

// AsDict implements certstore.Store. It reads the live mapping once, then
// reads each referenced certificate entry in series, to avoid a
// denial-of-service pattern against Vault under a large domain count. A
// missing certificate entry for a live domain is logged and skipped.
func (s *Store) AsDict(ctx context.Context) (map[string]certstore.Bundle, error) {
	mapping, _, err := s.readLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("vaultstore: reading live mapping: %w", err)
	}

	out := make(map[string]certstore.Bundle, len(mapping))
	for name := range mapping {
		bundle, err := s.Get(ctx, name)
		if err != nil {
			var notExist *certstore.ErrNotExist
			if errors.As(err, &notExist) {
				s.log.Warn("vaultstore: live mapping references missing certificate entry",
					zap.String("name", name))
				continue
			}
			return nil, err
		}
		out[name] = bundle
	}
	return out, nil
}

func bundleFromData(data map[string]interface{}) certstore.Bundle {
	var chain [][]byte
	if chainStr, _ := data["chain"].(string); chainStr != "" {
		for _, part := range strings.Split(chainStr, chainEntrySep) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			chain = append(chain, []byte(part))
		}
	}
	privkey, _ := data["privkey"].(string)
	cert, _ := data["cert"].(string)
	return certstore.Bundle{
		PrivateKeyPEM: []byte(privkey),
		LeafCertPEM:   []byte(cert),
		ChainPEM:      chain,
	}
}

func (s *Store) readLive(ctx context.Context) (map[string]liveEntry, int, error) {
	data, version, err := s.read(ctx, s.dataPath(liveKey))
	if err != nil {
		return nil, 0, err
	}
	mapping := make(map[string]liveEntry, len(data))
	for name, raw := range data {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var entry liveEntry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			s.log.Warn("vaultstore: live mapping has an unparseable entry, ignoring",
				zap.String("name", name), zap.Error(err))
			continue
		}
		mapping[name] = entry
	}
	return mapping, version, nil
}

func encodeMapping(mapping map[string]liveEntry) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(mapping))
	for name, entry := range mapping {
		b, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		out[name] = string(b)
	}
	return out, nil
}

// read performs a raw KV v2 read, returning (nil, 0, nil) when the key is
// absent (Vault's 404-with-empty-errors case, normalized to "absent" per
// the core's error-handling design).
func (s *Store) read(ctx context.Context, dataPath string) (map[string]interface{}, int, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, dataPath)
	if err != nil {
		return nil, 0, err
	}
	if secret == nil || secret.Data == nil {
		return nil, 0, nil
	}
	inner, _ := secret.Data["data"].(map[string]interface{})
	if inner == nil {
		return nil, 0, nil
	}
	version := 0
	if meta, ok := secret.Data["metadata"].(map[string]interface{}); ok {
		version = versionOf(meta["version"])
	}
	return inner, version, nil
}

// write performs a raw KV v2 write. If cas is non-nil, the write includes
// options.cas; if cas is nil the write is unconditional (the "caller is
// authoritative for this name right now" path used for certificate
// entries). It returns the new version written.
func (s *Store) write(ctx context.Context, dataPath string, data map[string]interface{}, cas *int) (int, error) {
	body := map[string]interface{}{"data": data}
	if cas != nil {
		body["options"] = map[string]interface{}{"cas": *cas}
	}
	secret, err := s.client.Logical().WriteWithContext(ctx, dataPath, body)
	if err != nil {
		return 0, err
	}
	if secret == nil {
		return 0, errors.New("vaultstore: empty response from write")
	}
	return versionOf(secret.Data["version"]), nil
}

func versionOf(v interface{}) int {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// isCASMismatch reports whether err is Vault's check-and-set conflict
// error, which the store's retry loop must catch internally; it must
// never surface past this package.
func isCASMismatch(err error) bool {
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == 400 {
			for _, e := range respErr.Errors {
				if strings.Contains(e, "check-and-set") {
					return true
				}
			}
		}
	}
	return strings.Contains(err.Error(), "check-and-set")
}

func bytesToStrings(in [][]byte) []string {
	out := make([]string, len(in))
	for i, b := range in {
		out[i] = string(b)
	}
	return out
}
