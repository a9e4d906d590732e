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

// Package dirstore is a filesystem-backed certstore.Store: one directory
// per domain holding privkey/cert/chain PEM files. It has no live
// mapping (see marathon-acme's Open Question (c)): each domain's
// directory is independently authoritative.
package dirstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/praekeltfoundation/marathon-acme/certstore"
)

const (
	privkeyFile = "privkey.pem"
	certFile    = "cert.pem"
	chainFile   = "chain.pem"
	chainSep    = "\n"
)

// Store is a directory-backed certstore.Store.
type Store struct {
	// Path is the storage root. Each domain's directory sits directly
	// under it, next to client.key and default.pem; there is no separate
	// "certs/" subdirectory.
	Path string

	mu sync.Mutex
}

// New returns a Store rooted at path, creating it if necessary.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("dirstore: creating root %s: %w", path, err)
	}
	return &Store{Path: path}, nil
}

func (s *Store) siteDir(name string) string {
	return filepath.Join(s.Path, strings.ToLower(name))
}

// Get implements certstore.Store.
func (s *Store) Get(ctx context.Context, name string) (certstore.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.siteDir(name)
	key, err := os.ReadFile(filepath.Join(dir, privkeyFile))
	if os.IsNotExist(err) {
		return certstore.Bundle{}, &certstore.ErrNotExist{Name: name}
	}
	if err != nil {
		return certstore.Bundle{}, fmt.Errorf("dirstore: reading private key for %s: %w", name, err)
	}
	cert, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return certstore.Bundle{}, fmt.Errorf("dirstore: reading certificate for %s: %w", name, err)
	}
	var chain [][]byte
	chainBytes, err := os.ReadFile(filepath.Join(dir, chainFile))
	if err != nil && !os.IsNotExist(err) {
		return certstore.Bundle{}, fmt.Errorf("dirstore: reading chain for %s: %w", name, err)
	}
	if len(chainBytes) > 0 {
		for _, part := range strings.Split(strings.TrimSpace(string(chainBytes)), chainSep+chainSep) {
			chain = append(chain, []byte(part))
		}
	}
	return certstore.Bundle{PrivateKeyPEM: key, LeafCertPEM: cert, ChainPEM: chain}, nil
}

// Store implements certstore.Store. It is durable before returning: each
// file is written to a temp path and renamed into place.
func (s *Store) Store(ctx context.Context, name string, bundle certstore.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.siteDir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("dirstore: creating directory for %s: %w", name, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, privkeyFile), bundle.PrivateKeyPEM); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, certFile), bundle.LeafCertPEM); err != nil {
		return err
	}
	chain := strings.Join(bytesSliceToStrings(bundle.ChainPEM), chainSep+chainSep)
	if err := writeFileAtomic(filepath.Join(dir, chainFile), []byte(chain)); err != nil {
		return err
	}
	return nil
}

// AsDict implements certstore.Store by walking every domain directory.
func (s *Store) AsDict(ctx context.Context) (map[string]certstore.Bundle, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(s.Path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]certstore.Bundle{}, nil
		}
		return nil, fmt.Errorf("dirstore: listing %s: %w", s.Path, err)
	}

	out := make(map[string]certstore.Bundle, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		bundle, err := s.Get(ctx, name)
		if err != nil {
			continue
		}
		out[name] = bundle
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("dirstore: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("dirstore: renaming %s: %w", path, err)
	}
	return nil
}

func bytesSliceToStrings(in [][]byte) []string {
	out := make([]string, len(in))
	for i, b := range in {
		out[i] = strings.TrimSpace(string(b))
	}
	return out
}
