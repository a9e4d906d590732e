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

// Package certstore defines the certificate store capability interface
// shared by the directory-backed and Vault-backed implementations.
package certstore

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
)

// ErrNotExist is returned by Get when no bundle exists for the given name.
type ErrNotExist struct {
	Name string
}

func (e *ErrNotExist) Error() string {
	return fmt.Sprintf("certstore: no certificate for %q", e.Name)
}

// Bundle is an immutable certificate + private key + chain, PEM encoded.
type Bundle struct {
	PrivateKeyPEM []byte
	LeafCertPEM   []byte
	ChainPEM      [][]byte
}

// Store is the capability interface every certificate backend implements.
type Store interface {
	// Get returns the bundle stored for name, or an *ErrNotExist error.
	Get(ctx context.Context, name string) (Bundle, error)

	// Store durably persists bundle under name before returning.
	Store(ctx context.Context, name string, bundle Bundle) error

	// AsDict returns a snapshot of every stored name to its bundle. Order
	// is not significant.
	AsDict(ctx context.Context) (map[string]Bundle, error)
}

// Leaf parses the bundle's leaf certificate.
func (b Bundle) Leaf() (*x509.Certificate, error) {
	block, _ := pem.Decode(b.LeafCertPEM)
	if block == nil {
		return nil, errors.New("certstore: no PEM block in leaf certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

// DNSNames returns the leaf certificate's SAN DNS names.
func (b Bundle) DNSNames() ([]string, error) {
	leaf, err := b.Leaf()
	if err != nil {
		return nil, err
	}
	return leaf.DNSNames, nil
}

// SortedChain returns chain with CA-flagged certificates (per
// BasicConstraints) ordered after non-CA certificates, so a leaf or
// intermediate never follows a root/CA in the assembled fullchain.
func SortedChain(chain [][]byte) ([][]byte, error) {
	type entry struct {
		der  []byte
		isCA bool
	}
	entries := make([]entry, 0, len(chain))
	for _, pemBytes := range chain {
		block, _ := pem.Decode(pemBytes)
		if block == nil {
			return nil, errors.New("certstore: no PEM block in chain certificate")
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certstore: parsing chain certificate: %w", err)
		}
		entries = append(entries, entry{der: pemBytes, isCA: cert.IsCA})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return !entries[i].isCA && entries[j].isCA
	})
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.der
	}
	return out, nil
}

// Fingerprint returns hex(sha256(DER(leaf))), the live mapping's
// fingerprint field.
func Fingerprint(leafCertPEM []byte) (string, error) {
	block, _ := pem.Decode(leafCertPEM)
	if block == nil {
		return "", errors.New("certstore: no PEM block in leaf certificate")
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}
