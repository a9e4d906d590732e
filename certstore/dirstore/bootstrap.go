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

package dirstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	accountKeyFile    = "client.key"
	defaultBundleFile = "default.pem"
)

// LoadOrCreateAccountKey reads the ACME account key persisted at
// <root>/client.key, generating and persisting a fresh EC P-256 key if
// none exists yet, so restarts in directory mode reuse the same ACME
// account. vaultstore has no equivalent; Vault mode does not persist an
// account key.
func (s *Store) LoadOrCreateAccountKey() (*ecdsa.PrivateKey, error) {
	path := filepath.Join(s.Path, accountKeyFile)

	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("dirstore: %s does not contain a PEM block", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("dirstore: parsing account key: %w", err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("dirstore: reading account key: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("dirstore: generating account key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("dirstore: marshaling account key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := writeFileAtomic(path, pemBytes); err != nil {
		return nil, err
	}
	return key, nil
}

// EnsureDefaultBundle writes a self-signed wildcard certificate to
// <root>/default.pem the first time it's called, for marathon-lb to
// fall back on before any domain has a real issued certificate. It is
// a no-op if default.pem already exists.
func (s *Store) EnsureDefaultBundle() error {
	path := filepath.Join(s.Path, defaultBundleFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("dirstore: checking %s: %w", path, err)
	}

	certPEM, keyPEM, err := newSelfSignedWildcard()
	if err != nil {
		return fmt.Errorf("dirstore: generating default bundle: %w", err)
	}
	return writeFileAtomic(path, append(keyPEM, certPEM...))
}

// newSelfSignedWildcard returns a PEM-encoded self-signed "*" cert/key
// pair valid for a week, enough to give marathon-lb something to bind
// to before the first real certificate is issued.
func newSelfSignedWildcard() (certPEM, keyPEM []byte, err error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating private key: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(7 * 24 * time.Hour)
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial number: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"marathon-acme bootstrap"}},
		DNSNames:              []string{"*"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
