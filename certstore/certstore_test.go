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

package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedPEM(t *testing.T, cn string, isCA bool) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		DNSNames:              []string{cn},
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestBundleDNSNames(t *testing.T) {
	leaf := selfSignedPEM(t, "example.com", false)
	b := Bundle{LeafCertPEM: leaf}
	names, err := b.DNSNames()
	require.NoError(t, err)
	require.Equal(t, []string{"example.com"}, names)
}

func TestSortedChainPutsCAsLast(t *testing.T) {
	leaf := selfSignedPEM(t, "leaf.example.com", false)
	intermediate := selfSignedPEM(t, "intermediate.example.com", false)
	root := selfSignedPEM(t, "root.example.com", true)

	sorted, err := SortedChain([][]byte{root, leaf, intermediate})
	require.NoError(t, err)
	require.Len(t, sorted, 3)
	require.Equal(t, leaf, sorted[0])
	require.Equal(t, intermediate, sorted[1])
	require.Equal(t, root, sorted[2])
}

func TestFingerprintIsStableForIdenticalDER(t *testing.T) {
	leaf := selfSignedPEM(t, "example.com", false)
	fp1, err := Fingerprint(leaf)
	require.NoError(t, err)
	fp2, err := Fingerprint(leaf)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
	require.Len(t, fp1, 64) // hex(sha256) is 32 bytes = 64 hex chars
}
