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

package acmeservice

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"

	"github.com/praekeltfoundation/marathon-acme/certstore"
)

// bundleFromChain splits an ACME "fullchain" PEM (leaf followed by zero
// or more intermediates) into a certstore.Bundle, PEM-encoding key.
func bundleFromChain(chainPEM []byte, key *ecdsa.PrivateKey) (certstore.Bundle, error) {
	var blocks [][]byte
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, pem.EncodeToMemory(block))
	}
	if len(blocks) == 0 {
		return certstore.Bundle{}, errors.New("acmeservice: empty certificate chain from ACME server")
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return certstore.Bundle{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certstore.Bundle{
		PrivateKeyPEM: keyPEM,
		LeafCertPEM:   blocks[0],
		ChainPEM:      blocks[1:],
	}, nil
}
