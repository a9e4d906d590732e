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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praekeltfoundation/marathon-acme/certstore"
)

func TestStoreThenGetRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	bundle := certstore.Bundle{
		PrivateKeyPEM: []byte("KEY"),
		LeafCertPEM:   []byte("CERT"),
		ChainPEM:      [][]byte{[]byte("CHAIN1"), []byte("CHAIN2")},
	}
	require.NoError(t, s.Store(context.Background(), "Example.com", bundle))

	got, err := s.Get(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, bundle.PrivateKeyPEM, got.PrivateKeyPEM)
	assert.Equal(t, bundle.LeafCertPEM, got.LeafCertPEM)
	assert.Equal(t, bundle.ChainPEM, got.ChainPEM)
}

func TestGetMissingReturnsErrNotExist(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "nope.example.com")
	require.Error(t, err)
	var notExist *certstore.ErrNotExist
	require.ErrorAs(t, err, &notExist)
}

func TestAsDictSnapshotsEveryName(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"a.example.com", "b.example.com"} {
		require.NoError(t, s.Store(context.Background(), name, certstore.Bundle{
			PrivateKeyPEM: []byte("KEY-" + name),
			LeafCertPEM:   []byte("CERT-" + name),
		}))
	}

	dict, err := s.AsDict(context.Background())
	require.NoError(t, err)
	require.Len(t, dict, 2)
	assert.Equal(t, []byte("CERT-a.example.com"), dict["a.example.com"].LeafCertPEM)
	assert.Equal(t, []byte("CERT-b.example.com"), dict["b.example.com"].LeafCertPEM)
}
