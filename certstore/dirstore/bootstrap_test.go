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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateAccountKeyPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	key1, err := s.LoadOrCreateAccountKey()
	require.NoError(t, err)

	key2, err := s.LoadOrCreateAccountKey()
	require.NoError(t, err)

	assert.True(t, key1.Equal(key2))
	assert.FileExists(t, filepath.Join(dir, accountKeyFile))
}

func TestEnsureDefaultBundleIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.EnsureDefaultBundle())
	path := filepath.Join(dir, defaultBundleFile)
	info1, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.EnsureDefaultBundle())
	info2, err := os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, info1.ModTime(), info2.ModTime())
}
