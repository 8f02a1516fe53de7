// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package devstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

// openTestDB creates a fresh walletdb in a temp dir.
func openTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.db")
	db, err := walletdb.Create("bdb", path, true, 10*time.Second, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// TestStoreRoundTrip persists values and reloads them through a second
// Store over the same database.
func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	s, err := Open(db)
	require.NoError(t, err)

	require.NoError(t, s.Set("chain", "XTN"))
	require.NoError(t, s.Set("pms", int64(2)))
	require.NoError(t, s.Set("list", []int{1, 2, 3}))
	require.NoError(t, s.Save())

	reloaded, err := Open(db)
	require.NoError(t, err)

	var chain string
	ok, err := reloaded.Get("chain", &chain)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "XTN", chain)

	require.EqualValues(t, 2, reloaded.GetInt("pms", -1))
	require.EqualValues(t, -1, reloaded.GetInt("absent", -1))

	var list []int
	ok, err = reloaded.Get("list", &list)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []int{1, 2, 3}, list)
}

// TestStoreRemoveKey checks deleted keys disappear from disk on the next
// Save.
func TestStoreRemoveKey(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	s, err := Open(db)
	require.NoError(t, err)
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))
	require.NoError(t, s.Save())

	s.RemoveKey("a")
	require.NoError(t, s.Save())

	reloaded, err := Open(db)
	require.NoError(t, err)

	var v int
	ok, err := reloaded.Get("a", &v)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = reloaded.Get("b", &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, v)
}

// TestStoreCapacity checks that an oversized view fails before touching
// the database, leaving the last saved state intact.
func TestStoreCapacity(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	s, err := Open(db, WithCapacity(256))
	require.NoError(t, err)
	require.NoError(t, s.Set("small", "value"))
	require.NoError(t, s.Save())

	big := make([]byte, 300)
	require.NoError(t, s.Set("big", big))
	require.ErrorIs(t, s.Save(), ErrStorageFull)

	// The failed save must not have written anything.
	reloaded, err := Open(db)
	require.NoError(t, err)

	var blob []byte
	ok, err := reloaded.Get("big", &blob)
	require.NoError(t, err)
	require.False(t, ok)

	var small string
	ok, err = reloaded.Get("small", &small)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value", small)
}

// TestStoreGetCorrupt checks type mismatches surface as corruption.
func TestStoreGetCorrupt(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	s, err := Open(db)
	require.NoError(t, err)
	require.NoError(t, s.Set("key", "text"))

	var v int
	_, err = s.Get("key", &v)
	require.ErrorIs(t, err, ErrCorruptValue)
}
