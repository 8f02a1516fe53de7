// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
	"github.com/vaultsig/vaultsig/devstore"
	"github.com/vaultsig/vaultsig/keypath"
)

// testLegPath is the BIP-48 native segwit account path used by most
// fixtures.
const testLegPath = "m/48h/0h/0h/2h"

// testMaster builds a deterministic master key from a one-byte seed id.
func testMaster(t *testing.T, id byte) *hdkeychain.ExtendedKey {
	t.Helper()

	seed := bytes.Repeat([]byte{id}, 32)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)

	return master
}

// testFixture is one co-signer with full key material.
type testFixture struct {
	master *hdkeychain.ExtendedKey
	keys   *MasterKeySource
	xfp    uint32
	leg    *hdkeychain.ExtendedKey // neutered node at testLegPath
	xpub   string
}

// newFixture derives one co-signer's leg at testLegPath.
func newFixture(t *testing.T, id byte) *testFixture {
	t.Helper()

	master := testMaster(t, id)
	ks, err := NewMasterKeySource(master)
	require.NoError(t, err)

	path, err := keypath.ParsePath(testLegPath)
	require.NoError(t, err)
	node, err := ks.DerivePath(path)
	require.NoError(t, err)
	leg, err := node.Neuter()
	require.NoError(t, err)

	return &testFixture{
		master: master,
		keys:   ks,
		xfp:    ks.Fingerprint(),
		leg:    leg,
		xpub:   leg.String(),
	}
}

// newFixtures builds n distinct co-signers.
func newFixtures(t *testing.T, n int) []*testFixture {
	t.Helper()

	out := make([]*testFixture, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, newFixture(t, byte(i+1)))
	}

	return out
}

// cosigners renders fixtures as wallet key entries.
func cosigners(fixtures []*testFixture) []Cosigner {
	out := make([]Cosigner, 0, len(fixtures))
	for _, f := range fixtures {
		out = append(out, Cosigner{
			XFP:   f.xfp,
			Deriv: testLegPath,
			Xpub:  f.xpub,
		})
	}

	return out
}

// newTestStore opens a Store over a fresh temp database.
func newTestStore(t *testing.T, opts ...devstore.Option) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.db")
	db, err := walletdb.Create("bdb", path, true, 10*time.Second, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	settings, err := devstore.Open(db, opts...)
	require.NoError(t, err)

	return NewStore(settings)
}

// newTestWallet builds a 2-of-3 wallet whose first fixture is "us".
func newTestWallet(t *testing.T, fixtures []*testFixture,
	sorted bool) *Wallet {

	t.Helper()

	w, err := NewWallet("test wallet", 2, len(fixtures),
		cosigners(fixtures), FmtP2WSH, "BTC", sorted)
	require.NoError(t, err)

	return w
}

// newTestDevice binds a store and the first fixture's keys.
func newTestDevice(t *testing.T, store *Store,
	f *testFixture) *Device {

	t.Helper()

	return NewDevice(store, f.keys)
}
