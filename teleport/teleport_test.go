// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package teleport

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
	"github.com/vaultsig/vaultsig/mswallet"
)

const testLegPath = "m/48h/0h/0h/2h"

// cosignerSet is a group of devices sharing one multisig wallet.
type cosignerSet struct {
	keys   []*mswallet.MasterKeySource
	wallet *mswallet.Wallet
}

// newCosignerSet derives n co-signers and their shared 2-of-n wallet.
func newCosignerSet(t *testing.T, n int) *cosignerSet {
	t.Helper()

	legPath, err := keypath.ParsePath(testLegPath)
	require.NoError(t, err)

	set := &cosignerSet{}
	var legs []mswallet.Cosigner
	for i := 0; i < n; i++ {
		seed := bytes.Repeat([]byte{byte(i + 1)}, 32)
		master, err := hdkeychain.NewMaster(seed,
			&chaincfg.MainNetParams)
		require.NoError(t, err)
		ks, err := mswallet.NewMasterKeySource(master)
		require.NoError(t, err)
		set.keys = append(set.keys, ks)

		node, err := ks.DerivePath(legPath)
		require.NoError(t, err)
		pub, err := node.Neuter()
		require.NoError(t, err)

		legs = append(legs, mswallet.Cosigner{
			XFP:   ks.Fingerprint(),
			Deriv: testLegPath,
			Xpub:  pub.String(),
		})
	}

	set.wallet, err = mswallet.NewWallet("shared", 2, n, legs,
		mswallet.FmtP2WSH, "BTC", true)
	require.NoError(t, err)

	return set
}

// newStoreWith commits the wallet into a fresh store.
func newStoreWith(t *testing.T, w *mswallet.Wallet) *mswallet.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.db")
	db, err := walletdb.Create("bdb", path, true, 10*time.Second, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	settings, err := devstore.Open(db)
	require.NoError(t, err)

	store := mswallet.NewStore(settings)
	record, err := mswallet.DeserializeWallet(mustSerialize(t, w), -1)
	require.NoError(t, err)
	require.NoError(t, store.Commit(record))

	return store
}

func mustSerialize(t *testing.T, w *mswallet.Wallet) []byte {
	t.Helper()

	raw, err := w.Serialize()
	require.NoError(t, err)

	return raw
}

// TestTeleportRoundTrip seals on one device and opens on the peer.
func TestTeleportRoundTrip(t *testing.T) {
	t.Parallel()

	set := newCosignerSet(t, 3)
	sender, receiver := set.keys[0], set.keys[1]

	session, err := NewSession(set.wallet, receiver.Fingerprint(),
		sender)
	require.NoError(t, err)
	require.LessOrEqual(t, session.R, uint32(nonceMask))

	body := []byte("half of a signed thing")
	payload, err := session.Seal(body)
	require.NoError(t, err)
	require.NotContains(t, string(payload), string(body))

	store := newStoreWith(t, set.wallet)
	got, err := Receive(store, receiver, payload)
	require.NoError(t, err)
	require.Equal(t, session.R, got.R)
	require.Equal(t, sender.Fingerprint(), got.SenderXFP)
	require.Equal(t, body, got.Body)
	require.Equal(t, "shared", got.Wallet.Name)
	require.Equal(t, session.Key(), got.Key)
}

// TestTeleportWrongRecipient checks a third co-signer cannot open a
// payload addressed to someone else, and neither can an outsider.
func TestTeleportWrongRecipient(t *testing.T) {
	t.Parallel()

	set := newCosignerSet(t, 3)
	sender, receiver, third := set.keys[0], set.keys[1], set.keys[2]

	session, err := NewSession(set.wallet, receiver.Fingerprint(),
		sender)
	require.NoError(t, err)
	payload, err := session.Seal([]byte("private"))
	require.NoError(t, err)

	store := newStoreWith(t, set.wallet)

	_, err = Receive(store, third, payload)
	require.ErrorIs(t, err, ErrNoSender)

	outsiderSeed := bytes.Repeat([]byte{0x77}, 32)
	master, err := hdkeychain.NewMaster(outsiderSeed,
		&chaincfg.MainNetParams)
	require.NoError(t, err)
	outsider, err := mswallet.NewMasterKeySource(master)
	require.NoError(t, err)

	_, err = Receive(store, outsider, payload)
	require.ErrorIs(t, err, ErrNoSender)
}

// TestTeleportTamper checks integrity failures surface as no-sender.
func TestTeleportTamper(t *testing.T) {
	t.Parallel()

	set := newCosignerSet(t, 3)
	sender, receiver := set.keys[0], set.keys[1]

	session, err := NewSession(set.wallet, receiver.Fingerprint(),
		sender)
	require.NoError(t, err)
	payload, err := session.Seal([]byte("payload"))
	require.NoError(t, err)

	store := newStoreWith(t, set.wallet)

	flipped := append([]byte{}, payload...)
	flipped[len(flipped)-1] ^= 1
	_, err = Receive(store, receiver, flipped)
	require.ErrorIs(t, err, ErrNoSender)

	_, err = Receive(store, receiver, payload[:3])
	require.Error(t, err)
}

// TestSessionKeyFreshness checks that the key material is single-use:
// every session derives a distinct key pair from its session number, so
// two sessions toward the same peer never share a symmetric key.
func TestSessionKeyFreshness(t *testing.T) {
	t.Parallel()

	set := newCosignerSet(t, 3)
	sender, receiver := set.keys[0], set.keys[1]

	s1, err := NewSession(set.wallet, receiver.Fingerprint(), sender)
	require.NoError(t, err)
	s2, err := NewSession(set.wallet, receiver.Fingerprint(), sender)
	require.NoError(t, err)
	if s1.R == s2.R {
		// One-in-2^28 collision; draw once more.
		s2, err = NewSession(set.wallet, receiver.Fingerprint(),
			sender)
		require.NoError(t, err)
	}
	require.NotEqual(t, s1.R, s2.R)
	require.NotEqual(t, s1.Key(), s2.Key())

	// The public halves themselves differ per session number.
	peerXpub, err := set.wallet.XpubForXFP(receiver.Fingerprint())
	require.NoError(t, err)
	p1, err := teleportPub(peerXpub, s1.R)
	require.NoError(t, err)
	p2, err := teleportPub(peerXpub, s2.R)
	require.NoError(t, err)
	require.False(t, p1.IsEqual(p2))
}

// TestSessionGuards covers peer selection errors.
func TestSessionGuards(t *testing.T) {
	t.Parallel()

	set := newCosignerSet(t, 3)
	sender := set.keys[0]

	_, err := NewSession(set.wallet, sender.Fingerprint(), sender)
	require.ErrorIs(t, err, ErrPeerUnknown)

	_, err = NewSession(set.wallet, 0xdeadbeef, sender)
	require.ErrorIs(t, err, ErrPeerUnknown)
}
