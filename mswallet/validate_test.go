// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"bytes"
	"encoding/binary"
	"math/bits"
	"sort"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/stretchr/testify/require"
	"github.com/vaultsig/vaultsig/keypath"
	"github.com/vaultsig/vaultsig/msscript"
)

// legNodes returns the neutered leg keys of a fixture set.
func legNodes(fixtures []*testFixture) []*hdkeychain.ExtendedKey {
	out := make([]*hdkeychain.ExtendedKey, 0, len(fixtures))
	for _, f := range fixtures {
		out = append(out, f.leg)
	}

	return out
}

// derivationsAt builds per-input derivation records for each fixture's
// subkey. The records are round-tripped through the wire encoding, so
// the fingerprint lands in the little-endian integer space the
// container decoder actually produces.
func derivationsAt(t *testing.T, fixtures []*testFixture,
	subkey uint32) []*psbt.Bip32Derivation {

	t.Helper()

	legPath, err := keypath.ParsePath(testLegPath)
	require.NoError(t, err)

	out := make([]*psbt.Bip32Derivation, 0, len(fixtures))
	for _, f := range fixtures {
		child, err := f.leg.Derive(subkey)
		require.NoError(t, err)
		pub, err := child.ECPubKey()
		require.NoError(t, err)

		path := append(append([]uint32{}, legPath...), subkey)

		// Wire layout: four fingerprint bytes in serialized order,
		// then little-endian path steps.
		wire := make([]byte, 4, 4+4*len(path))
		binary.BigEndian.PutUint32(wire, f.xfp)
		for _, step := range path {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], step)
			wire = append(wire, b[:]...)
		}
		fp, steps, err := psbt.ReadBip32Derivation(wire)
		require.NoError(t, err)

		out = append(out, &psbt.Bip32Derivation{
			PubKey:               pub.SerializeCompressed(),
			MasterKeyFingerprint: fp,
			Bip32Path:            steps,
		})
	}

	return out
}

// TestValidateScriptSorted walks the happy path for a BIP-67 wallet.
func TestValidateScriptSorted(t *testing.T) {
	t.Parallel()

	fixtures := newFixtures(t, 3)
	w := newTestWallet(t, fixtures, true)

	script, err := msscript.Reconstruct(2, legNodes(fixtures), 5, true)
	require.NoError(t, err)

	provenance, err := w.ValidateScript(script, ValidateOptions{
		Origins: derivationsAt(t, fixtures, 5),
	})
	require.NoError(t, err)
	require.Len(t, provenance, 3)

	// Every wallet key shows up exactly once, with only the publicly
	// verifiable suffix spelled out.
	seen := make(map[string]bool)
	for _, p := range provenance {
		seen[p] = true
		require.Contains(t, p, "/_/_/_/_/5]")
	}
	for _, f := range fixtures {
		found := false
		for p := range seen {
			if bytes.Contains([]byte(p),
				[]byte(keypath.FingerprintString(f.xfp))) {

				found = true
			}
		}
		require.True(t, found)
	}
}

// TestValidateScriptRejections covers the failure modes that abort
// signing.
func TestValidateScriptRejections(t *testing.T) {
	t.Parallel()

	fixtures := newFixtures(t, 3)
	w := newTestWallet(t, fixtures, true)
	origins := derivationsAt(t, fixtures, 5)

	goodScript, err := msscript.Reconstruct(2, legNodes(fixtures), 5,
		true)
	require.NoError(t, err)

	t.Run("wrong threshold", func(t *testing.T) {
		t.Parallel()

		script, err := msscript.Reconstruct(3, legNodes(fixtures), 5,
			true)
		require.NoError(t, err)

		_, err = w.ValidateScript(script,
			ValidateOptions{Origins: origins})
		require.ErrorIs(t, err, ErrScriptMismatch)
	})

	t.Run("substituted key", func(t *testing.T) {
		t.Parallel()

		// Script built with an outsider key in place of one leg; its
		// derivation record claims a wallet fingerprint.
		outsider := newFixture(t, 9)
		nodes := legNodes(fixtures)
		nodes[1] = outsider.leg
		script, err := msscript.Reconstruct(2, nodes, 5, true)
		require.NoError(t, err)

		evil := derivationsAt(t, []*testFixture{
			fixtures[0], outsider, fixtures[2],
		}, 5)
		evil[1].MasterKeyFingerprint =
			bits.ReverseBytes32(fixtures[1].xfp)

		_, err = w.ValidateScript(script,
			ValidateOptions{Origins: evil})
		require.ErrorIs(t, err, ErrScriptMismatch)
	})

	t.Run("unknown pubkey", func(t *testing.T) {
		t.Parallel()

		_, err := w.ValidateScript(goodScript,
			ValidateOptions{Origins: origins[:2]})
		require.ErrorIs(t, err, ErrScriptMismatch)
	})

	t.Run("unknown fingerprint", func(t *testing.T) {
		t.Parallel()

		evil := derivationsAt(t, fixtures, 5)
		evil[0].MasterKeyFingerprint = 0xdeadbeef

		_, err := w.ValidateScript(goodScript,
			ValidateOptions{Origins: evil})
		require.ErrorIs(t, err, ErrScriptMismatch)
	})

	t.Run("hardened suffix", func(t *testing.T) {
		t.Parallel()

		evil := derivationsAt(t, fixtures, 5)
		for _, o := range evil {
			o.Bip32Path[len(o.Bip32Path)-1] |= keypath.HardenedBit
		}

		_, err := w.ValidateScript(goodScript,
			ValidateOptions{Origins: evil})
		require.ErrorIs(t, err, ErrHardenedSuffix)
	})

	t.Run("order violation", func(t *testing.T) {
		t.Parallel()

		// Valid keys, deliberately descending order: BIP-67 is
		// re-checked against the literal bytes.
		ordered := append([]*testFixture{}, fixtures...)
		sort.Slice(ordered, func(i, j int) bool {
			pi, err := ordered[i].leg.ECPubKey()
			require.NoError(t, err)
			pj, err := ordered[j].leg.ECPubKey()
			require.NoError(t, err)

			return bytes.Compare(pi.SerializeCompressed(),
				pj.SerializeCompressed()) > 0
		})
		script, err := msscript.Reconstruct(2, legNodes(ordered), 5,
			false)
		require.NoError(t, err)

		_, err = w.ValidateScript(script,
			ValidateOptions{Origins: origins})
		require.ErrorIs(t, err, ErrScriptMismatch)
	})
}

// TestValidateScriptUnsorted checks the fixed-order rules.
func TestValidateScriptUnsorted(t *testing.T) {
	t.Parallel()

	fixtures := newFixtures(t, 3)
	w := newTestWallet(t, fixtures, false)

	legPath, err := keypath.ParsePath(testLegPath)
	require.NoError(t, err)
	ordered := make([]keypath.KeyPath, 0, 3)
	for _, f := range fixtures {
		kp := keypath.KeyPath{Fingerprint: f.xfp, Path: legPath}
		ordered = append(ordered, kp.Extend(5))
	}

	script, err := msscript.Reconstruct(2, legNodes(fixtures), 5, false)
	require.NoError(t, err)

	provenance, err := w.ValidateScript(script,
		ValidateOptions{OrderedOrigins: ordered})
	require.NoError(t, err)
	require.Len(t, provenance, 3)

	// Script order is load-bearing: a reordering that BIP-67 would
	// accept is a different wallet here.
	reversed := []*testFixture{fixtures[2], fixtures[1], fixtures[0]}
	revScript, err := msscript.Reconstruct(2, legNodes(reversed), 5,
		false)
	require.NoError(t, err)
	revOrigins := []keypath.KeyPath{ordered[2], ordered[1], ordered[0]}

	_, err = w.ValidateScript(revScript,
		ValidateOptions{OrderedOrigins: revOrigins})
	require.ErrorIs(t, err, ErrScriptMismatch)
}

// TestValidateScriptSkipChecks checks the session override only relaxes
// provenance, never structure.
func TestValidateScriptSkipChecks(t *testing.T) {
	t.Parallel()

	fixtures := newFixtures(t, 3)
	w := newTestWallet(t, fixtures, true)

	script, err := msscript.Reconstruct(2, legNodes(fixtures), 5, true)
	require.NoError(t, err)

	// No origins at all: normally fatal, accepted unverified here.
	provenance, err := w.ValidateScript(script,
		ValidateOptions{SkipChecks: true})
	require.NoError(t, err)
	require.Equal(t, []string{UnverifiedMarker}, provenance)

	// M/N agreement is still enforced.
	bad, err := msscript.Reconstruct(3, legNodes(fixtures), 5, true)
	require.NoError(t, err)
	_, err = w.ValidateScript(bad, ValidateOptions{SkipChecks: true})
	require.ErrorIs(t, err, ErrScriptMismatch)
}
