// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package msscript

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// testNodes derives n deterministic account-level keys.
func testNodes(t *testing.T, n int) []*hdkeychain.ExtendedKey {
	t.Helper()

	nodes := make([]*hdkeychain.ExtendedKey, 0, n)
	for i := 0; i < n; i++ {
		seed := bytes.Repeat([]byte{byte(i + 1)}, 32)
		master, err := hdkeychain.NewMaster(seed,
			&chaincfg.MainNetParams)
		require.NoError(t, err)

		node := master
		for _, step := range []uint32{
			48 | hdkeychain.HardenedKeyStart,
			hdkeychain.HardenedKeyStart,
			hdkeychain.HardenedKeyStart,
			2 | hdkeychain.HardenedKeyStart,
		} {
			node, err = node.Derive(step)
			require.NoError(t, err)
		}

		pub, err := node.Neuter()
		require.NoError(t, err)
		nodes = append(nodes, pub)
	}

	return nodes
}

// TestReconstructRoundTrip builds scripts and takes them apart again.
func TestReconstructRoundTrip(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		m, n   int
		sorted bool
	}{
		{name: "2 of 3 sorted", m: 2, n: 3, sorted: true},
		{name: "2 of 3 unsorted", m: 2, n: 3, sorted: false},
		{name: "1 of 1", m: 1, n: 1, sorted: true},
		{name: "15 of 15", m: 15, n: 15, sorted: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			nodes := testNodes(t, tc.n)
			script, err := Reconstruct(tc.m, nodes, 0, tc.sorted)
			require.NoError(t, err)
			require.Len(t, script, 1+34*tc.n+2)

			m, n, pubkeys, err := Disassemble(script)
			require.NoError(t, err)
			require.Equal(t, tc.m, m)
			require.Equal(t, tc.n, n)
			require.Len(t, pubkeys, tc.n)

			if tc.sorted {
				for i := 1; i < len(pubkeys); i++ {
					require.Negative(t, bytes.Compare(
						pubkeys[i-1], pubkeys[i]))
				}
			}

			qm, qn, err := QuickMN(script)
			require.NoError(t, err)
			require.Equal(t, tc.m, qm)
			require.Equal(t, tc.n, qn)
		})
	}
}

// TestReconstructSortedOrderIndependent checks BIP-67 output does not
// depend on input ordering.
func TestReconstructSortedOrderIndependent(t *testing.T) {
	t.Parallel()

	nodes := testNodes(t, 3)
	forward, err := Reconstruct(2, nodes, 0, true)
	require.NoError(t, err)

	reversed := []*hdkeychain.ExtendedKey{nodes[2], nodes[1], nodes[0]}
	backward, err := Reconstruct(2, reversed, 0, true)
	require.NoError(t, err)

	require.Equal(t, forward, backward)

	unsorted, err := Reconstruct(2, reversed, 0, false)
	require.NoError(t, err)
	require.NotEqual(t, forward, unsorted)
}

// TestReconstructRejects covers the parameter guards.
func TestReconstructRejects(t *testing.T) {
	t.Parallel()

	nodes := testNodes(t, 2)

	_, err := Reconstruct(3, nodes, 0, true)
	require.ErrorIs(t, err, ErrMalformedScript)

	_, err = Reconstruct(0, nodes, 0, true)
	require.ErrorIs(t, err, ErrMalformedScript)

	_, err = Reconstruct(1, nodes, hdkeychain.HardenedKeyStart, true)
	require.ErrorIs(t, err, ErrMalformedScript)
}

// TestDisassembleMalformed feeds hostile bytes through the parser.
func TestDisassembleMalformed(t *testing.T) {
	t.Parallel()

	nodes := testNodes(t, 3)
	good, err := Reconstruct(2, nodes, 0, true)
	require.NoError(t, err)

	truncated := good[:len(good)-1]

	noCms := append([]byte{}, good...)
	noCms[len(noCms)-1] = txscript.OP_CHECKSIG

	badPush := append([]byte{}, good...)
	badPush[1] = txscript.OP_DATA_32

	badPrefix := append([]byte{}, good...)
	badPrefix[2] = 0x04

	badRange := append([]byte{}, good...)
	badRange[0] = txscript.OP_16

	testCases := []struct {
		name   string
		script []byte
	}{
		{name: "empty", script: nil},
		{name: "truncated", script: truncated},
		{name: "no checkmultisig", script: noCms},
		{name: "wrong push size", script: badPush},
		{name: "bad pubkey prefix", script: badPrefix},
		{name: "m beyond n", script: badRange},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, _, _, err := Disassemble(tc.script)
			require.ErrorIs(t, err, ErrMalformedScript)
		})
	}
}
