// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParseAddrFmt covers the label table including the obsolete alias.
func TestParseAddrFmt(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		label string
		want  AddrFmt
		ok    bool
	}{
		{label: "p2sh", want: FmtP2SH, ok: true},
		{label: "P2WSH", want: FmtP2WSH, ok: true},
		{label: " p2sh-p2wsh ", want: FmtP2WSHP2SH, ok: true},
		{label: "p2wsh-p2sh", want: FmtP2WSHP2SH, ok: true},
		{label: "p2tr", ok: false},
		{label: "", ok: false},
	}

	for _, tc := range testCases {
		got, ok := ParseAddrFmt(tc.label)
		require.Equal(t, tc.ok, ok, tc.label)
		if tc.ok {
			require.Equal(t, tc.want, got, tc.label)
		}
	}

	// Export rendering round-trips through the parser.
	for _, f := range []AddrFmt{FmtP2SH, FmtP2WSHP2SH, FmtP2WSH} {
		got, ok := ParseAddrFmt(f.String())
		require.True(t, ok)
		require.Equal(t, f, got)
	}
}

// TestSlip132RoundTrip re-serializes a standard xpub into each SLIP-132
// variant and normalizes it back.
func TestSlip132RoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)

	testCases := []struct {
		name    string
		addrFmt AddrFmt
		prefix  string
	}{
		{name: "p2sh keeps standard", addrFmt: FmtP2SH,
			prefix: "xpub"},
		{name: "wrapped", addrFmt: FmtP2WSHP2SH, prefix: "Ypub"},
		{name: "native", addrFmt: FmtP2WSH, prefix: "Zpub"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			variant, err := serializePublic(f.xpub, tc.addrFmt,
				"BTC")
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(variant, tc.prefix))

			std, err := normalizeXpub(variant)
			require.NoError(t, err)
			require.Equal(t, f.xpub, std)
		})
	}
}

// TestParseXpubRejections checks private keys and wrong chains refuse.
func TestParseXpubRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)

	// Private material is never accepted.
	node, err := f.keys.DerivePath(nil)
	require.NoError(t, err)
	_, _, err = parseXpub(node.String(), "BTC")
	require.Error(t, err)

	// Mainnet key on testnet.
	_, _, err = parseXpub(f.xpub, "XTN")
	require.Error(t, err)

	// Unknown chain id.
	_, _, err = parseXpub(f.xpub, "DOGE")
	require.ErrorIs(t, err, ErrUnknownChain)

	// Garbage.
	_, _, err = parseXpub("xpubnotakey", "BTC")
	require.Error(t, err)

	// Valid key, right chain.
	n, std, err := parseXpub(f.xpub, "BTC")
	require.NoError(t, err)
	require.Equal(t, f.xpub, std)
	require.EqualValues(t, 4, n.Depth())
}
