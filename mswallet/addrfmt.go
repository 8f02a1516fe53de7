// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// AddrFmt is the closed set of script-style address formats a multisig
// wallet can use. The numeric values are part of the persisted record
// format and must not change.
type AddrFmt uint8

const (
	// FmtUnknown is the zero value and never persisted.
	FmtUnknown AddrFmt = 0

	// FmtP2SH is classic pay-to-script-hash.
	FmtP2SH AddrFmt = 8

	// FmtP2WSHP2SH is a P2WSH witness script wrapped in P2SH.
	FmtP2WSHP2SH AddrFmt = 16

	// FmtP2WSH is native segwit pay-to-witness-script-hash.
	FmtP2WSH AddrFmt = 24
)

// ErrUnknownChain is returned for a chain type outside {BTC, XTN, XRT}.
var ErrUnknownChain = errors.New("unknown chain type")

// formatNames maps format codes onto import-file labels. The wrapped
// segwit format has two accepted spellings; the first listed is the one
// rendered on export.
var formatNames = []struct {
	fmt   AddrFmt
	label string
}{
	{FmtP2SH, "p2sh"},
	{FmtP2WSH, "p2wsh"},
	{FmtP2WSHP2SH, "p2sh-p2wsh"},
	{FmtP2WSHP2SH, "p2wsh-p2sh"}, // obsolete alias
}

// IsScript reports whether the format is a script-style (multisig
// capable) address format. All members of the closed enum are.
func (f AddrFmt) IsScript() bool {
	switch f {
	case FmtP2SH, FmtP2WSHP2SH, FmtP2WSH:
		return true
	default:
		return false
	}
}

// String renders the format the way exports and stories show it.
func (f AddrFmt) String() string {
	for _, fn := range formatNames {
		if fn.fmt == f {
			return strings.ToUpper(fn.label)
		}
	}

	return "?"
}

// ParseAddrFmt maps an import-file format label onto its code.
func ParseAddrFmt(label string) (AddrFmt, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	for _, fn := range formatNames {
		if fn.label == label {
			return fn.fmt, true
		}
	}

	return FmtUnknown, false
}

// chainParams maps a chain type string onto its network parameters.
// Regtest shares extended-key version bytes with testnet, so XRT keys
// parse as XTN keys.
func chainParams(chainType string) (*chaincfg.Params, error) {
	switch chainType {
	case "", "BTC":
		return &chaincfg.MainNetParams, nil
	case "XTN", "XRT":
		return &chaincfg.TestNet3Params, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, chainType)
	}
}

// slip132Version returns the SLIP-132 public version prefix for a
// (format, chain) pair. FmtP2SH uses the standard BIP-32 prefix.
//
// The variant set is small and static, so a lookup table replaces any
// per-format dispatch.
func slip132Version(f AddrFmt, testnet bool) (uint32, bool) {
	type key struct {
		f       AddrFmt
		testnet bool
	}
	table := map[key]uint32{
		{FmtP2SH, false}:      0x0488b21e, // xpub
		{FmtP2SH, true}:       0x043587cf, // tpub
		{FmtP2WSHP2SH, false}: 0x0295b43f, // Ypub
		{FmtP2WSHP2SH, true}:  0x024289ef, // Upub
		{FmtP2WSH, false}:     0x02aa7ed3, // Zpub
		{FmtP2WSH, true}:      0x02575483, // Vpub
	}

	v, ok := table[key{f, testnet}]
	return v, ok
}

// slip132Strip maps any known SLIP-132 public version prefix back onto
// the standard BIP-32 prefix for its chain, so hostile or merely
// confused xpubs normalize before anything else looks at them. Returns
// false when the prefix is not a known public multisig variant.
func slip132Strip(version uint32) (uint32, bool) {
	switch version {
	case 0x0295b43f, 0x02aa7ed3: // Ypub, Zpub
		return 0x0488b21e, true
	case 0x024289ef, 0x02575483: // Upub, Vpub
		return 0x043587cf, true
	default:
		return 0, false
	}
}

// reserializeVersion swaps the 4-byte version prefix of a base58check
// extended key string.
func reserializeVersion(xpub string, version uint32) (string, error) {
	raw := base58.Decode(xpub)
	if len(raw) != 82 {
		return "", fmt.Errorf("bad extended key length %d", len(raw))
	}

	payload := make([]byte, 78)
	copy(payload, raw[:78])
	binary.BigEndian.PutUint32(payload[:4], version)

	chk := chainhash.DoubleHashB(payload)[:4]

	return base58.Encode(append(payload, chk...)), nil
}

// serializePublic renders a stored standard xpub in the SLIP-132 variant
// expected by some external wallet software for the given format.
func serializePublic(xpub string, f AddrFmt, chainType string) (string, error) {
	if f == FmtP2SH || f == FmtUnknown {
		return xpub, nil
	}

	testnet := chainType == "XTN" || chainType == "XRT"
	version, ok := slip132Version(f, testnet)
	if !ok {
		return "", fmt.Errorf("no SLIP-132 version for %v", f)
	}

	return reserializeVersion(xpub, version)
}

// normalizeXpub strips SLIP-132 version prefixes from an extended key
// string, returning a standard BIP-32 serialization that hdkeychain will
// parse with the right network.
func normalizeXpub(xpub string) (string, error) {
	raw := base58.Decode(xpub)
	if len(raw) != 82 {
		// Let hdkeychain produce its own error for garbage.
		return xpub, nil
	}

	version := binary.BigEndian.Uint32(raw[:4])
	std, ok := slip132Strip(version)
	if !ok {
		return xpub, nil
	}

	return reserializeVersion(xpub, std)
}

// parseXpub normalizes and parses an extended public key, rejecting
// private keys and keys for the wrong chain.
func parseXpub(xpub, chainType string) (*hdkeychain.ExtendedKey, string, error) {
	params, err := chainParams(chainType)
	if err != nil {
		return nil, "", err
	}

	std, err := normalizeXpub(xpub)
	if err != nil {
		return nil, "", err
	}

	node, err := hdkeychain.NewKeyFromString(std)
	if err != nil {
		return nil, "", fmt.Errorf("unable to parse xpub: %w", err)
	}
	if node.IsPrivate() {
		return nil, "", errors.New("private keys not allowed here")
	}
	if !node.IsForNet(params) {
		return nil, "", fmt.Errorf("wrong chain for xpub (want %s)",
			chainType)
	}

	return node, std, nil
}
