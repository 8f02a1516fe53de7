// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/vaultsig/vaultsig/keypath"
	"github.com/vaultsig/vaultsig/msscript"
)

var (
	// ErrScriptMismatch is returned when the candidate script does not
	// correspond to the stored wallet for at least one key. This is the
	// primary defense against key substitution; it aborts signing.
	ErrScriptMismatch = errors.New("script does not match wallet")

	// ErrIncompleteMatch is returned when validation finishes without
	// consuming every wallet key exactly once.
	ErrIncompleteMatch = errors.New("not all wallet keys used")

	// ErrHardenedSuffix is returned when the path suffix past a stored
	// xpub's depth contains a hardened step; public-only derivation
	// cannot follow it.
	ErrHardenedSuffix = errors.New("hardened derivation in path suffix")
)

// UnverifiedMarker is the provenance returned when the session-scoped
// skip-checks mode bypasses validation.
const UnverifiedMarker = "UNVERIFIED"

// ValidateOptions carries the key-origin data that accompanies a
// candidate script. Exactly one of Origins and OrderedOrigins should be
// set: a request container gives a pubkey-to-origin map; a bare caller
// must supply origins in the same order as the script's pubkeys.
type ValidateOptions struct {
	// Origins maps each script pubkey to its claimed key origin, as
	// found in the request container's per-input derivation records.
	Origins []*psbt.Bip32Derivation

	// OrderedOrigins is the positional alternative: element p belongs
	// to the script's pubkey at position p.
	OrderedOrigins []keypath.KeyPath

	// SkipChecks is the session-scoped user override. When set, the
	// script is only disassembled for M/N agreement; key provenance is
	// not verified and the result is the UnverifiedMarker.
	SkipChecks bool
}

// candidate pairs a wallet key index with the claimed path to check it
// against.
type candidate struct {
	keyIdx int
	path   []uint32
}

// ValidateScript checks that every pubkey in the literal script bytes is
// derivable from this wallet's stored extended keys, enforcing ordering
// rules, before the device signs anything. On success it returns one
// provenance string per script position describing which co-signer and
// path suffix produced the match.
func (w *Wallet) ValidateScript(redeemScript []byte,
	opts ValidateOptions) ([]string, error) {

	m, n, pubkeys, err := msscript.Disassemble(redeemScript)
	if err != nil {
		return nil, err
	}
	if m != w.M || n != w.N {
		return nil, fmt.Errorf("%w: script is %d of %d, wallet is %s",
			ErrScriptMismatch, m, n, w.Policy())
	}

	if opts.SkipChecks {
		log.Warnf("Wallet %q: script accepted UNVERIFIED", w.Name)
		return []string{UnverifiedMarker}, nil
	}

	originMap := originsByPubkey(opts.Origins)
	if originMap == nil && len(opts.OrderedOrigins) != n {
		return nil, fmt.Errorf("%w: need %d ordered origins, got %d",
			ErrScriptMismatch, n, len(opts.OrderedOrigins))
	}

	provenance := make([]string, 0, n)
	used := fn.NewSet[int]()

	for pos, pubkey := range pubkeys {
		cands, err := w.candidatesFor(pos, pubkey, originMap,
			opts.OrderedOrigins, used)
		if err != nil {
			return nil, err
		}

		here, err := w.matchPosition(pos, pubkey, cands, used)
		if err != nil {
			return nil, err
		}
		provenance = append(provenance, here)

		if w.Sorted && pos > 0 {
			// Canonical ordering is re-checked at validation
			// time, not assumed from construction.
			if bytes.Compare(pubkey, pubkeys[pos-1]) <= 0 {
				return nil, fmt.Errorf("%w: BIP-67 order "+
					"violation at pk#%d",
					ErrScriptMismatch, pos+1)
			}
		}
	}

	if len(used) != w.N {
		return nil, fmt.Errorf("%w: %d of %d", ErrIncompleteMatch,
			len(used), w.N)
	}

	return provenance, nil
}

// candidatesFor narrows the wallet keys that could stand behind the
// pubkey at script position pos: by fingerprint when an origin map is
// available, else by the position-aligned origin list. Keys already
// consumed at other positions are excluded.
func (w *Wallet) candidatesFor(pos int, pubkey []byte,
	originMap map[string]keypath.KeyPath, ordered []keypath.KeyPath,
	used fn.Set[int]) ([]candidate, error) {

	var origin keypath.KeyPath
	if originMap != nil {
		var ok bool
		origin, ok = originMap[string(pubkey)]
		if !ok {
			return nil, fmt.Errorf("%w: unexpected pubkey at "+
				"pk#%d", ErrScriptMismatch, pos+1)
		}
	} else {
		origin = ordered[pos]
	}

	var out []candidate
	for _, keyIdx := range w.keysWithXFP(origin.Fingerprint) {
		if used.Contains(keyIdx) {
			continue
		}
		out = append(out, candidate{keyIdx: keyIdx, path: origin.Path})
	}

	return out, nil
}

// matchPosition tries every candidate wallet key against the script
// pubkey at position pos, deriving the expected pubkey along the path
// suffix beyond the stored xpub's depth. Exhausting all candidates fails
// with the most informative reason collected along the way.
func (w *Wallet) matchPosition(pos int, pubkey []byte, cands []candidate,
	used fn.Set[int]) (string, error) {

	var (
		lastTried  string
		tooShallow bool
	)

	for _, cand := range cands {
		if !w.Sorted && cand.keyIdx != pos {
			// Fixed script-order wallet: key order in the script
			// is meaningful, so wallet key i must sit at script
			// position i.
			return "", fmt.Errorf("%w: script key order at pk#%d",
				ErrScriptMismatch, pos+1)
		}

		key := w.Keys[cand.keyIdx]
		node, err := hdkeychain.NewKeyFromString(key.Xpub)
		if err != nil {
			return "", fmt.Errorf("%w: stored xpub for %s: %v",
				ErrCorruptRecord,
				keypath.FingerprintString(key.XFP), err)
		}

		depth := int(node.Depth())
		if depth > len(cand.path) {
			// The stored xpub is deeper than the claimed path can
			// express. Not wrong by itself; another candidate may
			// still fit.
			tooShallow = true
			continue
		}

		for _, step := range cand.path[depth:] {
			if keypath.Hardened(step) {
				return "", fmt.Errorf("%w: pk#%d",
					ErrHardenedSuffix, pos+1)
			}
			node, err = node.Derive(step)
			if err != nil {
				return "", fmt.Errorf("derive step %d: %w",
					step, err)
			}
		}

		derived, err := node.ECPubKey()
		if err != nil {
			return "", fmt.Errorf("derived pubkey: %w", err)
		}

		// Only show what we verified: the hardened part of the path
		// from the fingerprint down to the xpub is not reproducible
		// from public data, so it renders as placeholders.
		here := "[" + keypath.FingerprintString(key.XFP)
		if depth != len(cand.path) {
			for i := 0; i < depth; i++ {
				here += "/_"
			}
			here += keypath.PathSuffix(cand.path, depth)
		}
		here += "]"
		lastTried = here

		if !bytes.Equal(derived.SerializeCompressed(), pubkey) {
			// Not a match, but not fatal by itself: a duplicate
			// fingerprint could still supply the right key.
			continue
		}

		used.Add(cand.keyIdx)

		return here, nil
	}

	msg := fmt.Sprintf("pk#%d wrong", pos+1)
	switch {
	case len(cands) == 0:
		msg += ", unknown fingerprint"
	case lastTried != "":
		msg += ", tried: " + lastTried
	}
	if tooShallow {
		msg += ", too shallow"
	}

	return "", fmt.Errorf("%w: %s", ErrScriptMismatch, msg)
}

// originsByPubkey indexes request-container derivation records by their
// pubkey bytes. Returns nil when no records are given. The container
// decoder reads the four fingerprint bytes as a little-endian integer,
// so they are swapped back into the serialized byte order the rest of
// the system speaks.
func originsByPubkey(
	origins []*psbt.Bip32Derivation) map[string]keypath.KeyPath {

	if len(origins) == 0 {
		return nil
	}

	out := make(map[string]keypath.KeyPath, len(origins))
	for _, o := range origins {
		path := make([]uint32, len(o.Bip32Path))
		copy(path, o.Bip32Path)
		out[string(o.PubKey)] = keypath.KeyPath{
			Fingerprint: bits.ReverseBytes32(o.MasterKeyFingerprint),
			Path:        path,
		}
	}

	return out
}
