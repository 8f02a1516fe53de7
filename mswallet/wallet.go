// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mswallet holds the multisig wallet records a hardened signing
// device has approved, and everything needed to decide — without
// trusting the connected host — whether a requested signing operation
// matches one of them: record storage and lookup, trust policy for
// embedded xpubs, script validation, and the import/export text formats.
package mswallet

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vaultsig/vaultsig/keypath"
	"github.com/vaultsig/vaultsig/msscript"
)

var (
	// ErrWalletParams is returned when wallet fields violate the model
	// invariants (name length, M/N range, duplicate fingerprints...).
	ErrWalletParams = errors.New("invalid wallet params")

	// ErrCorruptRecord is returned when a persisted record cannot be
	// decoded. It is fatal and surfaced as device-storage damage.
	ErrCorruptRecord = errors.New("corrupt wallet record")
)

// MaxNameLen bounds the printable wallet name.
const MaxNameLen = 20

// Cosigner is one leg of a multisig wallet: the co-signer's master
// fingerprint, the derivation from that master to the stored key, and
// the stored extended public key in standard BIP-32 serialization.
type Cosigner struct {
	XFP   uint32
	Deriv string
	Xpub  string
}

// Wallet captures everything the device must store long-term to
// participate as a co-signer: enough to verify change outputs and to
// reconstruct any redeem script. Instances are held unsaved until the
// user confirms them; StorageIdx stays -1 until Commit.
type Wallet struct {
	// Name is 1..20 printable ASCII characters.
	Name string

	// M of N signatures are required. 1 <= M <= N <= 15.
	M, N int

	// Keys holds exactly N cosigners with unique fingerprints, in
	// import order. For unsorted wallets this order is load-bearing.
	Keys []Cosigner

	// AddrFmt is the script-style address format of the wallet.
	AddrFmt AddrFmt

	// ChainType is the network id ("BTC", "XTN", "XRT").
	ChainType string

	// Sorted is true when BIP-67 canonical key ordering is enforced at
	// signing time. False marks a fixed script-order wallet, which is
	// backwards incompatible with firmware unaware of the marker.
	Sorted bool

	// StorageIdx is the record's position in the persisted list, or -1
	// while unsaved. It is invalidated by any delete elsewhere in the
	// list; callers must not cache it across store mutations.
	StorageIdx int

	// xfpPaths caches the numeric key path per fingerprint.
	xfpPaths map[uint32]keypath.KeyPath
}

// NewWallet validates the model invariants and builds a wallet. The
// wallet is in-memory only; use Store.Commit to persist it.
func NewWallet(name string, m, n int, keys []Cosigner, addrFmt AddrFmt,
	chainType string, sorted bool) (*Wallet, error) {

	if chainType == "" {
		chainType = "BTC"
	}

	w := &Wallet{
		Name:       name,
		M:          m,
		N:          n,
		Keys:       keys,
		AddrFmt:    addrFmt,
		ChainType:  chainType,
		Sorted:     sorted,
		StorageIdx: -1,
	}
	if err := w.validate(); err != nil {
		return nil, err
	}

	return w, nil
}

// validate checks invariants and rebuilds the fingerprint/path cache.
func (w *Wallet) validate() error {
	if err := checkName(w.Name); err != nil {
		return err
	}
	if w.M < 1 || w.M > w.N || w.N > msscript.MaxSigners {
		return fmt.Errorf("%w: M/N range (%d of %d)",
			ErrWalletParams, w.M, w.N)
	}
	if len(w.Keys) != w.N {
		return fmt.Errorf("%w: %d keys for N=%d",
			ErrWalletParams, len(w.Keys), w.N)
	}
	if !w.AddrFmt.IsScript() {
		return fmt.Errorf("%w: need script-style address format",
			ErrWalletParams)
	}
	if _, err := chainParams(w.ChainType); err != nil {
		return fmt.Errorf("%w: %v", ErrWalletParams, err)
	}

	w.xfpPaths = make(map[uint32]keypath.KeyPath, w.N)
	for _, key := range w.Keys {
		kp, err := keypath.New(key.XFP, key.Deriv)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWalletParams, err)
		}
		w.xfpPaths[key.XFP] = kp
	}
	if len(w.xfpPaths) != w.N {
		// Duplicate fingerprints inside one wallet are not supported.
		return fmt.Errorf("%w: duplicate fingerprint", ErrWalletParams)
	}

	return nil
}

// checkName enforces the printable 1..20 char name rule.
func checkName(name string) error {
	if len(name) < 1 || len(name) > MaxNameLen {
		return fmt.Errorf("%w: name must be 1..%d chars",
			ErrWalletParams, MaxNameLen)
	}
	for _, r := range name {
		if r < 0x20 || r > 0x7e {
			return fmt.Errorf("%w: name must be printable ASCII",
				ErrWalletParams)
		}
	}

	return nil
}

// XFPPaths returns the per-cosigner key paths, one per fingerprint.
func (w *Wallet) XFPPaths() []keypath.KeyPath {
	out := make([]keypath.KeyPath, 0, len(w.Keys))
	for _, key := range w.Keys {
		out = append(out, w.xfpPaths[key.XFP])
	}

	return out
}

// KeyPathFor returns the stored key path for a fingerprint.
func (w *Wallet) KeyPathFor(xfp uint32) (keypath.KeyPath, bool) {
	kp, ok := w.xfpPaths[xfp]
	return kp, ok
}

// HasXFP reports whether a fingerprint belongs to this wallet.
func (w *Wallet) HasXFP(xfp uint32) bool {
	_, ok := w.xfpPaths[xfp]
	return ok
}

// keysWithXFP returns the indices of cosigner entries carrying the given
// fingerprint. With unique fingerprints this is zero or one entry, but
// validation deliberately works from the script's point of view.
func (w *Wallet) keysWithXFP(xfp uint32) []int {
	var out []int
	for i, key := range w.Keys {
		if key.XFP == xfp {
			out = append(out, i)
		}
	}

	return out
}

// XpubForXFP returns the single stored xpub for a fingerprint, failing
// on absence.
func (w *Wallet) XpubForXFP(xfp uint32) (string, error) {
	idxs := w.keysWithXFP(xfp)
	if len(idxs) != 1 {
		return "", fmt.Errorf("missing cosigner %s",
			keypath.FingerprintString(xfp))
	}

	return w.Keys[idxs[0]].Xpub, nil
}

// MatchingSubpaths reports whether the wallet uses the same unordered
// set of fingerprints as the supplied key paths, with the wallet's
// recorded path a prefix of (or equal to) the supplied path for each
// fingerprint. This is the core fuzzy match: imported records may hold
// shorter prefixes than a live signing request reports.
func (w *Wallet) MatchingSubpaths(xfpPaths []keypath.KeyPath) bool {
	if len(xfpPaths) != len(w.xfpPaths) {
		return false
	}
	for _, kp := range xfpPaths {
		stored, ok := w.xfpPaths[kp.Fingerprint]
		if !ok {
			return false
		}
		if !stored.IsPrefixOf(kp.Path) {
			return false
		}
	}

	return true
}

// AssertMatching compares the wallet against the M/N and key-origin set
// recovered from a signing request. skipChecks is the session-scoped
// user override; it never relaxes the M/N comparison.
func (w *Wallet) AssertMatching(m, n int, xfpPaths []keypath.KeyPath,
	skipChecks bool) error {

	if m != w.M || n != w.N {
		return fmt.Errorf("%w: M/N mismatch", ErrScriptMismatch)
	}
	if len(xfpPaths) != n {
		return fmt.Errorf("%w: origin count", ErrScriptMismatch)
	}
	if skipChecks {
		return nil
	}
	if !w.MatchingSubpaths(xfpPaths) {
		return fmt.Errorf("%w: wrong fingerprints/derivations",
			ErrScriptMismatch)
	}

	return nil
}

// DerivPaths returns the unique derivation paths in use (often one) and
// a single-value summary for display.
func (w *Wallet) DerivPaths() ([]string, string) {
	seen := make(map[string]struct{})
	var derivs []string
	for _, key := range w.Keys {
		if _, ok := seen[key.Deriv]; ok {
			continue
		}
		seen[key.Deriv] = struct{}{}
		derivs = append(derivs, key.Deriv)
	}
	sort.Strings(derivs)

	if len(derivs) == 1 {
		return derivs, derivs[0]
	}

	return derivs, fmt.Sprintf("Varies (%d)", len(derivs))
}

// sortedKeySet renders the cosigner tuples in a canonical order for
// set-wise comparison between wallets.
func (w *Wallet) sortedKeySet() []string {
	out := make([]string, 0, len(w.Keys))
	for _, key := range w.Keys {
		out = append(out, fmt.Sprintf("%08x|%s|%s",
			key.XFP, key.Deriv, key.Xpub))
	}
	sort.Strings(out)

	return out
}

// sameKeys reports whether two wallets hold the identical cosigner set,
// ignoring order. multi(2,A,B) counts as a duplicate of multi(2,B,A):
// consensus-wise those are different scripts, but the device refuses to
// hold both.
func (w *Wallet) sameKeys(other *Wallet) bool {
	a, b := w.sortedKeySet(), other.sortedKeySet()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// sameKeyOrder reports whether two wallets hold identical cosigner
// tuples in identical order.
func (w *Wallet) sameKeyOrder(other *Wallet) bool {
	if len(w.Keys) != len(other.Keys) {
		return false
	}
	for i := range w.Keys {
		if w.Keys[i] != other.Keys[i] {
			return false
		}
	}

	return true
}

// Policy renders "2 of 3" style text.
func (w *Wallet) Policy() string {
	return fmt.Sprintf("%d of %d", w.M, w.N)
}

// String implements fmt.Stringer.
func (w *Wallet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %s", w.Name, w.Policy(), w.AddrFmt)
	if !w.Sorted {
		b.WriteString(", unsorted")
	}
	b.WriteString(")")

	return b.String()
}
