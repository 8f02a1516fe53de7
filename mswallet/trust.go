// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/vaultsig/vaultsig/keypath"
	"github.com/vaultsig/vaultsig/msscript"
)

// TrustPolicy is the configured stance toward co-signer xpubs embedded
// in an otherwise-unauthenticated signing request. The numeric values
// are persisted.
type TrustPolicy uint8

const (
	// TrustVerify requires the wallet to already exist on the device;
	// embedded xpubs never create one.
	TrustVerify TrustPolicy = 0

	// TrustOffer builds a candidate wallet from the embedded xpubs and
	// offers it for user approval before signing proceeds.
	TrustOffer TrustPolicy = 1

	// TrustEphemeral uses the embedded xpubs as a temporary in-memory
	// wallet for this one operation: no persistence, no prompt. An
	// explicit privacy trade-off.
	TrustEphemeral TrustPolicy = 2
)

// trustPolicyKey is the settings key for the persisted policy.
const trustPolicyKey = "pms"

// unsortedOptInKey is the settings key enabling fixed-order multi(...)
// wallets.
const unsortedOptInKey = "unsort_ms"

var (
	// ErrTrustViolation aborts signing: the request needs a wallet the
	// device does not hold, and policy forbids creating one.
	ErrTrustViolation = errors.New("fatal trust violation")

	// ErrOwnKeyMissing is returned when a candidate wallet does not
	// include exactly one key belonging to this device.
	ErrOwnKeyMissing = errors.New("own key not included exactly once")

	// ErrUnsortedNotAllowed is returned when a fixed-order multi(...)
	// wallet is imported without the explicit opt-in setting.
	ErrUnsortedNotAllowed = errors.New(
		"unsorted multisig not allowed; enable the unsorted setting")
)

// String returns the human label used in settings stories.
func (p TrustPolicy) String() string {
	switch p {
	case TrustVerify:
		return "Verify Only"
	case TrustOffer:
		return "Offer Import"
	case TrustEphemeral:
		return "Trust Request"
	default:
		return "unknown"
	}
}

// GetTrustPolicy returns the persisted policy, defaulting to Offer
// Import until the first wallet exists and Verify Only afterwards.
func (st *Store) GetTrustPolicy() TrustPolicy {
	v := st.settings.GetInt(trustPolicyKey, -1)
	if v >= int64(TrustVerify) && v <= int64(TrustEphemeral) {
		return TrustPolicy(v)
	}

	if st.Exists() {
		return TrustVerify
	}

	return TrustOffer
}

// SetTrustPolicy persists the policy.
func (st *Store) SetTrustPolicy(p TrustPolicy) error {
	if err := st.settings.Set(trustPolicyKey, int64(p)); err != nil {
		return err
	}

	return st.settings.Save()
}

// UnsortedAllowed reports the fixed-order multisig opt-in.
func (st *Store) UnsortedAllowed() bool {
	return st.settings.GetInt(unsortedOptInKey, 0) != 0
}

// SetUnsortedAllowed persists the opt-in. Disabling is refused while any
// unsorted record remains, since those records are unusable without it.
func (st *Store) SetUnsortedAllowed(allowed bool) error {
	if !allowed {
		var blocked []string
		err := st.ForEach(NoFilter, func(w *Wallet) error {
			if !w.Sorted {
				blocked = append(blocked, w.Name)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(blocked) > 0 {
			return fmt.Errorf("remove unsorted wallets first: %v",
				blocked)
		}
		st.settings.RemoveKey(unsortedOptInKey)

		return st.settings.Save()
	}

	if err := st.settings.Set(unsortedOptInKey, int64(1)); err != nil {
		return err
	}

	return st.settings.Save()
}

// GlobalXpub is one embedded key-origin record from a signing request's
// global section: the claimed (fingerprint, path) plus the extended
// public key, exactly as the host supplied them. Nothing here is
// trusted yet.
type GlobalXpub struct {
	Origin keypath.KeyPath
	Xpub   string
}

// ParseGlobalXpub decodes a raw global xpub record: keyData is the four
// fingerprint bytes in serialized order followed by little-endian uint32
// path steps, value the 78-byte serialized extended key.
func ParseGlobalXpub(keyData, value []byte) (GlobalXpub, error) {
	if len(keyData) < 4 || len(keyData)%4 != 0 {
		return GlobalXpub{}, fmt.Errorf("%w: origin length %d",
			keypath.ErrInvalidPath, len(keyData))
	}

	// The fingerprint is raw bytes, not an integer; reading it
	// big-endian keeps it in the same space as ParentFingerprint and
	// the hex form used everywhere else.
	raw := make([]uint32, len(keyData)/4)
	raw[0] = binary.BigEndian.Uint32(keyData[:4])
	for i := 1; i < len(raw); i++ {
		raw[i] = binary.LittleEndian.Uint32(keyData[i*4:])
	}
	origin, err := keypath.FromIndexes(raw)
	if err != nil {
		return GlobalXpub{}, err
	}

	if len(value) != 78 {
		return GlobalXpub{}, fmt.Errorf("bad xpub length %d",
			len(value))
	}
	chk := chainhash.DoubleHashB(value)[:4]
	xpub := base58.Encode(append(append([]byte{}, value...), chk...))

	return GlobalXpub{Origin: origin, Xpub: xpub}, nil
}

// RequireWallet is the mandatory-match path: when a signing request
// carries no embedded xpubs at all, an existing record must cover it
// regardless of trust policy. Fails closed with ErrTrustViolation.
func (d *Device) RequireWallet(m, n int, xfpPaths []keypath.KeyPath,
	addrFmt AddrFmt) (*Wallet, error) {

	w, err := d.Wallets.FindMatch(m, n, xfpPaths, addrFmt)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: unknown multisig wallet",
			ErrTrustViolation)
	}

	return w, nil
}

// ResolveSigningWallet decides how the embedded xpubs of a signing
// request are treated. It returns the wallet to verify the script
// against and whether user approval (and a Commit) is still required
// before signing proceeds:
//
//   - an existing record matching the origins is always preferred; the
//     embedded xpubs are then cross-checked byte-wise against it;
//   - otherwise TrustVerify fails closed, while TrustOffer and
//     TrustEphemeral build a candidate wallet from the embedded data.
//     Only TrustOffer requires approval; TrustEphemeral keeps the
//     candidate in-memory for this one operation.
func (d *Device) ResolveSigningWallet(m, n int,
	xpubs []GlobalXpub) (*Wallet, bool, error) {

	if len(xpubs) == 0 {
		return nil, false, fmt.Errorf("%w: no embedded xpubs",
			ErrTrustViolation)
	}
	if n != len(xpubs) {
		return nil, false, fmt.Errorf("%w: %d xpubs for N=%d",
			ErrScriptMismatch, len(xpubs), n)
	}

	myXFP := d.Keys.Fingerprint()
	xfpPaths := make([]keypath.KeyPath, 0, len(xpubs))
	hasMine := 0
	for _, gx := range xpubs {
		xfpPaths = append(xfpPaths, gx.Origin)
		if gx.Origin.Fingerprint == myXFP {
			hasMine++
		}
	}
	if hasMine == 0 {
		return nil, false, fmt.Errorf("%w: my key not involved",
			ErrTrustViolation)
	}

	candidates, err := d.Wallets.FindCandidates(xfpPaths, FmtUnknown, 0)
	if err != nil {
		return nil, false, err
	}

	var active *Wallet
	switch {
	case len(candidates) == 1:
		active = candidates[0]

	default:
		for _, c := range candidates {
			if c.M == m && c.N == n {
				active = c
				break
			}
		}
	}

	if active != nil {
		if err := d.ValidateRequestXpubs(active, xpubs); err != nil {
			return nil, false, err
		}

		return active, false, nil
	}

	policy := d.Wallets.GetTrustPolicy()
	if policy == TrustVerify {
		log.Warnf("Trust policy is verify-only and no wallet matches")
		return nil, false, fmt.Errorf("%w: embedded xpubs do not "+
			"match any existing wallet", ErrTrustViolation)
	}

	proposed, err := d.buildCandidate(m, n, xpubs)
	if err != nil {
		return nil, false, err
	}

	return proposed, policy != TrustEphemeral, nil
}

// buildCandidate assembles an unsaved wallet from embedded xpubs. The
// result always enforces BIP-67: the container format postdates wide
// acceptance of sorted multisig, so unsorted wallets never arrive this
// way. The address format is inferred from the device's own leg when
// the path is standards-conformant.
func (d *Device) buildCandidate(m, n int, xpubs []GlobalXpub) (*Wallet,
	error) {

	if m < 1 || m > n || n > msscript.MaxSigners {
		return nil, fmt.Errorf("%w: M/N range", ErrWalletParams)
	}

	myXFP := d.Keys.Fingerprint()
	addrFmt := FmtP2SH
	hasMine := 0

	var keys []Cosigner
	for _, gx := range xpubs {
		mine, err := d.checkXpub(&keys, gx.Origin.Fingerprint, gx.Xpub,
			gx.Origin.PathText())
		if err != nil {
			return nil, err
		}
		if mine {
			hasMine++
			if guess := guessAddrFmt(gx.Origin.Path); guess != FmtUnknown {
				addrFmt = guess
			}
		}
	}

	if hasMine != 1 {
		return nil, fmt.Errorf("%w: found %d", ErrOwnKeyMissing,
			hasMine)
	}

	name := fmt.Sprintf("PSBT-%d-of-%d", m, n)
	w, err := NewWallet(name, m, n, keys, addrFmt, d.ChainType, true)
	if err != nil {
		return nil, err
	}

	log.Infof("Built candidate wallet %q from embedded xpubs (my xfp %s)",
		name, keypath.FingerprintString(myXFP))

	return w, nil
}

// guessAddrFmt maps a standards-conformant derivation path onto the
// address format it implies: m/45h is classic P2SH, the BIP-48 purpose
// selects wrapped or native segwit by its script-type element. Returns
// FmtUnknown when unsure; never errors.
func guessAddrFmt(path []uint32) AddrFmt {
	if len(path) == 0 || !keypath.Hardened(path[0]) {
		return FmtUnknown
	}

	switch path[0] &^ keypath.HardenedBit {
	case 45:
		return FmtP2SH

	case 48:
		if len(path) < 4 {
			return FmtUnknown
		}
		switch path[3] &^ keypath.HardenedBit {
		case 1:
			return FmtP2WSHP2SH
		case 2:
			return FmtP2WSH
		}
	}

	return FmtUnknown
}

// ValidateRequestXpubs cross-checks embedded xpubs against the stored
// record they claim to describe. The stored values are what actually get
// used; a mismatch here is a fraud attempt aimed at some co-signer, not
// an innocent encoding difference.
func (d *Device) ValidateRequestXpubs(w *Wallet, xpubs []GlobalXpub) error {
	if len(xpubs) != w.N {
		return fmt.Errorf("%w: %d xpubs for N=%d", ErrScriptMismatch,
			len(xpubs), w.N)
	}

	for _, gx := range xpubs {
		// Normalize exactly the way import does, without the own-key
		// check (fingerprint/path were already matched during wallet
		// selection).
		var tmp []Cosigner
		probe := &Device{Wallets: d.Wallets, Keys: nopKeySource{},
			ChainType: d.ChainType, skipChecks: d.skipChecks}
		if _, err := probe.checkXpub(&tmp, gx.Origin.Fingerprint,
			gx.Xpub, gx.Origin.PathText()); err != nil {

			return fmt.Errorf("%w: %v", ErrScriptMismatch, err)
		}
		normalized := tmp[0]

		if d.skipChecks {
			// Allows wrong derivation paths in the request, and
			// use of old records lacking per-leg derivations.
			continue
		}

		found := false
		for _, key := range w.Keys {
			if key.XFP != gx.Origin.Fingerprint {
				continue
			}
			if key.Deriv != normalized.Deriv {
				return fmt.Errorf("%w: derivation for %s",
					ErrScriptMismatch,
					keypath.FingerprintString(key.XFP))
			}
			if key.Xpub != normalized.Xpub {
				return fmt.Errorf("%w: xpub wrong (xfp=%s)",
					ErrScriptMismatch,
					keypath.FingerprintString(key.XFP))
			}
			found = true
			break
		}
		if !found {
			// Unreachable in the normal flow: the wallet was
			// selected by this very fingerprint set.
			return fmt.Errorf("%w: unknown fingerprint %s",
				ErrScriptMismatch,
				keypath.FingerprintString(gx.Origin.Fingerprint))
		}
	}

	return nil
}

// nopKeySource is a KeySource that owns no keys; its fingerprint matches
// nothing.
type nopKeySource struct{}

func (nopKeySource) Fingerprint() uint32 { return 0 }

func (nopKeySource) DerivePath(path []uint32) (*hdkeychain.ExtendedKey,
	error) {

	return nil, errors.New("no key material")
}
