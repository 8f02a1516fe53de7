// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/vaultsig/vaultsig/keypath"
	"github.com/vaultsig/vaultsig/msscript"
)

// RenderExport writes the wallet in the line-oriented setup file format,
// the exact format FromText reads back. Derivation lines are emitted
// lazily, only when the path changes from the previous key, so the
// common single-path wallet gets one Derivation header.
func (w *Wallet) RenderExport(out io.Writer, myXFP uint32) error {
	fmt.Fprintf(out, "# Multisig setup file (exported from %s)\n#\n",
		keypath.FingerprintString(myXFP))
	fmt.Fprintf(out, "Name: %s\n", w.Name)
	fmt.Fprintf(out, "Policy: %s\n", w.Policy())
	if w.AddrFmt != FmtP2SH {
		fmt.Fprintf(out, "Format: %s\n", w.AddrFmt)
	}

	lastDeriv := ""
	for _, key := range w.Keys {
		if key.Deriv != lastDeriv {
			fmt.Fprintf(out, "\nDerivation: %s\n", key.Deriv)
			lastDeriv = key.Deriv
		}
		fmt.Fprintf(out, "%s: %s\n",
			keypath.FingerprintString(key.XFP), key.Xpub)
	}

	return nil
}

// electrumCosigner is one x#/ entry of an Electrum multisig wallet file.
type electrumCosigner struct {
	Xpub       string `json:"xpub"`
	HwType     string `json:"hw_type,omitempty"`
	Label      string `json:"label,omitempty"`
	Type       string `json:"type"`
	Derivation string `json:"derivation,omitempty"`
	RootFP     string `json:"root_fingerprint,omitempty"`
}

// ExportElectrum renders the wallet as an Electrum wallet file skeleton.
// Electrum infers the script type from SLIP-132 version prefixes, so the
// stored standard xpubs are re-serialized per the wallet's format. The
// device's own leg is marked as the hardware co-signer; the others are
// plain bip32 entries.
func (w *Wallet) ExportElectrum(out io.Writer, myXFP uint32) error {
	doc := map[string]interface{}{
		"seed_version":   17,
		"use_encryption": false,
		"wallet_type": fmt.Sprintf("%dof%d", w.M,
			w.N),
	}

	for i, key := range w.Keys {
		xpub, err := serializePublic(key.Xpub, w.AddrFmt, w.ChainType)
		if err != nil {
			return err
		}

		fp := keypath.FingerprintString(key.XFP)
		cs := electrumCosigner{
			Xpub:       xpub,
			Type:       "bip32",
			Derivation: key.Deriv,
			RootFP:     strings.ToLower(fp),
		}
		if key.XFP == myXFP {
			cs.HwType = "vaultsig"
			cs.Label = "Vaultsig " + fp
			cs.Type = "hardware"
		}
		doc[fmt.Sprintf("x%d/", i+1)] = cs
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	return enc.Encode(doc)
}

// CosignerDoc is the self-describing key package one device exports so
// that another participant can assemble a wallet without any round trip:
// one upstream key per supported address format, each with its standard
// derivation path. The segwit variants carry SLIP-132 prefixes so the
// receiving software can tell them apart on sight.
type CosignerDoc struct {
	XFP     string `json:"xfp"`
	Account uint32 `json:"account"`

	P2shDeriv string `json:"p2sh_deriv"`
	P2sh      string `json:"p2sh"`

	P2wshP2shDeriv string `json:"p2wsh_p2sh_deriv"`
	P2wshP2sh      string `json:"p2wsh_p2sh"`

	P2wshDeriv string `json:"p2wsh_deriv"`
	P2wsh      string `json:"p2wsh"`
}

// coinType returns the BIP-44 coin number for the chain.
func coinType(chainType string) uint32 {
	if chainType == "XTN" || chainType == "XRT" {
		return 1
	}

	return 0
}

// ExportCosignerDoc derives and packages this device's multisig xpubs
// for one account: the classic m/45h key plus the BIP-48 wrapped and
// native segwit keys. The classic key ignores the account number; BIP-45
// predates accounts.
func (d *Device) ExportCosignerDoc(account uint32) (*CosignerDoc, error) {
	coin := coinType(d.ChainType)
	const h = uint32(keypath.HardenedBit)

	doc := &CosignerDoc{
		XFP:     keypath.FingerprintString(d.Keys.Fingerprint()),
		Account: account,
	}

	entries := []struct {
		path    []uint32
		addrFmt AddrFmt
		deriv   *string
		xpub    *string
	}{
		{[]uint32{45 | h}, FmtP2SH, &doc.P2shDeriv, &doc.P2sh},
		{[]uint32{48 | h, coin | h, account | h, 1 | h}, FmtP2WSHP2SH,
			&doc.P2wshP2shDeriv, &doc.P2wshP2sh},
		{[]uint32{48 | h, coin | h, account | h, 2 | h}, FmtP2WSH,
			&doc.P2wshDeriv, &doc.P2wsh},
	}

	for _, e := range entries {
		node, err := d.Keys.DerivePath(e.path)
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w",
				keypath.PathString(e.path), err)
		}
		pub, err := node.Neuter()
		if err != nil {
			return nil, err
		}
		xpub, err := serializePublic(pub.String(), e.addrFmt,
			d.ChainType)
		if err != nil {
			return nil, err
		}

		*e.deriv = keypath.PathString(e.path)
		*e.xpub = xpub
	}

	return doc, nil
}

// keyForFormat picks the (derivation, xpub) pair of a cosigner doc for
// the chosen address format.
func (doc *CosignerDoc) keyForFormat(f AddrFmt) (string, string, error) {
	switch f {
	case FmtP2SH:
		return doc.P2shDeriv, doc.P2sh, nil
	case FmtP2WSHP2SH:
		return doc.P2wshP2shDeriv, doc.P2wshP2sh, nil
	case FmtP2WSH:
		return doc.P2wshDeriv, doc.P2wsh, nil
	default:
		return "", "", fmt.Errorf("%w: no key for format %v",
			ErrImportFormat, f)
	}
}

// AssembleFromDocs builds an M-of-N wallet from co-signer key packages
// collected out of band, plus this device's own key. Duplicate
// fingerprints collapse to one leg; a doc carrying this device's own
// fingerprint is ignored in favor of fresh local derivation, so a stale
// or tampered copy of our own doc cannot displace the real key.
func (d *Device) AssembleFromDocs(name string, m int, addrFmt AddrFmt,
	account uint32, rawDocs [][]byte) (*Wallet, error) {

	myXFP := d.Keys.Fingerprint()
	seen := map[uint32]struct{}{myXFP: {}}

	var keys []Cosigner
	for i, raw := range rawDocs {
		var doc CosignerDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: doc %d: %v",
				ErrImportFormat, i+1, err)
		}

		xfp, err := keypath.ParseFingerprint(doc.XFP)
		if err != nil {
			return nil, fmt.Errorf("doc %d: %w", i+1, err)
		}
		if _, dup := seen[xfp]; dup {
			log.Warnf("Skipping duplicate cosigner %s", doc.XFP)
			continue
		}
		seen[xfp] = struct{}{}

		deriv, xpub, err := doc.keyForFormat(addrFmt)
		if err != nil {
			return nil, err
		}
		if _, err := d.checkXpub(&keys, xfp, xpub, deriv); err != nil {
			return nil, fmt.Errorf("doc %d: %w", i+1, err)
		}
	}

	ownDoc, err := d.ExportCosignerDoc(account)
	if err != nil {
		return nil, err
	}
	ownDeriv, ownXpub, err := ownDoc.keyForFormat(addrFmt)
	if err != nil {
		return nil, err
	}
	if _, err := d.checkXpub(&keys, myXFP, ownXpub, ownDeriv); err != nil {
		return nil, err
	}

	n := len(keys)
	if m < 1 || m > n || n > msscript.MaxSigners {
		return nil, fmt.Errorf("%w: %d of %d", ErrWalletParams, m, n)
	}
	if name == "" {
		name = fmt.Sprintf("%d-of-%d", m, n)
	}

	return NewWallet(name, m, n, keys, addrFmt, d.ChainType, true)
}

// SignInfo names the key material an export or setup file should be
// signed with, for transports that support detached signatures.
type SignInfo struct {
	Deriv   string
	AddrFmt AddrFmt
}

// FileSigner signs outgoing files with one of the device's own keys, so
// co-signers can verify a setup file really came from this participant.
// Implementations live near the transport; this package only decides
// which key to use.
type FileSigner interface {
	SignFile(content []byte, info SignInfo) ([]byte, error)
}

// ExportSignInfo returns the signing key selection for this wallet's
// setup file: the device's own leg.
func (w *Wallet) ExportSignInfo(myXFP uint32) (SignInfo, error) {
	kp, ok := w.KeyPathFor(myXFP)
	if !ok {
		return SignInfo{}, fmt.Errorf("missing cosigner %s",
			keypath.FingerprintString(myXFP))
	}

	return SignInfo{Deriv: kp.PathText(), AddrFmt: w.AddrFmt}, nil
}
