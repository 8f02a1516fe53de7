// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

// psbtGlobalXpubType is the global key type carrying an embedded
// extended public key with its claimed origin.
const psbtGlobalXpubType = 0x01

// GlobalXpubs extracts the embedded co-signer xpubs from a signing
// request's global section. Containers written before the global-xpub
// type existed simply yield none; trust policy decides what that means.
func GlobalXpubs(packet *psbt.Packet) ([]GlobalXpub, error) {
	var out []GlobalXpub
	for _, unknown := range packet.Unknowns {
		if len(unknown.Key) == 0 ||
			unknown.Key[0] != psbtGlobalXpubType {

			continue
		}

		gx, err := ParseGlobalXpub(unknown.Key[1:], unknown.Value)
		if err != nil {
			return nil, fmt.Errorf("global xpub: %w", err)
		}
		out = append(out, gx)
	}

	return out, nil
}

// inputScript picks the script the wallet's address format requires from
// a request input. The witness formats carry the real script in the
// witness script slot; classic P2SH carries it as the redeem script.
func inputScript(w *Wallet, in *psbt.PInput) ([]byte, error) {
	if w.AddrFmt == FmtP2SH {
		if in.RedeemScript == nil {
			return nil, fmt.Errorf("%w: missing redeem script",
				ErrScriptMismatch)
		}
		return in.RedeemScript, nil
	}

	if in.WitnessScript == nil {
		return nil, fmt.Errorf("%w: missing witness script",
			ErrScriptMismatch)
	}

	return in.WitnessScript, nil
}

// VerifyInput validates one request input against a resolved wallet: the
// literal script bytes must reconstruct from the wallet's stored keys
// along the input's claimed derivations. Returns the per-key provenance
// on success.
func (d *Device) VerifyInput(w *Wallet, in *psbt.PInput) ([]string, error) {
	script, err := inputScript(w, in)
	if err != nil {
		return nil, err
	}

	return w.ValidateScript(script, ValidateOptions{
		Origins:    in.Bip32Derivation,
		SkipChecks: d.skipChecks,
	})
}
