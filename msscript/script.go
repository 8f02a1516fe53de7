// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package msscript disassembles and reconstructs standard M-of-N
// multisig redeem/witness scripts. Only the exact template
//
//	OP_M <33-byte pubkey>*N OP_N OP_CHECKMULTISIG
//
// is accepted; anything else is treated as hostile input.
package msscript

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
)

// MaxSigners is the largest number of co-signers representable by the
// OP_1..OP_15 small-integer opcodes used in the template.
const MaxSigners = 15

// ErrMalformedScript is returned whenever a candidate script does not
// match the multisig template exactly. Structural failures are always
// fatal to the current signing attempt.
var ErrMalformedScript = errors.New("malformed multisig script")

// QuickMN reads only the first and second-to-last opcode bytes to
// recover M and N. It is an O(1) pre-filter for wallet lookup; callers
// still need Disassemble before trusting the script.
func QuickMN(script []byte) (int, int, error) {
	if len(script) < 4 {
		return 0, 0, fmt.Errorf("%w: too short", ErrMalformedScript)
	}
	if script[len(script)-1] != txscript.OP_CHECKMULTISIG {
		return 0, 0, fmt.Errorf("%w: need CHECKMULTISIG",
			ErrMalformedScript)
	}

	m := int(script[0]) - (txscript.OP_1 - 1)
	n := int(script[len(script)-2]) - (txscript.OP_1 - 1)

	return m, n, nil
}

// Disassemble takes apart a standard multisig redeem/witness script and
// returns M, N and the public keys in script order. It fails with
// ErrMalformedScript if the final opcode isn't CHECKMULTISIG, the length
// isn't exactly 1+34*N+2, any pubkey isn't a 33-byte compressed key, or
// M/N fall outside 1 <= M <= N <= MaxSigners.
func Disassemble(script []byte) (int, int, [][]byte, error) {
	m, n, err := QuickMN(script)
	if err != nil {
		return 0, 0, nil, err
	}

	if m < 1 || n < m || n > MaxSigners {
		return 0, 0, nil, fmt.Errorf("%w: M/N range (%d of %d)",
			ErrMalformedScript, m, n)
	}
	if len(script) != 1+(n*34)+1+1 {
		return 0, 0, nil, fmt.Errorf("%w: bad length %d for N=%d",
			ErrMalformedScript, len(script), n)
	}

	pubkeys := make([][]byte, 0, n)
	off := 1
	for i := 0; i < n; i++ {
		if script[off] != txscript.OP_DATA_33 {
			return 0, 0, nil, fmt.Errorf("%w: expected 33-byte "+
				"push at offset %d", ErrMalformedScript, off)
		}
		pk := script[off+1 : off+34]
		if pk[0] != 0x02 && pk[0] != 0x03 {
			return 0, 0, nil, fmt.Errorf("%w: bad pubkey prefix "+
				"0x%02x", ErrMalformedScript, pk[0])
		}
		pubkeys = append(pubkeys, pk)
		off += 34
	}

	// The length check above guarantees off now points at the OP_N byte
	// and that exactly two bytes remain.

	return m, n, pubkeys, nil
}

// Reconstruct derives each cosigner's public key at the given
// non-hardened subkey index and emits the multisig script template. When
// sorted is true the 33-byte pubkeys are ordered ascending (BIP-67) and
// the output is independent of the input node order; when false the
// input order is preserved and is semantically load-bearing.
func Reconstruct(m int, nodes []*hdkeychain.ExtendedKey, subkeyIndex uint32,
	sorted bool) ([]byte, error) {

	n := len(nodes)
	if m < 1 || n < m || n > MaxSigners {
		return nil, fmt.Errorf("%w: M/N range (%d of %d)",
			ErrMalformedScript, m, n)
	}
	if subkeyIndex >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: hardened subkey index",
			ErrMalformedScript)
	}

	pubkeys := make([][]byte, 0, n)
	for _, node := range nodes {
		child, err := node.Derive(subkeyIndex)
		if err != nil {
			return nil, fmt.Errorf("derive subkey %d: %w",
				subkeyIndex, err)
		}
		pk, err := child.ECPubKey()
		if err != nil {
			return nil, fmt.Errorf("subkey pubkey: %w", err)
		}
		pubkeys = append(pubkeys, pk.SerializeCompressed())
	}

	if sorted {
		sort.Slice(pubkeys, func(i, j int) bool {
			return bytes.Compare(pubkeys[i], pubkeys[j]) < 0
		})
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(m))
	for _, pk := range pubkeys {
		builder.AddData(pk)
	}
	builder.AddInt64(int64(n))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("build script: %w", err)
	}

	return script, nil
}
