// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keypath provides the compact (fingerprint, derivation path)
// value used to name a co-signer's key material, along with the textual
// derivation path format shared by import files, descriptors and signing
// requests.
package keypath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// HardenedBit is the flag set on a path element to mark a hardened
// derivation step.
const HardenedBit = hdkeychain.HardenedKeyStart

// MaxDepth is the deepest derivation path accepted from any external
// source. BIP-32 allows 255 but nothing legitimate comes close.
const MaxDepth = 12

var (
	// ErrInvalidPath is returned when a textual derivation path cannot
	// be parsed.
	ErrInvalidPath = errors.New("invalid derivation path")

	// ErrInvalidFingerprint is returned when a fingerprint string is not
	// eight hex characters.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)

// KeyPath names one co-signer key: the 32-bit master fingerprint plus the
// derivation path from that master to the key.
type KeyPath struct {
	// Fingerprint is the BIP-32 fingerprint of the co-signer's master
	// key, in the byte order it appears in serialized extended keys.
	Fingerprint uint32

	// Path holds the derivation steps. Hardened steps carry HardenedBit.
	Path []uint32
}

// New builds a KeyPath from a fingerprint and a textual path such as
// "m/48h/0h/0h/2h".
func New(fingerprint uint32, path string) (KeyPath, error) {
	p, err := ParsePath(path)
	if err != nil {
		return KeyPath{}, err
	}

	return KeyPath{Fingerprint: fingerprint, Path: p}, nil
}

// FromIndexes builds a KeyPath from the raw [fingerprint, step...] layout
// used by key-origin records in signing requests.
func FromIndexes(raw []uint32) (KeyPath, error) {
	if len(raw) < 1 {
		return KeyPath{}, fmt.Errorf("%w: empty origin", ErrInvalidPath)
	}
	if len(raw)-1 > MaxDepth {
		return KeyPath{}, fmt.Errorf("%w: too deep", ErrInvalidPath)
	}

	path := make([]uint32, len(raw)-1)
	copy(path, raw[1:])

	return KeyPath{Fingerprint: raw[0], Path: path}, nil
}

// Indexes returns the raw [fingerprint, step...] layout.
func (k KeyPath) Indexes() []uint32 {
	out := make([]uint32, 0, len(k.Path)+1)
	out = append(out, k.Fingerprint)
	return append(out, k.Path...)
}

// Equal reports whether two key paths are identical.
func (k KeyPath) Equal(other KeyPath) bool {
	if k.Fingerprint != other.Fingerprint ||
		len(k.Path) != len(other.Path) {

		return false
	}
	for i, step := range k.Path {
		if other.Path[i] != step {
			return false
		}
	}

	return true
}

// IsPrefixOf reports whether this key path's steps form a prefix of (or
// equal) the supplied steps. A stored wallet path may be shallower than a
// signing request's path because the wallet's xpub can sit above the
// address-level subkeys.
func (k KeyPath) IsPrefixOf(full []uint32) bool {
	if len(full) < len(k.Path) {
		return false
	}
	for i, step := range k.Path {
		if full[i] != step {
			return false
		}
	}

	return true
}

// Extend returns a copy of the key path with extra steps appended.
func (k KeyPath) Extend(steps ...uint32) KeyPath {
	path := make([]uint32, 0, len(k.Path)+len(steps))
	path = append(path, k.Path...)
	path = append(path, steps...)

	return KeyPath{Fingerprint: k.Fingerprint, Path: path}
}

// String renders the key path in descriptor key-origin notation, for
// example "[0F056943/48h/0h/0h/2h]".
func (k KeyPath) String() string {
	s := PathString(k.Path)

	return "[" + FingerprintString(k.Fingerprint) +
		strings.TrimPrefix(s, "m") + "]"
}

// PathText renders just the derivation path, "m/48h/0h/0h/2h" style.
func (k KeyPath) PathText() string {
	return PathString(k.Path)
}

// FingerprintString renders a fingerprint as eight upper-case hex chars,
// matching the byte order of serialized extended keys.
func FingerprintString(fp uint32) string {
	return fmt.Sprintf("%08X", fp)
}

// ParseFingerprint parses an eight character hex fingerprint.
func ParseFingerprint(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFingerprint, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFingerprint, s)
	}

	return uint32(v), nil
}

// CleanPath normalizes a textual derivation path: lower-cases it, maps
// the ', p and H hardened markers onto h, and validates the shape. The
// root path "m" is allowed.
func CleanPath(s string) (string, error) {
	p, err := ParsePath(s)
	if err != nil {
		return "", err
	}

	return PathString(p), nil
}

// ParsePath parses a textual derivation path into numeric steps.
func ParsePath(s string) ([]uint32, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("'", "h", "p", "h").Replace(s)

	if s != "m" && !strings.HasPrefix(s, "m/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	if s == "m" || s == "m/" {
		return []uint32{}, nil
	}

	parts := strings.Split(s[2:], "/")
	if len(parts) > MaxDepth {
		return nil, fmt.Errorf("%w: too deep: %q", ErrInvalidPath, s)
	}

	path := make([]uint32, 0, len(parts))
	for _, part := range parts {
		hardened := strings.HasSuffix(part, "h")
		if hardened {
			part = part[:len(part)-1]
		}

		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil || v >= HardenedBit {
			return nil, fmt.Errorf("%w: component %q",
				ErrInvalidPath, part)
		}

		step := uint32(v)
		if hardened {
			step |= HardenedBit
		}
		path = append(path, step)
	}

	return path, nil
}

// PathString renders numeric steps back into the canonical "m/.../Nh"
// form.
func PathString(path []uint32) string {
	return "m" + PathSuffix(path, 0)
}

// PathSuffix renders path steps starting at the given offset, without the
// leading "m". Used when only part of a path is known or verifiable.
func PathSuffix(path []uint32, skip int) string {
	var b strings.Builder
	for _, step := range path[skip:] {
		b.WriteByte('/')
		if step&HardenedBit != 0 {
			b.WriteString(strconv.FormatUint(
				uint64(step&^HardenedBit), 10))
			b.WriteByte('h')
		} else {
			b.WriteString(strconv.FormatUint(uint64(step), 10))
		}
	}

	return b.String()
}

// Hardened reports whether a single path step is hardened.
func Hardened(step uint32) bool {
	return step&HardenedBit != 0
}
