// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vaultsig/vaultsig/keypath"
	"github.com/vaultsig/vaultsig/msscript"
)

// ErrDescriptor is returned for an output descriptor that cannot be
// parsed or fails its checksum.
var ErrDescriptor = errors.New("invalid descriptor")

// descInputCharset is the set of characters a descriptor body may
// contain, in checksum symbol order.
const descInputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
	"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
	"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

// descChecksumCharset encodes checksum symbols, same alphabet as bech32.
const descChecksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// descPolymod is the BCH checksum core over 5-bit symbols.
func descPolymod(symbols []int) uint64 {
	gen := []uint64{
		0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d,
		0x3706b1677a, 0x644d626ffd,
	}

	c := uint64(1)
	for _, sym := range symbols {
		c0 := c >> 35
		c = ((c & 0x7ffffffff) << 5) ^ uint64(sym)
		for i := 0; i < 5; i++ {
			if (c0>>uint(i))&1 != 0 {
				c ^= gen[i]
			}
		}
	}

	return c
}

// descExpand maps a descriptor body onto checksum symbols: the low five
// bits of each character's charset position directly, the high bits in
// groups of three.
func descExpand(s string) ([]int, error) {
	var symbols []int
	var groups []int
	for _, ch := range s {
		pos := strings.IndexRune(descInputCharset, ch)
		if pos < 0 {
			return nil, fmt.Errorf("%w: character %q", ErrDescriptor,
				ch)
		}
		symbols = append(symbols, pos&31)
		groups = append(groups, pos>>5)
		if len(groups) == 3 {
			symbols = append(symbols,
				groups[0]*9+groups[1]*3+groups[2])
			groups = groups[:0]
		}
	}
	switch len(groups) {
	case 1:
		symbols = append(symbols, groups[0])
	case 2:
		symbols = append(symbols, groups[0]*3+groups[1])
	}

	return symbols, nil
}

// DescriptorChecksum computes the eight character checksum for a
// descriptor body (without "#").
func DescriptorChecksum(body string) (string, error) {
	symbols, err := descExpand(body)
	if err != nil {
		return "", err
	}
	symbols = append(symbols, 0, 0, 0, 0, 0, 0, 0, 0)

	chk := descPolymod(symbols) ^ 1
	out := make([]byte, 8)
	for i := range out {
		out[i] = descChecksumCharset[(chk>>uint(5*(7-i)))&31]
	}

	return string(out), nil
}

// splitChecksum separates a descriptor into body and checksum, verifying
// the checksum when present. A missing checksum is accepted on input.
func splitChecksum(desc string) (string, error) {
	body, chk, found := strings.Cut(desc, "#")
	if !found {
		return body, nil
	}

	want, err := DescriptorChecksum(body)
	if err != nil {
		return "", err
	}
	if chk != want {
		return "", fmt.Errorf("%w: checksum mismatch (want %s)",
			ErrDescriptor, want)
	}

	return body, nil
}

// descKey is one parsed key expression: mandatory origin, the extended
// key, and whatever unhardened subkey suffix followed it.
type descKey struct {
	origin keypath.KeyPath
	xpub   string
}

// parsedDescriptor is the structural decomposition of a multisig
// descriptor, before any key validation.
type parsedDescriptor struct {
	addrFmt AddrFmt
	m       int
	sorted  bool
	keys    []descKey
}

// parseDescriptor decomposes a multisig output descriptor. Script
// wrapping selects the address format; both multi() and sortedmulti()
// inner functions are understood. Subkey suffixes like /0/* or the
// receive/change pair /<0;1>/* are tolerated and ignored; the wallet
// derives those at address time.
func parseDescriptor(desc string) (*parsedDescriptor, error) {
	body, err := splitChecksum(strings.TrimSpace(desc))
	if err != nil {
		return nil, err
	}

	out := &parsedDescriptor{}
	inner := body
	switch {
	case strings.HasPrefix(inner, "sh(wsh(") &&
		strings.HasSuffix(inner, "))"):

		out.addrFmt = FmtP2WSHP2SH
		inner = inner[len("sh(wsh(") : len(inner)-2]

	case strings.HasPrefix(inner, "wsh(") && strings.HasSuffix(inner, ")"):
		out.addrFmt = FmtP2WSH
		inner = inner[len("wsh(") : len(inner)-1]

	case strings.HasPrefix(inner, "sh(") && strings.HasSuffix(inner, ")"):
		out.addrFmt = FmtP2SH
		inner = inner[len("sh(") : len(inner)-1]

	default:
		return nil, fmt.Errorf("%w: no script wrapper", ErrDescriptor)
	}

	switch {
	case strings.HasPrefix(inner, "sortedmulti(") &&
		strings.HasSuffix(inner, ")"):

		out.sorted = true
		inner = inner[len("sortedmulti(") : len(inner)-1]

	case strings.HasPrefix(inner, "multi(") && strings.HasSuffix(inner, ")"):
		out.sorted = false
		inner = inner[len("multi(") : len(inner)-1]

	default:
		return nil, fmt.Errorf("%w: not a multisig descriptor",
			ErrDescriptor)
	}

	parts := strings.Split(inner, ",")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: too few arguments", ErrDescriptor)
	}
	out.m, err = strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: threshold %q", ErrDescriptor,
			parts[0])
	}

	for _, part := range parts[1:] {
		key, err := parseDescKey(part)
		if err != nil {
			return nil, err
		}
		out.keys = append(out.keys, key)
	}

	return out, nil
}

// parseDescKey parses one "[xfp/path]xpub/suffix" key expression. The
// origin is mandatory; a multisig co-signer without provenance cannot be
// verified later.
func parseDescKey(s string) (descKey, error) {
	if !strings.HasPrefix(s, "[") {
		return descKey{}, fmt.Errorf("%w: key origin required in %q",
			ErrDescriptor, s)
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return descKey{}, fmt.Errorf("%w: unterminated origin",
			ErrDescriptor)
	}

	origin := s[1:end]
	fpText, pathText, _ := strings.Cut(origin, "/")
	fp, err := keypath.ParseFingerprint(fpText)
	if err != nil {
		return descKey{}, err
	}
	path := "m"
	if pathText != "" {
		path = "m/" + pathText
	}
	kp, err := keypath.New(fp, path)
	if err != nil {
		return descKey{}, err
	}

	rest := s[end+1:]
	xpub := rest
	if cut := strings.IndexByte(rest, '/'); cut >= 0 {
		xpub = rest[:cut]
		if err := checkSubkeySuffix(rest[cut:]); err != nil {
			return descKey{}, err
		}
	}

	return descKey{origin: kp, xpub: xpub}, nil
}

// checkSubkeySuffix validates the trailing subkey pattern of a key
// expression. Only unhardened steps, a multipath <0;1> element and a
// final wildcard are allowed.
func checkSubkeySuffix(suffix string) error {
	for _, part := range strings.Split(strings.TrimPrefix(suffix, "/"),
		"/") {

		switch {
		case part == "*":
			continue
		case strings.HasPrefix(part, "<") && strings.HasSuffix(part, ">"):
			continue
		}
		if _, err := strconv.ParseUint(part, 10, 31); err != nil {
			return fmt.Errorf("%w: subkey path %q", ErrDescriptor,
				part)
		}
	}

	return nil
}

// FromDescriptor builds an unsaved wallet from an output descriptor.
// Fixed-order multi() descriptors need the explicit unsorted opt-in.
func (d *Device) FromDescriptor(desc string) (*Wallet, error) {
	parsed, err := parseDescriptor(desc)
	if err != nil {
		return nil, err
	}

	n := len(parsed.keys)
	if parsed.m < 1 || parsed.m > n || n > msscript.MaxSigners {
		return nil, fmt.Errorf("%w: %d of %d", ErrWalletParams,
			parsed.m, n)
	}
	if !parsed.sorted && !d.Wallets.UnsortedAllowed() {
		return nil, ErrUnsortedNotAllowed
	}

	var keys []Cosigner
	hasMine := 0
	for _, dk := range parsed.keys {
		mine, err := d.checkXpub(&keys, dk.origin.Fingerprint, dk.xpub,
			dk.origin.PathText())
		if err != nil {
			return nil, err
		}
		if mine {
			hasMine++
		}
	}
	if hasMine != 1 {
		return nil, fmt.Errorf("%w: found %d", ErrOwnKeyMissing,
			hasMine)
	}

	name := fmt.Sprintf("%d-of-%d", parsed.m, n)
	w, err := NewWallet(name, parsed.m, n, keys, parsed.addrFmt,
		d.ChainType, parsed.sorted)
	if err != nil {
		return nil, err
	}

	log.Infof("Parsed descriptor import %q: %s %v", w.Name, w.Policy(),
		w.AddrFmt)

	return w, nil
}

// Descriptor renders the wallet as a checksummed output descriptor. The
// subkey suffix uses the receive/change multipath element so one string
// covers both address chains.
func (w *Wallet) Descriptor() (string, error) {
	inner := "sortedmulti("
	if !w.Sorted {
		inner = "multi("
	}

	var b strings.Builder
	switch w.AddrFmt {
	case FmtP2WSHP2SH:
		b.WriteString("sh(wsh(")
	case FmtP2WSH:
		b.WriteString("wsh(")
	default:
		b.WriteString("sh(")
	}
	b.WriteString(inner)
	b.WriteString(strconv.Itoa(w.M))

	for _, key := range w.Keys {
		b.WriteByte(',')
		b.WriteByte('[')
		b.WriteString(keypath.FingerprintString(key.XFP))
		b.WriteString(strings.TrimPrefix(key.Deriv, "m"))
		b.WriteByte(']')
		b.WriteString(key.Xpub)
		b.WriteString("/<0;1>/*")
	}

	b.WriteByte(')')
	switch w.AddrFmt {
	case FmtP2WSHP2SH:
		b.WriteString("))")
	default:
		b.WriteByte(')')
	}

	body := b.String()
	chk, err := DescriptorChecksum(body)
	if err != nil {
		return "", err
	}

	return body + "#" + chk, nil
}

// PrettyDescriptor renders the descriptor one key per line for human
// review. No checksum: the pretty form is for eyes, not for parsers.
func (w *Wallet) PrettyDescriptor() (string, error) {
	full, err := w.Descriptor()
	if err != nil {
		return "", err
	}
	body, _, _ := strings.Cut(full, "#")

	var b strings.Builder
	depth := 0
	for _, ch := range body {
		b.WriteRune(ch)
		switch ch {
		case '(':
			depth++
		case ',':
			b.WriteByte('\n')
			b.WriteString(strings.Repeat("  ", depth))
		}
	}

	return b.String(), nil
}

// coreImport is one element of a Bitcoin Core importdescriptors request.
type coreImport struct {
	Desc      string `json:"desc"`
	Active    bool   `json:"active"`
	Internal  bool   `json:"internal"`
	Timestamp string `json:"timestamp"`
	Range     [2]int `json:"range"`
}

// CoreImportJSON renders the importdescriptors argument for Bitcoin
// Core: a receive and a change descriptor, each with its own checksum,
// watching the first addressRange subkeys.
func (w *Wallet) CoreImportJSON(addressRange int) ([]byte, error) {
	full, err := w.Descriptor()
	if err != nil {
		return nil, err
	}
	body, _, _ := strings.Cut(full, "#")

	imports := make([]coreImport, 0, 2)
	for chain := 0; chain <= 1; chain++ {
		d := strings.Replace(body, "/<0;1>/*",
			fmt.Sprintf("/%d/*", chain), -1)
		chk, err := DescriptorChecksum(d)
		if err != nil {
			return nil, err
		}
		imports = append(imports, coreImport{
			Desc:      d + "#" + chk,
			Active:    true,
			Internal:  chain == 1,
			Timestamp: "now",
			Range:     [2]int{0, addressRange},
		})
	}

	return json.MarshalIndent(imports, "", "  ")
}
