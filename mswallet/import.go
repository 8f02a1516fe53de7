// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vaultsig/vaultsig/keypath"
	"github.com/vaultsig/vaultsig/msscript"
)

var (
	// ErrImportFormat is returned for an import file that cannot be
	// understood at all.
	ErrImportFormat = errors.New("bad import file format")

	// ErrXpubCheck is returned when an individual extended key fails
	// validation against its claimed origin.
	ErrXpubCheck = errors.New("xpub check failed")
)

// policyRe pulls M and N out of a policy line, tolerating "2 of 3",
// "2/3" and similar spellings.
var policyRe = regexp.MustCompile(`^(\d+)\D*(\d+)$`)

// xfpLabelRe matches an eight character hex fingerprint label.
var xfpLabelRe = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)

// checkXpub validates one co-signer entry and appends the normalized
// cosigner to out. It returns whether the entry belongs to this device.
//
// Validation follows from what public data can prove: the key must parse
// for the active chain, its depth must agree with the claimed derivation
// path, and when the fingerprint is our own the whole chain is re-derived
// from the master and compared. A zero fingerprint on a depth-1 key is
// recovered from the key's parent fingerprint field.
func (d *Device) checkXpub(out *[]Cosigner, xfp uint32, xpubStr,
	deriv string) (bool, error) {

	node, std, err := parseXpub(xpubStr, d.ChainType)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrXpubCheck, err)
	}

	var path []uint32
	if deriv != "" {
		path, err = keypath.ParsePath(deriv)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrXpubCheck, err)
		}
	} else if node.Depth() == 1 {
		// Old-style files omit the derivation; for a depth-1 key the
		// child number is enough to reconstruct it.
		path = []uint32{node.ChildIndex()}
	}

	if node.Depth() == 1 && xfp == 0 {
		xfp = node.ParentFingerprint()
	}

	if !d.skipChecks {
		if int(node.Depth()) != len(path) {
			return false, fmt.Errorf("%w: depth %d does not match "+
				"derivation %s (xfp=%s)", ErrXpubCheck,
				node.Depth(), keypath.PathString(path),
				keypath.FingerprintString(xfp))
		}
	}

	mine := xfp == d.Keys.Fingerprint()
	if mine && !d.skipChecks {
		derived, err := d.Keys.DerivePath(path)
		if err != nil {
			return false, fmt.Errorf("%w: derive own key: %v",
				ErrXpubCheck, err)
		}
		want, err := derived.ECPubKey()
		if err != nil {
			return false, err
		}
		got, err := node.ECPubKey()
		if err != nil {
			return false, err
		}
		if !want.IsEqual(got) {
			return false, fmt.Errorf("%w: wrong xpub for my "+
				"fingerprint at %s", ErrXpubCheck,
				keypath.PathString(path))
		}
	}

	*out = append(*out, Cosigner{
		XFP:   xfp,
		Deriv: keypath.PathString(path),
		Xpub:  std,
	})

	return mine, nil
}

// importDoc is the result of parsing a simple-text import file before any
// key validation runs.
type importDoc struct {
	name    string
	m, n    int
	addrFmt AddrFmt
	entries []importEntry
}

// importEntry is one co-signer line plus the derivation in effect when it
// appeared.
type importEntry struct {
	xfp   uint32
	xpub  string
	deriv string
}

// parseImportText parses the line-oriented import format:
//
//	Name: Acme Vault
//	Policy: 2 of 3
//	Format: P2WSH
//	Derivation: m/48h/0h/0h/2h
//	0F056943: xpub6F...
//
// A "#" starts a comment unless the next character is a digit, so names
// like "vault#2" survive. A derivation line applies to the key lines that
// follow it, and may change mid-file. A bare xpub line with no label gets
// a placeholder fingerprint of zero.
func parseImportText(text string) (*importDoc, error) {
	doc := &importDoc{}
	var deriv string

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		ln := scanner.Text()

		if pos := strings.IndexByte(ln, '#'); pos >= 0 {
			rest := ln[pos+1:]
			if rest == "" || rest[0] < '0' || rest[0] > '9' {
				ln = ln[:pos]
			}
		}
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}

		label, value, ok := strings.Cut(ln, ":")
		if !ok {
			if strings.Contains(ln, "pub") {
				doc.entries = append(doc.entries, importEntry{
					xpub:  ln,
					deriv: deriv,
				})
			}
			continue
		}
		label = strings.ToLower(strings.TrimSpace(label))
		value = strings.TrimSpace(value)

		switch {
		case label == "name":
			doc.name = value

		case label == "policy":
			mt := policyRe.FindStringSubmatch(value)
			if mt == nil {
				return nil, fmt.Errorf("%w: policy %q",
					ErrImportFormat, value)
			}
			// Regexp already constrains these to digits.
			doc.m, _ = strconv.Atoi(mt[1])
			doc.n, _ = strconv.Atoi(mt[2])

		case label == "format" || label == "addr fmt" ||
			label == "address format":

			af, ok := ParseAddrFmt(value)
			if !ok {
				return nil, fmt.Errorf("%w: format %q",
					ErrImportFormat, value)
			}
			doc.addrFmt = af

		case strings.Contains(label, "derivation"):
			clean, err := keypath.CleanPath(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v",
					ErrImportFormat, err)
			}
			deriv = clean

		case xfpLabelRe.MatchString(label):
			xfp, err := keypath.ParseFingerprint(label)
			if err != nil {
				return nil, err
			}
			doc.entries = append(doc.entries, importEntry{
				xfp:   xfp,
				xpub:  value,
				deriv: deriv,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImportFormat, err)
	}

	if len(doc.entries) == 0 {
		return nil, fmt.Errorf("%w: no extended keys found",
			ErrImportFormat)
	}

	return doc, nil
}

// FromText builds an unsaved wallet from an import file. Descriptor
// strings are detected and routed to the descriptor parser; everything
// else goes through the simple-text format.
//
// Defaults when the file is silent: N is the key count, M equals N, the
// name is "M-of-N" and the format is classic P2SH. Exactly one key must
// belong to this device. The caller still runs HasSimilar and Commit.
func (d *Device) FromText(text string) (*Wallet, error) {
	trimmed := strings.TrimSpace(text)
	if looksLikeDescriptor(trimmed) {
		return d.FromDescriptor(trimmed)
	}

	doc, err := parseImportText(text)
	if err != nil {
		return nil, err
	}

	if doc.n == 0 {
		doc.n = len(doc.entries)
	}
	if doc.m == 0 {
		doc.m = doc.n
	}
	if doc.n != len(doc.entries) {
		return nil, fmt.Errorf("%w: policy says %d keys, found %d",
			ErrImportFormat, doc.n, len(doc.entries))
	}
	if doc.m < 1 || doc.m > doc.n || doc.n > msscript.MaxSigners {
		return nil, fmt.Errorf("%w: %d of %d", ErrWalletParams,
			doc.m, doc.n)
	}
	if doc.addrFmt == FmtUnknown {
		doc.addrFmt = FmtP2SH
	}
	if doc.name == "" {
		doc.name = fmt.Sprintf("%d-of-%d", doc.m, doc.n)
	}

	var keys []Cosigner
	hasMine := 0
	for _, e := range doc.entries {
		mine, err := d.checkXpub(&keys, e.xfp, e.xpub, e.deriv)
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

	w, err := NewWallet(doc.name, doc.m, doc.n, keys, doc.addrFmt,
		d.ChainType, true)
	if err != nil {
		return nil, err
	}

	log.Infof("Parsed import %q: %s %v, %d keys", w.Name, w.Policy(),
		w.AddrFmt, w.N)

	return w, nil
}

// looksLikeDescriptor reports whether an import blob is an output
// descriptor rather than the line format.
func looksLikeDescriptor(s string) bool {
	for _, prefix := range []string{"wsh(", "sh(", "multi(",
		"sortedmulti("} {

		if strings.HasPrefix(s, prefix) {
			return true
		}
	}

	return false
}
