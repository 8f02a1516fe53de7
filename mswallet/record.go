// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vaultsig/vaultsig/keypath"
)

// recordEncoding tags the historical on-disk record shapes. Decoding is
// concentrated in decodeRecord rather than scattered through read paths.
type recordEncoding uint8

const (
	// encodingLegacy is the oldest shape: a 4-element record whose key
	// entries are (fingerprint, xpub) pairs sharing one derivation path
	// carried in options ("pp"), possibly absent entirely.
	encodingLegacy recordEncoding = iota

	// encodingCompressed is the current shape: 4-element record, key
	// entries are (fingerprint, pathIndex, xpub) triples referencing the
	// distinct path list in options ("d"), or pairs with "pp" when all
	// legs share one path (kept identical to the legacy layout so older
	// firmware can still read it).
	encodingCompressed

	// encodingCompressedUnsorted adds a trailing 5th element of 0 to
	// mark sortedPolicy=false. Firmware unaware of the 5th element
	// treats any such record as sorted, a deliberate trade-off: the
	// record is unusable rather than silently re-ordered.
	encodingCompressedUnsorted
)

// recordOpts is the options object inside a serialized record. Field
// order matters for byte-stable output.
type recordOpts struct {
	Chain string   `json:"ch,omitempty"`
	Paths []string `json:"d,omitempty"`
	Fmt   AddrFmt  `json:"ft,omitempty"`
	Pp    string   `json:"pp,omitempty"`
}

// Serialize produces the compact persisted tuple:
//
//	[name, [M, N], keyEntries, options (, 0 when unsorted)]
//
// When all N keys share one derivation path it is stored once under
// options "pp" and key entries shrink to (fingerprint, xpub) pairs,
// preserving the firmware downgrade path. Otherwise the distinct path
// list goes under "d" and entries reference it by index.
func (w *Wallet) Serialize() (json.RawMessage, error) {
	seen := make(map[string]struct{})
	var paths []string
	for _, key := range w.Keys {
		if _, ok := seen[key.Deriv]; !ok {
			seen[key.Deriv] = struct{}{}
			paths = append(paths, key.Deriv)
		}
	}
	sort.Strings(paths)

	opts := recordOpts{}
	if w.AddrFmt != FmtP2SH {
		opts.Fmt = w.AddrFmt
	}
	if w.ChainType != "BTC" {
		opts.Chain = w.ChainType
	}

	var entries []interface{}
	if len(paths) == 1 {
		opts.Pp = paths[0]
		for _, key := range w.Keys {
			entries = append(entries,
				[]interface{}{key.XFP, key.Xpub})
		}
	} else {
		opts.Paths = paths
		idx := make(map[string]int, len(paths))
		for i, p := range paths {
			idx[p] = i
		}
		for _, key := range w.Keys {
			entries = append(entries,
				[]interface{}{key.XFP, idx[key.Deriv], key.Xpub})
		}
	}

	record := []interface{}{w.Name, []int{w.M, w.N}, entries, opts}
	if !w.Sorted {
		record = append(record, 0)
	}

	return json.Marshal(record)
}

// detectEncoding classifies a raw record without fully decoding it.
func detectEncoding(elems []json.RawMessage,
	keys [][]json.RawMessage) (recordEncoding, error) {

	switch {
	case len(elems) == 5:
		return encodingCompressedUnsorted, nil
	case len(elems) != 4:
		return 0, fmt.Errorf("%w: %d elements", ErrCorruptRecord,
			len(elems))
	}

	if len(keys) == 0 {
		return 0, fmt.Errorf("%w: no keys", ErrCorruptRecord)
	}
	if len(keys[0]) == 2 {
		return encodingLegacy, nil
	}

	return encodingCompressed, nil
}

// DeserializeWallet is the single migration point for every historical
// record shape. idx is the record's position in the persisted list.
// Malformed shapes fail with ErrCorruptRecord.
func DeserializeWallet(raw json.RawMessage, idx int) (*Wallet, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if len(elems) < 4 || len(elems) > 5 {
		return nil, fmt.Errorf("%w: %d elements", ErrCorruptRecord,
			len(elems))
	}

	var name string
	if err := json.Unmarshal(elems[0], &name); err != nil {
		return nil, fmt.Errorf("%w: name: %v", ErrCorruptRecord, err)
	}

	var mn []int
	if err := json.Unmarshal(elems[1], &mn); err != nil || len(mn) != 2 {
		return nil, fmt.Errorf("%w: M/N tuple", ErrCorruptRecord)
	}

	var rawKeys []json.RawMessage
	if err := json.Unmarshal(elems[2], &rawKeys); err != nil {
		return nil, fmt.Errorf("%w: key list: %v", ErrCorruptRecord,
			err)
	}

	keys := make([][]json.RawMessage, 0, len(rawKeys))
	for _, rk := range rawKeys {
		var entry []json.RawMessage
		if err := json.Unmarshal(rk, &entry); err != nil {
			return nil, fmt.Errorf("%w: key entry: %v",
				ErrCorruptRecord, err)
		}
		keys = append(keys, entry)
	}

	var opts recordOpts
	if err := json.Unmarshal(elems[3], &opts); err != nil {
		return nil, fmt.Errorf("%w: options: %v", ErrCorruptRecord,
			err)
	}

	encoding, err := detectEncoding(elems, keys)
	if err != nil {
		return nil, err
	}

	sorted := true
	if encoding == encodingCompressedUnsorted {
		var marker int
		if err := json.Unmarshal(elems[4], &marker); err != nil {
			return nil, fmt.Errorf("%w: sorted marker: %v",
				ErrCorruptRecord, err)
		}
		sorted = marker != 0
	}

	cosigners, err := decodeKeyEntries(keys, opts)
	if err != nil {
		return nil, err
	}

	if encoding == encodingLegacy && opts.Pp == "" {
		// Pre-derivation records carry no path at all; we fell back
		// to the root above, which modern imports never produce.
		log.Warnf("Record %d: legacy shape with no derivation", idx)
	}

	addrFmt := opts.Fmt
	if addrFmt == FmtUnknown {
		addrFmt = FmtP2SH
	}
	chain := opts.Chain
	if chain == "" {
		chain = "BTC"
	}

	w, err := NewWallet(name, mn[0], mn[1], cosigners, addrFmt, chain,
		sorted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	w.StorageIdx = idx

	return w, nil
}

// decodeKeyEntries expands the per-encoding key entry layouts into
// cosigner tuples.
func decodeKeyEntries(keys [][]json.RawMessage,
	opts recordOpts) ([]Cosigner, error) {

	legacyShape := len(keys) > 0 && len(keys[0]) == 2

	out := make([]Cosigner, 0, len(keys))
	for _, entry := range keys {
		var key Cosigner

		switch {
		case legacyShape && len(entry) == 2:
			// Promote from the old format: assume the shared
			// prefix is the derivation for every leg, falling
			// back to the root when absent.
			if err := unmarshalPair(entry, &key.XFP,
				&key.Xpub); err != nil {

				return nil, err
			}

			deriv := opts.Pp
			if deriv == "" {
				deriv = "m"
			}
			key.Deriv = normalizeStoredPath(deriv)

		case !legacyShape && len(entry) == 3:
			var pathIdx int
			if err := json.Unmarshal(entry[0], &key.XFP); err != nil {
				return nil, fmt.Errorf("%w: key xfp: %v",
					ErrCorruptRecord, err)
			}
			if err := json.Unmarshal(entry[1], &pathIdx); err != nil {
				return nil, fmt.Errorf("%w: path index: %v",
					ErrCorruptRecord, err)
			}
			if err := json.Unmarshal(entry[2], &key.Xpub); err != nil {
				return nil, fmt.Errorf("%w: key xpub: %v",
					ErrCorruptRecord, err)
			}
			if pathIdx < 0 || pathIdx >= len(opts.Paths) {
				return nil, fmt.Errorf("%w: path index %d out "+
					"of range", ErrCorruptRecord, pathIdx)
			}
			key.Deriv = normalizeStoredPath(opts.Paths[pathIdx])

		default:
			return nil, fmt.Errorf("%w: mixed key entry shapes",
				ErrCorruptRecord)
		}

		out = append(out, key)
	}

	return out, nil
}

// unmarshalPair decodes a legacy (fingerprint, xpub) entry.
func unmarshalPair(entry []json.RawMessage, xfp *uint32,
	xpub *string) error {

	if err := json.Unmarshal(entry[0], xfp); err != nil {
		return fmt.Errorf("%w: key xfp: %v", ErrCorruptRecord, err)
	}
	if err := json.Unmarshal(entry[1], xpub); err != nil {
		return fmt.Errorf("%w: key xpub: %v", ErrCorruptRecord, err)
	}

	return nil
}

// normalizeStoredPath maps historical apostrophe hardened markers onto
// the canonical h form, tolerating records written by older firmware.
func normalizeStoredPath(p string) string {
	p = strings.ReplaceAll(p, "'", "h")
	if clean, err := keypath.CleanPath(p); err == nil {
		return clean
	}

	return p
}
