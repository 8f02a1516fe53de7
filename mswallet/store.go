// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/vaultsig/vaultsig/devstore"
	"github.com/vaultsig/vaultsig/keypath"
)

// walletsKey is the settings key holding the persisted record list.
const walletsKey = "multisig"

var (
	// ErrNotCommitted is returned by Delete for a wallet that was never
	// committed or was already deleted.
	ErrNotCommitted = errors.New("wallet not committed")

	// ErrStoreConsistency is returned when a wallet's cached storage
	// index no longer matches the persisted list, meaning the list was
	// mutated between lookup and the current operation.
	ErrStoreConsistency = errors.New("wallet store consistency")
)

// Store is the persisted collection of wallet records, backed by one
// ordered list in the device settings. It is accessed from a single
// foreground task; Commit is the only transactional mutation.
type Store struct {
	settings *devstore.Store
}

// NewStore wraps a settings store.
func NewStore(settings *devstore.Store) *Store {
	return &Store{settings: settings}
}

// Settings exposes the underlying settings store for policy knobs.
func (st *Store) Settings() *devstore.Store {
	return st.settings
}

// rawList returns the serialized record list, or nil when none exist.
func (st *Store) rawList() ([]json.RawMessage, error) {
	var list []json.RawMessage
	ok, err := st.settings.Get(walletsKey, &list)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if !ok {
		return nil, nil
	}

	return list, nil
}

// Exists reports whether any wallets are defined.
func (st *Store) Exists() bool {
	list, err := st.rawList()
	return err == nil && len(list) > 0
}

// Count returns the number of persisted wallets.
func (st *Store) Count() int {
	list, _ := st.rawList()
	return len(list)
}

// IterFilter narrows ForEach to records matching M and/or N, a specific
// address format, or excluding one storage index. Zero values mean "any"
// (ExcludeIdx uses -1).
type IterFilter struct {
	M, N       int
	ExcludeIdx int
	AddrFmt    AddrFmt
}

// NoFilter matches every record.
var NoFilter = IterFilter{ExcludeIdx: -1}

// ForEach decodes records lazily in storage order and calls fn for each
// one passing the filter. M/N and the address format are peeked from the
// raw record before paying for a full decode. This is the only place
// the persisted list is scanned.
func (st *Store) ForEach(filter IterFilter, visit func(*Wallet) error) error {
	list, err := st.rawList()
	if err != nil {
		return err
	}

	for idx, raw := range list {
		if idx == filter.ExcludeIdx && filter.ExcludeIdx >= 0 {
			continue
		}

		if filter.M != 0 || filter.N != 0 || filter.AddrFmt != FmtUnknown {
			m, n, af, err := peekRecord(raw)
			if err != nil {
				return err
			}
			if filter.M != 0 && m != filter.M {
				continue
			}
			if filter.N != 0 && n != filter.N {
				continue
			}
			if filter.AddrFmt != FmtUnknown && af != filter.AddrFmt {
				continue
			}
		}

		w, err := DeserializeWallet(raw, idx)
		if err != nil {
			return err
		}
		if err := visit(w); err != nil {
			return err
		}
	}

	return nil
}

// peekRecord reads only the M/N tuple and address format option from a
// raw record.
func peekRecord(raw json.RawMessage) (int, int, AddrFmt, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) < 4 {
		return 0, 0, 0, fmt.Errorf("%w: record shape",
			ErrCorruptRecord)
	}

	var mn []int
	if err := json.Unmarshal(elems[1], &mn); err != nil || len(mn) != 2 {
		return 0, 0, 0, fmt.Errorf("%w: M/N tuple", ErrCorruptRecord)
	}

	var opts recordOpts
	if err := json.Unmarshal(elems[3], &opts); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: options", ErrCorruptRecord)
	}
	af := opts.Fmt
	if af == FmtUnknown {
		af = FmtP2SH
	}

	return mn[0], mn[1], af, nil
}

// Wallets returns every record, decoded, in storage order.
func (st *Store) Wallets() ([]*Wallet, error) {
	var out []*Wallet
	err := st.ForEach(NoFilter, func(w *Wallet) error {
		out = append(out, w)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// GetByIdx returns the record at a storage index, or nil when out of
// range.
func (st *Store) GetByIdx(idx int) (*Wallet, error) {
	list, err := st.rawList()
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(list) {
		return nil, nil
	}

	return DeserializeWallet(list[idx], idx)
}

// FindMatch returns the first record whose fingerprint/path-prefix set
// exactly equals the supplied unordered set, with matching M and N, or
// nil when none does.
func (st *Store) FindMatch(m, n int, xfpPaths []keypath.KeyPath,
	addrFmt AddrFmt) (*Wallet, error) {

	var found *Wallet
	filter := IterFilter{M: m, N: n, ExcludeIdx: -1, AddrFmt: addrFmt}
	err := st.ForEach(filter, func(w *Wallet) error {
		if found == nil && w.MatchingSubpaths(xfpPaths) {
			found = w
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return found, nil
}

// FindCandidates returns all records matching the fingerprint/path set
// regardless of M (optionally pinned with m != 0). Used before the
// script, hence M, is known.
func (st *Store) FindCandidates(xfpPaths []keypath.KeyPath,
	addrFmt AddrFmt, m int) ([]*Wallet, error) {

	var out []*Wallet
	filter := IterFilter{M: m, ExcludeIdx: -1, AddrFmt: addrFmt}
	err := st.ForEach(filter, func(w *Wallet) error {
		if w.MatchingSubpaths(xfpPaths) {
			out = append(out, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// QuickCheck is the O(1)-ish existence probe: does any wallet with this
// M/N have a fingerprint set XOR-ing to xfpXor? Collisions across
// distinct co-signer sets are possible, so this is a pre-filter only,
// never sole verification.
func (st *Store) QuickCheck(m, n int, xfpXor uint32) (bool, error) {
	found := false
	err := st.ForEach(IterFilter{M: m, N: n, ExcludeIdx: -1},
		func(w *Wallet) error {
			var x uint32
			for _, key := range w.Keys {
				x ^= key.XFP
			}
			if x == xfpXor {
				found = true
			}
			return nil
		})

	return found, err
}

// Commit persists the wallet: appends it (assigning StorageIdx) when
// new, otherwise overwrites in place. On a persistence failure the
// in-memory list rolls back to its pre-commit snapshot and that snapshot
// is re-persisted, so the store is never left partially written; the
// caller sees devstore.ErrStorageFull and must treat it as "nothing
// changed".
func (st *Store) Commit(w *Wallet) error {
	record, err := w.Serialize()
	if err != nil {
		return fmt.Errorf("serialize wallet: %w", err)
	}

	list, err := st.rawList()
	if err != nil {
		return err
	}
	snapshot := st.settings.Raw(walletsKey)

	wasNew := w.StorageIdx == -1
	if wasNew {
		w.StorageIdx = len(list)
		list = append(list, record)
	} else {
		if w.StorageIdx < 0 || w.StorageIdx >= len(list) {
			return fmt.Errorf("%w: index %d", ErrStoreConsistency,
				w.StorageIdx)
		}
		list[w.StorageIdx] = record
	}

	if err := st.settings.Set(walletsKey, list); err != nil {
		return err
	}

	if err := st.settings.Save(); err != nil {
		// Back out the change so the persisted state stays exactly
		// what it was, then re-persist that snapshot in case the
		// save got as far as touching the database.
		if snapshot == nil {
			st.settings.RemoveKey(walletsKey)
		} else {
			st.settings.SetRaw(walletsKey, snapshot)
		}
		if rbErr := st.settings.Save(); rbErr != nil {
			log.Errorf("Rollback save failed: %v", rbErr)
		}
		if wasNew {
			w.StorageIdx = -1
		}

		log.Warnf("Commit of wallet %q failed: %v", w.Name, err)

		return fmt.Errorf("commit wallet: %w", err)
	}

	log.Infof("Committed wallet %q at index %d", w.Name, w.StorageIdx)

	return nil
}

// Delete removes a committed wallet. The record is re-scanned first to
// confirm it is unchanged at its cached index, defending against list
// mutation between lookup and delete. On success the wallet's
// StorageIdx resets to -1.
func (st *Store) Delete(w *Wallet) error {
	if w.StorageIdx < 0 {
		return ErrNotCommitted
	}

	list, err := st.rawList()
	if err != nil {
		return err
	}
	if w.StorageIdx >= len(list) {
		return fmt.Errorf("%w: index %d beyond list",
			ErrStoreConsistency, w.StorageIdx)
	}

	record, err := w.Serialize()
	if err != nil {
		return fmt.Errorf("serialize wallet: %w", err)
	}
	if !bytes.Equal(record, list[w.StorageIdx]) {
		return fmt.Errorf("%w: record changed at index %d",
			ErrStoreConsistency, w.StorageIdx)
	}

	list = append(list[:w.StorageIdx], list[w.StorageIdx+1:]...)
	if len(list) == 0 {
		st.settings.RemoveKey(walletsKey)
	} else {
		if err := st.settings.Set(walletsKey, list); err != nil {
			return err
		}
	}
	if err := st.settings.Save(); err != nil {
		return fmt.Errorf("delete wallet: %w", err)
	}

	log.Infof("Deleted wallet %q from index %d", w.Name, w.StorageIdx)
	w.StorageIdx = -1

	return nil
}

// HasSimilar classifies an incoming definition against the existing
// records before import. It returns:
//
//   - nameChange: an existing record identical in everything but name
//     (offer a rename instead of a new import), or nil;
//   - reasons: difference descriptions. For an exact-key conflict the
//     import must be rejected; a sorted and an unsorted wallet over the
//     same key set collide rather than coexist;
//   - similar: the number of records sharing the fingerprint/path set.
func (st *Store) HasSimilar(w *Wallet) (*Wallet, []string, int, error) {
	paths := w.XFPPaths()

	match, err := st.FindMatch(w.M, w.N, paths, w.AddrFmt)
	if err != nil {
		return nil, nil, 0, err
	}
	if match != nil {
		switch {
		case !w.sameKeys(match):
			// Same M/N, paths and format but different xpub
			// set/content: refuse, something is off.
			return nil, []string{"xpubs"}, 0, nil

		case w.Sorted != match.Sorted:
			// multi(2,A,B) and sortedmulti(2,A,B) over the same
			// keys are one wallet as far as the device is
			// concerned; importing the second is a collision.
			return nil, []string{"BIP-67 clash"}, 1, nil

		case w.Name == match.Name:
			return nil, nil, 1, nil

		default:
			return match, []string{"name"}, 0, nil
		}
	}

	similar, err := st.FindCandidates(paths, FmtUnknown, 0)
	if err != nil {
		return nil, nil, 0, err
	}
	if len(similar) == 0 {
		return nil, nil, 0, nil
	}

	diffs := fn.NewSet[string]()
	for _, c := range similar {
		if c.M != w.M {
			diffs.Add("M differs")
		}
		if c.AddrFmt != w.AddrFmt {
			diffs.Add("address type")
		}
		if c.Name != w.Name {
			diffs.Add("name")
		}
		if !c.sameKeyOrder(w) {
			diffs.Add("xpubs")
		}
	}

	return nil, diffs.ToSlice(), len(similar), nil
}
