// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mswallet

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// KeySource is the device's own secret-key capability: the only part of
// the system allowed to touch private material. Everything else in this
// package works from public data.
type KeySource interface {
	// Fingerprint returns the master key fingerprint.
	Fingerprint() uint32

	// DerivePath derives the node at the given path from the master.
	// Hardened steps are allowed.
	DerivePath(path []uint32) (*hdkeychain.ExtendedKey, error)
}

// MasterKeySource implements KeySource over an in-memory master extended
// private key.
type MasterKeySource struct {
	root *hdkeychain.ExtendedKey
	xfp  uint32
}

// NewMasterKeySource wraps a master key, precomputing its fingerprint.
func NewMasterKeySource(root *hdkeychain.ExtendedKey) (*MasterKeySource,
	error) {

	pub, err := root.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("master pubkey: %w", err)
	}
	h := btcutil.Hash160(pub.SerializeCompressed())

	return &MasterKeySource{
		root: root,
		xfp:  binary.BigEndian.Uint32(h[:4]),
	}, nil
}

// Fingerprint returns the master key fingerprint.
func (m *MasterKeySource) Fingerprint() uint32 {
	return m.xfp
}

// DerivePath walks the master key along the path.
func (m *MasterKeySource) DerivePath(path []uint32) (*hdkeychain.ExtendedKey,
	error) {

	node := m.root
	for _, step := range path {
		var err error
		node, err = node.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive step %d: %w", step, err)
		}
	}

	return node, nil
}

// Device binds the pieces one signing device runs with: its settings,
// its wallet records, its key source and its chain. The engine is
// single-task cooperative; nothing here locks.
type Device struct {
	// Wallets is the persisted record collection.
	Wallets *Store

	// Keys is the device's own key capability.
	Keys KeySource

	// ChainType is the active network id.
	ChainType string

	// skipChecks is the session-scoped, user-acknowledged "skip
	// verification" flag. It resets every power cycle by virtue of
	// living only here; it is never persisted.
	skipChecks bool
}

// NewDevice assembles a device context. The chain type comes from the
// settings when present.
func NewDevice(store *Store, keys KeySource) *Device {
	chainType := "BTC"
	var stored string
	if ok, _ := store.Settings().Get("chain", &stored); ok {
		chainType = stored
	}

	return &Device{
		Wallets:   store,
		Keys:      keys,
		ChainType: chainType,
	}
}

// SetSkipChecks flips the session-scoped skip-checks mode. The caller is
// responsible for having shown the explicit danger acknowledgement.
func (d *Device) SetSkipChecks(enabled bool) {
	if enabled {
		log.Warnf("Signature verification checks DISABLED for this " +
			"session")
	}
	d.skipChecks = enabled
}

// SkipChecks reports the session-scoped skip-checks mode.
func (d *Device) SkipChecks() bool {
	return d.skipChecks
}
