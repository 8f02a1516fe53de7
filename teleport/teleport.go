// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package teleport moves secrets between the co-signers of a shared
// multisig wallet over an untrusted channel. Both ends derive a
// one-time key pair under their wallet leg from the session number, so
// the wallet record itself is the address book: no extra key exchange,
// and only a device holding one of the wallet's master keys can open a
// payload.
package teleport

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/vaultsig/vaultsig/keypath"
	"github.com/vaultsig/vaultsig/mswallet"
	"golang.org/x/crypto/chacha20poly1305"
)

// rxKeyDeriv is the fixed non-hardened subkey index under a co-signer's
// wallet leg where the teleport keys live. The session number is one
// more non-hardened step below it, making each key pair single-use. Any
// co-signer can compute anyone else's public half from the stored xpubs
// alone.
const rxKeyDeriv = 20250317

// nonceMask bounds the session number to 28 bits, keeping its textual
// form short enough to read over the phone.
const nonceMask = 0x0fffffff

var (
	// ErrNoSender is returned when a payload decrypts under none of the
	// sender keys reachable from the stored wallets.
	ErrNoSender = errors.New("no wallet co-signer could have sent this")

	// ErrPeerUnknown is returned when the chosen peer fingerprint is not
	// part of the wallet.
	ErrPeerUnknown = errors.New("peer not in wallet")
)

// sessionKey derives the symmetric key for one (private, public) pair.
func sessionKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	shared := btcec.GenerateSharedSecret(priv, pub)
	key := sha256.Sum256(shared)

	return key[:]
}

// aeadNonce builds the cipher nonce from the session number: zero padded
// with the number in the trailing four bytes.
func aeadNonce(r uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[8:], r)

	return nonce
}

// teleportPriv derives this device's one-time teleport private key for
// session r under the given wallet-leg path.
func teleportPriv(ks mswallet.KeySource, legPath []uint32,
	r uint32) (*btcec.PrivateKey, error) {

	node, err := ks.DerivePath(legPath)
	if err != nil {
		return nil, fmt.Errorf("derive leg: %w", err)
	}
	node, err = node.Derive(rxKeyDeriv)
	if err != nil {
		return nil, fmt.Errorf("derive teleport key: %w", err)
	}
	node, err = node.Derive(r)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return node.ECPrivKey()
}

// teleportPub computes a co-signer's one-time teleport public key for
// session r from their stored xpub.
func teleportPub(xpub string, r uint32) (*btcec.PublicKey, error) {
	node, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("parse cosigner xpub: %w", err)
	}
	node, err = node.Derive(rxKeyDeriv)
	if err != nil {
		return nil, fmt.Errorf("derive teleport key: %w", err)
	}
	node, err = node.Derive(r)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return node.ECPubKey()
}

// Session is one sender-side teleport conversation with a single peer:
// a fresh session number plus the shared symmetric key.
type Session struct {
	// R is the 28-bit session number, sent in clear ahead of each
	// payload and echoed out of band for confirmation.
	R uint32

	key []byte
}

// NewSession opens a sending session toward one co-signer of a shared
// wallet. The session key never leaves memory; the peer recomputes it
// from its own private half.
func NewSession(w *mswallet.Wallet, peerXFP uint32,
	ks mswallet.KeySource) (*Session, error) {

	myKP, ok := w.KeyPathFor(ks.Fingerprint())
	if !ok {
		return nil, fmt.Errorf("own key not in wallet %q", w.Name)
	}
	if peerXFP == ks.Fingerprint() {
		return nil, fmt.Errorf("%w: cannot teleport to self",
			ErrPeerUnknown)
	}

	peerXpub, err := w.XpubForXFP(peerXFP)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnknown,
			keypath.FingerprintString(peerXFP))
	}

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	r := binary.BigEndian.Uint32(buf[:]) & nonceMask

	priv, err := teleportPriv(ks, myKP.Path, r)
	if err != nil {
		return nil, err
	}
	pub, err := teleportPub(peerXpub, r)
	if err != nil {
		return nil, err
	}

	log.Debugf("Teleport session %07x opened toward %s", r,
		keypath.FingerprintString(peerXFP))

	return &Session{R: r, key: sessionKey(priv, pub)}, nil
}

// Key exposes the symmetric session key for callers layering their own
// framing on top.
func (s *Session) Key() []byte {
	return s.key
}

// Seal encrypts one payload: the session number in clear, then the
// sealed body. The number doubles as the cipher nonce, so a session must
// not seal two different bodies.
func (s *Session) Seal(body []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4, 4+len(body)+aead.Overhead())
	binary.BigEndian.PutUint32(out, s.R)

	return aead.Seal(out, aeadNonce(s.R), body, nil), nil
}

// Received is one successfully opened teleport payload.
type Received struct {
	// R is the session number the sender chose.
	R uint32

	// SenderXFP identifies which co-signer's key sealed the payload.
	SenderXFP uint32

	// Wallet is the shared wallet the sender and this device co-sign.
	Wallet *mswallet.Wallet

	// Body is the decrypted payload.
	Body []byte

	// Key is the recovered session key, kept for any reply.
	Key []byte
}

// Receive scans every stored wallet for a co-signer whose teleport key
// opens the payload. The device's own private half is derived once per
// distinct wallet-leg path and cached across wallets; wallets built from
// the same co-signer doc share a leg, so the cache usually holds one
// entry.
func Receive(store *mswallet.Store, ks mswallet.KeySource,
	payload []byte) (*Received, error) {

	if len(payload) < 4+chacha20poly1305.Overhead {
		return nil, errors.New("payload too short")
	}
	r := binary.BigEndian.Uint32(payload[:4])
	ct := payload[4:]
	nonce := aeadNonce(r)

	myXFP := ks.Fingerprint()
	privCache := make(map[string]*btcec.PrivateKey)

	var hit *Received
	err := store.ForEach(mswallet.NoFilter, func(w *mswallet.Wallet) error {
		if hit != nil {
			return nil
		}

		myKP, ok := w.KeyPathFor(myXFP)
		if !ok {
			return nil
		}

		// The session number is fixed for this payload, so the private
		// half only varies with the leg path.
		cacheKey := myKP.PathText()
		priv := privCache[cacheKey]
		if priv == nil {
			var err error
			priv, err = teleportPriv(ks, myKP.Path, r)
			if err != nil {
				return err
			}
			privCache[cacheKey] = priv
		}

		for _, key := range w.Keys {
			if key.XFP == myXFP {
				continue
			}

			pub, err := teleportPub(key.Xpub, r)
			if err != nil {
				// One bad stored leg must not mask a valid
				// sender in another wallet.
				log.Warnf("Wallet %q, cosigner %s: %v", w.Name,
					keypath.FingerprintString(key.XFP), err)
				continue
			}

			sk := sessionKey(priv, pub)
			aead, err := chacha20poly1305.New(sk)
			if err != nil {
				return err
			}
			body, err := aead.Open(nil, nonce, ct, nil)
			if err != nil {
				continue
			}

			hit = &Received{
				R:         r,
				SenderXFP: key.XFP,
				Wallet:    w,
				Body:      body,
				Key:       sk,
			}
			log.Infof("Teleport %07x from %s via wallet %q", r,
				keypath.FingerprintString(key.XFP), w.Name)

			return nil
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	if hit == nil {
		return nil, ErrNoSender
	}

	return hit, nil
}
