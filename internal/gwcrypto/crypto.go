// Package gwcrypto provides the record-layer cryptography for device
// gateway sessions: AES-256 single-block encryption (used only during v1
// key derivation), AES-256-CCM authenticated encryption, HKDF-SHA256 key
// derivation, and the per-direction nonce counters used by the session
// layer.
package gwcrypto

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/pschlump/AesCCM"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the AES-256 / session key in bytes.
	KeySize = 32

	// NonceSize is the size of a CCM nonce in bytes (N=13).
	NonceSize = 13

	// TagSize is the size of the CCM authentication tag in bytes.
	TagSize = 4

	// BlockSize is the AES block size in bytes.
	BlockSize = aes.BlockSize
)

// ErrAuthFail is returned for any decryption failure: a truncated payload,
// a flipped ciphertext byte, or a flipped tag byte. Callers outside this
// package must not be able to distinguish between these cases, by error
// value, type, or timing.
var ErrAuthFail = errors.New("gwcrypto: authentication failed")

// ErrNonceExhausted is returned by IncNonce13 when incrementing the nonce
// would carry into the direction-leading byte (position 0). The session
// must be closed rather than silently wrap into another direction's range.
var ErrNonceExhausted = errors.New("gwcrypto: nonce counter exhausted")

// AESBlock encrypts a single 16-byte block with AES-256. It is used only
// by the v1 (jacdac) key derivation scheme.
func AESBlock(key [KeySize]byte, block [BlockSize]byte) ([BlockSize]byte, error) {
	var out [BlockSize]byte
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return out, fmt.Errorf("gwcrypto: new cipher: %w", err)
	}
	c.Encrypt(out[:], block[:])
	return out, nil
}

// newCCM builds the AEAD used for every record: AES-256 in CCM mode with a
// 13-byte nonce and a 4-byte tag, per spec (L=2, N=13).
func newCCM(key [KeySize]byte) (aesccm.CCM, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("gwcrypto: new cipher: %w", err)
	}
	ccm, err := aesccm.NewCCM(block, TagSize, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("gwcrypto: new ccm: %w", err)
	}
	return ccm, nil
}

// CCMEncrypt encrypts plaintext under key and nonce, returning
// ciphertext || tag.
func CCMEncrypt(key [KeySize]byte, nonce [NonceSize]byte, plaintext []byte) ([]byte, error) {
	ccm, err := newCCM(key)
	if err != nil {
		return nil, err
	}
	return ccm.Seal(nil, nonce[:], plaintext, nil), nil
}

// CCMDecrypt authenticates and decrypts payload under key and nonce. Any
// failure — payload shorter than the tag, or a tag mismatch — yields
// ErrAuthFail, indistinguishable to the caller.
func CCMDecrypt(key [KeySize]byte, nonce [NonceSize]byte, payload []byte) ([]byte, error) {
	if len(payload) < TagSize {
		return nil, ErrAuthFail
	}
	ccm, err := newCCM(key)
	if err != nil {
		return nil, ErrAuthFail
	}
	out, err := ccm.Open(nil, nonce[:], payload, nil)
	if err != nil {
		return nil, ErrAuthFail
	}
	return out, nil
}

// HKDFSHA256 derives l bytes from ikm using HMAC-SHA256-based HKDF with an
// empty salt, as used for v2 (devs) session key derivation.
func HKDFSHA256(ikm, info []byte, l int) ([]byte, error) {
	out := make([]byte, l)
	r := hkdf.New(sha256.New, ikm, nil, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("gwcrypto: hkdf: %w", err)
	}
	return out, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("gwcrypto: random: %w", err)
	}
	return b, nil
}

// IncNonce13 increments a 13-byte big-endian counter by one, carrying from
// the lowest-order byte (index 12) upward. The leading byte (index 0) is
// reserved as the per-direction marker (1 for client, 2 for server) and is
// never allowed to be touched by a carry: doing so would make the nonce
// collide with the other direction's range. Such an overflow returns
// ErrNonceExhausted; the caller must close the session.
func IncNonce13(n *[NonceSize]byte) error {
	for i := NonceSize - 1; i >= 1; i-- {
		n[i]++
		if n[i] != 0 {
			return nil
		}
	}
	// Every byte from 1..12 wrapped to zero: the next carry would land on
	// the direction byte at index 0.
	return ErrNonceExhausted
}

// InitClientNonce returns the initial client->server nonce: all zero with
// the leading byte set to 1.
func InitClientNonce() [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = 1
	return n
}

// InitServerNonce returns the initial server->client nonce: all zero with
// the leading byte set to 2.
func InitServerNonce() [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = 2
	return n
}
