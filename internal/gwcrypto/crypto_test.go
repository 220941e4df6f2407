package gwcrypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCCMRoundTrip(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	nonce := InitServerNonce()

	plaintext := bytes.Repeat([]byte{0}, 32)
	ct, err := CCMEncrypt(key, nonce, plaintext)
	require.NoError(t, err)
	require.Len(t, ct, len(plaintext)+TagSize)

	pt, err := CCMDecrypt(key, nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

// TestAuthFailureOpacity is testable property 4: a flipped ciphertext
// byte, a flipped tag byte, and a truncated tag must all yield the same
// AuthFail outcome, indistinguishable by error value.
func TestAuthFailureOpacity(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	nonce := InitClientNonce()
	plaintext := []byte("hello device gateway")

	ct, err := CCMEncrypt(key, nonce, plaintext)
	require.NoError(t, err)

	flippedCiphertext := append([]byte(nil), ct...)
	flippedCiphertext[0] ^= 0xFF

	flippedTag := append([]byte(nil), ct...)
	flippedTag[len(flippedTag)-1] ^= 0xFF

	truncated := ct[:len(ct)-1]

	for name, payload := range map[string][]byte{
		"flipped_ciphertext": flippedCiphertext,
		"flipped_tag":        flippedTag,
		"truncated":          truncated,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := CCMDecrypt(key, nonce, payload)
			assert.ErrorIs(t, err, ErrAuthFail)
		})
	}

	// A too-short payload (shorter than the tag) is also AuthFail.
	_, err = CCMDecrypt(key, nonce, []byte{1, 2})
	assert.ErrorIs(t, err, ErrAuthFail)
}

func TestHKDFDeterminism(t *testing.T) {
	ikm := bytes.Repeat([]byte{0x01}, 32)
	info := append(bytes.Repeat([]byte{0x02}, 16), bytes.Repeat([]byte{0x03}, 16)...)

	k1, err := HKDFSHA256(ikm, info, 32)
	require.NoError(t, err)
	k2, err := HKDFSHA256(ikm, info, 32)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestIncNonce13(t *testing.T) {
	n := InitClientNonce()
	require.NoError(t, IncNonce13(&n))
	assert.Equal(t, byte(1), n[0])
	assert.Equal(t, byte(1), n[12])

	// Wrapping the low byte carries into byte 11.
	n = [13]byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF}
	require.NoError(t, IncNonce13(&n))
	assert.Equal(t, byte(1), n[11])
	assert.Equal(t, byte(0), n[12])

	// Every byte from 1..12 at 0xFF: the next increment would carry into
	// the direction byte and must be refused.
	n = [13]byte{1, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	err := IncNonce13(&n)
	assert.ErrorIs(t, err, ErrNonceExhausted)
}

func TestAESBlockDeterministic(t *testing.T) {
	var key [KeySize]byte
	var block [BlockSize]byte
	for i := range key {
		key[i] = byte(i)
	}
	for i := range block {
		block[i] = byte(i)
	}
	a, err := AESBlock(key, block)
	require.NoError(t, err)
	b, err := AESBlock(key, block)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
