package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"log"

	"github.com/jacobsa/crypto/siv"
	"golang.org/x/crypto/chacha20poly1305"
)

// CipherID identifies the AEAD used for content blocks. It is stored in the
// stream header, so the numeric values are part of the on-disk format.
type CipherID uint8

const (
	_ CipherID = iota // Skip zero
	// CipherAESGCM is AES-256-GCM with 128-bit nonces.
	CipherAESGCM
	// CipherAESSIV is AES-SIV-512, nonce-misuse resistant.
	CipherAESSIV
	// CipherXChaCha20 is XChaCha20-Poly1305 with 192-bit nonces.
	CipherXChaCha20
)

var cipherNames = map[CipherID]string{
	CipherAESGCM:    "aes-gcm",
	CipherAESSIV:    "aes-siv",
	CipherXChaCha20: "xchacha20",
}

// ParseCipher converts a cipher name as used on the command line
// ("aes-gcm", "aes-siv", "xchacha20") into a CipherID.
func ParseCipher(name string) (CipherID, error) {
	for id, n := range cipherNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown cipher %q", name)
}

// CipherNames returns the names of all ciphers, in CipherID order.
func CipherNames() []string {
	return []string{CipherAESGCM.String(), CipherAESSIV.String(), CipherXChaCha20.String()}
}

// Valid reports whether "c" is a known cipher.
func (c CipherID) Valid() bool {
	_, ok := cipherNames[c]
	return ok
}

func (c CipherID) String() string {
	if n, ok := cipherNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CipherID(%d)", uint8(c))
}

// keyLen is the length of the content key that the cipher expects.
func (c CipherID) keyLen() int {
	if c == CipherAESSIV {
		return sivKeyLen
	}
	return 32
}

// newAEAD builds the AEAD for cipher "c" from "key".
func newAEAD(c CipherID, key []byte) (cipher.AEAD, error) {
	switch c {
	case CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCMWithNonceSize(block, gcmNonceLen)
	case CipherAESSIV:
		return newSIV(key), nil
	case CipherXChaCha20:
		return chacha20poly1305.NewX(key)
	}
	return nil, fmt.Errorf("unsupported cipher id %d", c)
}

const (
	gcmNonceLen = 16
	sivKeyLen   = 64
	sivNonceLen = 16
	sivOverhead = 16
)

// sivAEAD exposes jacobsa/crypto/siv through the cipher.AEAD interface.
type sivAEAD struct {
	key []byte
}

var _ cipher.AEAD = &sivAEAD{}

func newSIV(key []byte) cipher.AEAD {
	if len(key) != sivKeyLen {
		log.Panicf("siv: key must be %d bytes long, got %d", sivKeyLen, len(key))
	}
	// Private copy so the caller may wipe its own
	return &sivAEAD{key: append([]byte{}, key...)}
}

func (s *sivAEAD) NonceSize() int {
	return sivNonceLen
}

func (s *sivAEAD) Overhead() int {
	return sivOverhead
}

// Seal follows RFC 5297 section 3: the nonce is passed as the last
// associated data element.
func (s *sivAEAD) Seal(dst, nonce, plaintext, authData []byte) []byte {
	if len(nonce) != sivNonceLen {
		log.Panicf("siv: nonce must be %d bytes long", sivNonceLen)
	}
	out, err := siv.Encrypt(dst, s.key, plaintext, [][]byte{authData, nonce})
	if err != nil {
		log.Panic(err)
	}
	return out
}

func (s *sivAEAD) Open(dst, nonce, ciphertext, authData []byte) ([]byte, error) {
	if len(nonce) != sivNonceLen {
		log.Panicf("siv: nonce must be %d bytes long", sivNonceLen)
	}
	dec, err := siv.Decrypt(s.key, ciphertext, [][]byte{authData, nonce})
	if err != nil {
		return nil, err
	}
	return append(dst, dec...), nil
}
