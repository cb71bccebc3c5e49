package transform

// Per-stream header
//
// Format:
//   [ "Version" uint16 big endian ]
//   [ "Cipher"  uint8 ]
//   [ "LogN"    uint8, scrypt cost ]
//   [ "Salt"    32 bytes, scrypt salt ]
//   [ "ID"      16 random bytes, bound into every block ]
//   [ "MAC"     16 bytes, HMAC-SHA256 over the fields above ]

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	// CurrentVersion is the current on-disk format version
	CurrentVersion = 1

	headerVersionLen = 2
	headerCipherLen  = 1
	headerLogNLen    = 1
	saltLen          = 32
	headerIDLen      = 16
	headerMACLen     = 16
	headerBodyLen    = headerVersionLen + headerCipherLen + headerLogNLen + saltLen + headerIDLen
	// HeaderLen is the total header length
	HeaderLen = headerBodyLen + headerMACLen
)

// Header is the header stored at the start of every encrypted stream.
type Header struct {
	Version uint16
	Cipher  CipherID
	LogN    uint8
	Salt    []byte
	ID      []byte
}

// newHeader returns a header with a random ID.
func newHeader(c CipherID, logN int, salt []byte) *Header {
	return &Header{
		Version: CurrentVersion,
		Cipher:  c,
		LogN:    uint8(logN),
		Salt:    salt,
		ID:      RandBytes(headerIDLen),
	}
}

// body serializes everything but the MAC.
func (h *Header) body() []byte {
	if len(h.ID) != headerIDLen || len(h.Salt) != saltLen || h.Version != CurrentVersion {
		panic("Header object not properly initialized")
	}
	buf := make([]byte, 0, headerBodyLen)
	buf = binary.BigEndian.AppendUint16(buf, h.Version)
	buf = append(buf, byte(h.Cipher), h.LogN)
	buf = append(buf, h.Salt...)
	buf = append(buf, h.ID...)
	return buf
}

// Pack serializes the header and appends a MAC computed with "macKey".
func (h *Header) Pack(macKey []byte) []byte {
	body := h.body()
	return append(body, headerMAC(macKey, body)...)
}

// parseHeader parses "buf" without verifying the MAC. The caller needs the
// salt and cost out of the header to derive the key that verifies it.
func parseHeader(buf []byte) (*Header, error) {
	if len(buf) != HeaderLen {
		return nil, fmt.Errorf("%w: invalid length: got %d, want %d", ErrHeader, len(buf), HeaderLen)
	}
	var h Header
	h.Version = binary.BigEndian.Uint16(buf[0:headerVersionLen])
	if h.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: invalid version: got %d, want %d", ErrHeader, h.Version, CurrentVersion)
	}
	off := headerVersionLen
	h.Cipher = CipherID(buf[off])
	if !h.Cipher.Valid() {
		return nil, fmt.Errorf("%w: unknown cipher id %d", ErrHeader, buf[off])
	}
	off += headerCipherLen
	h.LogN = buf[off]
	if int(h.LogN) < scryptMinLogN || int(h.LogN) > scryptMaxLogN {
		return nil, fmt.Errorf("%w: scrypt logN %d out of range", ErrHeader, h.LogN)
	}
	off += headerLogNLen
	h.Salt = append([]byte{}, buf[off:off+saltLen]...)
	off += saltLen
	h.ID = append([]byte{}, buf[off:off+headerIDLen]...)
	return &h, nil
}

// verify checks the MAC at the end of "buf".
func (h *Header) verify(macKey []byte, buf []byte) error {
	want := headerMAC(macKey, h.body())
	if !hmac.Equal(want, buf[headerBodyLen:]) {
		return ErrAuth
	}
	return nil
}

func headerMAC(macKey []byte, body []byte) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(body)
	return m.Sum(nil)[:headerMACLen]
}
