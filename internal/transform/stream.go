package transform

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// BlockSize is the number of cleartext bytes per ciphertext block.
const BlockSize = 4096

var (
	// ErrHeader means the stream header could not be parsed.
	ErrHeader = errors.New("invalid stream header")
	// ErrAuth means an integrity check failed: the ciphertext was modified,
	// truncated, or the passphrase is wrong.
	ErrAuth = errors.New("authentication failed")
)

// blockAD returns the associated data for block "blockNo": the block
// number, the final-block marker and the stream ID. This prevents
// reordering blocks within a stream, copying blocks between streams and
// cutting whole blocks off the end.
func blockAD(blockNo uint64, final bool, id []byte) []byte {
	ad := make([]byte, 9, 9+len(id))
	binary.BigEndian.PutUint64(ad, blockNo)
	if final {
		ad[8] = 1
	}
	return append(ad, id...)
}

// readBlock fills "buf" as far as "in" allows. Hitting the end of "in" is
// not an error.
func readBlock(in io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(in, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}

// encryptStream writes the header and then the blocks. The last block is
// marked final; an empty stream consists of one empty final block.
func (e *Engine) encryptStream(in io.Reader, out io.Writer, passphrase []byte) error {
	keys, err := e.keys.get(passphrase, e.salt, e.logN)
	if err != nil {
		return err
	}
	aead, err := keys.aead(e.cipher)
	if err != nil {
		return err
	}
	h := newHeader(e.cipher, e.logN, e.salt)
	if _, err := out.Write(h.Pack(keys.macKey)); err != nil {
		return err
	}
	nonceLen := aead.NonceSize()
	cur := make([]byte, BlockSize)
	next := make([]byte, BlockSize)
	sealed := make([]byte, 0, nonceLen+BlockSize+aead.Overhead())
	n, err := readBlock(in, cur)
	if err != nil {
		return err
	}
	for blockNo := uint64(0); ; blockNo++ {
		// A full block is final only if nothing follows it
		final := n < BlockSize
		m := 0
		if !final {
			if m, err = readBlock(in, next); err != nil {
				return err
			}
			final = m == 0
		}
		nonce := RandBytes(nonceLen)
		sealed = append(sealed[:0], nonce...)
		sealed = aead.Seal(sealed, nonce, cur[:n], blockAD(blockNo, final, h.ID))
		if _, err := out.Write(sealed); err != nil {
			return err
		}
		if final {
			return nil
		}
		cur, next = next, cur
		n = m
	}
}

func (e *Engine) decryptStream(in io.Reader, out io.Writer, passphrase []byte) error {
	hbuf := make([]byte, HeaderLen)
	n, err := io.ReadFull(in, hbuf)
	if err == io.EOF {
		// Zero-length ciphertext: the file was emptied behind our back
		// (e.g. truncated on the mirror). It decrypts to nothing.
		return nil
	}
	if err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: truncated header (%d bytes)", ErrHeader, n)
	}
	if err != nil {
		return err
	}
	h, err := parseHeader(hbuf)
	if err != nil {
		return err
	}
	keys, err := e.keys.get(passphrase, h.Salt, int(h.LogN))
	if err != nil {
		return err
	}
	if err := h.verify(keys.macKey, hbuf); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	aead, err := keys.aead(h.Cipher)
	if err != nil {
		return err
	}
	nonceLen := aead.NonceSize()
	minBlock := nonceLen + aead.Overhead()
	cblock := make([]byte, nonceLen+BlockSize+aead.Overhead())
	plain := make([]byte, 0, BlockSize)
	br := bufio.NewReaderSize(in, len(cblock))
	for blockNo := uint64(0); ; blockNo++ {
		n, err := readBlock(br, cblock)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: stream ends before the final block (%d blocks)", ErrAuth, blockNo)
		}
		if n < minBlock {
			return fmt.Errorf("%w: block %d truncated to %d bytes", ErrAuth, blockNo, n)
		}
		final := n < len(cblock)
		if !final {
			if _, err := br.Peek(1); err == io.EOF {
				final = true
			} else if err != nil {
				return err
			}
		}
		nonce := cblock[:nonceLen]
		plain, err = aead.Open(plain[:0], nonce, cblock[nonceLen:n], blockAD(blockNo, final, h.ID))
		if err != nil {
			return fmt.Errorf("%w: block %d", ErrAuth, blockNo)
		}
		if _, err := out.Write(plain); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

// CiphertextSize returns the size of the encrypted stream for "plainSize"
// cleartext bytes with cipher "c".
func CiphertextSize(c CipherID, plainSize uint64) uint64 {
	var nonceLen uint64
	switch c {
	case CipherAESGCM:
		nonceLen = gcmNonceLen
	case CipherAESSIV:
		nonceLen = sivNonceLen
	case CipherXChaCha20:
		nonceLen = 24
	}
	blocks := (plainSize + BlockSize - 1) / BlockSize
	if blocks == 0 {
		// The empty final block
		blocks = 1
	}
	return HeaderLen + plainSize + blocks*(nonceLen+16)
}
