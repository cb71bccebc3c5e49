// Package transform implements the whole-stream content transform used by
// the encryption layer: Encrypt, Decrypt or Passthrough from an input stream
// into an output stream.
//
// Ciphertext stream format:
//
//	[header][block 0][block 1]...
//
// See header.go for the header layout. Each block is
//
//	[nonce][AEAD(plaintext, ad = blockNo || final || fileID)]
//
// with at most BlockSize plaintext bytes per block. Only the last block has
// the final marker set, so a stream cut at a block boundary does not
// authenticate. The canonical encrypted empty file is a header followed by
// one empty final block.
package transform

import (
	"fmt"
	"io"
	"log"
)

// Action selects what Transform does with the stream.
type Action int

const (
	// Passthrough copies the input unchanged.
	Passthrough Action = iota
	// Encrypt turns cleartext into the ciphertext stream format.
	Encrypt
	// Decrypt turns the ciphertext stream format back into cleartext.
	Decrypt
)

func (a Action) String() string {
	switch a {
	case Passthrough:
		return "passthrough"
	case Encrypt:
		return "encrypt"
	case Decrypt:
		return "decrypt"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Reverse returns the action that undoes "a".
func (a Action) Reverse() Action {
	switch a {
	case Encrypt:
		return Decrypt
	case Decrypt:
		return Encrypt
	}
	return a
}

// Service is the transform contract the encryption layer depends on.
// Transform consumes the whole input stream and reports success or failure;
// it is neither seekable nor resumable.
type Service interface {
	Transform(in io.Reader, out io.Writer, action Action, passphrase []byte) error
}

// Options configure an Engine.
type Options struct {
	// Cipher is used for newly encrypted streams. Decrypt always uses the
	// cipher recorded in the stream header.
	Cipher CipherID
	// ScryptLogN is the scrypt cost parameter for newly encrypted streams.
	// Zero selects ScryptDefaultLogN.
	ScryptLogN int
}

// Engine is the default Service implementation.
type Engine struct {
	cipher CipherID
	logN   int
	// salt is shared by every stream this Engine encrypts, so the expensive
	// scrypt call runs once per mount.
	salt []byte
	keys *keyCache
}

var _ Service = &Engine{}

// New returns a new Engine.
func New(opts Options) (*Engine, error) {
	if opts.Cipher == 0 {
		opts.Cipher = CipherAESGCM
	}
	if !opts.Cipher.Valid() {
		return nil, fmt.Errorf("unsupported cipher id %d", opts.Cipher)
	}
	if opts.ScryptLogN == 0 {
		opts.ScryptLogN = ScryptDefaultLogN
	}
	if opts.ScryptLogN < scryptMinLogN || opts.ScryptLogN > scryptMaxLogN {
		return nil, fmt.Errorf("scrypt logN %d out of range [%d, %d]",
			opts.ScryptLogN, scryptMinLogN, scryptMaxLogN)
	}
	return &Engine{
		cipher: opts.Cipher,
		logN:   opts.ScryptLogN,
		salt:   RandBytes(saltLen),
		keys:   newKeyCache(),
	}, nil
}

// Cipher returns the cipher used for new streams.
func (e *Engine) Cipher() CipherID {
	return e.cipher
}

// Transform - see Service.
func (e *Engine) Transform(in io.Reader, out io.Writer, action Action, passphrase []byte) error {
	switch action {
	case Passthrough:
		_, err := io.Copy(out, in)
		return err
	case Encrypt:
		return e.encryptStream(in, out, passphrase)
	case Decrypt:
		return e.decryptStream(in, out, passphrase)
	}
	log.Panicf("transform: unknown action %v", action)
	return nil
}
