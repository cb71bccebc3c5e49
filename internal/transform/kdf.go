package transform

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/sync/singleflight"
)

const (
	// ScryptDefaultLogN is the default scrypt logN configuration parameter.
	// logN=16 (N=2^16) uses 64MB of memory. It runs once per mount and once
	// per foreign salt found in the mirror.
	ScryptDefaultLogN = 16
	// logN=10 takes a few ms. We reject lower values.
	scryptMinLogN = 10
	// Upper bound for values read from stream headers, so a crafted header
	// cannot make us allocate gigabytes.
	scryptMaxLogN = 22
	scryptR       = 8
	scryptP       = 1
	masterKeyLen  = 32

	hkdfInfoHeaderMAC = "encmirrorfs header mac"
	hkdfInfoContent   = "encmirrorfs content "
)

// RandBytes gets "n" random bytes from /dev/urandom or panics
func RandBytes(n int) []byte {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	if err != nil {
		log.Panic("Failed to read random bytes: " + err.Error())
	}
	return b
}

// hkdfDerive derives "outLen" bytes from "masterkey" and "info" using
// HKDF-SHA256.
// It returns the derived bytes or panics.
func hkdfDerive(masterkey []byte, info string, outLen int) (out []byte) {
	h := hkdf.New(sha256.New, masterkey, nil, []byte(info))
	out = make([]byte, outLen)
	n, err := io.ReadFull(h, out)
	if n != outLen || err != nil {
		log.Panicf("hkdfDerive: hkdf read failed, got %d bytes, error: %v", n, err)
	}
	return out
}

// keySet holds everything derived from one (passphrase, salt, logN) triple.
type keySet struct {
	macKey []byte

	master []byte
	mu     sync.Mutex
	aeads  map[CipherID]cipher.AEAD
}

func (k *keySet) aead(c CipherID) (cipher.AEAD, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if a, ok := k.aeads[c]; ok {
		return a, nil
	}
	a, err := newAEAD(c, hkdfDerive(k.master, hkdfInfoContent+c.String(), c.keyLen()))
	if err != nil {
		return nil, err
	}
	k.aeads[c] = a
	return a, nil
}

// keyCache memoizes scrypt results. Concurrent requests for the same key
// share one scrypt run through singleflight.
type keyCache struct {
	group singleflight.Group

	mu   sync.RWMutex
	sets map[string]*keySet
}

func newKeyCache() *keyCache {
	return &keyCache{sets: make(map[string]*keySet)}
}

// get returns the keySet for the triple, running scrypt on a cache miss.
func (c *keyCache) get(passphrase []byte, salt []byte, logN int) (*keySet, error) {
	// The passphrase only enters the cache key hashed.
	ph := sha256.Sum256(passphrase)
	id := hex.EncodeToString(ph[:]) + "/" + hex.EncodeToString(salt) + "/" + strconv.Itoa(logN)

	c.mu.RLock()
	ks := c.sets[id]
	c.mu.RUnlock()
	if ks != nil {
		return ks, nil
	}
	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		master, err := scrypt.Key(passphrase, salt, 1<<uint(logN), scryptR, scryptP, masterKeyLen)
		if err != nil {
			return nil, fmt.Errorf("scrypt: %w", err)
		}
		ks := &keySet{
			macKey: hkdfDerive(master, hkdfInfoHeaderMAC, 32),
			master: master,
			aeads:  make(map[CipherID]cipher.AEAD),
		}
		c.mu.Lock()
		c.sets[id] = ks
		c.mu.Unlock()
		return ks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySet), nil
}
