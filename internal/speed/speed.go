// Package speed implements the "-speed" command-line option,
// similar to "openssl speed".
// It benchmarks whole-stream encryption and decryption with every cipher
// the transform engine supports.
package speed

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"testing"

	"golang.org/x/sys/cpu"

	"github.com/encmirrorfs/encmirrorfs/internal/transform"
)

// Every write rewrites the whole file, so we measure whole streams.
const streamSize = 1 << 20

var ciphers = []transform.CipherID{
	transform.CipherAESGCM,
	transform.CipherAESSIV,
	transform.CipherXChaCha20,
}

// Run - run the speed the test and print the results.
func Run() {
	model := cpuModelName()
	if model == "" {
		model = "unknown"
	}
	fmt.Printf("cpu: %s; with AES acceleration: %v\n", model, cpu.X86.HasAES || cpu.ARM64.HasAES)
	for _, c := range ciphers {
		e := newEngine(c)
		fmt.Printf("%-12s\t", c)
		enc := mbPerSec(testing.Benchmark(func(b *testing.B) { bEncrypt(b, e) }))
		dec := mbPerSec(testing.Benchmark(func(b *testing.B) { bDecrypt(b, e) }))
		fmt.Printf("encrypt %7.2f MB/s\tdecrypt %7.2f MB/s", enc, dec)
		if c == transform.CipherAESGCM {
			fmt.Printf("\t(default)")
		}
		fmt.Printf("\n")
	}
}

func mbPerSec(r testing.BenchmarkResult) float64 {
	if r.Bytes <= 0 || r.T <= 0 || r.N <= 0 {
		return 0
	}
	return (float64(r.Bytes) * float64(r.N) / 1e6) / r.T.Seconds()
}

// Get "n" random bytes from /dev/urandom or panic
func randBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		log.Panic("Failed to read random bytes: " + err.Error())
	}
	return b
}

// passphrase is used for all benchmarks. The engine caches the derived keys,
// so scrypt only runs on the first iteration.
var passphrase = randBytes(16)

func newEngine(c transform.CipherID) *transform.Engine {
	// Lowest allowed scrypt cost, key derivation is not what we measure
	e, err := transform.New(transform.Options{Cipher: c, ScryptLogN: 10})
	if err != nil {
		log.Panic(err)
	}
	return e
}

func bEncrypt(b *testing.B, e *transform.Engine) {
	in := make([]byte, streamSize)
	b.SetBytes(int64(len(in)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := e.Transform(bytes.NewReader(in), io.Discard, transform.Encrypt, passphrase); err != nil {
			b.Fatal(err)
		}
	}
}

func bDecrypt(b *testing.B, e *transform.Engine) {
	var ct bytes.Buffer
	if err := e.Transform(bytes.NewReader(make([]byte, streamSize)), &ct, transform.Encrypt, passphrase); err != nil {
		b.Fatal(err)
	}
	b.SetBytes(streamSize)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := e.Transform(bytes.NewReader(ct.Bytes()), io.Discard, transform.Decrypt, passphrase); err != nil {
			b.Fatal(err)
		}
	}
}
