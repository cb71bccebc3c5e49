package speed

import (
	"testing"
	"time"

	"github.com/encmirrorfs/encmirrorfs/internal/transform"
)

/*
Make the "-speed" benchmarks also accessible to the standard test system.
Example run:

$ go test -bench .
*/

func BenchmarkEncryptAESGCM(b *testing.B) {
	bEncrypt(b, newEngine(transform.CipherAESGCM))
}

func BenchmarkDecryptAESGCM(b *testing.B) {
	bDecrypt(b, newEngine(transform.CipherAESGCM))
}

func BenchmarkEncryptAESSIV(b *testing.B) {
	bEncrypt(b, newEngine(transform.CipherAESSIV))
}

func BenchmarkDecryptAESSIV(b *testing.B) {
	bDecrypt(b, newEngine(transform.CipherAESSIV))
}

func BenchmarkEncryptXChaCha20(b *testing.B) {
	bEncrypt(b, newEngine(transform.CipherXChaCha20))
}

func BenchmarkDecryptXChaCha20(b *testing.B) {
	bDecrypt(b, newEngine(transform.CipherXChaCha20))
}

func TestMbPerSec(t *testing.T) {
	r := testing.BenchmarkResult{N: 10, T: time.Second, Bytes: 1e6}
	if got := mbPerSec(r); got != 10 {
		t.Errorf("got %v, want 10", got)
	}
	if got := mbPerSec(testing.BenchmarkResult{}); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}

func TestParseCpuinfo(t *testing.T) {
	testcases := []struct {
		in, want string
	}{
		{"processor\t: 0\nmodel name\t: Intel(R) Core(TM) i5-3470 CPU @ 3.20GHz\n", "Intel(R) Core(TM) i5-3470 CPU @ 3.20GHz"},
		{"processor\t: 0\nHardware\t: BCM2835\n", "BCM2835"},
		{"", ""},
	}
	for _, tc := range testcases {
		if got := parseCpuinfo(tc.in); got != tc.want {
			t.Errorf("in=%q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}
