package cryptflag

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/xattr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	testCases := []struct {
		in   string
		want State
	}{
		{"true", Encrypted},
		{"false", Plain},
		{"true\x00", Encrypted},
		{"false\x00\x00", Plain},
		{"TRUE", Unknown},
		{"", Unknown},
		{"tru", Unknown},
		{"true true true true", Unknown},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, parseValue([]byte(tc.in)), "value %q", tc.in)
	}
}

func TestAttrName(t *testing.T) {
	assert.Equal(t, "user.encmirrorfs.encrypted", New("").AttrName())
	assert.Equal(t, "user.pa4-encfs.encrypted", New("pa4-encfs").AttrName())
}

// newFile creates a file in a temporary directory and skips the test if the
// filesystem backing it cannot store user xattrs.
func newFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0600))
	err := xattr.LSet(p, "user.encmirrorfs.check", []byte("1"))
	if IsUnsupported(err) {
		t.Skipf("user xattrs not supported on %s", filepath.Dir(p))
	}
	require.NoError(t, err)
	return p
}

func TestMarkAndClassify(t *testing.T) {
	p := newFile(t)
	o := New("")

	assert.Equal(t, Unknown, o.Lookup(p))
	assert.Equal(t, Plain, o.Classify(p))

	require.NoError(t, o.Mark(p, true))
	assert.Equal(t, Encrypted, o.Lookup(p))
	assert.Equal(t, Encrypted, o.Classify(p))

	require.NoError(t, o.Mark(p, false))
	assert.Equal(t, Plain, o.Lookup(p))
}

// A foreign value must degrade to Plain, never fail.
func TestClassifyGarbage(t *testing.T) {
	p := newFile(t)
	o := New("")
	require.NoError(t, xattr.LSet(p, o.AttrName(), []byte("maybe")))
	assert.Equal(t, Unknown, o.Lookup(p))
	assert.Equal(t, Plain, o.Classify(p))
}

func TestClassifyMissingFile(t *testing.T) {
	o := New("")
	assert.Equal(t, Plain, o.Classify(filepath.Join(t.TempDir(), "does-not-exist")))
}

// Namespaces are independent of each other.
func TestNamespaces(t *testing.T) {
	p := newFile(t)
	require.NoError(t, New("a").Mark(p, true))
	assert.Equal(t, Encrypted, New("a").Lookup(p))
	assert.Equal(t, Unknown, New("b").Lookup(p))
}
