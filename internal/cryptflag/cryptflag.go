// Package cryptflag reads and writes the extended attribute that records
// whether a backing file holds ciphertext.
//
// The attribute is "user.<namespace>.encrypted" with the value "true" or
// "false". A missing attribute marks a file that was not created through the
// mount, which is treated as plain.
package cryptflag

import (
	"bytes"
	"errors"
	"syscall"

	"github.com/pkg/xattr"

	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "encmirrorfs"

// Only the "user" namespace is writable by unprivileged processes.
const userPrefix = "user."

// Longest value we are willing to interpret. "false" is 5 bytes, the rest
// leaves room for trailing NULs written by C tools.
const maxValueLen = 16

var (
	valueTrue  = []byte("true")
	valueFalse = []byte("false")
)

// State is the classification of a backing file.
type State int

const (
	// Unknown means the attribute is missing, unreadable or malformed.
	Unknown State = iota
	// Plain means the content is stored as-is.
	Plain
	// Encrypted means the content is ciphertext.
	Encrypted
)

func (s State) String() string {
	switch s {
	case Plain:
		return "plain"
	case Encrypted:
		return "encrypted"
	}
	return "unknown"
}

// Oracle classifies backing files. It is safe for concurrent use.
type Oracle struct {
	name string
}

// New returns an Oracle for "user.<namespace>.encrypted". An empty namespace
// selects DefaultNamespace.
func New(namespace string) *Oracle {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Oracle{name: userPrefix + namespace + ".encrypted"}
}

// AttrName returns the full attribute name.
func (o *Oracle) AttrName() string {
	return o.name
}

// Lookup returns the raw classification of "path". It does not follow
// symlinks and never fails: every read error yields Unknown.
func (o *Oracle) Lookup(path string) State {
	val, err := xattr.LGet(path, o.name)
	if err != nil {
		if !isNoAttr(err) {
			tlog.Debug.Printf("cryptflag: reading %q on %q: %v", o.name, path, err)
		}
		return Unknown
	}
	return parseValue(val)
}

// Classify is Lookup with Unknown folded into Plain, which is what every
// content operation acts on.
func (o *Oracle) Classify(path string) State {
	if s := o.Lookup(path); s == Encrypted {
		return Encrypted
	}
	return Plain
}

// Mark sets the attribute on "path".
func (o *Oracle) Mark(path string, encrypted bool) error {
	val := valueFalse
	if encrypted {
		val = valueTrue
	}
	return xattr.LSet(path, o.name, val)
}

func parseValue(val []byte) State {
	if len(val) > maxValueLen {
		tlog.Warn.Printf("cryptflag: ignoring oversized attribute value (%d bytes)", len(val))
		return Unknown
	}
	val = bytes.TrimRight(val, "\x00")
	switch {
	case bytes.Equal(val, valueTrue):
		return Encrypted
	case bytes.Equal(val, valueFalse):
		return Plain
	}
	return Unknown
}

// isNoAttr reports whether "err" means "this file has no such attribute".
func isNoAttr(err error) bool {
	var xerr *xattr.Error
	if errors.As(err, &xerr) {
		err = xerr.Err
	}
	return err == xattr.ENOATTR || err == syscall.ENODATA
}

// IsUnsupported reports whether "err" means that the filesystem does not
// support user extended attributes.
func IsUnsupported(err error) bool {
	var xerr *xattr.Error
	if errors.As(err, &xerr) {
		err = xerr.Err
	}
	return err == syscall.ENOTSUP || err == syscall.EOPNOTSUPP
}
