package overlay

import (
	"syscall"
)

// Snapshot is the lstat(2) result of a backing file, taken before its content
// is staged.
type Snapshot struct {
	st syscall.Stat_t
}

// Snap wraps "st".
func Snap(st *syscall.Stat_t) Snapshot {
	return Snapshot{st: *st}
}

// Reconcile returns the attributes of "snap" with the size replaced by the
// cleartext size "clearSize". Every other field is copied unchanged, except
// Blocks, which is derived from the new size in 512-byte units.
func Reconcile(snap Snapshot, clearSize uint64) syscall.Stat_t {
	st := snap.st
	st.Size = int64(clearSize)
	st.Blocks = int64((clearSize + 511) / 512)
	return st
}

func isRegular(st *syscall.Stat_t) bool {
	return st.Mode&syscall.S_IFMT == syscall.S_IFREG
}
