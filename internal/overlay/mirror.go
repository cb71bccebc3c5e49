package overlay

import (
	"path/filepath"
	"strings"
)

// Mirror maps virtual paths, as seen below the mount point, to physical
// paths in the mirror directory.
type Mirror struct {
	root string
}

// NewMirror returns a mapper for the absolute directory "root".
func NewMirror(root string) Mirror {
	return Mirror{root: filepath.Clean(root)}
}

// Root returns the mirror directory.
func (m Mirror) Root() string {
	return m.root
}

// Physical returns the backing path of "virtual". Leading slashes are
// optional and ".." components cannot climb above the mirror root.
func (m Mirror) Physical(virtual string) string {
	return filepath.Join(m.root, filepath.Clean("/"+virtual))
}

// relative returns "virtual" without leading slash, as used for pattern
// matching.
func relative(virtual string) string {
	return strings.TrimLeft(filepath.Clean("/"+virtual), "/")
}
