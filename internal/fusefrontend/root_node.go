package fusefrontend

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/encmirrorfs/encmirrorfs/internal/overlay"
	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
)

// mountContext is shared by all nodes of one mount. It is never modified
// after NewRootNode returns.
type mountContext struct {
	args  Args
	layer *overlay.Layer
	// rootDev is the device number of the mirror directory
	rootDev uint64
}

func (mc *mountContext) newNode(rootData *fs.LoopbackRoot) *Node {
	return &Node{
		LoopbackNode: fs.LoopbackNode{
			RootData: rootData,
		},
		mc: mc,
	}
}

// NewRootNode creates the root of the filesystem tree. Nodes created by the
// embedded loopback implementation (mkdir, mknod, symlink, link) are of our
// Node type as well.
func NewRootNode(args Args, layer *overlay.Layer) (*Node, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(args.MirrorDir, &st); err != nil {
		return nil, err
	}
	root := &fs.LoopbackRoot{
		Path: args.MirrorDir,
		Dev:  uint64(st.Dev),
	}
	mc := &mountContext{
		args:    args,
		layer:   layer,
		rootDev: uint64(st.Dev),
	}
	root.NewNode = func(rootData *fs.LoopbackRoot, parent *fs.Inode, name string, st *syscall.Stat_t) fs.InodeEmbedder {
		return mc.newNode(rootData)
	}
	rn := mc.newNode(root)
	root.RootNode = rn
	if args.CacheHandles {
		tlog.Info.Printf("Caching cleartext of open files until flush")
	}
	return rn, nil
}

// idFromStat computes the stable attributes of a backing file. Inode
// numbers from other devices than the mirror root are mixed with the device
// number so they stay unique.
func idFromStat(rootDev uint64, st *syscall.Stat_t) fs.StableAttr {
	swapped := (uint64(st.Dev) << 32) | (uint64(st.Dev) >> 32)
	swappedRootDev := (rootDev << 32) | (rootDev >> 32)
	return fs.StableAttr{
		Mode: uint32(st.Mode),
		Gen:  1,
		Ino:  (swapped ^ swappedRootDev) ^ st.Ino,
	}
}
