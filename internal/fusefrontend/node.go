// Package fusefrontend interfaces directly with the go-fuse library.
//
// Directory and name operations are served by the embedded go-fuse loopback
// node on the mirror directory. Everything that sees file content or the
// file size goes through the encryption layer.
package fusefrontend

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/encmirrorfs/encmirrorfs/internal/overlay"
	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
)

// Node is a file or directory in the filesystem tree
// in an encmirrorfs mount.
type Node struct {
	fs.LoopbackNode
	mc *mountContext
}

// virtual returns the path of the node relative to the mount point.
func (n *Node) virtual() string {
	return n.Path(n.Root())
}

// physical returns the backing path of the node.
func (n *Node) physical() string {
	return n.mc.layer.Mirror().Physical(n.virtual())
}

func (n *Node) child(name string) string {
	return n.virtual() + "/" + name
}

// Lookup is called by the kernel when the VFS wants to know
// about a file inside a directory.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	var st syscall.Stat_t
	if err := syscall.Lstat(n.mc.layer.Mirror().Physical(p), &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	if st.Mode&syscall.S_IFMT == syscall.S_IFREG {
		clear, err := n.mc.layer.Getattr(ctx, p)
		if err == nil {
			st = *clear
		} else {
			// Keep the file visible so it can still be renamed or deleted.
			// Getattr and read report the error.
			tlog.Debug.Printf("Lookup %q: %v", p, err)
		}
	}
	out.Attr.FromStat(&st)
	ch := n.NewInode(ctx, n.mc.newNode(n.RootData), idFromStat(n.mc.rootDev, &st))
	return ch, 0
}

// Link - FUSE call for creating a hard link. The backing link is made by
// the loopback node; the reported attributes are those of the clear file.
func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ch, errno := n.LoopbackNode.Link(ctx, target, name, out)
	if errno != 0 || out.Attr.Mode&syscall.S_IFMT != syscall.S_IFREG {
		return ch, errno
	}
	st, err := n.mc.layer.Getattr(ctx, n.child(name))
	if err != nil {
		tlog.Debug.Printf("Link %q: %v", name, err)
		return ch, 0
	}
	out.Attr.FromStat(st)
	return ch, 0
}

// Getattr - FUSE call for stat()ing a file.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if cf, ok := f.(*cachedFile); ok {
		return cf.Getattr(ctx, out)
	}
	st, err := n.mc.layer.Getattr(ctx, n.virtual())
	if err != nil {
		return overlay.ToErrno(err)
	}
	out.Attr.FromStat(st)
	return 0
}

// Setattr - FUSE call for chmod, chown, truncate and utimens.
// The size is changed through the encryption layer, everything else is
// applied to the backing file directly.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.physical()
	if mode, ok := in.GetMode(); ok {
		if err := syscall.Chmod(p, mode); err != nil {
			return fs.ToErrno(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		suid, sgid := -1, -1
		if uok {
			suid = int(uid)
		}
		if gok {
			sgid = int(gid)
		}
		if err := syscall.Lchown(p, suid, sgid); err != nil {
			return fs.ToErrno(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if errno := n.truncate(ctx, f, size); errno != 0 {
			return errno
		}
	}
	// Times go last, so that the truncate above does not overwrite an
	// explicitly set mtime.
	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		ts := []unix.Timespec{{Nsec: unix.UTIME_OMIT}, {Nsec: unix.UTIME_OMIT}}
		if aok {
			ts[0] = unix.NsecToTimespec(atime.UnixNano())
		}
		if mok {
			ts[1] = unix.NsecToTimespec(mtime.UnixNano())
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, p, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fs.ToErrno(err)
		}
	}
	return n.Getattr(ctx, f, out)
}

func (n *Node) truncate(ctx context.Context, f fs.FileHandle, size uint64) syscall.Errno {
	if cf, ok := f.(*cachedFile); ok {
		return cf.truncate(ctx, size)
	}
	return overlay.ToErrno(n.mc.layer.Truncate(ctx, n.virtual(), size))
}
