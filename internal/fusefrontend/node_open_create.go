package fusefrontend

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/encmirrorfs/encmirrorfs/internal/overlay"
)

// fmodeExec is __FMODE_EXEC from the kernel's include/linux/fs.h. The kernel
// passes it in the open flags of execve(2), it is not a valid open(2) flag.
const fmodeExec = 0x20

// Open - FUSE call. Open already-existing file.
//
// The backing file is opened once with the requested access mode to get
// the permission check of the backing file system, and closed again: the
// returned handle does not hold a file descriptor.
func (n *Node) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	p := n.physical()
	access := flags &^ (syscall.O_APPEND | syscall.O_TRUNC | syscall.O_CREAT | syscall.O_EXCL | fmodeExec)
	fd, err := syscall.Open(p, int(access)|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, 0, fs.ToErrno(err)
	}
	syscall.Close(fd)

	if flags&syscall.O_TRUNC != 0 {
		if err := n.mc.layer.Truncate(ctx, n.virtual(), 0); err != nil {
			return nil, 0, overlay.ToErrno(err)
		}
	}
	return n.newFile(), 0, 0
}

// Create - FUSE call. Creates a new file.
//
// Symlink-safe through the use of O_NOFOLLOW in the encryption layer.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (inode *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	var owner *overlay.Owner
	if n.mc.args.PreserveOwner {
		if caller, ok := fuse.FromContext(ctx); ok {
			owner = &overlay.Owner{Uid: caller.Uid, Gid: caller.Gid}
		}
	}
	st, err := n.mc.layer.Create(ctx, n.child(name), mode, owner)
	if err != nil {
		return nil, nil, 0, overlay.ToErrno(err)
	}
	out.Attr.FromStat(st)
	child := n.mc.newNode(n.RootData)
	inode = n.NewInode(ctx, child, idFromStat(n.mc.rootDev, st))
	return inode, child.newFile(), 0, 0
}

// newFile returns a handle for the node, cached if configured.
func (n *Node) newFile() fs.FileHandle {
	if n.mc.args.CacheHandles {
		return newCachedFile(n.mc.layer, n.virtual)
	}
	return newFile(n.mc.layer, n.virtual)
}
