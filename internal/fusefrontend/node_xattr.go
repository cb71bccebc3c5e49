package fusefrontend

// FUSE operations on extended attributes

import (
	"context"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/pkg/xattr"
)

// The encryption flag decides how the file content is interpreted. It is
// invisible through the mount and cannot be set or removed there.

func (n *Node) isFlagAttr(attr string) bool {
	return n.mc.args.FlagAttr != "" && attr == n.mc.args.FlagAttr
}

// Getxattr - FUSE call. Reads the value of extended attribute "attr".
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if n.isFlagAttr(attr) {
		return 0, syscall.ENODATA
	}
	data, err := xattr.LGet(n.physical(), attr)
	if err != nil {
		return 0, unpackXattrErr(err)
	}
	if len(dest) < len(data) {
		return uint32(len(data)), syscall.ERANGE
	}
	return uint32(copy(dest, data)), 0
}

// Setxattr - FUSE call.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if n.isFlagAttr(attr) {
		return syscall.EPERM
	}
	return unpackXattrErr(xattr.LSetWithFlags(n.physical(), attr, data, int(flags)))
}

// Removexattr - FUSE call.
func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	if n.isFlagAttr(attr) {
		return syscall.EPERM
	}
	return unpackXattrErr(xattr.LRemove(n.physical(), attr))
}

// Listxattr - FUSE call. Lists extended attributes on the file, without
// the encryption flag.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := xattr.LList(n.physical())
	if err != nil {
		return 0, unpackXattrErr(err)
	}
	var buf strings.Builder
	for _, name := range names {
		if n.isFlagAttr(name) {
			continue
		}
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	if len(dest) < buf.Len() {
		return uint32(buf.Len()), syscall.ERANGE
	}
	return uint32(copy(dest, buf.String())), 0
}

// unpackXattrErr unpacks an error value that we got from xattr.LGet() and
// friends into a syscall.Errno.
func unpackXattrErr(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if err2, ok := err.(*xattr.Error); ok {
		return fs.ToErrno(err2.Err)
	}
	return fs.ToErrno(err)
}
