package fusefrontend

// FUSE operations on file handles

import (
	"context"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/encmirrorfs/encmirrorfs/internal/overlay"
)

// File is a stateless file handle: it holds no file descriptor and no
// content, every call goes through the encryption layer by path. This keeps
// renames of open files working.
type File struct {
	layer *overlay.Layer
	// virtual returns the current path of the file below the mount point
	virtual func() string
}

func newFile(layer *overlay.Layer, virtual func() string) *File {
	return &File{
		layer:   layer,
		virtual: virtual,
	}
}

// Read - FUSE call
func (f *File) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.layer.Read(ctx, f.virtual(), dest, off)
	if err != nil {
		return nil, overlay.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write - FUSE call
func (f *File) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.layer.Write(ctx, f.virtual(), data, off)
	if err != nil {
		return 0, overlay.ToErrno(err)
	}
	return uint32(n), 0
}

// Getattr - FUSE call (fstat)
func (f *File) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	st, err := f.layer.Getattr(ctx, f.virtual())
	if err != nil {
		return overlay.ToErrno(err)
	}
	out.Attr.FromStat(st)
	return 0
}

// Flush - FUSE call. Writes have already reached the backing file.
func (f *File) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Fsync - FUSE call. Flushes the backing file to stable storage.
func (f *File) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return fsyncBacking(f.layer.Mirror().Physical(f.virtual()))
}

// Release - FUSE call, close file
func (f *File) Release(ctx context.Context) syscall.Errno {
	return 0
}

func fsyncBacking(path string) syscall.Errno {
	fd, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return fs.ToErrno(err)
	}
	defer fd.Close()
	return fs.ToErrno(fd.Sync())
}
