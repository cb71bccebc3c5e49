package fusefrontend

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/encmirrorfs/encmirrorfs/internal/overlay"
	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
)

// cachedFile keeps the cleartext of the file in memory from the first read
// or write until the handle is released. Changes are written back in one
// piece on flush, fsync and release.
//
// Handles do not see each other's unflushed changes.
//
// A file larger than cacheLimit is not kept in memory: the handle writes
// back what it has and serves all further calls like a stateless File.
type cachedFile struct {
	direct *File

	// mu protects everything below
	mu      sync.Mutex
	buf     []byte
	loaded  bool
	dirty   bool
	spilled bool
}

// cacheLimit is the largest cleartext a cachedFile keeps in memory.
var cacheLimit int64 = 64 << 20

func newCachedFile(layer *overlay.Layer, virtual func() string) *cachedFile {
	return &cachedFile{
		direct: newFile(layer, virtual),
	}
}

func (f *cachedFile) virtual() string {
	return f.direct.virtual()
}

// loadLocked reads the cleartext if it has not been read yet. It reports
// whether the handle is spilled afterwards.
func (f *cachedFile) loadLocked(ctx context.Context) (bool, syscall.Errno) {
	if f.spilled || f.loaded {
		return f.spilled, 0
	}
	st, err := f.direct.layer.Getattr(ctx, f.virtual())
	if err != nil {
		return false, overlay.ToErrno(err)
	}
	if st.Size > cacheLimit {
		tlog.Debug.Printf("cachedFile %q: %d bytes, not cached", f.virtual(), st.Size)
		f.spilled = true
		return true, 0
	}
	buf, err := f.direct.layer.Load(ctx, f.virtual())
	if err != nil {
		return false, overlay.ToErrno(err)
	}
	f.buf = buf
	f.loaded = true
	return false, 0
}

// spillLocked writes back the buffer and drops it. Called when the content
// would grow beyond cacheLimit.
func (f *cachedFile) spillLocked(ctx context.Context) syscall.Errno {
	if errno := f.flushLocked(ctx); errno != 0 {
		return errno
	}
	tlog.Debug.Printf("cachedFile %q: exceeds %d bytes, not cached", f.virtual(), cacheLimit)
	f.buf = nil
	f.loaded = false
	f.spilled = true
	return 0
}

// resizeLocked grows or shrinks the buffer. Growing fills with zeros.
func (f *cachedFile) resizeLocked(size int) {
	if size <= len(f.buf) {
		f.buf = f.buf[:size]
		return
	}
	f.buf = append(f.buf, make([]byte, size-len(f.buf))...)
}

func (f *cachedFile) flushLocked(ctx context.Context) syscall.Errno {
	if !f.dirty {
		return 0
	}
	if err := f.direct.layer.Store(ctx, f.virtual(), f.buf); err != nil {
		return overlay.ToErrno(err)
	}
	f.dirty = false
	return 0
}

// Read - FUSE call
func (f *cachedFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off < 0 {
		return nil, syscall.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	spilled, errno := f.loadLocked(ctx)
	if errno != 0 {
		return nil, errno
	}
	if spilled {
		return f.direct.Read(ctx, dest, off)
	}
	if off >= int64(len(f.buf)) {
		return fuse.ReadResultData(nil), 0
	}
	n := copy(dest, f.buf[off:])
	return fuse.ReadResultData(dest[:n]), 0
}

// Write - FUSE call
func (f *cachedFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	spilled, errno := f.loadLocked(ctx)
	if errno != 0 {
		return 0, errno
	}
	end := off + int64(len(data))
	if !spilled && end > cacheLimit {
		if errno := f.spillLocked(ctx); errno != 0 {
			return 0, errno
		}
		spilled = true
	}
	if spilled {
		return f.direct.Write(ctx, data, off)
	}
	if end > int64(len(f.buf)) {
		f.resizeLocked(int(end))
	}
	copy(f.buf[off:], data)
	f.dirty = true
	return uint32(len(data)), 0
}

// truncate resizes the cached content. Called from Node.Setattr.
func (f *cachedFile) truncate(ctx context.Context, size uint64) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	spilled, errno := f.loadLocked(ctx)
	if errno != 0 {
		return errno
	}
	if !spilled && size > uint64(cacheLimit) {
		if errno := f.spillLocked(ctx); errno != 0 {
			return errno
		}
		spilled = true
	}
	if spilled {
		return overlay.ToErrno(f.direct.layer.Truncate(ctx, f.virtual(), size))
	}
	f.resizeLocked(int(size))
	f.dirty = true
	return 0
}

// Getattr - FUSE call (fstat). Reports the size of the cached content.
func (f *cachedFile) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.direct.layer.Getattr(ctx, f.virtual())
	if err != nil {
		return overlay.ToErrno(err)
	}
	if f.loaded {
		r := overlay.Reconcile(overlay.Snap(st), uint64(len(f.buf)))
		st = &r
	}
	out.Attr.FromStat(st)
	return 0
}

// Flush - FUSE call. Called on every close(2) of a file descriptor.
func (f *cachedFile) Flush(ctx context.Context) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked(ctx)
}

// Fsync - FUSE call
func (f *cachedFile) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errno := f.flushLocked(ctx); errno != 0 {
		return errno
	}
	return f.direct.Fsync(ctx, flags)
}

// Release - FUSE call, close file
func (f *cachedFile) Release(ctx context.Context) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	errno := f.flushLocked(ctx)
	if errno != 0 {
		tlog.Warn.Printf("Release %q: write-back failed: %v", f.virtual(), errno)
	}
	f.buf = nil
	f.loaded = false
	return errno
}
