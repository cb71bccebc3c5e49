package overlay

import (
	"bytes"
	"context"
	"io"
	"os"
	"syscall"

	"github.com/encmirrorfs/encmirrorfs/internal/cryptflag"
	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
	"github.com/encmirrorfs/encmirrorfs/internal/transform"
)

// rewriteSlots is the number of scratch files a rewrite of a backing file
// holds at the same time: the cleartext and the transform output.
const rewriteSlots = 2

// Owner is the uid and gid a new file is chowned to.
type Owner struct {
	Uid uint32
	Gid uint32
}

// Getattr returns the attributes of "virtual". For regular files the size is
// the cleartext size, every other file type is reported as-is.
func (l *Layer) Getattr(ctx context.Context, virtual string) (*syscall.Stat_t, error) {
	p := l.mirror.Physical(virtual)
	var st syscall.Stat_t
	if err := syscall.Lstat(p, &st); err != nil {
		return nil, err
	}
	if !isRegular(&st) {
		return &st, nil
	}
	unlock := l.locks.RLock(p)
	defer unlock()
	// Take the snapshot again under the lock so that it matches the content
	// we stage.
	if err := syscall.Lstat(p, &st); err != nil {
		return nil, err
	}
	if !isRegular(&st) {
		return &st, nil
	}
	return l.measure(ctx, p, Snap(&st))
}

// measure stages "p" and returns "snap" reconciled with the staged size.
// The caller holds the path lock.
func (l *Layer) measure(ctx context.Context, p string, snap Snapshot) (*syscall.Stat_t, error) {
	f, err := l.stager.Stage(ctx, p, decodeAction(l.classify(p)))
	if err != nil {
		return nil, err
	}
	defer f.Release()
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	out := Reconcile(snap, uint64(size))
	return &out, nil
}

// Read copies up to len(dest) bytes of cleartext starting at "off" into
// "dest". It returns 0 at or past the end of the file.
func (l *Layer) Read(ctx context.Context, virtual string, dest []byte, off int64) (int, error) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	p := l.mirror.Physical(virtual)
	unlock := l.locks.RLock(p)
	defer unlock()

	f, err := l.stager.Stage(ctx, p, decodeAction(l.classify(p)))
	if err != nil {
		return 0, err
	}
	defer f.Release()
	size, err := f.Size()
	if err != nil {
		return 0, err
	}
	if off >= size {
		return 0, nil
	}
	if rest := size - off; int64(len(dest)) > rest {
		dest = dest[:rest]
	}
	n, err := f.ReadAt(dest, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Write stores "data" at "off" in the cleartext of "virtual" and rewrites the
// backing file. Writing past the end leaves a zero-filled gap. The file keeps
// its encryption state.
func (l *Layer) Write(ctx context.Context, virtual string, data []byte, off int64) (int, error) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	p := l.mirror.Physical(virtual)
	unlock := l.locks.Lock(p)
	defer unlock()

	stager, done, err := l.stager.Reserve(ctx, rewriteSlots)
	if err != nil {
		return 0, err
	}
	defer done()
	state := l.classify(p)
	f, err := stager.Stage(ctx, p, decodeAction(state))
	if err != nil {
		return 0, err
	}
	defer f.Release()
	n, err := f.WriteAt(data, off)
	if err != nil {
		return 0, err
	}
	if err := stager.Commit(ctx, f, p, decodeAction(state).Reverse()); err != nil {
		return 0, err
	}
	return n, nil
}

// Create makes a new empty regular file at "virtual" with permission bits
// "mode". Unless the path matches the plain patterns, the backing file holds
// an encrypted empty stream and is flagged encrypted. On failure no backing
// file is left behind.
func (l *Layer) Create(ctx context.Context, virtual string, mode uint32, owner *Owner) (*syscall.Stat_t, error) {
	p := l.mirror.Physical(virtual)
	unlock := l.locks.Lock(p)
	defer unlock()

	// Setting a user xattr needs write permission on the file, so the owner
	// write bit stays on until the flag is set.
	perm := mode & 07777
	fd, err := syscall.Open(p, syscall.O_WRONLY|syscall.O_CREAT|syscall.O_EXCL|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, perm|0200)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), p)
	encrypted := !l.wantsPlain(virtual)

	err = l.initNew(f, p, encrypted, owner)
	if err == nil {
		err = l.flags.Mark(p, encrypted)
	}
	if err == nil && perm&0200 == 0 {
		err = syscall.Fchmod(int(f.Fd()), perm)
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	var st syscall.Stat_t
	if err == nil {
		err = syscall.Lstat(p, &st)
	}
	if err != nil {
		if err2 := syscall.Unlink(p); err2 != nil {
			tlog.Warn.Printf("Create: rollback of %q failed: %v", p, err2)
		}
		return nil, err
	}
	out := Reconcile(Snap(&st), 0)
	return &out, nil
}

// initNew writes the initial content of a freshly created file.
func (l *Layer) initNew(f *os.File, p string, encrypted bool, owner *Owner) error {
	if owner != nil {
		if err := f.Chown(int(owner.Uid), int(owner.Gid)); err != nil {
			return err
		}
	}
	if !encrypted {
		return nil
	}
	return l.stager.Run(bytes.NewReader(nil), f, transform.Encrypt, p)
}

// Truncate sets the cleartext size of "virtual" to "size". Plain files are
// truncated directly, encrypted files are decrypted, resized and encrypted
// again.
func (l *Layer) Truncate(ctx context.Context, virtual string, size uint64) error {
	p := l.mirror.Physical(virtual)
	unlock := l.locks.Lock(p)
	defer unlock()

	var st syscall.Stat_t
	if err := syscall.Lstat(p, &st); err != nil {
		return err
	}
	if !isRegular(&st) || l.classify(p) != cryptflag.Encrypted {
		return syscall.Truncate(p, int64(size))
	}
	stager, done, err := l.stager.Reserve(ctx, rewriteSlots)
	if err != nil {
		return err
	}
	defer done()
	f, err := stager.Stage(ctx, p, transform.Decrypt)
	if err != nil {
		return err
	}
	defer f.Release()
	if err := f.Truncate(int64(size)); err != nil {
		return err
	}
	return stager.Commit(ctx, f, p, transform.Encrypt)
}

// Load returns the whole cleartext of "virtual".
func (l *Layer) Load(ctx context.Context, virtual string) ([]byte, error) {
	p := l.mirror.Physical(virtual)
	unlock := l.locks.RLock(p)
	defer unlock()

	f, err := l.stager.Stage(ctx, p, decodeAction(l.classify(p)))
	if err != nil {
		return nil, err
	}
	defer f.Release()
	return io.ReadAll(f)
}

// Store replaces the whole cleartext of "virtual" with "data". The file keeps
// its encryption state.
func (l *Layer) Store(ctx context.Context, virtual string, data []byte) error {
	p := l.mirror.Physical(virtual)
	unlock := l.locks.Lock(p)
	defer unlock()

	stager, done, err := l.stager.Reserve(ctx, rewriteSlots)
	if err != nil {
		return err
	}
	defer done()
	state := l.classify(p)
	f, err := stager.Acquire(ctx)
	if err != nil {
		return err
	}
	defer f.Release()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return stager.Commit(ctx, f, p, decodeAction(state).Reverse())
}

// Stats is a snapshot of scratch and lock table usage.
type Stats struct {
	ScratchLive  int64
	LockEntries  int
	WriteOpCount uint64
}

// Stats returns the current usage counters.
func (l *Layer) Stats() Stats {
	return Stats{
		ScratchLive:  l.arena.Live(),
		LockEntries:  l.locks.CountEntries(),
		WriteOpCount: l.locks.WriteOpCount(),
	}
}
