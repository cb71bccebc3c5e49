package scratch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
	"github.com/encmirrorfs/encmirrorfs/internal/transform"
)

const copyBufSize = 128 * 1024

// TransformError reports a failed transform. The encryption layer surfaces
// it as EIO regardless of the underlying cause.
type TransformError struct {
	Action transform.Action
	Path   string
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Path, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Stager moves file content between backing files and scratch files
// through the transform service.
type Stager struct {
	Arena      *Arena
	Transform  transform.Service
	Passphrase []byte
	// OnTransform, if set, is called after every transform run.
	OnTransform func(action transform.Action, err error)

	// slots, if set, replaces Arena as the source of scratch files
	slots *Reservation
}

// Reserve returns a copy of the Stager that takes its scratch files from
// "n" slots reserved in one step, and the function that gives unused slots
// back. Stage followed by Commit needs two.
func (s *Stager) Reserve(ctx context.Context, n int64) (*Stager, func(), error) {
	r, err := s.Arena.Reserve(ctx, n)
	if err != nil {
		return nil, nil, err
	}
	s2 := *s
	s2.slots = r
	return &s2, r.Close, nil
}

// Acquire returns a new scratch file from the reservation, or from the
// arena if there is none.
func (s *Stager) Acquire(ctx context.Context) (*File, error) {
	if s.slots != nil {
		return s.slots.Acquire(ctx)
	}
	return s.Arena.Acquire(ctx)
}

// Run transforms "in" into "out". Any failure is returned as a
// *TransformError; "path" only names the file in the error.
func (s *Stager) Run(in io.Reader, out io.Writer, action transform.Action, path string) error {
	bw := bufio.NewWriterSize(out, copyBufSize)
	err := s.Transform.Transform(in, bw, action, s.Passphrase)
	if err == nil {
		err = bw.Flush()
	}
	if s.OnTransform != nil {
		s.OnTransform(action, err)
	}
	if err != nil {
		return &TransformError{Action: action, Path: path, Err: err}
	}
	return nil
}

// Stage transforms the content of the backing file "path" into a new
// scratch file and returns it rewound to offset 0. The caller owns the
// returned file and must Release it. On error nothing is left behind.
func (s *Stager) Stage(ctx context.Context, path string, action transform.Action) (*File, error) {
	src, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	f, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Run(src, f, action, path); err != nil {
		f.Release()
		return nil, err
	}
	if err := f.Rewind(); err != nil {
		f.Release()
		return nil, err
	}
	return f, nil
}

// Commit transforms the whole content of "clear" with "action" and replaces
// the content of the backing file "path" with the result. The file is
// rewritten in place, so its inode, owner, mode and xattrs are kept.
//
// The transform output goes to a second scratch file first: if the transform
// fails, the backing file is not touched.
func (s *Stager) Commit(ctx context.Context, clear *File, path string, action transform.Action) error {
	if err := clear.Rewind(); err != nil {
		return err
	}
	src := clear
	if action != transform.Passthrough {
		out, err := s.Acquire(ctx)
		if err != nil {
			return err
		}
		defer out.Release()
		if err := s.Run(clear, out, action, path); err != nil {
			return err
		}
		if err := out.Rewind(); err != nil {
			return err
		}
		src = out
	}
	size, err := src.Size()
	if err != nil {
		return err
	}
	dst, err := openRewrite(path)
	if err != nil {
		return err
	}
	err = rewrite(dst, src, size)
	if err2 := dst.Close(); err == nil {
		err = err2
	}
	return err
}

// fallocate is a variable so tests can simulate a full disk.
var fallocate = unix.Fallocate

// rewrite overwrites "dst" with the "size" bytes of "src" and cuts it to
// that length. Space beyond the old length is allocated before anything is
// overwritten, so running out of space fails with the old content intact.
func rewrite(dst *os.File, src io.Reader, size int64) error {
	fi, err := dst.Stat()
	if err != nil {
		return err
	}
	old := fi.Size()
	if size > old {
		err := fallocate(int(dst.Fd()), 0, 0, size)
		if err != nil && !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.ENOSYS) {
			// A failed fallocate may still have grown the file
			if err2 := dst.Truncate(old); err2 != nil {
				tlog.Warn.Printf("scratch: restoring length of %q: %v", dst.Name(), err2)
			}
			return err
		}
	}
	if _, err := io.CopyBuffer(dst, io.LimitReader(src, size), make([]byte, copyBufSize)); err != nil {
		return err
	}
	return dst.Truncate(size)
}

// openRewrite opens "path" for writing. A file we own without the owner
// write bit (created read-only through a handle that is still open) gets
// the bit back for the duration of the open(2) call.
func openRewrite(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NOFOLLOW, 0)
	if err == nil || !errors.Is(err, os.ErrPermission) {
		return f, err
	}
	var st syscall.Stat_t
	if err2 := syscall.Lstat(path, &st); err2 != nil {
		return nil, err
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFREG || st.Mode&0200 != 0 || int(st.Uid) != os.Geteuid() {
		return nil, err
	}
	mode := st.Mode & 07777
	if err2 := syscall.Chmod(path, mode|0200); err2 != nil {
		return nil, err
	}
	f, err = os.OpenFile(path, os.O_WRONLY|syscall.O_NOFOLLOW, 0)
	if err2 := syscall.Chmod(path, mode); err2 != nil {
		tlog.Warn.Printf("scratch: restoring mode of %q: %v", path, err2)
	}
	return f, err
}
