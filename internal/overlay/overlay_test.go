package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/encmirrorfs/encmirrorfs/internal/cryptflag"
	"github.com/encmirrorfs/encmirrorfs/internal/scratch"
	"github.com/encmirrorfs/encmirrorfs/internal/transform"
)

// memFlags keeps encryption flags in memory so tests do not depend on
// xattr support of the temp dir file system.
type memFlags struct {
	mu      sync.Mutex
	m       map[string]bool
	markErr error
}

func newMemFlags() *memFlags {
	return &memFlags{m: make(map[string]bool)}
}

func (f *memFlags) Classify(path string) cryptflag.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m[path] {
		return cryptflag.Encrypted
	}
	return cryptflag.Plain
}

func (f *memFlags) Mark(path string, encrypted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.m[path] = encrypted
	return nil
}

// emptyCiphertextLen is the backing size of an empty encrypted file
var emptyCiphertextLen = int(transform.CiphertextSize(transform.CipherAESGCM, 0))

var testEngine = func() *transform.Engine {
	e, err := transform.New(transform.Options{Cipher: transform.CipherAESGCM, ScryptLogN: 10})
	if err != nil {
		panic(err)
	}
	return e
}()

type fixture struct {
	mirror string
	flags  *memFlags
	layer  *Layer
}

func newFixture(t *testing.T, patterns ...string) *fixture {
	t.Helper()
	fx := &fixture{
		mirror: t.TempDir(),
		flags:  newMemFlags(),
	}
	fx.layer = fx.newLayer(t, "test", patterns...)
	return fx
}

// newLayer creates another layer on the same mirror and flag store.
func (fx *fixture) newLayer(t *testing.T, pass string, patterns ...string) *Layer {
	t.Helper()
	l, err := New(Config{
		MirrorRoot:    fx.mirror,
		Passphrase:    []byte(pass),
		Transform:     testEngine,
		Flags:         fx.flags,
		ScratchDir:    t.TempDir(),
		PlainPatterns: patterns,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func (fx *fixture) backing(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(fx.mirror, name))
	require.NoError(t, err)
	return b
}

func readAll(t *testing.T, l *Layer, name string) []byte {
	t.Helper()
	buf := make([]byte, 1<<20)
	n, err := l.Read(context.Background(), name, buf, 0)
	require.NoError(t, err)
	return buf[:n]
}

func TestCreateWriteRead(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	l := fx.layer

	st, err := l.Create(ctx, "secret.txt", 0644, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, st.Size)
	assert.EqualValues(t, 0644, st.Mode&07777)
	assert.Equal(t, cryptflag.Encrypted, fx.flags.Classify(filepath.Join(fx.mirror, "secret.txt")))
	assert.Len(t, fx.backing(t, "secret.txt"), emptyCiphertextLen)

	n, err := l.Write(ctx, "secret.txt", []byte("hunter2"), 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	st, err = l.Getattr(ctx, "secret.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 7, st.Size)
	assert.EqualValues(t, 1, st.Blocks)
	assert.Equal(t, []byte("hunter2"), readAll(t, l, "secret.txt"))

	raw := fx.backing(t, "secret.txt")
	assert.False(t, bytes.Contains(raw, []byte("hunter2")), "cleartext visible in backing file")
	assert.EqualValues(t, transform.CiphertextSize(transform.CipherAESGCM, 7), len(raw))
}

func TestLegacyPlainFile(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	l := fx.layer
	require.NoError(t, os.WriteFile(filepath.Join(fx.mirror, "legacy"), []byte("hello"), 0600))

	st, err := l.Getattr(ctx, "legacy")
	require.NoError(t, err)
	assert.EqualValues(t, 5, st.Size)
	assert.Equal(t, []byte("hello"), readAll(t, l, "legacy"))

	_, err = l.Write(ctx, "legacy", []byte("J"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("Jello"), fx.backing(t, "legacy"))
	assert.Equal(t, cryptflag.Plain, fx.flags.Classify(filepath.Join(fx.mirror, "legacy")))
}

func TestReadBounds(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	l := fx.layer
	_, err := l.Create(ctx, "f", 0600, nil)
	require.NoError(t, err)
	_, err = l.Write(ctx, "f", []byte("0123456789"), 0)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := l.Read(ctx, "f", buf, 8)
	require.NoError(t, err)
	assert.Equal(t, "89", string(buf[:n]))

	n, err = l.Read(ctx, "f", buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = l.Read(ctx, "f", buf, 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = l.Read(ctx, "f", buf, -1)
	assert.Equal(t, syscall.EINVAL, ToErrno(err))
}

func TestSparseWrite(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	l := fx.layer
	_, err := l.Create(ctx, "sparse", 0600, nil)
	require.NoError(t, err)

	_, err = l.Write(ctx, "sparse", []byte("abc"), 10)
	require.NoError(t, err)
	want := append(make([]byte, 10), "abc"...)
	assert.Equal(t, want, readAll(t, l, "sparse"))

	st, err := l.Getattr(ctx, "sparse")
	require.NoError(t, err)
	assert.EqualValues(t, 13, st.Size)
}

func TestWriteKeepsMetadata(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	l := fx.layer
	_, err := l.Create(ctx, "meta", 0640, nil)
	require.NoError(t, err)
	before, err := os.Lstat(filepath.Join(fx.mirror, "meta"))
	require.NoError(t, err)

	_, err = l.Write(ctx, "meta", bytes.Repeat([]byte("x"), 10000), 0)
	require.NoError(t, err)

	after, err := os.Lstat(filepath.Join(fx.mirror, "meta"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after), "backing file was replaced")
	assert.Equal(t, before.Mode(), after.Mode())

	st, err := l.Getattr(ctx, "meta")
	require.NoError(t, err)
	assert.EqualValues(t, 10000, st.Size)
	assert.EqualValues(t, 20, st.Blocks)
	assert.Equal(t, after.Sys().(*syscall.Stat_t).Ino, st.Ino)
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	l := fx.layer
	_, err := l.Create(ctx, "t", 0600, nil)
	require.NoError(t, err)
	_, err = l.Write(ctx, "t", []byte("hello world"), 0)
	require.NoError(t, err)

	require.NoError(t, l.Truncate(ctx, "t", 5))
	assert.Equal(t, []byte("hello"), readAll(t, l, "t"))

	require.NoError(t, l.Truncate(ctx, "t", 8))
	assert.Equal(t, []byte("hello\x00\x00\x00"), readAll(t, l, "t"))

	require.NoError(t, l.Truncate(ctx, "t", 0))
	assert.Empty(t, readAll(t, l, "t"))
	assert.Len(t, fx.backing(t, "t"), emptyCiphertextLen)

	// Plain files are truncated directly
	require.NoError(t, os.WriteFile(filepath.Join(fx.mirror, "p"), []byte("plain"), 0600))
	require.NoError(t, l.Truncate(ctx, "p", 2))
	assert.Equal(t, []byte("pl"), fx.backing(t, "p"))
}

func TestCreateExisting(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(fx.mirror, "x"), []byte("keep"), 0600))
	_, err := fx.layer.Create(ctx, "x", 0600, nil)
	assert.Equal(t, syscall.EEXIST, ToErrno(err))
	assert.Equal(t, []byte("keep"), fx.backing(t, "x"))
}

func TestCreateRollback(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.flags.markErr = syscall.ENOTSUP
	_, err := fx.layer.Create(ctx, "gone", 0600, nil)
	assert.Equal(t, syscall.ENOTSUP, ToErrno(err))
	_, err = os.Lstat(filepath.Join(fx.mirror, "gone"))
	assert.True(t, os.IsNotExist(err), "backing file left behind")
}

func TestPlainPatterns(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, "*.log", "/tmp/")
	l := fx.layer
	require.NoError(t, os.Mkdir(filepath.Join(fx.mirror, "tmp"), 0700))

	for _, name := range []string{"app.log", "tmp/a", "sub.txt"} {
		_, err := l.Create(ctx, name, 0600, nil)
		require.NoError(t, err, name)
		_, err = l.Write(ctx, name, []byte("data"), 0)
		require.NoError(t, err, name)
		assert.Equal(t, []byte("data"), readAll(t, l, name))
	}
	assert.Equal(t, []byte("data"), fx.backing(t, "app.log"))
	assert.Equal(t, []byte("data"), fx.backing(t, "tmp/a"))
	assert.NotEqual(t, []byte("data"), fx.backing(t, "sub.txt"))
	assert.Equal(t, cryptflag.Plain, fx.flags.Classify(filepath.Join(fx.mirror, "app.log")))
}

func TestWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	_, err := fx.layer.Create(ctx, "s", 0600, nil)
	require.NoError(t, err)
	_, err = fx.layer.Write(ctx, "s", []byte("secret"), 0)
	require.NoError(t, err)
	before := fx.backing(t, "s")

	other := fx.newLayer(t, "wrong")
	buf := make([]byte, 10)
	_, err = other.Read(ctx, "s", buf, 0)
	assert.Equal(t, syscall.EIO, ToErrno(err))
	_, err = other.Getattr(ctx, "s")
	assert.Equal(t, syscall.EIO, ToErrno(err))
	_, err = other.Write(ctx, "s", []byte("x"), 0)
	assert.Equal(t, syscall.EIO, ToErrno(err))
	assert.Equal(t, before, fx.backing(t, "s"), "failed write modified the backing file")
	assert.Zero(t, other.Stats().ScratchLive)
}

func TestNonRegular(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	require.NoError(t, os.Mkdir(filepath.Join(fx.mirror, "dir"), 0755))
	require.NoError(t, os.Symlink("dangling", filepath.Join(fx.mirror, "link")))

	st, err := fx.layer.Getattr(ctx, "dir")
	require.NoError(t, err)
	assert.EqualValues(t, syscall.S_IFDIR, st.Mode&syscall.S_IFMT)

	st, err = fx.layer.Getattr(ctx, "link")
	require.NoError(t, err)
	assert.EqualValues(t, syscall.S_IFLNK, st.Mode&syscall.S_IFMT)
	assert.EqualValues(t, len("dangling"), st.Size)

	_, err = fx.layer.Getattr(ctx, "missing")
	assert.Equal(t, syscall.ENOENT, ToErrno(err))
}

func TestConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	l := fx.layer
	_, err := l.Create(ctx, "c", 0600, nil)
	require.NoError(t, err)

	const n = 16
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			_, err := l.Write(ctx, "c", []byte{byte('a' + i)}, int64(i))
			return err
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, []byte("abcdefghijklmnop"), readAll(t, l, "c"))

	s := l.Stats()
	assert.Zero(t, s.ScratchLive)
	assert.Zero(t, s.LockEntries)
	assert.EqualValues(t, n+1, s.WriteOpCount)
}

func TestLoadStore(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	l := fx.layer
	_, err := l.Create(ctx, "ls", 0600, nil)
	require.NoError(t, err)

	require.NoError(t, l.Store(ctx, "ls", []byte("whole content")))
	got, err := l.Load(ctx, "ls")
	require.NoError(t, err)
	assert.Equal(t, []byte("whole content"), got)
	assert.False(t, bytes.Contains(fx.backing(t, "ls"), []byte("whole")))
}

func TestMirrorPhysical(t *testing.T) {
	m := NewMirror("/mirror/")
	for in, want := range map[string]string{
		"":              "/mirror",
		"/":             "/mirror",
		"a/b":           "/mirror/a/b",
		"/a/b":          "/mirror/a/b",
		"../../etc":     "/mirror/etc",
		"a/../../b/./c": "/mirror/b/c",
	} {
		assert.Equal(t, want, m.Physical(in), "input %q", in)
	}
}

func TestReconcile(t *testing.T) {
	in := syscall.Stat_t{Ino: 42, Mode: syscall.S_IFREG | 0600, Nlink: 2, Size: 4200, Blocks: 16}
	out := Reconcile(Snap(&in), 513)
	assert.EqualValues(t, 513, out.Size)
	assert.EqualValues(t, 2, out.Blocks)
	assert.EqualValues(t, 42, out.Ino)
	assert.EqualValues(t, 2, out.Nlink)
	assert.EqualValues(t, 4200, in.Size, "input was modified")
}

func TestToErrno(t *testing.T) {
	terr := &scratch.TransformError{Action: transform.Decrypt, Path: "/x", Err: transform.ErrAuth}
	assert.Equal(t, syscall.Errno(0), ToErrno(nil))
	assert.Equal(t, syscall.EIO, ToErrno(terr))
	assert.Equal(t, syscall.EIO, ToErrno(fmt.Errorf("wrapped: %w", terr)))
	assert.Equal(t, syscall.EACCES, ToErrno(&os.PathError{Op: "open", Path: "/x", Err: syscall.EACCES}))
	assert.Equal(t, syscall.EINTR, ToErrno(context.Canceled))
	assert.Equal(t, syscall.EIO, ToErrno(errors.New("something")))
}

func TestNewRejects(t *testing.T) {
	_, err := New(Config{MirrorRoot: t.TempDir(), Transform: testEngine})
	assert.Error(t, err, "empty passphrase")

	_, err = New(Config{MirrorRoot: t.TempDir(), Passphrase: []byte("x")})
	assert.Error(t, err, "no transform")

	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0600))
	_, err = New(Config{MirrorRoot: f, Passphrase: []byte("x"), Transform: testEngine})
	assert.Equal(t, syscall.ENOTDIR, ToErrno(err))

	_, err = New(Config{MirrorRoot: t.TempDir(), Passphrase: []byte("x"), Transform: testEngine,
		ScratchDir: t.TempDir(), MaxScratch: 1})
	assert.Error(t, err, "scratch limit below two")
}

// xattrMirror returns a mirror directory with user xattr support, or skips
// the test.
func xattrMirror(t *testing.T) string {
	t.Helper()
	mirror := t.TempDir()
	check := filepath.Join(mirror, "check")
	require.NoError(t, os.WriteFile(check, nil, 0600))
	if err := cryptflag.New("").Mark(check, false); err != nil {
		if cryptflag.IsUnsupported(err) {
			t.Skip("no user xattr support on", mirror)
		}
		t.Fatal(err)
	}
	require.NoError(t, os.Remove(check))
	return mirror
}

func TestXattrOracle(t *testing.T) {
	ctx := context.Background()
	mirror := xattrMirror(t)
	oracle := cryptflag.New("")
	l, err := New(Config{
		MirrorRoot: mirror,
		Passphrase: []byte("test"),
		Transform:  testEngine,
		ScratchDir: t.TempDir(),
	})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Create(ctx, "f", 0600, nil)
	require.NoError(t, err)
	assert.Equal(t, cryptflag.Encrypted, oracle.Lookup(filepath.Join(mirror, "f")))
	_, err = l.Write(ctx, "f", []byte("xattr"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("xattr"), readAll(t, l, "f"))
}

// The literal walkthrough: create, write 13 bytes, read them back, stat.
func TestHelloWorld(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	l := fx.layer
	_, err := l.Create(ctx, "/foo", 0644, nil)
	require.NoError(t, err)
	n, err := l.Write(ctx, "/foo", []byte("hello world!!"), 0)
	require.NoError(t, err)
	assert.Equal(t, 13, n)

	buf := make([]byte, 100)
	n, err = l.Read(ctx, "/foo", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world!!", string(buf[:n]))
	st, err := l.Getattr(ctx, "/foo")
	require.NoError(t, err)
	assert.EqualValues(t, 13, st.Size)
	assert.Equal(t, cryptflag.Encrypted, fx.flags.Classify(filepath.Join(fx.mirror, "foo")))
}

// With the smallest scratch limit a write still finishes, also when
// several files are written at the same time.
func TestWriteSmallestScratchLimit(t *testing.T) {
	fx := &fixture{mirror: t.TempDir(), flags: newMemFlags()}
	l, err := New(Config{
		MirrorRoot: fx.mirror,
		Passphrase: []byte("test"),
		Transform:  testEngine,
		Flags:      fx.flags,
		ScratchDir: t.TempDir(),
		MaxScratch: scratch.MinInFlight,
	})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	names := []string{"a", "b", "c", "d"}
	for _, name := range names {
		_, err := l.Create(ctx, name, 0600, nil)
		require.NoError(t, err)
	}
	var eg errgroup.Group
	for _, name := range names {
		eg.Go(func() error {
			for i := 0; i < 4; i++ {
				if _, err := l.Write(ctx, name, []byte(name), int64(i)); err != nil {
					return err
				}
			}
			if err := l.Truncate(ctx, name, 2); err != nil {
				return err
			}
			return l.Store(ctx, name, []byte(name+name+name))
		})
	}
	require.NoError(t, eg.Wait())
	for _, name := range names {
		assert.Equal(t, []byte(name+name+name), readAll(t, l, name))
	}
	assert.Zero(t, l.Stats().ScratchLive)
}

// ticketRecorder remembers the scratch file of every transform that reads
// from one.
type ticketRecorder struct {
	transform.Service
	mu      sync.Mutex
	tickets []uuid.UUID
}

func (r *ticketRecorder) Transform(in io.Reader, out io.Writer, action transform.Action, passphrase []byte) error {
	if f, ok := in.(*scratch.File); ok {
		r.mu.Lock()
		r.tickets = append(r.tickets, f.Ticket)
		r.mu.Unlock()
	}
	return r.Service.Transform(in, out, action, passphrase)
}

// Concurrent writes to different files do not interfere and never share a
// scratch file.
func TestIsolation(t *testing.T) {
	ctx := context.Background()
	rec := &ticketRecorder{Service: testEngine}
	fx := &fixture{mirror: t.TempDir(), flags: newMemFlags()}
	l, err := New(Config{
		MirrorRoot: fx.mirror,
		Passphrase: []byte("test"),
		Transform:  rec,
		Flags:      fx.flags,
		ScratchDir: t.TempDir(),
	})
	require.NoError(t, err)
	defer l.Close()
	_, err = l.Create(ctx, "lower", 0600, nil)
	require.NoError(t, err)
	_, err = l.Create(ctx, "upper", 0600, nil)
	require.NoError(t, err)

	const n = 8
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			_, err := l.Write(ctx, "lower", []byte{byte('a' + i)}, int64(i))
			return err
		})
		eg.Go(func() error {
			_, err := l.Write(ctx, "upper", []byte{byte('A' + i)}, int64(i))
			return err
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, []byte("abcdefgh"), readAll(t, l, "lower"))
	assert.Equal(t, []byte("ABCDEFGH"), readAll(t, l, "upper"))

	// Every write encrypted from its own scratch file
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.tickets, 2*n)
	seen := make(map[uuid.UUID]bool)
	for _, tk := range rec.tickets {
		assert.False(t, seen[tk], "scratch file %v used twice", tk)
		seen[tk] = true
	}
	assert.Zero(t, l.Stats().ScratchLive)
	entries, err := os.ReadDir(l.arena.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// Readers of a file that is being rewritten see either the old or the new
// content, never a mix or a decryption error.
func TestWriteReadSerialized(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	l := fx.layer
	const size = 3*transform.BlockSize + 100
	contents := [][]byte{bytes.Repeat([]byte("A"), size), bytes.Repeat([]byte("B"), size)}
	_, err := l.Create(ctx, "s", 0600, nil)
	require.NoError(t, err)
	_, err = l.Write(ctx, "s", contents[0], 0)
	require.NoError(t, err)

	done := make(chan struct{})
	var eg errgroup.Group
	eg.Go(func() error {
		defer close(done)
		for i := 1; i <= 20; i++ {
			if _, err := l.Write(ctx, "s", contents[i%2], 0); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		eg.Go(func() error {
			buf := make([]byte, size+10)
			for {
				select {
				case <-done:
					return nil
				default:
				}
				n, err := l.Read(ctx, "s", buf, 0)
				if err != nil {
					return err
				}
				if !bytes.Equal(buf[:n], contents[0]) && !bytes.Equal(buf[:n], contents[1]) {
					return fmt.Errorf("read %d bytes of mixed content", n)
				}
				st, err := l.Getattr(ctx, "s")
				if err != nil {
					return err
				}
				if st.Size != size {
					return fmt.Errorf("getattr size %d", st.Size)
				}
			}
		})
	}
	require.NoError(t, eg.Wait())
}

// A file created without owner write permission gets its flag and stays
// writable through the creating handle. Needs real xattrs, which the kernel
// only lets the owner set with write permission, so as root the test also
// runs itself as an unprivileged user.
func TestCreateReadOnlyMode(t *testing.T) {
	if os.Getuid() == 0 {
		runUnprivileged(t, "TestCreateReadOnlyMode")
	}
	ctx := context.Background()
	mirror := xattrMirror(t)
	l, err := New(Config{
		MirrorRoot: mirror,
		Passphrase: []byte("test"),
		Transform:  testEngine,
		ScratchDir: t.TempDir(),
	})
	require.NoError(t, err)
	defer l.Close()

	st, err := l.Create(ctx, "ro.txt", 0444, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0444, st.Mode&07777)
	p := filepath.Join(mirror, "ro.txt")
	assert.Equal(t, cryptflag.Encrypted, cryptflag.New("").Lookup(p))

	_, err = l.Write(ctx, "ro.txt", []byte("object"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("object"), readAll(t, l, "ro.txt"))
	fi, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), fi.Mode().Perm())
}

// runUnprivileged runs the test "name" in a copy of the test binary as uid
// and gid 65534.
func runUnprivileged(t *testing.T, name string) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	dir := t.TempDir()
	// The unprivileged user must reach the binary and create temp dirs
	for d := dir; d != filepath.Clean(os.TempDir()) && d != "/"; d = filepath.Dir(d) {
		require.NoError(t, os.Chmod(d, 0777))
	}
	bin := filepath.Join(dir, "overlay.test")
	src, err := os.ReadFile(exe)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(bin, src, 0755))

	cmd := exec.Command(bin, "-test.run=^"+name+"$", "-test.v")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TMPDIR="+dir)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: 65534, Gid: 65534},
	}
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		t.Skipf("cannot run as uid 65534: %v", err)
	}
	require.NoError(t, err, "unprivileged run:\n%s", out)
}
