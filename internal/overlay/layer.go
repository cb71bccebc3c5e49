// Package overlay implements the encryption layer: every content operation
// on the mount point is mapped to the mirror directory, classified by the
// per-file encryption flag, staged through the transform service into a
// scratch file, and reported back with reconciled attributes.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/encmirrorfs/encmirrorfs/internal/cryptflag"
	"github.com/encmirrorfs/encmirrorfs/internal/metrics"
	"github.com/encmirrorfs/encmirrorfs/internal/pathlock"
	"github.com/encmirrorfs/encmirrorfs/internal/scratch"
	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
	"github.com/encmirrorfs/encmirrorfs/internal/transform"
)

// FlagStore reads and writes the per-file encryption flag.
type FlagStore interface {
	// Classify never fails: a missing or unreadable flag reads as Plain.
	Classify(path string) cryptflag.State
	Mark(path string, encrypted bool) error
}

var _ FlagStore = &cryptflag.Oracle{}

// Config holds everything the layer needs. It is fixed at mount time.
type Config struct {
	// MirrorRoot is the absolute path of the mirror directory.
	MirrorRoot string
	// Passphrase is copied by New.
	Passphrase []byte
	Transform  transform.Service
	// Flags defaults to a cryptflag.Oracle with the default namespace.
	Flags FlagStore
	// ScratchDir is the parent of the private scratch directory. Empty
	// means os.TempDir().
	ScratchDir string
	// MaxScratch bounds the number of scratch files in flight.
	MaxScratch int64
	// SharedStorage adds flock(2) locking on the backing files.
	SharedStorage bool
	// PlainPatterns are gitignore-style patterns. New files matching them
	// are created unencrypted.
	PlainPatterns []string
	Metrics       *metrics.Metrics
}

// Layer is the encryption layer. All methods are safe for concurrent use.
type Layer struct {
	mirror  Mirror
	flags   FlagStore
	arena   *scratch.Arena
	stager  *scratch.Stager
	locks   *pathlock.Table
	plain   *ignore.GitIgnore
	metrics *metrics.Metrics
}

// New validates "cfg" and creates the layer together with its scratch arena.
// Call Close when the layer is no longer used.
func New(cfg Config) (*Layer, error) {
	if len(cfg.Passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if cfg.Transform == nil {
		return nil, errors.New("no transform service")
	}
	fi, err := os.Stat(cfg.MirrorRoot)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", cfg.MirrorRoot, syscall.ENOTDIR)
	}
	flags := cfg.Flags
	if flags == nil {
		flags = cryptflag.New(cryptflag.DefaultNamespace)
	}
	arena, err := scratch.NewArena(cfg.ScratchDir, cfg.MaxScratch)
	if err != nil {
		return nil, err
	}
	m := cfg.Metrics
	arena.OnChange = m.SetScratchLive
	l := &Layer{
		mirror: NewMirror(cfg.MirrorRoot),
		flags:  flags,
		arena:  arena,
		stager: &scratch.Stager{
			Arena:      arena,
			Transform:  cfg.Transform,
			Passphrase: append([]byte(nil), cfg.Passphrase...),
			OnTransform: func(a transform.Action, err error) {
				m.ObserveTransform(a.String(), err)
			},
		},
		locks:   pathlock.New(cfg.SharedStorage),
		metrics: m,
	}
	if len(cfg.PlainPatterns) > 0 {
		l.plain = ignore.CompileIgnoreLines(cfg.PlainPatterns...)
	}
	return l, nil
}

// Mirror returns the path mapper.
func (l *Layer) Mirror() Mirror {
	return l.mirror
}

// Close removes the scratch arena. Operations still in flight fail.
func (l *Layer) Close() error {
	return l.arena.Close()
}

// classify reads the flag of the backing file "path".
func (l *Layer) classify(path string) cryptflag.State {
	s := l.flags.Classify(path)
	l.metrics.ObserveClassify(s.String())
	return s
}

// wantsPlain tells if a new file at "virtual" should be created unencrypted.
func (l *Layer) wantsPlain(virtual string) bool {
	if l.plain == nil {
		return false
	}
	return l.plain.MatchesPath(relative(virtual))
}

// decodeAction is the action that turns backing content of a file in state
// "s" into cleartext.
func decodeAction(s cryptflag.State) transform.Action {
	if s == cryptflag.Encrypted {
		return transform.Decrypt
	}
	return transform.Passthrough
}

// ToErrno maps an error returned by the layer to the errno reported to the
// kernel. Transform failures are EIO, OS errors keep their errno.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var terr *scratch.TransformError
	if errors.As(err, &terr) {
		tlog.Warn.Printf("%v", terr)
		return syscall.EIO
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syscall.EINTR
	}
	if errors.Is(err, scratch.ErrClosed) {
		return syscall.ENOTCONN
	}
	tlog.Debug.Printf("ToErrno: unexpected error type %T: %v", err, err)
	return syscall.EIO
}
