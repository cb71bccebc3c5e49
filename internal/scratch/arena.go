// Package scratch manages the short-lived staging files that hold a
// transformed copy of file content while one operation is in flight.
//
// Every scratch file lives in a private directory owned by an Arena and is
// named by a random ticket, so no two operations ever share one. Callers
// defer File.Release right after Acquire; Release closes and unlinks the
// file and is idempotent.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
)

// DefaultMaxInFlight bounds the number of live scratch files when the caller
// does not choose a limit.
const DefaultMaxInFlight = 256

// MinInFlight is the smallest allowed limit. A rewrite holds two scratch
// files at once.
const MinInFlight = 2

const dirPattern = "encmirrorfs-scratch-"

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("scratch arena closed")

// Arena hands out scratch files.
type Arena struct {
	dir string
	sem *semaphore.Weighted
	max int64

	live   atomic.Int64
	closed atomic.Bool
	// OnChange, if set, is called with the number of live scratch files
	// after every Acquire and Release.
	OnChange func(live int64)
}

// NewArena creates a private 0700 directory below "parent" (the OS temp dir
// if empty) and returns an Arena that allows at most "maxInFlight" live
// scratch files (DefaultMaxInFlight if <= 0).
func NewArena(parent string, maxInFlight int64) (*Arena, error) {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if maxInFlight < MinInFlight {
		return nil, fmt.Errorf("scratch limit %d is below the minimum of %d", maxInFlight, MinInFlight)
	}
	dir, err := os.MkdirTemp(parent, dirPattern)
	if err != nil {
		return nil, err
	}
	// MkdirTemp already uses 0700, but the umask may have been cleared
	// for the FUSE server.
	if err := os.Chmod(dir, 0700); err != nil {
		os.Remove(dir)
		return nil, err
	}
	return &Arena{
		dir: dir,
		sem: semaphore.NewWeighted(maxInFlight),
		max: maxInFlight,
	}, nil
}

// Dir returns the arena directory.
func (a *Arena) Dir() string {
	return a.dir
}

// Live returns the number of scratch files that have not been released.
func (a *Arena) Live() int64 {
	return a.live.Load()
}

// Acquire creates a new, empty scratch file. It blocks while the arena is at
// its limit, until "ctx" is done.
func (a *Arena) Acquire(ctx context.Context) (*File, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for scratch slot: %w", err)
	}
	f, err := a.create()
	if err != nil {
		a.sem.Release(1)
		return nil, err
	}
	return f, nil
}

// create makes a scratch file for a slot the caller already holds.
func (a *Arena) create() (*File, error) {
	ticket := uuid.New()
	p := filepath.Join(a.dir, ticket.String())
	fd, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	a.changed(a.live.Add(1))
	return &File{
		File:   fd,
		Ticket: ticket,
		arena:  a,
	}, nil
}

// Reserve takes "n" slots in one step. Operations that need more than one
// scratch file at a time must reserve them up front: taking them one by one
// deadlocks once every slot is held by a half-done operation.
func (a *Arena) Reserve(ctx context.Context, n int64) (*Reservation, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if n < 1 || n > a.max {
		return nil, fmt.Errorf("cannot reserve %d scratch slots, limit is %d", n, a.max)
	}
	if err := a.sem.Acquire(ctx, n); err != nil {
		return nil, fmt.Errorf("waiting for scratch slots: %w", err)
	}
	return &Reservation{arena: a, left: n}, nil
}

// Reservation holds scratch slots taken by Reserve. Files acquired through
// it give their slot back on Release; Close gives back the unused ones.
type Reservation struct {
	arena *Arena

	mu   sync.Mutex
	left int64
}

// ErrReservationUsed is returned by Reservation.Acquire when every reserved
// slot has been used.
var ErrReservationUsed = errors.New("scratch reservation used up")

// Acquire creates a scratch file in one of the reserved slots. It never
// blocks.
func (r *Reservation) Acquire(ctx context.Context) (*File, error) {
	if r.arena.closed.Load() {
		return nil, ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.left == 0 {
		return nil, ErrReservationUsed
	}
	f, err := r.arena.create()
	if err != nil {
		return nil, err
	}
	r.left--
	return f, nil
}

// Close releases the slots that were not used. It is idempotent.
func (r *Reservation) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.left > 0 {
		r.arena.sem.Release(r.left)
		r.left = 0
	}
}

func (a *Arena) changed(live int64) {
	if a.OnChange != nil {
		a.OnChange(live)
	}
}

// Close removes the arena directory. Scratch files that are still live are
// removed with it; their holders get errors on further I/O.
func (a *Arena) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	if n := a.live.Load(); n > 0 {
		tlog.Warn.Printf("scratch: closing arena with %d live files", n)
	}
	return os.RemoveAll(a.dir)
}

// File is one scratch file.
type File struct {
	*os.File
	// Ticket is unique to this scratch file.
	Ticket uuid.UUID

	arena *Arena
	once  sync.Once
}

// Size returns the current length of the scratch file.
func (f *File) Size() (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Rewind seeks back to the start of the file.
func (f *File) Rewind() error {
	_, err := f.Seek(0, 0)
	return err
}

// Release closes and deletes the scratch file. It is safe to call more
// than once and from deferred cleanup on every return path.
func (f *File) Release() error {
	var err error
	f.once.Do(func() {
		name := f.Name()
		err = f.Close()
		if err2 := os.Remove(name); err2 != nil && !os.IsNotExist(err2) {
			tlog.Warn.Printf("scratch: removing %s: %v", name, err2)
			if err == nil {
				err = err2
			}
		}
		f.arena.sem.Release(1)
		f.arena.changed(f.arena.live.Add(-1))
	})
	return err
}
