// Package pathlock maintains a table of backing paths that currently have a
// content operation in flight. Every operation that reads or rewrites file
// content takes the lock for its path, so operations on one file are
// serialized while operations on different files run in parallel.
package pathlock

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
)

// Table is the lock table. The zero value is not usable, call New.
type Table struct {
	// writeOpCount counts Lock() calls. As every operation that modifies a
	// file content calls it, this effectively serves as a write-operation
	// counter.
	writeOpCount atomic.Uint64
	// sharedStorage enables flock(2) on the backing file in addition to the
	// in-process lock, for mirrors that are mounted more than once.
	sharedStorage bool
	// Protects map access
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	// Reference count. Protected by the table lock.
	refCount int
	// contentLock protects on-disk content. Readers take it shared, writers
	// exclusive.
	contentLock sync.RWMutex
}

// New returns an empty table.
func New(sharedStorage bool) *Table {
	return &Table{
		sharedStorage: sharedStorage,
		entries:       make(map[string]*entry),
	}
}

// register creates an entry for "path" (or increments the reference count if
// the entry already exists) and returns the entry.
func (t *Table) register(path string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[path]
	if e == nil {
		e = &entry{}
		t.entries[path] = e
	}
	e.refCount++
	return e
}

// unregister decrements the reference count for "path" and deletes the entry
// from the table if the reference count reaches 0.
func (t *Table) unregister(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[path]
	e.refCount--
	if e.refCount == 0 {
		delete(t.entries, path)
	}
}

// Lock takes the exclusive lock for "path". The returned function releases
// it and must be called exactly once.
func (t *Table) Lock(path string) (unlock func()) {
	e := t.register(path)
	e.contentLock.Lock()
	t.writeOpCount.Add(1)
	fl := t.flock(path, true)
	return func() {
		if fl != nil {
			fl.Unlock()
		}
		e.contentLock.Unlock()
		t.unregister(path)
	}
}

// RLock takes the shared lock for "path". The returned function releases
// it and must be called exactly once.
func (t *Table) RLock(path string) (unlock func()) {
	e := t.register(path)
	e.contentLock.RLock()
	fl := t.flock(path, false)
	return func() {
		if fl != nil {
			fl.Unlock()
		}
		e.contentLock.RUnlock()
		t.unregister(path)
	}
}

// flock takes the cross-process lock in -sharedstorage mode. It returns nil
// if sharedstorage is off or the backing file cannot be locked; the
// in-process lock still applies in that case.
func (t *Table) flock(path string, exclusive bool) *flock.Flock {
	if !t.sharedStorage {
		return nil
	}
	// O_RDONLY without O_CREATE: never create the file as a side effect.
	fl := flock.New(path, flock.SetFlag(os.O_RDONLY))
	var err error
	if exclusive {
		err = fl.Lock()
	} else {
		err = fl.RLock()
	}
	if err != nil {
		if !os.IsNotExist(err) {
			tlog.Debug.Printf("pathlock: flock %q: %v", path, err)
		}
		return nil
	}
	return fl
}

// WriteOpCount returns the write lock counter value. This value is
// incremented each time Lock() is called.
func (t *Table) WriteOpCount() uint64 {
	return t.writeOpCount.Load()
}

// CountEntries returns how many paths are currently locked or waiting for
// their lock in a threadsafe manner.
func (t *Table) CountEntries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
