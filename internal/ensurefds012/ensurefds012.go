// Package ensurefds012 ensures that file descriptors 0,1,2 are open. It opens
// multiple copies of /dev/null as required.
//
// If we were started with fd 1 or 2 closed, the first backing or scratch
// file we open would get that number, and log output would end up in the
// file.
//
// Use like this:
//
//	import _ "github.com/encmirrorfs/encmirrorfs/internal/ensurefds012"
//
// The import line MUST be in the alphabetically first source code file of
// package main!
//
// Test by starting with all standard fds closed,
//
//	$ ./encmirrorfs 0<&- 1>&- 2>&- ...
//
// and checking that /proc/$(pgrep encmirrorfs)/fd/{0,1,2} point to /dev/null.
package ensurefds012

import (
	"os"
	"syscall"

	"github.com/encmirrorfs/encmirrorfs/internal/exitcodes"
)

func init() {
	fd, err := syscall.Open("/dev/null", syscall.O_RDWR, 0)
	if err != nil {
		os.Exit(exitcodes.DevNull)
	}
	// Dup until we get a number above 2. Every dup fills the lowest free
	// slot, so 0, 1 and 2 are all taken afterwards.
	for fd <= 2 {
		if fd, err = syscall.Dup(fd); err != nil {
			os.Exit(exitcodes.DevNull)
		}
	}
	// The last one is excess (usually fd 3)
	syscall.Close(fd)
}
