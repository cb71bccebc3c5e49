// Package exitcodes contains all well-defined exit codes that encmirrorfs
// can return.
package exitcodes

import (
	"errors"
	"os"
)

const (
	// Usage - usage error like wrong cli syntax, wrong number of parameters.
	Usage = 1
	// 2 is reserved because it is used by Go panic

	// MirrorDir means that the mirror directory does not exist, cannot be
	// resolved to an absolute path, or is not a directory.
	MirrorDir = 6
	// Init is an error while setting up the encryption layer (scratch arena,
	// cipher selection, ...)
	Init = 7
	// MountPoint error means that the mountpoint is invalid (not empty etc).
	MountPoint = 10
	// Other error - please inspect the message
	Other = 11
	// PasswordEmpty - we received an empty passphrase
	PasswordEmpty = 22
	// SigInt means we got SIGINT
	SigInt = 15
	// FuseNewServer - this exit code means that the call to fs.Mount failed.
	// This usually means that there was a problem executing fusermount, or
	// fusermount could not attach the mountpoint to the kernel.
	FuseNewServer = 19
	// PlainPatterns - an error occurred while processing "-plain_from"
	PlainPatterns = 29
	// Metrics - the metrics listener could not be created
	Metrics = 31
	// Profiler is an error when trying to write the CPU or memory profile
	Profiler = 32
	// DevNull means that /dev/null could not be opened
	DevNull = 33
)

// Err wraps an error with an associated numeric exit code
type Err struct {
	error
	code int
}

// NewErr returns an error containing "msg" and the exit code "code".
func NewErr(msg string, code int) Err {
	return Err{
		error: errors.New(msg),
		code:  code,
	}
}

// Code extracts the numeric exit code from "err". Errors that do not carry
// one map to Other.
func Code(err error) int {
	var err2 Err
	if errors.As(err, &err2) {
		return err2.code
	}
	return Other
}

// Exit extracts the numeric exit code from "err" (if available) and exits the
// application.
func Exit(err error) {
	os.Exit(Code(err))
}
