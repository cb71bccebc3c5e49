package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/encmirrorfs/encmirrorfs/internal/cryptflag"
	"github.com/encmirrorfs/encmirrorfs/internal/exitcodes"
	"github.com/encmirrorfs/encmirrorfs/internal/scratch"
	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
	"github.com/encmirrorfs/encmirrorfs/internal/transform"
)

// argContainer stores the parsed CLI options and arguments
type argContainer struct {
	debug, fusedebug, quiet, wpanic, syslog, fg, singlethread,
	allow_other, ro, cache_handles, sharedstorage, version, help, speed bool
	fsname, cipher, xattr_namespace, scratchdir, metrics,
	cpuprofile, memprofile string
	scryptn     int
	max_scratch int64
	// -plain and -plain_from can be passed multiple times
	plain, plainFrom []string
	// Positional arguments
	passphrase, mirror, mountpoint string
	// Helper variables that are NOT cli options all start with an underscore
	// _kernelOpts are "-o" items and trailing positionals that are not our
	// own options. They are passed to the kernel verbatim.
	_kernelOpts []string
	// _plainPatterns collects -plain and the lines of all -plain_from files
	_plainPatterns []string
	// _cipher is the parsed -cipher value
	_cipher transform.CipherID
}

func newFlagSet(args *argContainer) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(tlog.ProgramName, pflag.ContinueOnError)
	flagSet.Usage = func() {}
	flagSet.SortFlags = false

	flagSet.BoolVarP(&args.debug, "debug", "d", false, "Enable debug output")
	flagSet.BoolVar(&args.fusedebug, "fusedebug", false, "Enable fuse library debug output")
	flagSet.BoolVarP(&args.quiet, "quiet", "q", false, "Quiet - silence informational messages")
	flagSet.BoolVar(&args.wpanic, "wpanic", false, "When encountering a warning, panic and exit immediately")
	flagSet.BoolVar(&args.syslog, "syslog", false, "Send all log messages to syslog")
	flagSet.BoolVarP(&args.fg, "fg", "f", false, "Stay in the foreground (always the case)")
	flagSet.BoolVarP(&args.singlethread, "singlethread", "s", false, "Serve FUSE requests from a single goroutine")
	flagSet.BoolVar(&args.allow_other, "allow_other", false, "Allow other users to access the filesystem. "+
		"Only works if user_allow_other is set in /etc/fuse.conf.")
	flagSet.BoolVar(&args.ro, "ro", false, "Mount the filesystem read-only")
	flagSet.StringVar(&args.fsname, "fsname", "", "Override the filesystem name (first column in df -T)")
	flagSet.StringVar(&args.cipher, "cipher", transform.CipherAESGCM.String(),
		"Cipher for new content: "+strings.Join(transform.CipherNames(), ", "))
	flagSet.IntVar(&args.scryptn, "scryptn", transform.ScryptDefaultLogN, "scrypt cost parameter logN")
	flagSet.StringVar(&args.xattr_namespace, "xattr_namespace", cryptflag.DefaultNamespace,
		"Namespace of the encryption flag attribute user.NAMESPACE.encrypted")
	flagSet.StringVar(&args.scratchdir, "scratchdir", "", "Parent directory of the scratch directory (default $TMPDIR)")
	flagSet.Int64Var(&args.max_scratch, "max_scratch", scratch.DefaultMaxInFlight, "Maximum number of scratch files in use")
	flagSet.StringArrayVar(&args.plain, "plain", nil, "Create files matching this gitignore-style pattern unencrypted")
	flagSet.StringArrayVar(&args.plainFrom, "plain_from", nil, "Read -plain patterns from this file")
	flagSet.BoolVar(&args.cache_handles, "cache_handles", false, "Keep the cleartext of open files in memory until close")
	flagSet.BoolVar(&args.sharedstorage, "sharedstorage", false, "Lock backing files with flock(2) for mirrors mounted more than once")
	flagSet.StringVar(&args.metrics, "metrics", "", "Serve Prometheus metrics on this address, e.g. :9101")
	flagSet.StringVar(&args.cpuprofile, "cpuprofile", "", "Write cpu profile to specified file")
	flagSet.StringVar(&args.memprofile, "memprofile", "", "Write memory profile to specified file")
	flagSet.BoolVar(&args.speed, "speed", false, "Run crypto speed test")
	flagSet.BoolVar(&args.version, "version", false, "Print version and exit")
	flagSet.BoolVarP(&args.help, "help", "h", false, "Show this help text")
	return flagSet
}

// prefixOArgs transform options passed via "-o foo,bar" into regular options
// like "--foo --bar" and prefixes them to the command line. Items for which
// "known" returns false are returned separately as kernel mount options.
// Testcases in TestPrefixOArgs().
func prefixOArgs(osArgs []string, known func(string) bool) (newArgs []string, kernelOpts []string, err error) {
	// Need at least 3, example: encmirrorfs -o    foo,bar
	//                                 ^ 0    ^ 1    ^ 2
	if len(osArgs) < 3 {
		return osArgs, nil, nil
	}
	// Find and extract "-o foo,bar". Passing "--" stops "-o" parsing.
	var otherArgs, oOpts []string
	for i := 1; i < len(osArgs); i++ {
		if osArgs[i] == "--" {
			otherArgs = append(otherArgs, osArgs[i:]...)
			break
		}
		if osArgs[i] == "-o" {
			// Last argument?
			if i+1 >= len(osArgs) {
				return nil, nil, errors.New("the \"-o\" option requires an argument")
			}
			oOpts = append(oOpts, strings.Split(osArgs[i+1], ",")...)
			// Skip over the arguments to "-o"
			i++
		} else if strings.HasPrefix(osArgs[i], "-o=") {
			oOpts = append(oOpts, strings.Split(osArgs[i][3:], ",")...)
		} else {
			otherArgs = append(otherArgs, osArgs[i])
		}
	}
	// Start with program name
	newArgs = []string{osArgs[0]}
	// Add options from "-o"
	for _, o := range oOpts {
		if o == "" {
			continue
		}
		if o == "o" || o == "-o" {
			return nil, nil, errors.New("you can't pass \"-o\" to \"-o\"")
		}
		name := strings.SplitN(o, "=", 2)[0]
		if known(name) {
			newArgs = append(newArgs, "--"+o)
		} else {
			kernelOpts = append(kernelOpts, o)
		}
	}
	// Add other arguments
	newArgs = append(newArgs, otherArgs...)
	return newArgs, kernelOpts, nil
}

// doubleDash rewrites single-dash long options like "-debug" or
// "-cipher=aes-siv" into the "--debug" form. Single-letter shorthands and
// everything after "--" are left alone.
func doubleDash(args []string, known func(string) bool) []string {
	out := make([]string, 0, len(args))
	for i, a := range args {
		if a == "--" {
			return append(out, args[i:]...)
		}
		if len(a) > 2 && a[0] == '-' && a[1] != '-' {
			name := strings.SplitN(a[1:], "=", 2)[0]
			if known(name) {
				a = "-" + a
			}
		}
		out = append(out, a)
	}
	return out
}

// parseCliOpts - parse command line options and positional arguments.
// "osArgs" includes the program name.
func parseCliOpts(osArgs []string) (args argContainer, err error) {
	flagSet := newFlagSet(&args)
	known := func(name string) bool {
		return len(name) > 1 && flagSet.Lookup(name) != nil
	}
	osArgs, args._kernelOpts, err = prefixOArgs(osArgs, known)
	if err != nil {
		return args, err
	}
	if len(osArgs) == 0 {
		return args, errors.New("empty argument list")
	}
	if err = flagSet.Parse(doubleDash(osArgs[1:], known)); err != nil {
		return args, err
	}
	if args.version || args.help || args.speed {
		return args, nil
	}
	pos := flagSet.Args()
	if len(pos) < 3 {
		return args, fmt.Errorf("need 3 positional arguments, got %d", len(pos))
	}
	args.passphrase, args.mirror, args.mountpoint = pos[0], pos[1], pos[2]
	// Trailing positionals are mount options for the kernel
	for _, p := range pos[3:] {
		for _, o := range strings.Split(strings.TrimPrefix(p, "-"), ",") {
			if o != "" {
				args._kernelOpts = append(args._kernelOpts, o)
			}
		}
	}
	args._cipher, err = transform.ParseCipher(args.cipher)
	if err != nil {
		return args, err
	}
	if args.max_scratch < scratch.MinInFlight {
		return args, fmt.Errorf("-max_scratch must be at least %d, got %d", scratch.MinInFlight, args.max_scratch)
	}
	args._plainPatterns = append(args._plainPatterns, args.plain...)
	for _, file := range args.plainFrom {
		lines, err := getLines(file)
		if err != nil {
			return args, exitcodes.NewErr(fmt.Sprintf("reading -plain_from %q: %v", file, err), exitcodes.PlainPatterns)
		}
		args._plainPatterns = append(args._plainPatterns, lines...)
	}
	return args, nil
}

// getLines reads a file and splits it into lines
func getLines(file string) ([]string, error) {
	buffer, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(buffer), "\n"), nil
}
