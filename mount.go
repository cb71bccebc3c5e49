package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/xattr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/encmirrorfs/encmirrorfs/internal/cryptflag"
	"github.com/encmirrorfs/encmirrorfs/internal/exitcodes"
	"github.com/encmirrorfs/encmirrorfs/internal/fusefrontend"
	"github.com/encmirrorfs/encmirrorfs/internal/metrics"
	"github.com/encmirrorfs/encmirrorfs/internal/overlay"
	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
	"github.com/encmirrorfs/encmirrorfs/internal/transform"
)

// doMount mounts the mirror directory and serves it until unmount.
// Called from main.
func doMount(args *argContainer) error {
	// Check mountpoint
	var err error
	args.mountpoint, err = realpath(args.mountpoint)
	if err != nil {
		return exitcodes.NewErr(fmt.Sprintf("Invalid mountpoint: %v", err), exitcodes.MountPoint)
	}
	// We cannot mount "/home/user/.mirror" at "/home/user" because the mount
	// will hide ".mirror" also for us.
	if args.mirror == args.mountpoint || strings.HasPrefix(args.mirror, args.mountpoint+"/") {
		return exitcodes.NewErr(fmt.Sprintf("Mountpoint %q would shadow mirror directory %q, this is not supported",
			args.mountpoint, args.mirror), exitcodes.MountPoint)
	}
	// Mounting "/foo" at "/foo/mnt" means we would be recursively
	// encrypting ourselves.
	if strings.HasPrefix(args.mountpoint, args.mirror+"/") {
		return exitcodes.NewErr(fmt.Sprintf("Mountpoint %q is contained in mirror directory %q, this is not supported",
			args.mountpoint, args.mirror), exitcodes.MountPoint)
	}
	if err = checkDirEmpty(args.mountpoint); err != nil {
		if err2 := checkDir(args.mountpoint); err2 != nil {
			return exitcodes.NewErr(fmt.Sprintf("Invalid mountpoint: %v", err2), exitcodes.MountPoint)
		}
		tlog.Info.Printf("Mountpoint %q is not empty, its content is hidden while mounted", args.mountpoint)
	}
	// We cannot use JSON for pretty-printing as the fields are unexported.
	// The passphrase must not show up in the logs.
	redacted := *args
	redacted.passphrase = "(redacted)"
	tlog.Debug.Printf("cli args: %#v", redacted)

	oracle := cryptflag.New(args.xattr_namespace)
	if _, err := xattr.LList(args.mirror); cryptflag.IsUnsupported(err) {
		tlog.Warn.Printf(tlog.ColorYellow+"The file system of %q does not support user xattrs. "+
			"Files will be read as unencrypted and creating files will fail."+tlog.ColorReset, args.mirror)
	}
	engine, err := transform.New(transform.Options{
		Cipher:     args._cipher,
		ScryptLogN: args.scryptn,
	})
	if err != nil {
		return exitcodes.NewErr(err.Error(), exitcodes.Init)
	}
	m, err := initMetrics(args)
	if err != nil {
		return err
	}
	layer, err := overlay.New(overlay.Config{
		MirrorRoot:    args.mirror,
		Passphrase:    []byte(args.passphrase),
		Transform:     engine,
		Flags:         oracle,
		ScratchDir:    args.scratchdir,
		MaxScratch:    args.max_scratch,
		SharedStorage: args.sharedstorage,
		PlainPatterns: args._plainPatterns,
		Metrics:       m,
	})
	if err != nil {
		return exitcodes.NewErr(fmt.Sprintf("Initializing encryption layer failed: %v", err), exitcodes.Init)
	}
	// Removes the scratch directory after unmount
	defer func() {
		if err := layer.Close(); err != nil {
			tlog.Warn.Printf("Removing scratch directory: %v", err)
		}
	}()
	frontendArgs := fusefrontend.Args{
		MirrorDir:    args.mirror,
		CacheHandles: args.cache_handles,
		FlagAttr:     oracle.AttrName(),
	}
	// If allow_other is set and we run as root, try to give newly created files to
	// the right user.
	if args.allow_other && os.Getuid() == 0 {
		frontendArgs.PreserveOwner = true
	}
	rn, err := fusefrontend.NewRootNode(frontendArgs, layer)
	if err != nil {
		return exitcodes.NewErr(fmt.Sprintf("Invalid mirror directory: %v", err), exitcodes.MirrorDir)
	}
	srv, err := initGoFuse(rn, args)
	if err != nil {
		return err
	}
	if m != nil {
		srv.RecordLatencies(m)
	}
	tlog.Info.Println(tlog.ColorGreen + "Filesystem mounted and ready." + tlog.ColorReset)
	// Increase the open file limit to 4096. This is not essential, so do it after
	// we have switched to syslog and don't bother the user with warnings.
	setOpenFileLimit()
	// Wait for SIGINT in the background and unmount ourselves if we get it.
	// This prevents a dangling "Transport endpoint is not connected"
	// mountpoint if the user hits CTRL-C.
	interrupted := handleSigint(srv, args.mountpoint)
	// Return memory that was allocated for scrypt (64M by default!) and other
	// stuff that is no longer needed to the OS
	debug.FreeOSMemory()
	// Returns when the kernel sends the unmount request.
	srv.Wait()
	if interrupted.Load() {
		return exitcodes.NewErr("Unmounted after signal", exitcodes.SigInt)
	}
	return nil
}

// initMetrics sets up the "-metrics" endpoint. Returns nil metrics if the
// option is not set.
func initMetrics(args *argContainer) (*metrics.Metrics, error) {
	if args.metrics == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return nil, exitcodes.NewErr(fmt.Sprintf("metrics: %v", err), exitcodes.Metrics)
	}
	ln, err := metrics.Serve(args.metrics, reg)
	if err != nil {
		return nil, exitcodes.NewErr(fmt.Sprintf("metrics: %v", err), exitcodes.Metrics)
	}
	tlog.Info.Printf("Serving metrics on http://%s/metrics", ln.Addr())
	return m, nil
}

// setOpenFileLimit tries to increase the open file limit to 4096 (the default hard
// limit on Linux).
func setOpenFileLimit() {
	var lim syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim)
	if err != nil {
		tlog.Warn.Printf("Getting RLIMIT_NOFILE failed: %v", err)
		return
	}
	if lim.Cur >= 4096 {
		return
	}
	lim.Cur = 4096
	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &lim)
	if err != nil {
		tlog.Warn.Printf("Setting RLIMIT_NOFILE to %+v failed: %v", lim, err)
		//         %+v output: "{Cur:4097 Max:4096}" ^
	}
}

// mountOptions builds the go-fuse options from the command line.
func mountOptions(args *argContainer) *fs.Options {
	// The reported size depends on the content and the mirror may be changed
	// behind our back, so the kernel must not cache attributes or entries.
	zero := time.Duration(0)
	opts := &fs.Options{
		EntryTimeout:    &zero,
		AttrTimeout:     &zero,
		NegativeTimeout: &zero,
	}
	mOpts := &opts.MountOptions
	// Writes and reads are usually capped at 128kiB on Linux through
	// the FUSE_MAX_PAGES_PER_REQ kernel constant in fuse_i.h. Every write
	// rewrites the whole file, so larger requests are welcome, but we keep
	// the default to be predictable.
	mOpts.MaxWrite = fuse.MAX_KERNEL_WRITE
	mOpts.Options = []string{fmt.Sprintf("max_read=%d", fuse.MAX_KERNEL_WRITE)}
	mOpts.Debug = args.fusedebug
	mOpts.SingleThreaded = args.singlethread
	if args.allow_other {
		tlog.Info.Printf("%s", tlog.ColorYellow+"The option \"-allow_other\" is set. Make sure the file "+
			"permissions protect your data from unwanted access."+tlog.ColorReset)
		mOpts.AllowOther = true
		// Make the kernel check the file permissions for us
		mOpts.Options = append(mOpts.Options, "default_permissions")
	}
	// Set values shown in "df -T" and friends
	// First column, "Filesystem"
	fsname := args.mirror
	if args.fsname != "" {
		fsname = args.fsname
	}
	fsname2 := strings.Replace(fsname, ",", "_", -1)
	if fsname2 != fsname {
		tlog.Warn.Printf("Warning: %q will be displayed as %q in \"df -T\"", fsname, fsname2)
		fsname = fsname2
	}
	mOpts.FsName = fsname
	// Second column, "Type", will be shown as "fuse." + Name
	mOpts.Name = tlog.ProgramName
	// The kernel enforces read-only operation, we just have to pass "ro".
	if args.ro {
		mOpts.Options = append(mOpts.Options, "ro")
	}
	// Add additional mount options (if any) after the stock ones, so the user has
	// a chance to override them.
	if len(args._kernelOpts) > 0 {
		tlog.Debug.Printf("Adding mount options: %v", args._kernelOpts)
		mOpts.Options = append(mOpts.Options, args._kernelOpts...)
	}
	return opts
}

// initGoFuse mounts "rn" and starts serving in the background.
func initGoFuse(rn *fusefrontend.Node, args *argContainer) (*fuse.Server, error) {
	// All FUSE file and directory create calls carry explicit permission
	// information. We need an unrestricted umask to create the files and
	// directories with the requested permissions.
	syscall.Umask(0000)

	srv, err := fs.Mount(args.mountpoint, rn, mountOptions(args))
	if err != nil {
		return nil, exitcodes.NewErr(fmt.Sprintf("fs.Mount failed: %s", strings.TrimSpace(err.Error())),
			exitcodes.FuseNewServer)
	}
	return srv, nil
}

// handleSigint unmounts on SIGINT and SIGTERM. The returned flag is set once
// a signal was received.
func handleSigint(srv *fuse.Server, mountpoint string) *atomic.Bool {
	var got atomic.Bool
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		<-ch
		got.Store(true)
		unmount(srv, mountpoint)
	}()
	return &got
}

func unmount(srv *fuse.Server, mountpoint string) {
	err := srv.Unmount()
	if err != nil {
		tlog.Warn.Printf("unmount: srv.Unmount returned %v", err)
		if runtime.GOOS == "linux" {
			// MacOSX does not support lazy unmount
			tlog.Info.Printf("Trying lazy unmount")
			cmd := exec.Command("fusermount", "-u", "-z", mountpoint)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.Run()
		}
	}
}
