package main

import (
	"fmt"
	"os"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/encmirrorfs/encmirrorfs/internal/exitcodes"
	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
)

// memprofileInterval is how often the memory profile is rewritten while
// mounted.
const memprofileInterval = 60 * time.Second

// setupCpuprofile is called to handle a non-empty "-cpuprofile" cli argument
func setupCpuprofile(cpuprofileArg string) (stop func(), err error) {
	tlog.Info.Printf("Writing CPU profile to %s", cpuprofileArg)
	f, err := os.Create(cpuprofileArg)
	if err != nil {
		return nil, exitcodes.NewErr(err.Error(), exitcodes.Profiler)
	}
	if err = pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, exitcodes.NewErr(err.Error(), exitcodes.Profiler)
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}, nil
}

// setupMemprofile is called to handle a non-empty "-memprofile" cli argument
func setupMemprofile(memprofileArg string) (stop func(), err error) {
	tlog.Info.Printf("Will write memory profile to %q", memprofileArg)
	f, err := os.Create(memprofileArg)
	if err != nil {
		return nil, exitcodes.NewErr(err.Error(), exitcodes.Profiler)
	}
	var mu sync.Mutex
	write := func() error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := f.Seek(0, 0); err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		return pprof.WriteHeapProfile(f)
	}
	done := make(chan struct{})
	// Write the memory profile to disk periodically to get the in-use
	// memory stats.
	go func() {
		t := time.NewTicker(memprofileInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := write(); err != nil {
					tlog.Warn.Printf("memprofile: periodic write failed: %v", err)
					return
				}
				tlog.Debug.Printf("memprofile: periodic write to %q succeeded", memprofileArg)
			}
		}
	}()
	// Final write on exit.
	return func() {
		close(done)
		if err := write(); err != nil {
			tlog.Warn.Printf("memprofile: on-exit write failed: %v", err)
		}
		f.Close()
	}, nil
}

// setupProfiling starts the profilers requested on the command line. The
// returned function stops them and is never nil.
func setupProfiling(args *argContainer) (stop func(), err error) {
	var stops []func()
	stop = func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
	if args.cpuprofile != "" {
		s, err := setupCpuprofile(args.cpuprofile)
		if err != nil {
			return stop, err
		}
		stops = append(stops, s)
	}
	if args.memprofile != "" {
		s, err := setupMemprofile(args.memprofile)
		if err != nil {
			stop()
			return func() {}, fmt.Errorf("-memprofile: %w", err)
		}
		stops = append(stops, s)
	}
	return stop, nil
}
