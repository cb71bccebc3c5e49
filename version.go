package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"

	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
)

const (
	gitVersionNotSet     = "[GitVersion not set]"
	gitVersionFuseNotSet = "[GitVersionFuse not set]"
	buildDateNotSet      = "0000-00-00"
)

var (
	// GitVersion is the encmirrorfs version according to git, set with
	// -ldflags "-X main.GitVersion=..."
	GitVersion = gitVersionNotSet
	// GitVersionFuse is the go-fuse library version
	GitVersionFuse = gitVersionFuseNotSet
	// BuildDate is a date string like "2024-09-06"
	BuildDate = buildDateNotSet
)

func init() {
	versionFromBuildInfo()
}

// printVersion prints a version string like this:
// encmirrorfs v0.3.1; go-fuse v2.8.0; 2024-09-06 go1.23.0 linux/amd64
func printVersion() {
	built := fmt.Sprintf("%s %s", BuildDate, runtime.Version())
	fmt.Printf("%s %s; go-fuse %s; %s %s/%s\n",
		tlog.ProgramName, GitVersion, GitVersionFuse, built,
		runtime.GOOS, runtime.GOARCH)
}

// versionFromBuildInfo tries to get some information out of the information baked in
// by the Go compiler. Does nothing for values that were set with -ldflags.
func versionFromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		tlog.Debug.Println("versionFromBuildInfo: ReadBuildInfo() failed")
		return
	}
	// Parse BuildSettings
	var vcsRevision, vcsTime string
	var vcsModified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			vcsRevision = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			vcsModified, _ = strconv.ParseBool(s.Value)
		}
	}
	// Fill our version strings
	if GitVersion == gitVersionNotSet {
		GitVersion = info.Main.Version
		if GitVersion == "(devel)" && vcsRevision != "" {
			GitVersion = fmt.Sprintf("vcs.revision=%s", vcsRevision)
		}
		if vcsModified {
			GitVersion += "-dirty"
		}
	}
	if GitVersionFuse == gitVersionFuseNotSet {
		for _, m := range info.Deps {
			if m.Path == "github.com/hanwen/go-fuse/v2" {
				GitVersionFuse = m.Version
				if m.Replace != nil {
					GitVersionFuse = m.Replace.Version
				}
				break
			}
		}
	}
	if BuildDate == buildDateNotSet {
		if vcsTime != "" {
			BuildDate = fmt.Sprintf("vcs.time=%s", vcsTime)
		}
	}
}
