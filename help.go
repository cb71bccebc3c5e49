package main

import (
	"fmt"

	"github.com/encmirrorfs/encmirrorfs/internal/tlog"
)

const tUsage = "" +
	"Usage: " + tlog.ProgramName + " [OPTIONS] PASSPHRASE MIRRORDIR MOUNTPOINT [MOUNT-OPTIONS...]\n"

// helpShort is what gets displayed on syntax error.
func helpShort() {
	printVersion()
	fmt.Printf("\n")
	fmt.Printf(tUsage)
	fmt.Printf("\nUse \"-h\" to show all options.\n")
}

// helpLong gets displayed on "-h"
func helpLong() {
	printVersion()
	fmt.Printf("\n")
	fmt.Printf(tUsage)
	fmt.Printf(`
Notes: All options can equivalently use "-" (single dash) or "--" (double dash).
       A standalone "--" stops option parsing.
       "-o a,b" passes options to the kernel unless they are options listed below.
`)
	fmt.Printf("\nOptions:\n")
	var args argContainer
	fmt.Print(newFlagSet(&args).FlagUsages())
}
