package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sparkyfit/updater/internal/cmd"
	"github.com/sparkyfit/updater/internal/update"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := cmd.Execute(version, commit, date); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode lets cron wrappers tell a busy updater and a broken installation
// apart from an ordinary failure.
func exitCode(err error) int {
	switch {
	case errors.Is(err, update.ErrRollback):
		return 2
	case errors.Is(err, update.ErrConcurrentOperation):
		return 75 // EX_TEMPFAIL
	}
	return 1
}
