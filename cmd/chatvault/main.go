// Command chatvault is a local, single-user archive for conversations
// exported from chat assistants. It ingests provider export dumps into an
// embedded SQLite store with a full-text index and serves search and browse
// over HTTP.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dshills/chatvault/archive"
)

// Exit codes, stable for scripting.
const (
	exitOK      = 0
	exitUser    = 1 // bad path, unknown provider, malformed query
	exitData    = 2 // parser gave up on the input
	exitStorage = 3 // storage failure
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto the documented exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, archive.ErrUnknownProvider),
		errors.Is(err, archive.ErrBadQuery),
		errors.Is(err, archive.ErrNotFound),
		errors.Is(err, errUsage):
		return exitUser
	case errors.Is(err, archive.ErrBadInput):
		return exitData
	default:
		return exitStorage
	}
}
