package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1 // a check or the daemon failed
	ExitError   = 2 // configuration or usage error
)

// checkFailedError marks a command that ran but reported a failure, such as a
// doctor check or an unhealthy daemon.
type checkFailedError struct {
	msg string
}

func (e *checkFailedError) Error() string { return e.msg }

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var failed *checkFailedError
		if errors.As(err, &failed) {
			os.Exit(ExitFailure)
		}
		os.Exit(ExitError)
	}
}
