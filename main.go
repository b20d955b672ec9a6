// Command policy-agent answers employee questions from a directory of
// company policy documents.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fabfab/policy-agent/policy"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for configuration problems and 1 for everything else.
func exitCode(err error) int {
	var cfgErr *policy.ConfigurationError
	if errors.As(err, &cfgErr) {
		return 2
	}
	return 1
}
