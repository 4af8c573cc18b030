// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// ExitError requests a specific exit code without printing anything
// beyond its optional message. The cc CLI returns it for "session not
// found" (code 2) so scripts can tell that apart from a transport
// failure.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Message
}

// Fatal writes "error: err" to stderr and exits. The exit code is 1
// unless err wraps an *ExitError. Use it in main() for errors from
// run():
//
//	func main() {
//		if err := run(); err != nil {
//			process.Fatal(err)
//		}
//	}
func Fatal(err error) {
	code := 1
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(code)
}
