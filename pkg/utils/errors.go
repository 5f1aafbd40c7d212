// Package utils holds small, dependency-free helpers shared by the rest of
// this module: environment-variable lookups with fallbacks, and a thin error
// context wrapper. Nothing here is Asinka-specific; it exists so pkg/config
// and friends don't each reinvent the same five lines.
//
// Version: v0.1.0
package utils

import "fmt"

// Version is the semantic version of this package's API.
const Version = "v0.1.0"

// Wrap prefixes err's message with context, preserving err for errors.Is/As.
// Returns nil if err is nil, so callers can write
// `return utils.Wrap(doThing(), "do thing")` unconditionally.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf is Wrap with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
