//go:build debug

// Package check holds invariant assertions that only fire in builds tagged
// "debug". Release builds compile them to no-ops.
package check

import "fmt"

func Assert(cond bool, msg string) {
	if !cond {
		panic("drydock: invariant violated: " + msg)
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("drydock: invariant violated: " + fmt.Sprintf(format, args...))
	}
}

// Unreachable marks a branch that a correct caller can never take.
func Unreachable(format string, args ...any) {
	panic("drydock: unreachable: " + fmt.Sprintf(format, args...))
}
