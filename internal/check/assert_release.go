//go:build !debug

package check

func Assert(bool, string) {}

func Assertf(bool, string, ...any) {}

func Unreachable(string, ...any) {}
