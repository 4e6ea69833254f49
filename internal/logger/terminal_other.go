//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !windows

package logger

func isTerminal(uintptr) bool { return false }
