// Package klog is the kernel's trace/debug shim. It plays the role that
// the TRACE/DEBUG macros play in the original C sources (memory.c,
// thread.c, cache.c, ktfs.c all gate verbose output behind compile-time
// flags) and that per-file boolean flags play in biscuit
// (src/fs/bdev.go's bdev_debug, src/kernel/ahci.go's ahci_debug). No
// external logging package is wired here: the pack has none that targets
// a freestanding kernel, and every example in it does exactly this
// instead. See DESIGN.md.
package klog

import (
	"fmt"
	"io"
	"os"
)

// Output is where trace/debug lines are written. Tests may redirect it.
var Output io.Writer = os.Stderr

// Enabled gates every Trace/Debug call in the kernel. It is a single
// global switch rather than per-file booleans because this rewrite has
// far fewer files per subsystem than biscuit's driver tree; a subsystem
// that wants its own gate can shadow this with a local bool, the way
// bdev_debug does in the teacher.
var Enabled = false

// Trace prints a call-trace line when Enabled is set. Mirrors the
// TRACE()/trace() macros in the original sources.
func Trace(format string, args ...interface{}) {
	if !Enabled {
		return
	}
	fmt.Fprintf(Output, "trace: "+format+"\n", args...)
}

// Debug prints a diagnostic line when Enabled is set. Mirrors the
// DEBUG()/debug() macros in the original sources.
func Debug(format string, args ...interface{}) {
	if !Enabled {
		return
	}
	fmt.Fprintf(Output, "debug: "+format+"\n", args...)
}

// Printf writes unconditionally, gated by neither Enabled nor a build
// tag, matching kprintf's role in syscall.c: console output a user
// program asked for via the print syscall, as opposed to a
// kernel-internal trace line.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(Output, format, args...)
}
