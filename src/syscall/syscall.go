// Package syscall implements the user/kernel gate: a fixed dispatch
// table indexed by syscall number, reached through interrupt vector
// 0x80, matching the eleven calls spec.md's external interface lists
// (sleep, yield, write, brk, getpid, getppid, fork, exit, waitpid,
// time, plus the diagnostic test call kept from the original).
package syscall

import "onix/src/defs"

type Number int

const (
	SysTest Number = iota
	SysSleep
	SysYield
	SysWrite
	SysBrk
	SysGetpid
	SysGetppid
	SysFork
	SysExit
	SysWaitpid
	SysTime
	numSyscalls
)

/// Args_t carries the syscall's raw register arguments, the Go
/// stand-in for the argument-marshaling an assembly trampoline would do
/// reading eax/ebx/ecx/edx off the trap frame.
type Args_t struct {
	A0, A1, A2, A3 uintptr
}

/// Handler_t services one syscall and returns the value placed back in
/// eax, or an error.
type Handler_t func(Args_t) (uintptr, defs.Err_t)

/// Table_t is the syscall dispatch table.
type Table_t struct {
	handlers [numSyscalls]Handler_t
}

func unimplemented(Args_t) (uintptr, defs.Err_t) {
	panic("syscall: unimplemented handler invoked")
}

/// New returns a table with every slot defaulting to a panicking stub,
/// matching syscall_init's "default points at a handler that panics"
/// discipline -- an unregistered syscall number is a build-time bug,
/// not a runtime condition to tolerate.
func New() *Table_t {
	t := &Table_t{}
	for i := range t.handlers {
		t.handlers[i] = unimplemented
	}
	return t
}

/// Register installs handler for syscall number nr.
func (t *Table_t) Register(nr Number, handler Handler_t) {
	t.handlers[nr] = handler
}

/// Dispatch validates nr against the table size and invokes the
/// registered handler, the Go shape of syscall_check followed by an
/// indirect call through syscall_table.
func (t *Table_t) Dispatch(nr Number, args Args_t) (uintptr, defs.Err_t) {
	if nr < 0 || int(nr) >= len(t.handlers) {
		return 0, defs.EINVAL
	}
	return t.handlers[nr](args)
}
