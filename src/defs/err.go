// Package defs holds types shared across kernel packages: the error
// sentinel convention, device numbering, and task identifiers.
package defs

/// Err_t is the kernel's error sentinel. Zero means success; a fallible
/// function returns one of the positive sentinels below on failure. There are no
/// exceptions in this kernel -- every caller must check the return value.
type Err_t int

// Error sentinels returned to user space or bubbled between kernel
// layers. Values are arbitrary but stable within this kernel; they do
// not need to match any host OS's errno numbering.
const (
	EFAULT       Err_t = 1 /// bad user address
	ENOMEM       Err_t = 2 /// out of memory (frames or kernel VA)
	EINVAL       Err_t = 3 /// invalid argument
	ENAMETOOLONG Err_t = 4 /// string exceeded caller's buffer
	ENOHEAP      Err_t = 5 /// out of kernel heap
	ESRCH        Err_t = 6 /// no such task
	EIO          Err_t = 7 /// hardware reported an error
	ENODEV       Err_t = 8 /// no such device
	EAGAIN       Err_t = 9 /// operation would block
	EBUSY        Err_t = 10 /// resource is owned by another task
	ECHILD       Err_t = 11 /// no matching child to wait for
)

/// Tid_t identifies a task (pid). Negative and zero are not valid pids;
/// pid 1 is the first user task.
type Tid_t int

/// KernelUser and NormalUser are the two uid classes a task may run with.
/// A kernel-uid task shares the kernel's address space (pde/vmap) rather
/// than owning a private one.
const (
	KernelUser int = 0
	NormalUser int = 1
)
