// Package seccomp installs a classic-BPF syscall filter on the calling
// process. The filter is an allow-list: any syscall outside it kills the
// process immediately. There is no errno fallback, so the allow-list must
// cover everything the sandbox legitimately calls after installation.
package seccomp

import (
	"fmt"
	"runtime"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// seccomp_data field offsets.
	dataOffsetNr   = 0
	dataOffsetArch = 4

	seccompSetModeFilter = 1
)

// Policy is a set of allowed syscall numbers.
type Policy map[int]struct{}

// NewPolicy builds a policy from syscall numbers.
func NewPolicy(syscalls ...int) Policy {
	p := make(Policy, len(syscalls))
	for _, nr := range syscalls {
		p[nr] = struct{}{}
	}
	return p
}

// Allow adds syscalls to the policy.
func (p Policy) Allow(syscalls ...int) {
	for _, nr := range syscalls {
		p[nr] = struct{}{}
	}
}

// DefaultPolicy returns the syscalls the sandbox needs after setup: the KVM
// run loop, guest memory management, the Go runtime, and the userspace
// network stack.
func DefaultPolicy() Policy {
	return NewPolicy(
		// vCPU loop and device I/O.
		unix.SYS_IOCTL,
		unix.SYS_READ,
		unix.SYS_WRITE,
		unix.SYS_PREAD64,
		unix.SYS_PWRITE64,
		unix.SYS_FSYNC,
		unix.SYS_FDATASYNC,
		unix.SYS_CLOSE,
		unix.SYS_FSTAT,
		unix.SYS_LSEEK,

		// Guest memory.
		unix.SYS_MMAP,
		unix.SYS_MUNMAP,
		unix.SYS_MADVISE,
		unix.SYS_MPROTECT,
		unix.SYS_BRK,

		// Go runtime.
		unix.SYS_FUTEX,
		unix.SYS_NANOSLEEP,
		unix.SYS_CLOCK_NANOSLEEP,
		unix.SYS_CLOCK_GETTIME,
		unix.SYS_SCHED_YIELD,
		unix.SYS_RT_SIGACTION,
		unix.SYS_RT_SIGPROCMASK,
		unix.SYS_RT_SIGRETURN,
		unix.SYS_SIGALTSTACK,
		unix.SYS_GETTID,
		unix.SYS_TGKILL,
		unix.SYS_TKILL,
		unix.SYS_CLONE,
		unix.SYS_EXIT,
		unix.SYS_EXIT_GROUP,
		unix.SYS_GETRANDOM,
		unix.SYS_RSEQ,
		unix.SYS_SET_ROBUST_LIST,

		// Polling.
		unix.SYS_EPOLL_CREATE1,
		unix.SYS_EPOLL_CTL,
		unix.SYS_EPOLL_PWAIT,
		unix.SYS_EVENTFD2,
		unix.SYS_PIPE2,
		unix.SYS_PPOLL,

		// Outbound network proxying.
		unix.SYS_SOCKET,
		unix.SYS_CONNECT,
		unix.SYS_SENDTO,
		unix.SYS_RECVFROM,
		unix.SYS_SENDMSG,
		unix.SYS_RECVMSG,
		unix.SYS_GETSOCKOPT,
		unix.SYS_SETSOCKOPT,
		unix.SYS_GETSOCKNAME,
		unix.SYS_GETPEERNAME,
		unix.SYS_SHUTDOWN,
	)
}

// Program compiles the policy into a BPF filter program.
func (p Policy) Program() ([]unix.SockFilter, error) {
	if runtime.GOARCH != "amd64" {
		return nil, fmt.Errorf("seccomp: unsupported architecture %s", runtime.GOARCH)
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("seccomp: empty policy")
	}

	nrs := make([]int, 0, len(p))
	for nr := range p {
		nrs = append(nrs, nr)
	}
	sort.Ints(nrs)

	var prog []unix.SockFilter

	// Kill foreign-architecture syscalls outright.
	prog = append(prog,
		bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, dataOffsetArch),
		bpfJump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, unix.AUDIT_ARCH_X86_64, 1, 0),
		bpfStmt(unix.BPF_RET|unix.BPF_K, unix.SECCOMP_RET_KILL_PROCESS),
		bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, dataOffsetNr),
	)

	// One comparison per allowed syscall; a match jumps to the allow at
	// the end.
	for i, nr := range nrs {
		remaining := len(nrs) - 1 - i
		if remaining > 255 {
			// Chain another allow return inside the list when the
			// jump distance exceeds the 8-bit jt field.
			return nil, fmt.Errorf("seccomp: policy too large (%d syscalls)", len(nrs))
		}
		prog = append(prog, bpfJump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, uint32(nr), uint8(remaining+1), 0))
	}

	prog = append(prog,
		bpfStmt(unix.BPF_RET|unix.BPF_K, unix.SECCOMP_RET_KILL_PROCESS),
		bpfStmt(unix.BPF_RET|unix.BPF_K, unix.SECCOMP_RET_ALLOW),
	)
	return prog, nil
}

// Install compiles and loads the filter. It sets no_new_privs first, which
// the kernel requires for unprivileged filters, and applies to all threads.
func (p Policy) Install() error {
	prog, err := p.Program()
	if err != nil {
		return err
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("seccomp: setting no_new_privs: %w", err)
	}

	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter,
		unix.SECCOMP_FILTER_FLAG_TSYNC, uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return fmt.Errorf("seccomp: installing filter: %w", errno)
	}
	return nil
}

func bpfStmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, K: k}
}

func bpfJump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}
