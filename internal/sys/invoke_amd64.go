//go:build amd64

package sys

import "unsafe"

// invokeRaw is the architecture-specific trampoline that actually crosses into the kernel. On
// x86-64 the seL4 calling convention passes the destination capability in rdi, the message-info
// word in rsi, up to four message registers in rdx/r10/r8/r9, and executes a syscall instruction;
// the kernel returns the reply tag in rdi and the reply message registers in the same register set.
// The IPC buffer pointer is passed so the trampoline can leave it untouched -- extended messages
// beyond the four register-passed words are read directly out of *buf by callers that need them.
//
//go:noescape
func rawSyscall(dest uintptr, infoWord uintptr, mr0, mr1, mr2, mr3 uintptr, buf *IPCBuffer) (
	replyInfoWord, rmr0, rmr1, rmr2, rmr3 uintptr,
)

func invokeRaw(dest uintptr, infoWord uintptr, mr [NumMR]uintptr, buf *IPCBuffer) (uintptr, [NumMR]uintptr) {
	replyInfo, r0, r1, r2, r3 := rawSyscall(dest, infoWord, mr[0], mr[1], mr[2], mr[3], buf)

	return replyInfo, [NumMR]uintptr{r0, r1, r2, r3}
}

// ipcBufferPointer returns buf reinterpreted for the assembly trampoline; kept as a named helper so
// the unsafe conversion has one call site to audit.
func ipcBufferPointer(buf *IPCBuffer) unsafe.Pointer {
	return unsafe.Pointer(buf)
}
