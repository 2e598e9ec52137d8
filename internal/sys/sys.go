// Package sys is the syscall shim: the one place this root task crosses into the kernel. It mirrors
// the register discipline the teacher's memory controller uses for Fetch/Store -- operands are
// staged into fixed slots before the blocking call, results are read back from fixed slots after --
// except here the "registers" are the machine's actual calling-convention registers and the
// "memory" on the other side is the kernel.
//
// Nothing in this package allocates. It must be safe to call before the heap, the slot allocator or
// any other subsystem exists, since bootstrapping those subsystems itself requires kernel calls.
package sys

import (
	"github.com/sel4go/rootspace/internal/abi"
	"github.com/sel4go/rootspace/internal/kerr"
)

// NumMR is the number of machine-word message registers passed directly in CPU registers, without
// touching the IPC buffer.
const NumMR = 4

// MessageInfo is the tag word exchanged on every invocation: which kernel operation, how many
// capabilities and extra words ride along.
type MessageInfo struct {
	Tag      abi.MessageTag
	Length   uint8 // Number of word-sized message registers used, beyond the tag.
	CapsUsed uint8
}

// Encode packs the message-info word the kernel's calling convention expects.
func (m MessageInfo) Encode() uintptr {
	return uintptr(m.Tag)<<12 | uintptr(m.Length)<<4 | uintptr(m.CapsUsed)
}

// DecodeMessageInfo unpacks a message-info word returned by the kernel.
func DecodeMessageInfo(word uintptr) MessageInfo {
	return MessageInfo{
		Tag:      abi.MessageTag(word >> 12),
		Length:   uint8(word>>4) & 0xff,
		CapsUsed: uint8(word) & 0xf,
	}
}

// IPCBuffer is the thread-local buffer the kernel and this task exchange extended messages
// through, beyond the four registers carried directly. Its layout and size are fixed by the
// kernel's ABI.
type IPCBuffer struct {
	Tag          uintptr
	MR           [118]uintptr
	UserData     uintptr
	CapsOrBadges [3]uintptr
	ReceiveCNode uintptr
	ReceiveIndex uintptr
	ReceiveDepth uintptr
}

// Invoker performs a blocking kernel call: a destination capability, a tag describing the
// operation, and up to NumMR message words in; a reply tag and up to NumMR message words out.
// Extra words beyond NumMR are read and written through the IPC buffer.
//
// Production code uses the real invoker, wired to the kernel's calling convention; tests substitute
// a fake that records invocations and returns canned results, the way the teacher's tests replace
// vm.OptionFn callbacks rather than talking to real hardware.
type Invoker interface {
	Invoke(dest abi.Word, info MessageInfo, mr [NumMR]uintptr) (MessageInfo, [NumMR]uintptr)
}

// Shim is the default Invoker. It holds no state beyond the IPC buffer and never allocates.
type Shim struct {
	buf *IPCBuffer
}

// NewShim creates a syscall shim bound to the thread's IPC buffer. The buffer pointer comes from
// BootInfo and is valid for the lifetime of the process.
func NewShim(buf *IPCBuffer) *Shim {
	return &Shim{buf: buf}
}

// Invoke performs the blocking call. The concrete register-level trampoline (loading mr into the
// calling convention's registers, executing the syscall instruction, and reading the reply back
// out) is architecture-specific and lives in invokeRaw; this method only arranges the buffer and
// interprets the reply tag.
func (s *Shim) Invoke(dest abi.Word, info MessageInfo, mr [NumMR]uintptr) (MessageInfo, [NumMR]uintptr) {
	replyWord, replyMR := invokeRaw(dest, info.Encode(), mr, s.buf)

	return DecodeMessageInfo(replyWord), replyMR
}

// Call performs an invocation and collapses the result to a kerr.Code, for the common case where
// the caller only cares whether the operation succeeded. By kernel convention the error code comes
// back in the first message register.
func Call(inv Invoker, dest abi.Word, tag abi.MessageTag, mr [NumMR]uintptr) (kerr.Code, [NumMR]uintptr) {
	_, out := inv.Invoke(dest, MessageInfo{Tag: tag, Length: NumMR}, mr)

	return kerr.FromWord(out[0]), out
}
