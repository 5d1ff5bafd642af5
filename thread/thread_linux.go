//go:build linux

package thread

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"
)

// Realtime locks the calling goroutine to its own kernel thread and elevates that
// thread's priority to realtime. It sets the round-robin schduling policy at the given
// priority level, 10 is somewhere in the lower middle of the range.
func Realtime(priority int) error {
	if priority < MinPriority || priority > MaxPriority {
		return fmt.Errorf("thread: priority %d outside %d..%d", priority, MinPriority, MaxPriority)
	}
	// First pin goroutine to its own kernel thread.
	runtime.LockOSThread()
	// Get the ID of the thread.
	tid := syscall.Gettid()
	// Give this thread realtime priority.
	res, _, err := syscall.RawSyscall(syscall.SYS_SCHED_SETSCHEDULER, uintptr(tid),
		uintptr(RR), uintptr(unsafe.Pointer(&schedParam{int32(priority)})))
	if res == 0 {
		return nil
	}
	runtime.UnlockOSThread()
	return fmt.Errorf("thread: sched_setscheduler: %w", err)
}

const FIFO = 1 // fifo scheduling policy
const RR = 2   // round-robin scheduling policy

type schedParam struct {
	Priority int32
}
