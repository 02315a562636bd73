// Package threads freezes and thaws the sibling threads of the process
// around code rewrites that cannot complete in a single atomic store.
// Threads are enumerated through /proc/self/task and signalled with tgkill;
// a thread that exits between enumeration and signalling counts as stopped.
package threads

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Tids lists the thread ids of the current process.
func Tids() []int {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return nil
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids
}

func signalThread(tid int, sig unix.Signal) bool {
	err := unix.Tgkill(unix.Getpid(), tid, sig)
	// ESRCH means the thread is already gone, which is as stopped as it gets.
	return err == nil || err == unix.ESRCH
}

// SuspendThread stops a single thread.
func SuspendThread(tid int) bool {
	return signalThread(tid, unix.SIGSTOP)
}

// ResumeThread continues a single thread.
func ResumeThread(tid int) bool {
	return signalThread(tid, unix.SIGCONT)
}

// SuspendAllOtherThreads stops every thread of the process except the caller.
func SuspendAllOtherThreads() {
	self := unix.Gettid()
	for _, tid := range Tids() {
		if tid != self {
			SuspendThread(tid)
		}
	}
}

// ResumeAllOtherThreads continues every thread stopped by
// SuspendAllOtherThreads.
func ResumeAllOtherThreads() {
	self := unix.Gettid()
	for _, tid := range Tids() {
		if tid != self {
			ResumeThread(tid)
		}
	}
}
