//go:build linux

package subject

import (
	"syscall"
	"unsafe"
)

// allThreadsSetuid, allThreadsSetgid and allThreadsSetgroups apply a
// credential change to every OS thread backing the current process, not
// just the calling goroutine's thread. Plain golang.org/x/sys/unix.Setuid et
// al. only affect the calling thread on Linux, which would leave a process
// with mismatched per-thread credentials the moment the Go scheduler moved
// a goroutine to a different thread — syscall.AllThreadsSyscall exists
// precisely to close this gap and has no analogue in the single-threaded C
// reference this package's handshake is modeled on.
func allThreadsSetuid(uid uint32) error {
	_, _, errno := syscall.AllThreadsSyscall(syscall.SYS_SETUID, uintptr(uid), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func allThreadsSetgid(gid uint32) error {
	_, _, errno := syscall.AllThreadsSyscall(syscall.SYS_SETGID, uintptr(gid), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func allThreadsSetgroups(gids []int) error {
	if len(gids) == 0 {
		_, _, errno := syscall.AllThreadsSyscall(syscall.SYS_SETGROUPS, 0, 0, 0)
		if errno != 0 {
			return errno
		}
		return nil
	}
	u32 := make([]uint32, len(gids))
	for i, g := range gids {
		u32[i] = uint32(g)
	}
	_, _, errno := syscall.AllThreadsSyscall(syscall.SYS_SETGROUPS, uintptr(len(u32)), uintptr(unsafe.Pointer(&u32[0])), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
