package ipc

import "golang.org/x/sys/unix"

// NewPair creates a connected UNIX stream socket-pair, both ends
// non-blocking and close-on-exec, and wraps the driver's half as an
// Endpoint. childFd is returned as a raw fd, to be handed to the subject via
// syscall.ProcAttr.Files; parent stays with the driver.
func NewPair() (parent *Endpoint, childFd int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, -1, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, -1, err
		}
		unix.CloseOnExec(fd)
	}
	return NewEndpoint(fds[0]), fds[1], nil
}
