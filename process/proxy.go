package process

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// proxyBuf is the chunk size used for both directions of Proxy.
const proxyBuf = 4096

// Proxy relays bytes bidirectionally between stream (typically the
// controlling CLI's own terminal) and the subject's pty master, using a
// single poll loop over both descriptors, until one side reaches EOF or a
// callback asks to stop. outCB receives chunks read from the subject;
// inCB receives chunks read from stream. If pulse is non-nil it is invoked
// roughly every second when neither descriptor is ready; a false return
// bails immediately.
//
// Proxy reports whether the subject exited cleanly (true) or not (false,
// "bailed"): pty EOF bails unless the subject can be reaped and exited with
// status 0; stream EOF always bails, on the theory that losing the
// controlling terminal mid-session is not a clean end. Either callback
// returning true also ends the relay, reported as not bailed.
//
// Grounded on porchlua_process_proxy's single shared-eof poll loop
// (_examples/original_source/lib/core/porch_lua_process.c): both fds feed
// one eof flag, a pty EOF triggers a reap-and-check-exit-status bail
// decision, a stream EOF always bails, and a pty EOF observed while the
// stream had nothing pending still fires the input callback once with nil
// so the caller can finalize.
//
// Proxy dups stream's descriptor once at entry instead of calling
// stream.Fd() on every poll iteration, since Fd() forces the *os.File back
// into blocking mode as a side effect and repeating that call on every loop
// iteration would otherwise momentarily fight the raw-mode nonblocking
// descriptor this loop depends on.
//
// Proxy puts stream into a byte-oriented mode (ICANON and ISIG cleared) for
// the duration of the relay, so keystrokes reach the subject uninterpreted
// instead of being line-buffered or intercepted as local signals. It does
// not restore the original mode on return; the caller owns stream's
// lifetime and is expected to restore it if needed.
func (p *Process) Proxy(stream *os.File, outCB, inCB func([]byte) bool, pulse func() bool) (bool, error) {
	streamFd, err := unix.Dup(int(stream.Fd()))
	if err != nil {
		return false, fmt.Errorf("process: proxy: dup stream: %w", err)
	}
	defer unix.Close(streamFd)

	if t, err := unix.IoctlGetTermios(streamFd, unix.TCGETS); err == nil {
		raw := *t
		raw.Lflag &^= unix.ICANON | unix.ISIG
		unix.IoctlSetTermios(streamFd, unix.TCSETS, &raw)
	}

	pollTimeout := -1
	if pulse != nil {
		pollTimeout = 1000
	}

	buf := make([]byte, proxyBuf)
	eof, bailed := false, false
	for !eof {
		pfds := []unix.PollFd{
			{Fd: int32(p.masterFd), Events: unix.POLLIN},
			{Fd: int32(streamFd), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfds, pollTimeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return false, fmt.Errorf("process: proxy: poll: %w", err)
		}
		if n == 0 {
			if pulse != nil && !pulse() {
				bailed = true
				break
			}
			continue
		}

		if pfds[0].Revents&unix.POLLIN != 0 {
			rn, rerr := unix.Read(p.masterFd, buf)
			switch {
			case rerr == unix.EAGAIN || rerr == unix.EINTR:
			case rerr != nil && rerr != unix.EIO:
				return false, fmt.Errorf("process: proxy: read master: %w", rerr)
			case rerr == unix.EIO || rn == 0:
				eof = true
				bailed = !p.exitedCleanly()
				outCB(nil)
			default:
				if outCB(buf[:rn]) {
					return true, nil
				}
			}
		}

		if pfds[1].Revents&unix.POLLIN != 0 {
			rn, rerr := unix.Read(streamFd, buf)
			switch {
			case rerr == unix.EAGAIN || rerr == unix.EINTR:
			case rerr != nil:
				return false, fmt.Errorf("process: proxy: read stream: %w", rerr)
			case rn == 0:
				eof = true
				bailed = true
				inCB(nil)
			default:
				if inCB(buf[:rn]) {
					return true, nil
				}
				if _, werr := p.Write(buf[:rn]); werr != nil {
					return false, werr
				}
			}
		} else if eof {
			inCB(nil)
		}
	}

	return !bailed, nil
}

// exitedCleanly attempts to reap the subject without blocking and reports
// whether it is known to have exited with status 0. A subject already
// reaped is checked against the cached status instead.
func (p *Process) exitedCleanly() bool {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if pid == 0 {
		status := p.Status()
		return status.IsExited && status.Status == 0
	}
	ws, ok, err := p.reapNonBlocking()
	if err != nil || !ok {
		return false
	}
	return ws.Exited() && ws.ExitStatus() == 0
}
