package process

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// lineMax mirrors the historical LINE_MAX used by the reference
// implementation's read buffer.
const lineMax = 2048

// Read drives a single-threaded read loop against the subject's pty master.
// cb is invoked with each chunk read; if it returns true, Read stops and
// returns nil. A positive timeout is floored to one second; timeout <= 0
// blocks forever. Read never returns an error for a timeout — it simply
// returns nil once the budget is exhausted. On EOF (a read returning 0
// bytes, or EIO, both meaning the slave side is gone) Read closes the pty
// master, attempts a non-blocking reap, invokes cb(nil) once, and returns.
func (p *Process) Read(cb func([]byte) bool, timeout time.Duration) error {
	if timeout > 0 && timeout < time.Second {
		timeout = time.Second
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	buf := make([]byte, lineMax)
	for {
		pollTimeout := -1
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			pollTimeout = int(remaining.Milliseconds())
			if pollTimeout == 0 {
				pollTimeout = 1
			}
		}

		pfd := []unix.PollFd{{Fd: int32(p.masterFd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, pollTimeout)
		if err != nil {
			if err == unix.EINTR {
				p.mu.Lock()
				draining := p.draining
				p.mu.Unlock()
				if !draining {
					continue
				}
				return nil
			}
			return fmt.Errorf("process: read: poll: %w", err)
		}
		if n == 0 {
			return nil
		}

		rn, rerr := unix.Read(p.masterFd, buf)
		if rerr == unix.EAGAIN || rerr == unix.EINTR {
			continue
		}
		if rerr != nil && rerr != unix.EIO {
			return fmt.Errorf("process: read: %w", rerr)
		}
		if rerr == unix.EIO || rn == 0 {
			eofErr := p.handleEOF()
			cb(nil)
			return eofErr
		}
		if cb(buf[:rn]) {
			return nil
		}
	}
}

// handleEOF marks eof, closes the pty master, and opportunistically reaps
// the subject without blocking. If the reap finds the subject died by a
// signal other than the last one the driver sent, and a drain is not
// currently in progress, that is surfaced as an error.
func (p *Process) handleEOF() error {
	p.mu.Lock()
	p.eof = true
	draining := p.draining
	lastSignal := p.lastSignal
	p.mu.Unlock()
	p.closeMaster()
	ws, ok, err := p.reapNonBlocking()
	if err != nil {
		return fmt.Errorf("process: read: %w", err)
	}
	if ok && !draining && ws.Signaled() && ws.Signal() != lastSignal {
		return fmt.Errorf("spawned process killed with signal %d", ws.Signal())
	}
	return nil
}

// Write writes buf to the subject's pty master, looping across short writes
// and EINTR. Always returns len(buf) on success.
func (p *Process) Write(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(p.masterFd, buf[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				pfd := []unix.PollFd{{Fd: int32(p.masterFd), Events: unix.POLLOUT}}
				if _, perr := unix.Poll(pfd, -1); perr != nil && perr != unix.EINTR {
					return total, fmt.Errorf("process: write: poll: %w", perr)
				}
				continue
			}
			return total, fmt.Errorf("process: write: %w", err)
		}
		total += n
	}
	return total, nil
}

// Signal delivers sig to the subject. Must be called post-release: issuing
// a signal to a subject still mid-configuration would race the handshake.
func (p *Process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	released, pid := p.released, p.pid
	p.mu.Unlock()
	if !released {
		return fmt.Errorf("process: signal: subject not yet released")
	}
	if pid == 0 {
		return ErrTerminated
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("process: signal %v: %w", sig, err)
	}
	p.mu.Lock()
	p.lastSignal = sig
	p.mu.Unlock()
	return nil
}
