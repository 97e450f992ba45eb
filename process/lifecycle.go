package process

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// termGrace bounds how long Close waits, after SIGTERM, for the subject to
// exit before escalating to SIGKILL. A variable rather than a constant so
// tests can shorten it.
//
// The reference implementation bounds this wait with a SIGALRM plus a bare
// sigaction handler that only interrupts the blocking waitpid. Go's signal
// package installs its handlers with SA_RESTART, so a blocking
// syscall.Wait4 would not actually observe EINTR when the alarm fires —
// the interrupting handler and the restarted syscall are both owned by the
// runtime, and nothing in the exported signal API lets a caller turn
// SA_RESTART off for a specific signal. A goroutine racing the wait against
// a time.Timer produces the same bounded-wait behavior without relying on
// an EINTR that Go's runtime does not reliably deliver.
var termGrace = 5 * time.Second

// killGrace bounds the wait after SIGKILL escalation. SIGKILL cannot be
// caught or blocked, so this is a generous backstop rather than an expected
// timeout.
var killGrace = 5 * time.Second

// drainInterval is how often Close invokes the caller's drain callback
// while waiting out termGrace.
var drainInterval = 20 * time.Millisecond

// Stop sends SIGSTOP and waits for the kernel to confirm the subject has
// actually stopped, rather than merely been signaled. Fails if the subject
// has already terminated.
func (p *Process) Stop() error {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if pid == 0 {
		return ErrTerminated
	}
	if err := unix.Kill(pid, syscall.SIGSTOP); err != nil {
		return fmt.Errorf("process: stop: %w", err)
	}
	ws, err := p.wait(syscall.WUNTRACED)
	if err != nil {
		return fmt.Errorf("process: stop: %w", err)
	}
	if !ws.Stopped() {
		return fmt.Errorf("process: stop: subject terminated instead of stopping")
	}
	p.mu.Lock()
	p.status = statusFromWaitPublic(ws)
	p.mu.Unlock()
	return nil
}

// Continue optionally sends SIGCONT, then waits for the kernel to confirm
// the subject has actually continued. Fails if the subject has already
// terminated.
func (p *Process) Continue(send bool) error {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if pid == 0 {
		return ErrTerminated
	}
	if send {
		if err := unix.Kill(pid, syscall.SIGCONT); err != nil {
			return fmt.Errorf("process: continue: %w", err)
		}
	}
	ws, err := p.wait(syscall.WCONTINUED)
	if err != nil {
		return fmt.Errorf("process: continue: %w", err)
	}
	if !ws.Continued() {
		return fmt.Errorf("process: continue: subject terminated instead of continuing")
	}
	return nil
}

// wait loops a blocking wait4 across EINTR until either the requested
// report condition (WUNTRACED -> WIFSTOPPED, WCONTINUED -> WIFCONTINUED) is
// met, or the subject exits/is signaled, which always returns.
func (p *Process) wait(reportFlag int) (syscall.WaitStatus, error) {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	for {
		var ws syscall.WaitStatus
		_, err := syscall.Wait4(pid, &ws, reportFlag, nil)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return ws, err
		}
		if ws.Exited() || ws.Signaled() {
			p.mu.Lock()
			p.pid = 0
			p.status = statusFromWaitPublic(ws)
			p.mu.Unlock()
			return ws, nil
		}
		if reportFlag == syscall.WUNTRACED && ws.Stopped() {
			return ws, nil
		}
		if reportFlag == syscall.WCONTINUED && ws.Continued() {
			return ws, nil
		}
	}
}

// Status returns the last observed termination or stop status. Continue does
// not record a status.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func statusFromWaitPublic(ws syscall.WaitStatus) Status { return statusFromWait(ws) }

// EOF reports whether the subject's pty has reached end-of-stream. A nil
// timeout blocks forever; 0 checks without blocking; a positive duration
// bounds the check. Returns (false, nil, nil) if no EOF is observed within
// the budget. If EOF is observed and the subject is still alive, EOF waits
// up to the same budget to reap it and returns the resulting Status.
func (p *Process) EOF(timeout *time.Duration) (bool, *Status, error) {
	p.mu.Lock()
	alreadyEOF := p.eof
	pid := p.pid
	p.mu.Unlock()

	pollTimeout := -1
	switch {
	case timeout == nil:
		pollTimeout = -1
	case *timeout <= 0:
		pollTimeout = 0
	default:
		pollTimeout = int(timeout.Milliseconds())
	}

	hitEOF := alreadyEOF
	if !hitEOF {
		pfd := []unix.PollFd{{Fd: int32(p.masterFd), Events: unix.POLLIN | unix.POLLHUP}}
		n, err := unix.Poll(pfd, pollTimeout)
		if err != nil && err != unix.EINTR {
			return false, nil, fmt.Errorf("process: eof: poll: %w", err)
		}
		if n > 0 {
			avail, _ := unix.IoctlGetInt(p.masterFd, unix.FIONREAD)
			hup := pfd[0].Revents&unix.POLLHUP != 0
			if hup && avail == 0 {
				hitEOF = true
			}
		}
	}
	if !hitEOF {
		return false, nil, nil
	}

	p.mu.Lock()
	p.eof = true
	p.mu.Unlock()

	if pid == 0 {
		status := p.Status()
		return true, &status, nil
	}

	if ws, ok, err := p.reapNonBlocking(); err != nil {
		return true, nil, fmt.Errorf("process: eof: %w", err)
	} else if ok {
		status := statusFromWaitPublic(ws)
		return true, &status, nil
	}

	status, err := p.waitBounded(timeoutOrDefault(timeout))
	if err != nil {
		return true, nil, nil
	}
	return true, &status, nil
}

func timeoutOrDefault(timeout *time.Duration) time.Duration {
	if timeout == nil {
		return 24 * time.Hour
	}
	return *timeout
}

// reapNonBlocking performs a single WNOHANG wait4, reporting whether the
// subject had already exited.
func (p *Process) reapNonBlocking() (syscall.WaitStatus, bool, error) {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if pid == 0 {
		return syscall.WaitStatus(0), false, nil
	}
	var ws syscall.WaitStatus
	got, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
	if err != nil {
		if err == syscall.ECHILD {
			return ws, false, nil
		}
		return ws, false, fmt.Errorf("wait4: %w", err)
	}
	if got != pid {
		return ws, false, nil
	}
	p.mu.Lock()
	p.pid = 0
	p.status = statusFromWaitPublic(ws)
	p.mu.Unlock()
	logger.Printf("reaped pid %d: %+v", pid, statusFromWaitPublic(ws))
	return ws, true, nil
}

// waitBounded blocks for the subject's exit up to timeout.
func (p *Process) waitBounded(timeout time.Duration) (Status, error) {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if pid == 0 {
		return p.Status(), nil
	}

	done := make(chan syscall.WaitStatus, 1)
	go func() {
		var ws syscall.WaitStatus
		if _, err := syscall.Wait4(pid, &ws, 0, nil); err == nil {
			done <- ws
		}
		close(done)
	}()
	select {
	case ws, ok := <-done:
		if !ok {
			return Status{}, errors.New("process: wait did not complete")
		}
		p.mu.Lock()
		p.pid = 0
		p.status = statusFromWaitPublic(ws)
		s := p.status
		p.mu.Unlock()
		return s, nil
	case <-time.After(timeout):
		return Status{}, errors.New("process: wait timed out")
	}
}

// Close is the canonical destructor and is idempotent. If the subject is
// still alive it attempts a non-blocking reap; failing that it sends
// SIGTERM, invokes drain repeatedly for up to termGrace while waiting for
// the subject to exit, escalates to SIGKILL if it hasn't, then always
// releases the pty master and IPC endpoint. drain must be non-nil; pass
// func(){} if no draining is needed.
func (p *Process) Close(drain func()) error {
	if drain == nil {
		drain = func() {}
	}

	var killErr error
	p.mu.Lock()
	pid := p.pid
	lastSignal := p.lastSignal
	p.mu.Unlock()

	if pid != 0 {
		if ws, ok, err := p.reapNonBlocking(); err != nil {
			killErr = err
		} else if ok {
			logger.Printf("close pid %d: already exited", pid)
			if ws.Signaled() && ws.Signal() != lastSignal {
				killErr = fmt.Errorf("spawned process killed with signal %d", ws.Signal())
			}
		} else {
			logger.Printf("close pid %d: sending SIGTERM, grace %s", pid, termGrace)
			done := p.startWait()
			if err := unix.Kill(pid, syscall.SIGTERM); err == nil {
				p.mu.Lock()
				p.lastSignal = syscall.SIGTERM
				p.mu.Unlock()
				p.waitWithDrain(done, termGrace, drain)
			}
			p.mu.Lock()
			stillAlive := p.pid != 0
			p.mu.Unlock()
			if stillAlive {
				logger.Printf("close pid %d: did not exit within grace, escalating to SIGKILL", pid)
				p.closeMaster()
				if err := unix.Kill(pid, syscall.SIGKILL); err == nil {
					p.waitWithDrain(done, killGrace, func() {})
				}
				p.mu.Lock()
				stillAliveAfterKill := p.pid != 0
				p.mu.Unlock()
				if stillAliveAfterKill {
					killErr = errors.New("could not kill process with SIGTERM")
				} else {
					logger.Printf("close pid %d: reaped after SIGKILL", pid)
				}
			}
		}
	}

	closeErr := p.closeMaster()

	p.mu.Lock()
	ep := p.ep
	p.ep = nil
	p.mu.Unlock()
	if ep != nil {
		if err := ep.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("process: close ipc endpoint: %w", err)
		}
	}

	if killErr != nil {
		return killErr
	}
	return closeErr
}

// closeMaster closes the pty master exactly once, tolerating a prior close
// (by handleEOF, or by a previous closeMaster call) by treating a nil
// ptyMaster as already-closed.
func (p *Process) closeMaster() error {
	p.mu.Lock()
	master := p.ptyMaster
	p.ptyMaster = nil
	p.mu.Unlock()
	if master == nil {
		return nil
	}
	if err := master.Close(); err != nil {
		return fmt.Errorf("process: close pty master: %w", err)
	}
	return nil
}

// startWait starts one blocking wait4 on the subject in the background. The
// returned channel yields its status, or is closed without a value if the
// wait fails. Close shares a single such wait across its SIGTERM and SIGKILL
// phases, so no second wait4 can race the first for the same pid.
func (p *Process) startWait() <-chan syscall.WaitStatus {
	done := make(chan syscall.WaitStatus, 1)
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	go func() {
		var ws syscall.WaitStatus
		if _, err := syscall.Wait4(pid, &ws, 0, nil); err == nil {
			done <- ws
		}
		close(done)
	}()
	return done
}

// waitWithDrain blocks up to timeout for the wait started by startWait to
// complete, calling drain periodically in the meantime.
func (p *Process) waitWithDrain(done <-chan syscall.WaitStatus, timeout time.Duration, drain func()) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case ws, ok := <-done:
			if ok {
				p.mu.Lock()
				p.pid = 0
				p.status = statusFromWaitPublic(ws)
				p.mu.Unlock()
			}
			return
		case <-ticker.C:
			p.mu.Lock()
			p.draining = true
			p.mu.Unlock()
			drain()
			p.mu.Lock()
			p.draining = false
			p.mu.Unlock()
			if time.Now().After(deadline) {
				return
			}
		}
	}
}
