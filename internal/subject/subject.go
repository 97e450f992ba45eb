// Package subject implements the re-exec entrypoint that becomes "the
// subject": a process that starts life as a fresh copy of the driver binary,
// configures itself in response to a synchronous IPC handshake driven by the
// parent, then calls syscall.Exec into the caller's real target program.
//
// Go gives no way to run arbitrary code between fork() and exec() outside of
// syscall.ForkExec's own hand-written sequence, so this package exists to let
// the configuration step run under the full Go runtime instead: the driver
// forks a copy of itself with a hidden sentinel argument, and that copy runs
// Main below instead of the caller's own main logic.
package subject

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ianremillard/wrangle/internal/ipc"
	"github.com/ianremillard/wrangle/internal/ptyalloc"
	"github.com/ianremillard/wrangle/internal/termios"
)

// Sentinel is the hidden argv[1] that routes a re-exec'd copy of the binary
// into Main instead of the caller's ordinary startup path. Callers should
// invoke Main() as the very first statement of their own main function.
const Sentinel = "__wrangle_subject_v1__"

// IPCFd is the file descriptor the subject expects its IPC endpoint to
// arrive on. process.Spawn places it here via syscall.ProcAttr.Files.
const IPCFd = 3

// Main checks whether the current process was re-exec'd as a subject and, if
// so, never returns: it runs the configuration handshake and then replaces
// itself via exec. If the sentinel argument is absent, Main returns
// immediately and the caller's own main proceeds unaffected.
func Main() {
	if len(os.Args) < 3 || os.Args[1] != Sentinel {
		return
	}
	if err := run(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "wrangle subject: %v\n", err)
		os.Exit(1)
	}
	panic("subject: run returned without exec")
}

// run parses argv as [slavePath, "--", target, targetArgs...], performs the
// session/terminal setup, drives the configuration handshake to completion,
// and execs into target.
func run(argv []string) (err error) {
	sep := -1
	for i, a := range argv {
		if a == "--" {
			sep = i
			break
		}
	}
	if sep < 0 || sep == 0 {
		return fmt.Errorf("malformed subject argv: %v", argv)
	}
	slaveName := argv[0]
	target := argv[sep+1:]
	if len(target) == 0 {
		return fmt.Errorf("subject: no target program given")
	}

	ep := ipc.NewEndpoint(IPCFd)
	defer ep.Close()
	// From here on, a fatal error is reported to the driver as an ERROR
	// message before the subject exits.
	defer func() {
		if err != nil {
			ep.SendError(err.Error())
		}
	}()

	if err := unix.Setsid(); err != nil {
		return fmt.Errorf("setsid: %w", err)
	}

	slave, err := ptyalloc.OpenSlave(slaveName)
	if err != nil {
		return err
	}
	if err := ptyalloc.MakeControlling(int(slave.Fd())); err != nil {
		slave.Close()
		return err
	}
	sfd := int(slave.Fd())
	for _, dst := range []int{0, 1, 2} {
		if err := unix.Dup2(sfd, dst); err != nil {
			return fmt.Errorf("dup2 slave onto fd %d: %w", dst, err)
		}
	}
	if sfd > 2 {
		slave.Close()
	}

	// Restore the default SIGTERM disposition before any configuration
	// request is serviced, so only an explicit SIGCATCH can change what the
	// target program inherits.
	signal.Reset(syscall.SIGTERM)

	registerHandlers(ep)

	// Phase 1: announce readiness to the driver, who is blocked in
	// process.Spawn waiting for exactly this.
	if err := ep.Send(ipc.TagRelease, []byte{0}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}

	// Drive the dispatch loop until the driver's go-ahead (phase 2,
	// payload byte 1) arrives. Every other registered tag is serviced
	// inline by its handler as it comes in.
	for {
		msg, err := ep.Recv()
		if err != nil {
			return fmt.Errorf("waiting for release: %w", err)
		}
		if msg.Tag == ipc.TagRelease {
			if len(msg.Payload) == 1 && msg.Payload[0] == 1 {
				break
			}
			continue
		}
		handled, err := ep.Dispatch(msg)
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", ipc.TagName(msg.Tag), err)
		}
		if !handled {
			return fmt.Errorf("unexpected message type %d (%s)", msg.Tag, ipc.TagName(msg.Tag))
		}
	}

	ep.Close()

	path, err := exec.LookPath(target[0])
	if err != nil {
		return fmt.Errorf("lookpath %s: %w", target[0], err)
	}
	return syscall.Exec(path, target, os.Environ())
}

func registerHandlers(ep *ipc.Endpoint) {
	ep.Register(ipc.TagTermiosInquiry, handleTermiosInquiry)
	ep.Register(ipc.TagTermiosSet, handleTermiosSet)
	ep.Register(ipc.TagEnvSetup, handleEnvSetup)
	ep.Register(ipc.TagChdir, handleChdir)
	ep.Register(ipc.TagSetgroups, handleSetgroups)
	ep.Register(ipc.TagSetID, handleSetID)
	ep.Register(ipc.TagSetmask, handleSetmask)
	ep.Register(ipc.TagSigcatch, handleSigcatch)
}

// handleTermiosInquiry replies on TERMIOS_SET, not TERMIOS_ACK: the
// inquiry's success payload is an encoded Termios, and TERMIOS_SET is the
// tag the wire format assigns to that shape (TERMIOS_ACK carries only a
// 4-byte errno, used for TERMIOS_SET's own reply and for failure here).
func handleTermiosInquiry(ep *ipc.Endpoint, _ *ipc.Message) error {
	t, err := unix.IoctlGetTermios(0, unix.TCGETS)
	if err != nil {
		return ep.SendErrno(ipc.TagTermiosAck, errnoOf(err))
	}
	enc, err := termios.Encode(t)
	if err != nil {
		return ep.SendErrno(ipc.TagTermiosAck, int32(unix.EINVAL))
	}
	return ep.Send(ipc.TagTermiosSet, enc)
}

func handleTermiosSet(ep *ipc.Endpoint, msg *ipc.Message) error {
	t, err := termios.Decode(msg.Payload)
	if err != nil {
		return ep.SendErrno(ipc.TagTermiosAck, int32(unix.EINVAL))
	}
	if err := unix.IoctlSetTermios(0, unix.TCSETS, t); err != nil {
		return ep.SendErrno(ipc.TagTermiosAck, errnoOf(err))
	}
	return ep.SendErrno(ipc.TagTermiosAck, 0)
}

// handleEnvSetup decodes {clear u8, setLen u32, unsetLen u32,
// bytes[setLen+unsetLen]}: setLen/unsetLen are byte-lengths of two
// NUL-terminated-entry blocks, set first then unset.
func handleEnvSetup(ep *ipc.Endpoint, msg *ipc.Message) error {
	p := msg.Payload
	if len(p) < 9 {
		return ep.SendErrno(ipc.TagEnvAck, int32(unix.EINVAL))
	}
	clear := p[0] != 0
	setLen := le32(p[1:5])
	unsetLen := le32(p[5:9])
	body := p[9:]
	if uint64(setLen)+uint64(unsetLen) != uint64(len(body)) {
		return ep.SendErrno(ipc.TagEnvAck, int32(unix.EINVAL))
	}
	setBlock := body[:setLen]
	unsetBlock := body[setLen:]

	if clear {
		os.Clearenv()
	}
	for _, name := range splitNulTerminated(unsetBlock) {
		os.Unsetenv(name)
	}
	for _, kv := range splitNulTerminated(setBlock) {
		name, value, ok := bytes.Cut([]byte(kv), []byte("="))
		if !ok {
			return ep.SendErrno(ipc.TagEnvAck, int32(unix.EINVAL))
		}
		os.Setenv(string(name), string(value))
	}
	return ep.SendErrno(ipc.TagEnvAck, 0)
}

func splitNulTerminated(b []byte) []string {
	var out []string
	for len(b) > 0 {
		i := bytes.IndexByte(b, 0)
		if i < 0 {
			out = append(out, string(b))
			break
		}
		out = append(out, string(b[:i]))
		b = b[i+1:]
	}
	return out
}

func handleChdir(ep *ipc.Endpoint, msg *ipc.Message) error {
	path := string(bytes.TrimRight(msg.Payload, "\x00"))
	err := unix.Chdir(path)
	return ep.SendErrno(ipc.TagChdirAck, errnoOf(err))
}

func handleSetgroups(ep *ipc.Endpoint, msg *ipc.Message) error {
	if len(msg.Payload)%4 != 0 {
		return ep.SendErrno(ipc.TagSetgroupsAck, int32(unix.EINVAL))
	}
	n := len(msg.Payload) / 4
	gids := make([]int, n)
	for i := 0; i < n; i++ {
		gids[i] = int(le32(msg.Payload[i*4 : i*4+4]))
	}
	err := allThreadsSetgroups(gids)
	return ep.SendErrno(ipc.TagSetgroupsAck, errnoOf(err))
}

// setIDSetUID and setIDSetGID are the SETID payload's flags bits, selecting
// which of uid/gid the driver actually wants changed; a slot whose bit is
// clear is left untouched regardless of what value rides along in the
// payload.
const (
	setIDSetUID = 1 << 0
	setIDSetGID = 1 << 1
)

func handleSetID(ep *ipc.Endpoint, msg *ipc.Message) error {
	if len(msg.Payload) != 12 {
		return ep.SendErrno(ipc.TagSetIDAck, int32(unix.EINVAL))
	}
	flags := le32(msg.Payload[0:4])
	uid := le32(msg.Payload[4:8])
	gid := le32(msg.Payload[8:12])
	// gid before uid: once uid is dropped the process may no longer have
	// permission to change its gid.
	if flags&setIDSetGID != 0 {
		if err := allThreadsSetgid(gid); err != nil {
			return ep.SendErrno(ipc.TagSetIDAck, errnoOf(err))
		}
	}
	if flags&setIDSetUID != 0 {
		if err := allThreadsSetuid(uid); err != nil {
			return ep.SendErrno(ipc.TagSetIDAck, errnoOf(err))
		}
	}
	return ep.SendErrno(ipc.TagSetIDAck, 0)
}

func handleSetmask(ep *ipc.Endpoint, msg *ipc.Message) error {
	if len(msg.Payload) != 8 {
		return ep.SendErrno(ipc.TagSetmaskAck, int32(unix.EINVAL))
	}
	bits := le64(msg.Payload)
	var set unix.Sigset_t
	for sig := 1; sig <= 64; sig++ {
		if bits&(uint64(1)<<uint(sig-1)) == 0 {
			continue
		}
		idx := (sig - 1) / 64
		bit := uint((sig - 1) % 64)
		if idx < len(set.Val) {
			set.Val[idx] |= 1 << bit
		}
	}
	err := unix.Sigprocmask(unix.SIG_SETMASK, &set, nil)
	return ep.SendErrno(ipc.TagSetmaskAck, errnoOf(err))
}

// handleSigcatch decodes a sequence of 5-byte entries {sig u32, disp u8}
// (disp 0 = restore default, 1 = ignore) and applies each via os/signal,
// whose disposition changes are real sigaction calls and so, for SIG_IGN,
// survive the subsequent exec per POSIX semantics.
func handleSigcatch(ep *ipc.Endpoint, msg *ipc.Message) error {
	p := msg.Payload
	if len(p)%5 != 0 {
		return ep.SendErrno(ipc.TagSigcatchAck, int32(unix.EINVAL))
	}
	for i := 0; i+5 <= len(p); i += 5 {
		sig := syscall.Signal(le32(p[i : i+4]))
		disp := p[i+4]
		switch disp {
		case 0:
			signal.Reset(sig)
		case 1:
			signal.Ignore(sig)
		default:
			return ep.SendErrno(ipc.TagSigcatchAck, int32(unix.EINVAL))
		}
	}
	return ep.SendErrno(ipc.TagSigcatchAck, 0)
}

func le32(b []byte) uint32 { return binary.NativeEndian.Uint32(b) }

func le64(b []byte) uint64 { return binary.NativeEndian.Uint64(b) }

func errnoOf(err error) int32 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if ok := asErrno(err, &errno); ok {
		return int32(errno)
	}
	return int32(unix.EIO)
}

func asErrno(err error, out *unix.Errno) bool {
	for err != nil {
		if e, ok := err.(unix.Errno); ok {
			*out = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
