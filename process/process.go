// Package process is the driver-side handle onto a spawned subject: it owns
// the pty master, the IPC endpoint used for the pre-exec configuration
// handshake, and the subject's pid, and exposes the full pre-exec and
// post-exec operation surface (Chdir, Env, SetGroups, SetID, SigMask,
// SigCatch, Term, Release, Read, Write, Proxy, Signal, Stop, Continue, EOF,
// Close).
package process

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ianremillard/wrangle/internal/ipc"
	"github.com/ianremillard/wrangle/internal/ptyalloc"
	"github.com/ianremillard/wrangle/internal/subject"
)

var logger = log.New(os.Stderr, "[process] ", log.LstdFlags)

// Process is one spawned subject. The zero value is not usable; construct
// via Spawn.
type Process struct {
	mu sync.Mutex

	pid int // 0 once reaped

	// ptyMaster is kept alive purely to hold the pty master's *os.File
	// reference so the Go runtime's GC finalizer never closes masterFd
	// out from under us; once masterFd is extracted at construction time
	// we never call ptyMaster.Fd() again (doing so would force the
	// descriptor back into blocking mode).
	ptyMaster *os.File
	masterFd  int

	ep *ipc.Endpoint // nil permanently after Release

	released bool
	eof      bool

	uid, gid uint32

	sigMask, sigCaughtMask map[syscall.Signal]bool

	termQueried bool

	lastSignal syscall.Signal

	status Status

	// draining is true only while a caller-supplied drain callback is
	// executing during Close's termination sequence (see lifecycle.go);
	// Read folds an EINTR into a timeout rather than retrying while this
	// is set, so a drain's own interrupted reads don't spin forever.
	draining bool
}

// Option configures a Spawn call.
type Option func(*spawnConfig)

type spawnConfig struct {
	dir string
	env []string
}

// Dir sets the initial working directory the re-exec'd subject process
// starts in, before any Chdir call reconfigures it further.
func Dir(dir string) Option {
	return func(c *spawnConfig) { c.dir = dir }
}

// Spawn allocates a pty, forks a fresh re-exec of the calling binary into
// the subject role (see internal/subject), and blocks until that subject
// announces (its first RELEASE) that it has completed session/terminal
// setup and is ready to accept pre-exec configuration. argv[0] is the
// program Release will ultimately exec into; argv[1:] are its arguments.
func Spawn(argv []string, opts ...Option) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("process: Spawn requires a non-empty argv")
	}
	cfg := spawnConfig{env: os.Environ()}
	for _, o := range opts {
		o(&cfg)
	}

	master, slaveName, err := ptyalloc.OpenMaster()
	if err != nil {
		return nil, err
	}
	masterFd := int(master.Fd())
	if err := unix.SetNonblock(masterFd, true); err != nil {
		master.Close()
		return nil, fmt.Errorf("process: pty master nonblock: %w", err)
	}

	parentEP, childFd, err := ipc.NewPair()
	if err != nil {
		master.Close()
		return nil, err
	}

	reexecArgv := make([]string, 0, len(argv)+4)
	reexecArgv = append(reexecArgv, "wrangle-subject", subject.Sentinel, slaveName, "--")
	reexecArgv = append(reexecArgv, argv...)

	attr := &syscall.ProcAttr{
		Dir:   cfg.dir,
		Env:   cfg.env,
		Files: []uintptr{0, 1, 2, uintptr(childFd)},
	}
	pid, err := syscall.ForkExec("/proc/self/exe", reexecArgv, attr)
	unix.Close(childFd)
	if err != nil {
		master.Close()
		parentEP.Close()
		return nil, fmt.Errorf("process: fork/exec subject: %w", err)
	}

	p := &Process{
		pid:      pid,
		ptyMaster: master,
		masterFd: masterFd,
		ep:       parentEP,
	}

	// A subject that fails before it is ready reports why in an ERROR
	// message; surface that text instead of discarding the frame.
	parentEP.Register(ipc.TagError, func(_ *ipc.Endpoint, msg *ipc.Message) error {
		return fmt.Errorf("subject: %s", strings.TrimRight(string(msg.Payload), "\x00"))
	})

	if err := parentEP.WaitForTag(ipc.TagRelease); err != nil {
		logger.Printf("spawn pid %d: subject never became ready: %v", pid, err)
		unix.Kill(pid, syscall.SIGKILL)
		var ws syscall.WaitStatus
		syscall.Wait4(pid, &ws, 0, nil)
		master.Close()
		parentEP.Close()
		return nil, fmt.Errorf("process: subject did not become ready: %w", err)
	}

	logger.Printf("spawned pid %d: %v", pid, argv)
	return p, nil
}

func (p *Process) checkConfigurable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	if p.pid == 0 {
		return ErrTerminated
	}
	return nil
}

// Chdir requests the subject change its working directory before exec.
func (p *Process) Chdir(dir string) error {
	if err := p.checkConfigurable(); err != nil {
		return err
	}
	errno, err := p.ep.SendAcked(ipc.TagChdir, []byte(dir), ipc.TagChdirAck)
	if err != nil {
		return fmt.Errorf("process: chdir: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("process: chdir %q: %w", dir, syscall.Errno(errno))
	}
	return nil
}

func encodeEnvPayload(setBlock, unsetBlock []byte, clear bool) []byte {
	payload := make([]byte, 9+len(setBlock)+len(unsetBlock))
	if clear {
		payload[0] = 1
	}
	binary.NativeEndian.PutUint32(payload[1:5], uint32(len(setBlock)))
	binary.NativeEndian.PutUint32(payload[5:9], uint32(len(unsetBlock)))
	copy(payload[9:], setBlock)
	copy(payload[9+len(setBlock):], unsetBlock)
	return payload
}

func (p *Process) sendEnv(spec EnvSpec) error {
	setBlock, unsetBlock, clear := spec.expand()
	payload := encodeEnvPayload(setBlock, unsetBlock, clear)
	errno, err := p.ep.SendAcked(ipc.TagEnvSetup, payload, ipc.TagEnvAck)
	if err != nil {
		return fmt.Errorf("process: env: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("process: env: %w", syscall.Errno(errno))
	}
	return nil
}

// Env requests the environment mutation described by spec be applied before
// exec: optional full clear, then unsets, then sets.
func (p *Process) Env(spec EnvSpec) error {
	if err := p.checkConfigurable(); err != nil {
		return err
	}
	return p.sendEnv(spec)
}

func resolveGID(name string, id int) (uint32, error) {
	if name == "" {
		return uint32(id), nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("process: lookup group %q: %w", name, err)
	}
	n, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("process: parse gid for %q: %w", name, err)
	}
	return uint32(n), nil
}

func resolveUID(name string, id int) (uint32, error) {
	if name == "" {
		return uint32(id), nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("process: lookup user %q: %w", name, err)
	}
	n, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("process: parse uid for %q: %w", name, err)
	}
	return uint32(n), nil
}

// SetGroups requests the subject's supplementary group list be replaced.
// Each ref may be a numeric id or a name resolved via os/user on the
// driver. Zero refs is sent through verbatim (clears supplementary
// groups).
func (p *Process) SetGroups(refs ...GroupRef) error {
	if err := p.checkConfigurable(); err != nil {
		return err
	}
	gids := make([]uint32, len(refs))
	for i, r := range refs {
		gid, err := resolveGID(r.Name, r.ID)
		if err != nil {
			return err
		}
		gids[i] = gid
	}
	payload := make([]byte, len(gids)*4)
	for i, g := range gids {
		binary.NativeEndian.PutUint32(payload[i*4:i*4+4], g)
	}
	errno, err := p.ep.SendAcked(ipc.TagSetgroups, payload, ipc.TagSetgroupsAck)
	if err != nil {
		return fmt.Errorf("process: setgroups: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("process: setgroups: %w", syscall.Errno(errno))
	}
	if foldsSupplementaryGID() && len(gids) > 0 {
		p.mu.Lock()
		p.gid = gids[0]
		p.mu.Unlock()
	}
	return nil
}

// setIDSetUID and setIDSetGID mirror internal/subject's SETID flags bits:
// bit0 requests the uid slot be applied, bit1 the gid slot. A nil slot in
// SetID's arguments leaves the corresponding bit clear, so the subject
// leaves that credential untouched rather than reapplying whatever cached
// value happens to be sitting in the payload (which, before any SetID call,
// is the zero value, not the subject's real starting uid/gid).
const (
	setIDSetUID = 1 << 0
	setIDSetGID = 1 << 1
)

// SetID requests the subject drop to the given uid/gid, gid first. Either
// slot may be nil, in which case that credential is left untouched on the
// subject; only the non-nil slots are flagged in the wire request.
func (p *Process) SetID(uid, gid *IDRef) error {
	if err := p.checkConfigurable(); err != nil {
		return err
	}
	p.mu.Lock()
	newUID, newGID := p.uid, p.gid
	p.mu.Unlock()

	var flags uint32
	if uid != nil {
		v, err := resolveUID(uid.Name, uid.ID)
		if err != nil {
			return err
		}
		newUID = v
		flags |= setIDSetUID
	}
	if gid != nil {
		v, err := resolveGID(gid.Name, gid.ID)
		if err != nil {
			return err
		}
		newGID = v
		flags |= setIDSetGID
	}

	payload := make([]byte, 12)
	binary.NativeEndian.PutUint32(payload[0:4], flags)
	binary.NativeEndian.PutUint32(payload[4:8], newUID)
	binary.NativeEndian.PutUint32(payload[8:12], newGID)
	errno, err := p.ep.SendAcked(ipc.TagSetID, payload, ipc.TagSetIDAck)
	if err != nil {
		return fmt.Errorf("process: setid: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("process: setid(%d,%d): %w", newUID, newGID, syscall.Errno(errno))
	}
	p.mu.Lock()
	p.uid, p.gid = newUID, newGID
	p.mu.Unlock()
	return nil
}

// sigSetBits packs the signals in table into a 64-bit mask, bit (n-1) for
// signal n.
func sigSetBits(table map[syscall.Signal]bool) uint64 {
	var bits uint64
	for sig := range table {
		if sig >= 1 && sig <= 64 {
			bits |= 1 << uint(sig-1)
		}
	}
	return bits
}

// SigMask sets or reads the subject's signal mask. A nil table returns the
// cached mask without any IPC round-trip. A non-nil table (including an
// empty, non-nil one — see ClearSigMask) replaces the subject's mask with
// exactly the signals present as keys.
func (p *Process) SigMask(table map[syscall.Signal]bool) (map[syscall.Signal]bool, error) {
	if table == nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		return cloneSigMap(p.sigMask), nil
	}
	if err := p.checkConfigurable(); err != nil {
		return nil, err
	}
	payload := make([]byte, 8)
	binary.NativeEndian.PutUint64(payload, sigSetBits(table))
	errno, err := p.ep.SendAcked(ipc.TagSetmask, payload, ipc.TagSetmaskAck)
	if err != nil {
		return nil, fmt.Errorf("process: sigmask: %w", err)
	}
	if errno != 0 {
		return nil, fmt.Errorf("process: sigmask: %w", syscall.Errno(errno))
	}
	p.mu.Lock()
	p.sigMask = cloneSigMap(table)
	result := cloneSigMap(p.sigMask)
	p.mu.Unlock()
	return result, nil
}

// ClearSigMask empties the subject's signal mask.
func (p *Process) ClearSigMask() error {
	_, err := p.SigMask(map[syscall.Signal]bool{})
	return err
}

func cloneSigMap(m map[syscall.Signal]bool) map[syscall.Signal]bool {
	out := make(map[syscall.Signal]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SigCatch requests a disposition change for every signal named as a key in
// table: catch=false installs SIG_IGN (and the signal stays ignored across
// the subject's subsequent exec, per POSIX SIG_IGN-survives-exec
// semantics); catch=true restores SIG_DFL.
func (p *Process) SigCatch(catch bool, table map[syscall.Signal]bool) error {
	if err := p.checkConfigurable(); err != nil {
		return err
	}
	payload := make([]byte, len(table)*5)
	i := 0
	for sig := range table {
		off := i * 5
		binary.NativeEndian.PutUint32(payload[off:off+4], uint32(sig))
		if !catch {
			payload[off+4] = 1
		}
		i++
	}
	errno, err := p.ep.SendAcked(ipc.TagSigcatch, payload, ipc.TagSigcatchAck)
	if err != nil {
		return fmt.Errorf("process: sigcatch: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("process: sigcatch: %w", syscall.Errno(errno))
	}
	p.mu.Lock()
	if p.sigCaughtMask == nil {
		p.sigCaughtMask = make(map[syscall.Signal]bool)
	}
	for sig := range table {
		p.sigCaughtMask[sig] = catch
	}
	p.mu.Unlock()
	return nil
}

// Term queries the subject's current terminal attributes. One-shot: a
// second call returns ErrTermAlready.
func (p *Process) Term() (*unix.Termios, error) {
	if err := p.checkConfigurable(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.termQueried {
		p.mu.Unlock()
		return nil, ErrTermAlready
	}
	p.termQueried = true
	p.mu.Unlock()
	return p.termInquiry()
}

// Release applies env (if non-nil) and then tells the subject to proceed to
// its final exec, closing the IPC endpoint. Subsequent pre-exec
// configuration calls fail with ErrReleased. Release does not wait for the
// exec to actually happen; use Read/EOF/Stop/Continue/Signal afterward to
// interact with the now-running target program.
func (p *Process) Release(env *EnvSpec) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return ErrReleased
	}
	p.mu.Unlock()

	if env != nil {
		if err := p.sendEnv(*env); err != nil {
			return err
		}
	}

	if err := p.ep.Send(ipc.TagRelease, []byte{1}); err != nil {
		return fmt.Errorf("process: release: %w", err)
	}
	p.mu.Lock()
	p.released = true
	ep := p.ep
	p.ep = nil
	pid := p.pid
	p.mu.Unlock()
	logger.Printf("releasing pid %d", pid)
	return ep.Close()
}

// Released reports whether Release has been called.
func (p *Process) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// PID returns the subject's process ID, or 0 once reaped.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// UID returns the cached uid the subject has been configured to adopt
// (driver-side bookkeeping; does not re-query the subject).
func (p *Process) UID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.uid)
}

// GID returns the cached gid, by the same bookkeeping as UID.
func (p *Process) GID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.gid)
}
