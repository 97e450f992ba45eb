// Package ipc implements the length-tagged message transport used between a
// driver and its subject over a UNIX socket-pair, plus the handler-registry
// dispatch loop that drives the pre-exec configuration handshake.
//
// Wire format: each frame is a fixed 8-byte header, (tag uint32, length
// uint32) in host endianness, followed by length bytes of payload. The pair
// is local to a single host, so there is no need for network byte order.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Message tags. Every request tag has exactly one matching ACK tag carrying
// an errno-sized integer (0 = success). ERROR is one-way, subject to driver.
const (
	TagRelease uint32 = iota
	TagError
	TagTermiosInquiry
	TagTermiosSet
	TagTermiosAck
	TagEnvSetup
	TagEnvAck
	TagChdir
	TagChdirAck
	TagSetgroups
	TagSetgroupsAck
	TagSetID
	TagSetIDAck
	TagSetmask
	TagSetmaskAck
	TagSigcatch
	TagSigcatchAck
)

var tagNames = map[uint32]string{
	TagRelease:        "RELEASE",
	TagError:          "ERROR",
	TagTermiosInquiry: "TERMIOS_INQUIRY",
	TagTermiosSet:     "TERMIOS_SET",
	TagTermiosAck:     "TERMIOS_ACK",
	TagEnvSetup:       "ENV_SETUP",
	TagEnvAck:         "ENV_ACK",
	TagChdir:          "CHDIR",
	TagChdirAck:       "CHDIR_ACK",
	TagSetgroups:      "SETGROUPS",
	TagSetgroupsAck:   "SETGROUPS_ACK",
	TagSetID:          "SETID",
	TagSetIDAck:       "SETID_ACK",
	TagSetmask:        "SETMASK",
	TagSetmaskAck:     "SETMASK_ACK",
	TagSigcatch:       "SIGCATCH",
	TagSigcatchAck:    "SIGCATCH_ACK",
}

// TagName returns a human-readable name for a tag, or "tag <n>" if unknown.
func TagName(tag uint32) string {
	if n, ok := tagNames[tag]; ok {
		return n
	}
	return fmt.Sprintf("tag %d", tag)
}

// Message is a single (tag, payload) IPC frame.
type Message struct {
	Tag     uint32
	Payload []byte
}

// Handler processes a request message and is responsible for sending its own
// ACK (or ERROR) reply on ep. A non-nil returned error aborts the dispatch
// loop the handler was invoked from.
type Handler func(ep *Endpoint, msg *Message) error

const headerSize = 8

// Endpoint is one end of the socket-pair, wrapped in the frame protocol.
type Endpoint struct {
	fd int

	handlersMu sync.Mutex
	handlers   map[uint32]Handler

	// awaiting guards against reentrant SendAcked calls for the same tag
	// from within a handler invoked by the very dispatch loop SendAcked
	// drives — see the reentrancy note in SPEC_FULL.md §4.A.
	awaiting sync.Mutex
}

// NewEndpoint wraps fd (already non-blocking and close-on-exec) in the frame
// protocol. The Endpoint takes ownership of fd.
func NewEndpoint(fd int) *Endpoint {
	return &Endpoint{
		fd:       fd,
		handlers: make(map[uint32]Handler),
	}
}

// Fd returns the underlying file descriptor, for use by readiness primitives
// that need to multiplex it alongside other fds (e.g. process.Proxy).
func (e *Endpoint) Fd() int { return e.fd }

// Close closes the underlying socket. Idempotent.
func (e *Endpoint) Close() error {
	if e.fd < 0 {
		return nil
	}
	fd := e.fd
	e.fd = -1
	return unix.Close(fd)
}

// Register installs a handler invoked by the dispatch loop whenever a
// message with the given tag arrives. Unhandled tags are surfaced to the
// caller of Recv/RecvDispatch directly instead.
func (e *Endpoint) Register(tag uint32, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[tag] = h
}

func (e *Endpoint) handlerFor(tag uint32) (Handler, bool) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	h, ok := e.handlers[tag]
	return h, ok
}

// Send transmits a single frame, looping across EINTR and short writes.
func (e *Endpoint) Send(tag uint32, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.NativeEndian.PutUint32(buf[0:4], tag)
	binary.NativeEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return e.writeAll(buf)
}

func (e *Endpoint) writeAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(e.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				if perr := e.pollWrite(); perr != nil {
					return perr
				}
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (e *Endpoint) pollWrite() error {
	for {
		pfd := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLOUT}}
		_, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// readExact reads exactly len(buf) bytes, looping across EINTR/EAGAIN and
// short reads. Returns io.EOF-equivalent (unix.Errno(0) is never returned;
// a clean peer shutdown with zero bytes read on the first iteration yields
// errClosed) when the peer has closed its end.
func (e *Endpoint) readExact(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(e.fd, buf[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				if perr := e.pollRead(); perr != nil {
					return perr
				}
				continue
			}
			return err
		}
		if n == 0 {
			return errClosed
		}
		total += n
	}
	return nil
}

func (e *Endpoint) pollRead() error {
	for {
		pfd := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
		_, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// errClosed indicates the peer shut down its end of the socket-pair cleanly.
var errClosed = errors.New("ipc: peer closed connection")

// ErrClosed reports whether err indicates a clean peer shutdown.
func ErrClosed(err error) bool { return errors.Is(err, errClosed) }

// Recv reads exactly one frame off the wire, performing no dispatch.
func (e *Endpoint) Recv() (*Message, error) {
	hdr := make([]byte, headerSize)
	if err := e.readExact(hdr); err != nil {
		return nil, err
	}
	tag := binary.NativeEndian.Uint32(hdr[0:4])
	length := binary.NativeEndian.Uint32(hdr[4:8])
	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if err := e.readExact(payload); err != nil {
			return nil, err
		}
	}
	return &Message{Tag: tag, Payload: payload}, nil
}

// Dispatch invokes the registered handler for msg's tag, if any, and reports
// whether it did.
func (e *Endpoint) Dispatch(msg *Message) (handled bool, err error) {
	h, ok := e.handlerFor(msg.Tag)
	if !ok {
		return false, nil
	}
	return true, h(e, msg)
}

// RecvDispatch reads frames and dispatches them to registered handlers until
// an unhandled frame arrives, which it returns to the caller.
func (e *Endpoint) RecvDispatch() (*Message, error) {
	for {
		msg, err := e.Recv()
		if err != nil {
			return nil, err
		}
		handled, err := e.Dispatch(msg)
		if err != nil {
			return nil, err
		}
		if !handled {
			return msg, nil
		}
	}
}

// WaitForTag drives the dispatch loop until a frame with the given tag
// arrives (other unhandled frames are silently discarded, matching the
// reference implementation's RELEASE-wait loop).
func (e *Endpoint) WaitForTag(tag uint32) error {
	for {
		msg, err := e.RecvDispatch()
		if err != nil {
			return err
		}
		if msg.Tag == tag {
			return nil
		}
	}
}

// SendAcked sends a request and drives the dispatch loop until the matching
// ACK tag arrives, returning the ACK's embedded errno (0 on success). It is
// the only mechanism driver operations use to confirm pre-exec configuration
// took effect. Must not be called reentrantly for the same endpoint from
// within a handler that SendAcked's own dispatch loop is currently running —
// doing so panics rather than deadlocking silently.
func (e *Endpoint) SendAcked(tag uint32, payload []byte, ackTag uint32) (int32, error) {
	if !e.awaiting.TryLock() {
		panic("ipc: reentrant SendAcked on the same endpoint")
	}
	defer e.awaiting.Unlock()

	if err := e.Send(tag, payload); err != nil {
		return 0, err
	}
	for {
		msg, err := e.RecvDispatch()
		if err != nil {
			return 0, err
		}
		if msg.Tag == ackTag {
			return decodeErrno(msg.Payload)
		}
		return 0, fmt.Errorf("unexpected message type %d (%s)", msg.Tag, TagName(msg.Tag))
	}
}

// TryLockSend and UnlockSend expose the same reentrancy guard SendAcked uses
// internally, for callers (process.Process.Term) that need to drive a
// request/response exchange SendAcked's fixed errno-reply shape can't
// express.
func (e *Endpoint) TryLockSend() bool { return e.awaiting.TryLock() }

// UnlockSend releases the guard acquired by a successful TryLockSend.
func (e *Endpoint) UnlockSend() { e.awaiting.Unlock() }

// SendErrno replies to a request with a standard {errno int32} ACK payload.
func (e *Endpoint) SendErrno(ackTag uint32, errno int32) error {
	buf := make([]byte, 4)
	binary.NativeEndian.PutUint32(buf, uint32(errno))
	return e.Send(ackTag, buf)
}

func decodeErrno(payload []byte) (int32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("malformed ACK payload: %d bytes", len(payload))
	}
	return int32(binary.NativeEndian.Uint32(payload)), nil
}

// SendError sends a one-way ERROR message carrying a diagnostic string.
func (e *Endpoint) SendError(msg string) error {
	b := append([]byte(msg), 0)
	return e.Send(TagError, b)
}
