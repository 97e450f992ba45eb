package process

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ianremillard/wrangle/internal/ipc"
	"github.com/ianremillard/wrangle/internal/termios"
)

func termiosEncode(t *unix.Termios) ([]byte, error) {
	enc, err := termios.Encode(t)
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	return enc, nil
}

// termInquiry sends TERMIOS_INQUIRY directly (bypassing SendAcked) and awaits
// TERMIOS_SET, the tag the wire format assigns to an encoded Termios; a
// TERMIOS_ACK instead means the subject failed to capture its termios. Any
// other tag is an unexpected message and a failure.
func (p *Process) termInquiry() (*unix.Termios, error) {
	if !p.ep.TryLockSend() {
		panic("process: concurrent configuration calls on the same Process")
	}
	defer p.ep.UnlockSend()

	if err := p.ep.Send(ipc.TagTermiosInquiry, nil); err != nil {
		return nil, fmt.Errorf("process: term: %w", err)
	}
	msg, err := p.ep.RecvDispatch()
	if err != nil {
		return nil, fmt.Errorf("process: term: %w", err)
	}
	switch msg.Tag {
	case ipc.TagTermiosAck:
		errno := decodeErrnoPayload(msg.Payload)
		return nil, fmt.Errorf("process: term: %w", syscall.Errno(errno))
	case ipc.TagTermiosSet:
		t, err := termios.Decode(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("process: term: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("process: term: unexpected message type %d", msg.Tag)
	}
}

func decodeErrnoPayload(p []byte) int32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(p[i]) << (8 * i)
	}
	return int32(v)
}
