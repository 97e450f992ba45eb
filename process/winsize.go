package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Resize applies a new window size to the subject's pty. This goes straight
// through the raw masterFd via ioctl rather than github.com/creack/pty's
// os.File-based Setsize, which would call master.Fd() again and force the
// descriptor back into blocking mode (see the Process doc comment on why
// masterFd, once extracted, is never touched through master again).
func (p *Process) Resize(cols, rows int) error {
	ws := &unix.Winsize{Row: uint16(rows), Col: uint16(cols)}
	if err := unix.IoctlSetWinsize(p.masterFd, unix.TIOCSWINSZ, ws); err != nil {
		return fmt.Errorf("process: resize: %w", err)
	}
	return nil
}
