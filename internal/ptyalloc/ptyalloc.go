// Package ptyalloc allocates and opens pseudo-terminal devices. The driver
// side opens a master only (via github.com/creack/pty, which performs the
// posix_openpt/grantpt/unlockpt dance for us); the subject side, running in
// its own re-exec'd process after the pty's slave path has crossed the IPC
// boundary as a string, opens the slave fresh by name.
package ptyalloc

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// OpenMaster allocates a new pty pair and returns the master end plus the
// slave's path. The slave fd opened internally by pty.Open is closed
// immediately — the subject will open it fresh in its own process once it is
// running, so the driver has no use for a slave fd of its own.
func OpenMaster() (master *os.File, slaveName string, err error) {
	m, s, err := pty.Open()
	if err != nil {
		return nil, "", fmt.Errorf("ptyalloc: open: %w", err)
	}
	slaveName = s.Name()
	if cerr := s.Close(); cerr != nil {
		m.Close()
		return nil, "", fmt.Errorf("ptyalloc: close slave after open: %w", cerr)
	}
	return m, slaveName, nil
}

// OpenSlave opens the slave device at name for reading and writing. Called
// from the subject after Setsid, before acquiring the controlling terminal.
func OpenSlave(name string) (*os.File, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ptyalloc: open slave %s: %w", name, err)
	}
	return f, nil
}

// MakeControlling sets the slave fd as the calling process's controlling
// terminal. Must be called after Setsid and before the final exec.
func MakeControlling(slaveFd int) error {
	if err := unix.IoctlSetInt(slaveFd, unix.TIOCSCTTY, 0); err != nil {
		return fmt.Errorf("ptyalloc: TIOCSCTTY: %w", err)
	}
	return nil
}

// Setsize applies rows/cols to the master. process.Process.Resize does not
// use it; Resize issues TIOCSWINSZ on the raw master fd itself.
func Setsize(master *os.File, rows, cols uint16) error {
	return pty.Setsize(master, &pty.Winsize{Rows: rows, Cols: cols})
}
