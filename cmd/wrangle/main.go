// Command wrangle is a small demonstration CLI: it spawns a subject, applies
// any configuration requested on the command line, releases it, and attaches
// the calling terminal to it until the subject exits or the user detaches
// with Ctrl-].
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/ianremillard/wrangle/internal/config"
	"github.com/ianremillard/wrangle/internal/subject"
	"github.com/ianremillard/wrangle/process"
)

func main() {
	// Must run first: if this process was re-exec'd as a subject, Main
	// takes over here and never returns.
	subject.Main()

	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a spawn-defaults YAML file")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("WRANGLE_CONFIG")
	}

	argv := flag.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "usage: wrangle [-config file] program [args...]")
		os.Exit(2)
	}

	if err := run(configPath, argv); err != nil {
		fmt.Fprintf(os.Stderr, "wrangle: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, argv []string) error {
	p, err := process.Spawn(argv)
	if err != nil {
		return err
	}
	defer p.Close(func() {})

	if configPath != "" {
		spawnCfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := spawnCfg.Apply(p); err != nil {
			return err
		}
	}

	if err := p.Release(nil); err != nil {
		return err
	}

	return attach(p)
}

// attach puts the calling terminal into raw mode and relays it against the
// subject's pty until the subject exits or the user detaches with Ctrl-].
func attach(p *process.Process) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("cannot set raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	if cols, rows, err := term.GetSize(fd); err == nil {
		resize(p, cols, rows)
	}

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			if cols, rows, err := term.GetSize(fd); err == nil {
				resize(p, cols, rows)
			}
		}
	}()

	fmt.Fprintf(os.Stdout, "\r\n[wrangle] attached to pid %d  (detach: Ctrl-])\r\n", p.PID())

	outCB := func(chunk []byte) bool {
		if chunk == nil {
			return false
		}
		os.Stdout.Write(chunk)
		return false
	}
	inCB := func(chunk []byte) bool {
		for _, b := range chunk {
			if b == 0x1d { // Ctrl-]
				return true
			}
		}
		return false
	}

	_, err = p.Proxy(os.Stdin, outCB, inCB, nil)
	fmt.Fprintf(os.Stdout, "\r\n[wrangle] detached\r\n")
	return err
}

func resize(p *process.Process, cols, rows int) {
	if err := p.Resize(cols, rows); err != nil {
		fmt.Fprintf(os.Stderr, "wrangle: resize: %v\n", err)
	}
}
