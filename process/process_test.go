package process

import (
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/wrangle/internal/subject"
)

// TestMain lets this test binary double as the re-exec target: process.Spawn
// forks "/proc/self/exe" (this very test binary under `go test`), and
// subject.Main intercepts it before any *testing.T ever runs when the hidden
// sentinel argument is present.
func TestMain(m *testing.M) {
	subject.Main()
	os.Exit(m.Run())
}

func readChunk(t *testing.T, p *Process, timeout time.Duration) string {
	t.Helper()
	var got []byte
	err := p.Read(func(chunk []byte) bool {
		if chunk == nil {
			return true
		}
		got = append(got, chunk...)
		return true
	}, timeout)
	require.NoError(t, err)
	return string(got)
}

func TestSpawnEcho(t *testing.T) {
	p, err := Spawn([]string{"/bin/cat"})
	require.NoError(t, err)
	defer p.Close(func() {})

	require.NoError(t, p.Release(nil))

	_, err = p.Write([]byte("hello\n"))
	require.NoError(t, err)

	assert.Contains(t, readChunk(t, p, 2*time.Second), "hello")
}

func TestSpawnExitCode(t *testing.T) {
	p, err := Spawn([]string{"/bin/sh", "-c", "exit 7"})
	require.NoError(t, err)
	defer p.Close(func() {})

	require.NoError(t, p.Release(nil))

	timeout := 2 * time.Second
	eof, status, err := p.EOF(&timeout)
	require.NoError(t, err)
	assert.True(t, eof)
	require.NotNil(t, status)
	assert.True(t, status.IsExited)
	assert.Equal(t, 7, status.Status)
}

func TestPreExecChdir(t *testing.T) {
	dir := t.TempDir()
	p, err := Spawn([]string{"/bin/sh", "-c", "pwd"})
	require.NoError(t, err)
	defer p.Close(func() {})

	require.NoError(t, p.Chdir(dir))
	require.NoError(t, p.Release(nil))

	assert.True(t, strings.Contains(readChunk(t, p, 2*time.Second), dir))
}

func TestChdirAfterReleaseFails(t *testing.T) {
	p, err := Spawn([]string{"/bin/cat"})
	require.NoError(t, err)
	defer p.Close(func() {})

	require.NoError(t, p.Release(nil))
	err = p.Chdir("/tmp")
	assert.ErrorIs(t, err, ErrReleased)
}

func TestStopContinue(t *testing.T) {
	p, err := Spawn([]string{"/bin/cat"})
	require.NoError(t, err)
	defer p.Close(func() {})

	require.NoError(t, p.Release(nil))
	require.NoError(t, p.Stop())

	status := p.Status()
	assert.True(t, status.IsStopped)

	require.NoError(t, p.Continue(true))
}

func TestKillEscalation(t *testing.T) {
	oldTerm, oldKill := termGrace, killGrace
	termGrace = 200 * time.Millisecond
	killGrace = 2 * time.Second
	defer func() { termGrace, killGrace = oldTerm, oldKill }()

	p, err := Spawn([]string{"/bin/sh", "-c", "trap '' TERM; while true; do sleep 1; done"})
	require.NoError(t, err)

	require.NoError(t, p.Release(nil))
	time.Sleep(100 * time.Millisecond) // let the trap install before SIGTERM

	err = p.Close(func() {})
	assert.NoError(t, err)

	status := p.Status()
	assert.True(t, status.IsSignaled)
	assert.Equal(t, int(syscall.SIGKILL), status.Status)
}

func TestEnvAndSigCatch(t *testing.T) {
	p, err := Spawn([]string{"/bin/sh", "-c", "echo $GREETING"})
	require.NoError(t, err)
	defer p.Close(func() {})

	require.NoError(t, p.Env(EnvSpec{Set: map[string]string{"GREETING": "howdy"}}))
	require.NoError(t, p.SigCatch(false, map[syscall.Signal]bool{syscall.SIGHUP: true}))
	require.NoError(t, p.Release(nil))

	assert.Contains(t, readChunk(t, p, 2*time.Second), "howdy")
}

func TestProxyRelaysUntilOutputCallbackStops(t *testing.T) {
	p, err := Spawn([]string{"/bin/cat"})
	require.NoError(t, err)
	defer p.Close(func() {})
	require.NoError(t, p.Release(nil))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	// The write end stays open until Proxy returns: a stream EOF would make
	// Proxy bail before the echoed output could stop the relay.
	defer w.Close()
	go func() {
		w.Write([]byte("ping\n"))
	}()

	var out []byte
	clean, err := p.Proxy(r, func(chunk []byte) bool {
		if chunk != nil {
			out = append(out, chunk...)
			return bytesContain(out, "ping")
		}
		return false
	}, func(chunk []byte) bool { return false }, nil)
	require.NoError(t, err)
	assert.True(t, clean)
	assert.Contains(t, string(out), "ping")
}

func bytesContain(b []byte, s string) bool {
	return strings.Contains(string(b), s)
}
