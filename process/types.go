package process

import "syscall"

// Status is a snapshot of a subject's termination/stop/continue state,
// modeled on syscall.WaitStatus's WIFEXITED/WIFSIGNALED/WIFSTOPPED family.
// Exactly one of IsExited, IsSignaled, IsStopped is true for a record
// produced from a real wait status.
type Status struct {
	RawStatus syscall.WaitStatus

	// Status is the exit code, terminating signal, or stop signal,
	// depending on which of the Is* flags below is set.
	Status int

	IsExited   bool
	IsSignaled bool
	IsStopped  bool
}

func statusFromWait(ws syscall.WaitStatus) Status {
	s := Status{RawStatus: ws}
	switch {
	case ws.Exited():
		s.IsExited = true
		s.Status = ws.ExitStatus()
	case ws.Signaled():
		s.IsSignaled = true
		s.Status = int(ws.Signal())
	case ws.Stopped():
		s.IsStopped = true
		s.Status = int(ws.StopSignal())
	}
	return s
}

// EnvSpec describes an environment mutation applied to the subject before
// release. Clear wipes the inherited environment first; Unset then removes
// individual names (a no-op for any name Clear already dropped); Set then
// installs NAME=VALUE pairs.
type EnvSpec struct {
	Clear bool
	Unset []string
	Set   map[string]string
}

// expand encodes spec into the wire shape internal/subject's ENV_SETUP
// handler decodes: two NUL-terminated-entry blocks, set then unset.
func (spec EnvSpec) expand() (setBlock, unsetBlock []byte, clear bool) {
	var set, unset []byte
	for _, name := range spec.Unset {
		unset = append(unset, []byte(name)...)
		unset = append(unset, 0)
	}
	for name, value := range spec.Set {
		set = append(set, []byte(name)...)
		set = append(set, '=')
		set = append(set, []byte(value)...)
		set = append(set, 0)
	}
	return set, unset, spec.Clear
}

// GroupRef identifies a supplementary group by numeric id or by name; Name
// takes precedence when non-empty and is resolved via os/user on the
// driver before the id crosses the wire.
type GroupRef struct {
	ID   int
	Name string
}

// IDRef identifies a uid or gid by numeric id or by name; Name takes
// precedence when non-empty.
type IDRef struct {
	ID   int
	Name string
}
