// Package config loads spawn defaults from a YAML file: working directory,
// environment additions/removals, and a signal-catch table, the same way
// the teacher daemon loaded project.yaml.
package config

import (
	"fmt"
	"os"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/ianremillard/wrangle/process"
)

// Spawn is the on-disk shape of a spawn-defaults file.
type Spawn struct {
	Dir string `yaml:"dir"`

	Env struct {
		Clear bool              `yaml:"clear"`
		Unset []string          `yaml:"unset"`
		Set   map[string]string `yaml:"set"`
	} `yaml:"env"`

	Groups []int `yaml:"groups"`

	ID *struct {
		UID uint32 `yaml:"uid"`
		GID uint32 `yaml:"gid"`
	} `yaml:"id"`

	SigCatch []struct {
		Signal string `yaml:"signal"`
		Ignore bool   `yaml:"ignore"`
	} `yaml:"sigcatch"`
}

// Load reads and parses a spawn-defaults YAML file.
func Load(path string) (*Spawn, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var s Spawn
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &s, nil
}

// EnvSpec converts the YAML env block into a process.EnvSpec.
func (s *Spawn) EnvSpec() process.EnvSpec {
	return process.EnvSpec{
		Clear: s.Env.Clear,
		Unset: s.Env.Unset,
		Set:   s.Env.Set,
	}
}

// SigDispositions splits the YAML sigcatch table into two tables, one for
// entries that ignore their signal and one for entries that restore the
// default disposition, resolving signal names ("TERM", "SIGTERM", "term"
// all accepted). process.SigCatch takes a single catch/ignore flag per
// call, so a mixed table needs one call per group.
func (s *Spawn) SigDispositions() (ignore, restore map[syscall.Signal]bool, err error) {
	ignore = make(map[syscall.Signal]bool)
	restore = make(map[syscall.Signal]bool)
	for _, e := range s.SigCatch {
		sig, err := parseSignalName(e.Signal)
		if err != nil {
			return nil, nil, err
		}
		if e.Ignore {
			ignore[sig] = true
		} else {
			restore[sig] = true
		}
	}
	return ignore, restore, nil
}

// Apply drives the pre-exec configuration calls this file describes,
// against a Process that has not yet been released.
func (s *Spawn) Apply(p *process.Process) error {
	if s.Dir != "" {
		if err := p.Chdir(s.Dir); err != nil {
			return err
		}
	}
	if s.Env.Clear || len(s.Env.Set) > 0 || len(s.Env.Unset) > 0 {
		if err := p.Env(s.EnvSpec()); err != nil {
			return err
		}
	}
	if s.Groups != nil {
		refs := make([]process.GroupRef, len(s.Groups))
		for i, g := range s.Groups {
			refs[i] = process.GroupRef{ID: g}
		}
		if err := p.SetGroups(refs...); err != nil {
			return err
		}
	}
	if s.ID != nil {
		uid := process.IDRef{ID: int(s.ID.UID)}
		gid := process.IDRef{ID: int(s.ID.GID)}
		if err := p.SetID(&uid, &gid); err != nil {
			return err
		}
	}
	if len(s.SigCatch) > 0 {
		ignore, restore, err := s.SigDispositions()
		if err != nil {
			return err
		}
		if len(ignore) > 0 {
			if err := p.SigCatch(false, ignore); err != nil {
				return err
			}
		}
		if len(restore) > 0 {
			if err := p.SigCatch(true, restore); err != nil {
				return err
			}
		}
	}
	return nil
}
