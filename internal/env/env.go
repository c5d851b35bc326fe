// Package env composes the environment passed to the relay's external
// processes: the OS environment, the configured `env` list and per-role
// additions, with ${VAR} references resolved against the composed set.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env is immutable; With* methods return modified copies so a single base can
// be shared by every component.
type Env struct {
	base Var // snapshot of the OS environment, nil for an empty base
	vars Var // global overrides
}

// New returns an Env with an empty base.
func New() *Env {
	return &Env{vars: make(Var)}
}

// FromOS returns an Env whose base is the current process environment.
func FromOS() *Env {
	e := New()
	e.base = parse(os.Environ())
	return e
}

// WithSet returns a copy with K=V added to the global overrides.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// WithList returns a copy with every "K=V" entry of kvs applied as an override.
// Malformed entries (no '=' or empty key) are skipped.
func (e *Env) WithList(kvs []string) *Env {
	c := e.clone()
	for k, v := range parse(kvs) {
		c.vars[k] = v
	}
	return c
}

// Merge composes base, global overrides and perProc ("K=V") in that order and
// returns the sorted environment with ${VAR} references expanded once.
func (e *Env) Merge(perProc []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m, keys))
	}
	return out
}

func (e *Env) clone() *Env {
	c := &Env{base: e.base, vars: make(Var, len(e.vars)+1)}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	return c
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// expand replaces ${KEY} with values from m; unknown references are kept.
func expand(s string, m Var, keys []string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for _, k := range keys {
		res = strings.ReplaceAll(res, "${"+k+"}", m[k])
	}
	return res
}
