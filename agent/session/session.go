// Package session accumulates inbound messages into the description of a child process.
package session

import (
	"errors"
	"fmt"

	"github.com/guseggert/rambo/agent/frame"
)

// ErrCommandRequired is returned when Eot arrives before any Command.
var ErrCommandRequired = errors.New("command required")

// LaunchSpec describes the child to spawn. It is not mutated once built.
type LaunchSpec struct {
	Program string
	Args    []string
	Env     map[string]string
	// Stdin is nil when no stdin payload was supplied.
	Stdin []byte
	// Dir is empty when the child inherits the working directory.
	Dir string
}

// Builder accumulates a LaunchSpec from inbound messages until Eot.
// A Builder is single-use.
type Builder struct {
	program    string
	hasProgram bool
	args       []string
	env        map[string]string
	stdin      []byte
	dir        string
	done       bool
}

func NewBuilder() *Builder {
	return &Builder{env: map[string]string{}}
}

// Add applies one message. It reports done=true once Eot has been received.
func (b *Builder) Add(m frame.Message) (bool, error) {
	if b.done {
		return true, &frame.ProtocolError{Reason: fmt.Sprintf("unexpected %s after %s", m.Tag(), frame.TagEot)}
	}
	switch m := m.(type) {
	case frame.Command:
		b.program = m.Program
		b.hasProgram = true
	case frame.Arg:
		b.args = append(b.args, m.Value)
	case frame.Env:
		b.env[m.Name] = m.Value
	case frame.CurrentDir:
		b.dir = m.Path
	case frame.Stdin:
		b.stdin = append([]byte{}, m.Data...)
	case frame.Eot:
		b.done = true
	default:
		return false, &frame.ProtocolError{Reason: fmt.Sprintf("unexpected %s while receiving command", m.Tag())}
	}
	return b.done, nil
}

// Finalize returns the accumulated LaunchSpec.
func (b *Builder) Finalize() (LaunchSpec, error) {
	if !b.done {
		return LaunchSpec{}, &frame.ProtocolError{Reason: fmt.Sprintf("command not terminated by %s", frame.TagEot)}
	}
	if !b.hasProgram {
		return LaunchSpec{}, ErrCommandRequired
	}
	spec := LaunchSpec{
		Program: b.program,
		Args:    append([]string{}, b.args...),
		Env:     make(map[string]string, len(b.env)),
		Stdin:   b.stdin,
		Dir:     b.dir,
	}
	for k, v := range b.env {
		spec.Env[k] = v
	}
	return spec, nil
}
