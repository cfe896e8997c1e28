package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/guseggert/rambo/agent/session"
)

// LaunchError is returned when a child could not be spawned. No process exists when it is returned.
type LaunchError struct {
	Program string
	Err     error
}

func (e *LaunchError) Error() string {
	if e.Program == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("launching %q: %s", e.Program, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitStatus is how a child terminated. HasCode is false when it was killed by a signal.
type ExitStatus struct {
	Code    int
	HasCode bool
}

// Child is a running child process and the parent ends of its stdio pipes.
type Child struct {
	cmd *exec.Cmd

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	mut    sync.Mutex
	exited bool
	killed bool
}

// Start spawns the child described by spec.
// The child's environment is the inherited environment with spec.Env applied on top.
func Start(spec session.LaunchSpec) (*Child, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Dir, spec.Env)
	cmd.SysProcAttr = sysProcAttr()

	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	pipe := func(name string) (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, &LaunchError{Program: spec.Program, Err: fmt.Errorf("opening %s pipe: %w", name, err)}
		}
		opened = append(opened, r, w)
		return r, w, nil
	}

	stdinR, stdinW, err := pipe("stdin")
	if err != nil {
		closeAll()
		return nil, err
	}
	stdoutR, stdoutW, err := pipe("stdout")
	if err != nil {
		closeAll()
		return nil, err
	}
	stderrR, stderrW, err := pipe("stderr")
	if err != nil {
		closeAll()
		return nil, err
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()

	// the child holds its own copies now
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		stderrR.Close()
		return nil, &LaunchError{Program: spec.Program, Err: err}
	}

	return &Child{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
	}, nil
}

func mergeEnv(base []string, dir string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys)+1)
	env = append(env, base...)
	if dir != "" {
		// same as exec.Cmd does when it builds the environment itself
		env = append(env, "PWD="+dir)
	}
	// exec.Cmd keeps the last value for duplicate keys
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// Pid returns the process ID of the child.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// WriteStdin writes the whole payload to the child's stdin and closes it.
// It must be called at most once.
func (c *Child) WriteStdin(b []byte) error {
	defer c.stdin.Close()
	if len(b) == 0 {
		return nil
	}
	_, err := c.stdin.Write(b)
	if err != nil {
		return fmt.Errorf("writing stdin: %w", err)
	}
	return nil
}

// Stdout returns the read end of the child's stdout. The caller closes it.
func (c *Child) Stdout() io.ReadCloser { return c.stdout }

// Stderr returns the read end of the child's stderr. The caller closes it.
func (c *Child) Stderr() io.ReadCloser { return c.stderr }

// Wait blocks until the child exits. It must be called exactly once.
func (c *Child) Wait() (ExitStatus, error) {
	err := c.cmd.Wait()

	c.mut.Lock()
	c.exited = true
	c.mut.Unlock()

	state := c.cmd.ProcessState
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || state == nil {
			return ExitStatus{}, fmt.Errorf("waiting for process %d: %w", c.Pid(), err)
		}
	}
	if !state.Exited() {
		return ExitStatus{}, nil
	}
	return ExitStatus{Code: state.ExitCode(), HasCode: true}, nil
}

// Kill forcibly kills the child and its process group.
// The group is killed even if the child itself has already exited, since anything it forked may still
// hold its pipes. Only the first call has any effect.
func (c *Child) Kill() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.killed {
		return nil
	}
	c.killed = true
	err := kill(c.cmd.Process, c.exited)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
