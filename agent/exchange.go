package agent

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/guseggert/rambo/agent/frame"
)

// Request is a command for a bridge to run.
type Request struct {
	Command string
	Args    []string
	Env     map[string]string
	// Dir is the working directory. Empty means the bridge's own.
	Dir string
	// Stdin is sent to the child in full before it starts. Nil means no stdin.
	Stdin []byte

	// Stdout and Stderr receive the child's output as it arrives. Either may be nil.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is what a bridge reported for a Request.
type Result struct {
	// ExitCode is only meaningful if Exited is true.
	ExitCode int
	// Exited is false when the child was terminated without an exit code, or never ran.
	Exited bool
	// Messages holds every frame received, in order.
	Messages []frame.Message
}

// RemoteError is an Error message reported by the bridge.
type RemoteError struct {
	Description string
}

func (e *RemoteError) Error() string { return "bridge error: " + e.Description }

// Exchange sends req over rw and reads the bridge's response up to and including Eot.
// The caller must keep rw open until Exchange returns, since closing it makes the bridge kill the child.
// If the bridge reported an Error, the returned error is a *RemoteError and the Result is still returned.
func Exchange(rw io.ReadWriter, req Request) (*Result, error) {
	if err := writeRequest(rw, req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	res := &Result{}
	var remoteErr error
	r := frame.NewReader(rw, 0, nil)
	for {
		msg, err := r.Read()
		if errors.Is(err, io.EOF) {
			return res, fmt.Errorf("bridge closed the connection before %s: %w", frame.TagEot, io.ErrUnexpectedEOF)
		}
		if err != nil {
			return res, fmt.Errorf("reading response: %w", err)
		}
		res.Messages = append(res.Messages, msg)

		switch msg := msg.(type) {
		case frame.Stdout:
			if err := write(req.Stdout, msg.Data); err != nil {
				return res, fmt.Errorf("writing stdout: %w", err)
			}
		case frame.Stderr:
			if err := write(req.Stderr, msg.Data); err != nil {
				return res, fmt.Errorf("writing stderr: %w", err)
			}
		case frame.ExitStatus:
			res.ExitCode = int(msg.Code)
			res.Exited = true
		case frame.Error:
			remoteErr = &RemoteError{Description: msg.Description}
		case frame.Eot:
			return res, remoteErr
		default:
			return res, &frame.ProtocolError{Reason: fmt.Sprintf("unexpected %s from bridge", msg.Tag())}
		}
	}
}

func writeRequest(w io.Writer, req Request) error {
	msgs := []frame.Inbound{frame.Command{Program: req.Command}}
	for _, a := range req.Args {
		msgs = append(msgs, frame.Arg{Value: a})
	}

	names := make([]string, 0, len(req.Env))
	for name := range req.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		msgs = append(msgs, frame.Env{Name: name, Value: req.Env[name]})
	}

	if req.Dir != "" {
		msgs = append(msgs, frame.CurrentDir{Path: req.Dir})
	}
	if req.Stdin != nil {
		msgs = append(msgs, frame.Stdin{Data: req.Stdin})
	}
	msgs = append(msgs, frame.Eot{})

	for _, m := range msgs {
		if err := frame.WriteInbound(w, m); err != nil {
			return err
		}
	}
	return nil
}

func write(w io.Writer, b []byte) error {
	if w == nil {
		return nil
	}
	_, err := w.Write(b)
	return err
}
