package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/guseggert/rambo/agent/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const helperEnv = "RAMBO_TEST_STDIO_BRIDGE"

// TestStdioBridgeProcess is the bridge itself when re-executed by startStdioBridge.
func TestStdioBridgeProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("only runs as a subprocess")
	}
	if err := newApp().Run([]string{"rambo"}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

type stdioBridge struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func startStdioBridge(t *testing.T, env ...string) *stdioBridge {
	cmd := exec.Command(os.Args[0], "-test.run=^TestStdioBridgeProcess$")
	cmd.Env = append(append(os.Environ(), helperEnv+"=1"), env...)
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { cmd.Process.Kill() })
	return &stdioBridge{cmd: cmd, stdin: stdin, stdout: stdout}
}

func (b *stdioBridge) send(t *testing.T, msgs ...frame.Inbound) {
	for _, m := range msgs {
		require.NoError(t, frame.WriteInbound(b.stdin, m))
	}
}

func (b *stdioBridge) wait(t *testing.T) error {
	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(20 * time.Second):
		t.Fatal("bridge did not exit")
		return nil
	}
}

func TestStdioParentStopsReading(t *testing.T) {
	b := startStdioBridge(t)
	b.send(t,
		frame.Command{Program: "sh"},
		frame.Arg{Value: "-c"},
		frame.Arg{Value: "exec yes"},
		frame.Eot{},
	)

	_, err := io.ReadFull(b.stdout, make([]byte, 1))
	require.NoError(t, err)
	require.NoError(t, b.stdout.Close())

	// give the relays time to hit the closed pipe while the inbound channel is still open
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, b.stdin.Close())

	err = b.wait(t)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		t.Fatalf("bridge exited abnormally: %s", exitErr)
	}
	require.NoError(t, err)
}

func TestStdioDebugEnvKeepsStdoutClean(t *testing.T) {
	b := startStdioBridge(t, "RAMBO_DEBUG=yes")
	b.send(t,
		frame.Command{Program: "echo"},
		frame.Arg{Value: "hi"},
		frame.Eot{},
	)

	r := frame.NewReader(b.stdout, 0, nil)
	var msgs []frame.Message
	for {
		msg, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	assert.Equal(t, []frame.Message{
		frame.Stdout{Data: []byte("hi\n")},
		frame.ExitStatus{Code: 0},
		frame.Eot{},
	}, msgs)

	require.NoError(t, b.stdin.Close())
	require.NoError(t, b.wait(t))
}

func TestDebugEnabled(t *testing.T) {
	cases := []struct {
		name   string
		flag   bool
		env    string
		setEnv bool
		exp    bool
	}{
		{name: "nothing set"},
		{name: "flag", flag: true, exp: true},
		{name: "env any value", env: "yes", setEnv: true, exp: true},
		{name: "env zero", env: "0", setEnv: true, exp: true},
		{name: "env empty", env: "", setEnv: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv("RAMBO_DEBUG", "")
			if c.setEnv {
				t.Setenv("RAMBO_DEBUG", c.env)
			} else {
				os.Unsetenv("RAMBO_DEBUG")
			}

			set := flag.NewFlagSet("rambo", flag.ContinueOnError)
			set.Bool("debug", c.flag, "")
			assert.Equal(t, c.exp, debugEnabled(cli.NewContext(nil, set, nil)))
		})
	}
}

func TestAppWritesToStderr(t *testing.T) {
	app := newApp()
	assert.Equal(t, os.Stderr, app.Writer)
	assert.Equal(t, os.Stderr, app.ErrWriter)
}
