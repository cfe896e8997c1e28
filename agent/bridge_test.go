package agent

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/rambo/agent/frame"
	"github.com/guseggert/rambo/agent/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.Logger
)

func init() {
	// a shared logger rather than zaptest, since abandoned pump units may log after a test returns
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l
}

type testBridge struct {
	in     *io.PipeWriter
	out    *io.PipeReader
	result chan Outcome
}

// startBridge runs a bridge session over a pair of pipes.
func startBridge(t *testing.T) *testBridge {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	b := New(WithLogger(log), WithDebug(true))

	tb := &testBridge{in: inW, out: outR, result: make(chan Outcome, 1)}
	go func() {
		outcome := b.Run(inR, outW)
		outW.Close()
		tb.result <- outcome
	}()
	t.Cleanup(func() { inW.Close() })
	return tb
}

func (tb *testBridge) rw() io.ReadWriter {
	return struct {
		io.Reader
		io.Writer
	}{tb.out, tb.in}
}

func (tb *testBridge) send(t *testing.T, msgs ...frame.Inbound) {
	for _, m := range msgs {
		require.NoError(t, frame.WriteInbound(tb.in, m))
	}
}

// readAll reads frames until the bridge closes its output.
func (tb *testBridge) readAll(t *testing.T) []frame.Message {
	r := frame.NewReader(tb.out, 0, nil)
	var msgs []frame.Message
	for {
		msg, err := r.Read()
		if errors.Is(err, io.EOF) {
			return msgs
		}
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
}

func (tb *testBridge) outcome(t *testing.T) Outcome {
	select {
	case o := <-tb.result:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("bridge did not finish")
		return Outcome{}
	}
}

func stdoutOf(msgs []frame.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m, ok := m.(frame.Stdout); ok {
			b.Write(m.Data)
		}
	}
	return b.String()
}

func stderrOf(msgs []frame.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m, ok := m.(frame.Stderr); ok {
			b.Write(m.Data)
		}
	}
	return b.String()
}

func TestBridgeEcho(t *testing.T) {
	tb := startBridge(t)

	var stdout bytes.Buffer
	res, err := Exchange(tb.rw(), Request{Command: "echo", Args: []string{"hi"}, Stdout: &stdout})
	require.NoError(t, err)

	assert.Equal(t, "hi\n", stdout.String())
	assert.True(t, res.Exited)
	assert.Equal(t, 0, res.ExitCode)

	n := len(res.Messages)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, []frame.Message{frame.ExitStatus{Code: 0}, frame.Eot{}}, res.Messages[n-2:])
	for _, m := range res.Messages[:n-2] {
		assert.IsType(t, frame.Stdout{}, m)
	}

	assert.Equal(t, Outcome{Kind: OutcomeExited, Code: 0}, tb.outcome(t))
}

func TestBridgeSessions(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	cases := []struct {
		name      string
		req       Request
		expStdout string
		expStderr string
		expCode   int
	}{
		{
			name:    "exit code",
			req:     Request{Command: "sh", Args: []string{"-c", "exit 7"}},
			expCode: 7,
		},
		{
			name:      "stdout and stderr",
			req:       Request{Command: "sh", Args: []string{"-c", "printf a; printf b 1>&2; printf c"}},
			expStdout: "ac",
			expStderr: "b",
		},
		{
			name: "env and dir",
			req: Request{
				Command: "sh",
				Args:    []string{"-c", `printf "%s" "$RAMBO_A"; pwd`},
				Env:     map[string]string{"RAMBO_A": "x"},
				Dir:     dir,
			},
			expStdout: "x" + dir + "\n",
		},
		{
			name:      "empty stdin",
			req:       Request{Command: "cat", Stdin: []byte{}},
			expStdout: "",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tb := startBridge(t)
			res, err := Exchange(tb.rw(), c.req)
			require.NoError(t, err)

			assert.Equal(t, c.expStdout, stdoutOf(res.Messages))
			assert.Equal(t, c.expStderr, stderrOf(res.Messages))
			assert.True(t, res.Exited)
			assert.Equal(t, c.expCode, res.ExitCode)

			n := len(res.Messages)
			assert.Equal(t, []frame.Message{frame.ExitStatus{Code: int32(c.expCode)}, frame.Eot{}}, res.Messages[n-2:])
			assert.Equal(t, OutcomeExited, tb.outcome(t).Kind)
		})
	}
}

func TestBridgeStdinCopied(t *testing.T) {
	input := make([]byte, 256*1024)
	_, err := rand.Read(input)
	require.NoError(t, err)

	tb := startBridge(t)
	var stdout bytes.Buffer
	res, err := Exchange(tb.rw(), Request{Command: "cat", Stdin: input, Stdout: &stdout})
	require.NoError(t, err)

	assert.True(t, bytes.Equal(input, stdout.Bytes()), "stdout differs from stdin")
	assert.True(t, res.Exited)
	assert.Equal(t, 0, res.ExitCode)
}

func TestBridgeNonexistentProgram(t *testing.T) {
	tb := startBridge(t)
	res, err := Exchange(tb.rw(), Request{Command: "rambo-definitely-not-a-command"})

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Description, "rambo-definitely-not-a-command")

	require.Len(t, res.Messages, 2)
	assert.IsType(t, frame.Error{}, res.Messages[0])
	assert.Equal(t, frame.Eot{}, res.Messages[1])
	assert.False(t, res.Exited)

	outcome := tb.outcome(t)
	assert.Equal(t, OutcomeFailed, outcome.Kind)
	var launchErr *process.LaunchError
	assert.ErrorAs(t, outcome.Err, &launchErr)
}

func TestBridgeLastCommandWins(t *testing.T) {
	tb := startBridge(t)
	go tb.send(t,
		frame.Command{Program: "false"},
		frame.Command{Program: "sh"},
		frame.Arg{Value: "-c"},
		frame.Arg{Value: "exit 4"},
		frame.Eot{},
	)

	msgs := tb.readAll(t)
	assert.Equal(t, []frame.Message{frame.ExitStatus{Code: 4}, frame.Eot{}}, msgs)
	assert.Equal(t, Outcome{Kind: OutcomeExited, Code: 4}, tb.outcome(t))
}

func TestBridgeCommandRequired(t *testing.T) {
	tb := startBridge(t)
	go tb.send(t, frame.Arg{Value: "x"}, frame.Eot{})

	msgs := tb.readAll(t)
	assert.Equal(t, []frame.Message{frame.Error{Description: "command required"}, frame.Eot{}}, msgs)
	assert.Equal(t, OutcomeFailed, tb.outcome(t).Kind)
}

func TestBridgeProtocolErrors(t *testing.T) {
	cases := []struct {
		name  string
		bytes []byte
	}{
		{
			name:  "outbound message sent inbound",
			bytes: frame.Encode(frame.Stdout{Data: []byte("x")}),
		},
		{
			name:  "unknown tag",
			bytes: []byte{0, 0, 0, 2, 200, 1},
		},
		{
			name:  "malformed env",
			bytes: []byte{0, 0, 0, 6, byte(frame.TagEnv), 0, 0, 0, 9, 'A'},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tb := startBridge(t)
			go func() {
				tb.send(t, frame.Command{Program: "echo"})
				_, err := tb.in.Write(c.bytes)
				assert.NoError(t, err)
			}()

			msgs := tb.readAll(t)
			require.Len(t, msgs, 2)
			require.IsType(t, frame.Error{}, msgs[0])
			assert.Contains(t, msgs[0].(frame.Error).Description, "protocol error")
			assert.Equal(t, frame.Eot{}, msgs[1])

			outcome := tb.outcome(t)
			assert.Equal(t, OutcomeFailed, outcome.Kind)
			var perr *frame.ProtocolError
			assert.ErrorAs(t, outcome.Err, &perr)
		})
	}
}

func TestBridgeSignaled(t *testing.T) {
	tb := startBridge(t)
	res, err := Exchange(tb.rw(), Request{Command: "sh", Args: []string{"-c", "kill -9 $$"}})
	require.NoError(t, err)

	assert.False(t, res.Exited)
	assert.Equal(t, []frame.Message{frame.Eot{}}, res.Messages)
	assert.Equal(t, OutcomeSignaled, tb.outcome(t).Kind)
}

func TestBridgeDisconnectBeforeEot(t *testing.T) {
	tb := startBridge(t)
	go func() {
		tb.send(t, frame.Command{Program: "echo"})
		tb.in.Close()
	}()

	assert.Empty(t, tb.readAll(t))
	outcome := tb.outcome(t)
	assert.Equal(t, OutcomeDisconnected, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrParentDisconnected)
}

func TestBridgeDisconnectKillsChild(t *testing.T) {
	tb := startBridge(t)
	go tb.send(t,
		frame.Command{Program: "sh"},
		frame.Arg{Value: "-c"},
		frame.Arg{Value: "echo $$; exec sleep 30"},
		frame.Eot{},
	)

	r := frame.NewReader(tb.out, 0, nil)
	msg, err := r.Read()
	require.NoError(t, err)
	require.IsType(t, frame.Stdout{}, msg)
	pid, err := strconv.Atoi(strings.TrimSpace(string(msg.(frame.Stdout).Data)))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, tb.in.Close())

	// nothing else is ever written
	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)

	outcome := tb.outcome(t)
	assert.Equal(t, OutcomeDisconnected, outcome.Kind)
	assert.Less(t, time.Since(start), 10*time.Second)

	require.Eventually(t, func() bool {
		return processGone(pid)
	}, 10*time.Second, 50*time.Millisecond, "process %d still exists", pid)
}

func TestBridgeDisconnectKillsGrandchild(t *testing.T) {
	tb := startBridge(t)
	// the shell exits right away, but the background sleep keeps stdout open, so the session keeps running
	go tb.send(t,
		frame.Command{Program: "sh"},
		frame.Arg{Value: "-c"},
		frame.Arg{Value: "sleep 30 & echo $$ $!"},
		frame.Eot{},
	)

	r := frame.NewReader(tb.out, 0, nil)
	msg, err := r.Read()
	require.NoError(t, err)
	require.IsType(t, frame.Stdout{}, msg)
	fields := strings.Fields(string(msg.(frame.Stdout).Data))
	require.Len(t, fields, 2)
	shellPid, err := strconv.Atoi(fields[0])
	require.NoError(t, err)
	sleepPid, err := strconv.Atoi(fields[1])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return processGone(shellPid)
	}, 10*time.Second, 50*time.Millisecond, "shell %d never exited", shellPid)
	require.False(t, processGone(sleepPid), "process %d exited on its own", sleepPid)

	require.NoError(t, tb.in.Close())
	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, OutcomeDisconnected, tb.outcome(t).Kind)

	require.Eventually(t, func() bool {
		return processGone(sleepPid)
	}, 10*time.Second, 50*time.Millisecond, "process %d still exists", sleepPid)
}

func TestBridgeFrameWhileRunning(t *testing.T) {
	tb := startBridge(t)
	go tb.send(t,
		frame.Command{Program: "sleep"},
		frame.Arg{Value: "30"},
		frame.Eot{},
		frame.Arg{Value: "extra"},
	)

	msgs := tb.readAll(t)
	assert.Equal(t, []frame.Message{
		frame.Error{Description: "protocol error: unexpected ARG while command is running"},
		frame.Eot{},
	}, msgs)
	assert.Equal(t, OutcomeFailed, tb.outcome(t).Kind)
}

// processGone reports whether pid no longer exists or is a zombie waiting to be reaped.
func processGone(pid int) bool {
	if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		return true
	}
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// the state follows the parenthesized command name
	i := bytes.LastIndexByte(b, ')')
	return i >= 0 && i+2 < len(b) && b[i+2] == 'Z'
}
