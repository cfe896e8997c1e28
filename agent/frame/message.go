package frame

import (
	"fmt"
	"strconv"
)

// Tag identifies the variant of a message on the wire.
type Tag uint8

// The tag table is fixed per build. Both ends of a channel pair must agree on it.
const (
	TagCommand    Tag = 0
	TagArg        Tag = 1
	TagStdin      Tag = 2
	TagEnv        Tag = 3
	TagCurrentDir Tag = 4
	TagEot        Tag = 5
	TagError      Tag = 6
	TagStdout     Tag = 7
	TagStderr     Tag = 8
	TagExitStatus Tag = 9
)

var tagNames = map[Tag]string{
	TagCommand:    "COMMAND",
	TagArg:        "ARG",
	TagStdin:      "STDIN",
	TagEnv:        "ENV",
	TagCurrentDir: "CURRENT_DIR",
	TagEot:        "EOT",
	TagError:      "ERROR",
	TagStdout:     "STDOUT",
	TagStderr:     "STDERR",
	TagExitStatus: "EXIT_STATUS",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
}

// Message is one decoded frame. The set of implementations is closed.
type Message interface {
	Tag() Tag
	payload() []byte
}

// Inbound is a message that a controller sends to the bridge.
type Inbound interface {
	Message
	inbound()
}

// Outbound is a message that the bridge sends to a controller.
type Outbound interface {
	Message
	outbound()
}

// Command sets the program to run.
type Command struct{ Program string }

// Arg appends one argument.
type Arg struct{ Value string }

// Stdin carries the entire stdin payload for the child.
type Stdin struct{ Data []byte }

// Env sets one environment variable.
type Env struct {
	Name  string
	Value string
}

// CurrentDir sets the working directory of the child.
type CurrentDir struct{ Path string }

// Eot ends the inbound field stream, and ends the outbound exchange.
type Eot struct{}

// Error reports a fatal session error.
type Error struct{ Description string }

// Stdout is one chunk of the child's stdout.
type Stdout struct{ Data []byte }

// Stderr is one chunk of the child's stderr.
type Stderr struct{ Data []byte }

// ExitStatus is the child's exit code.
type ExitStatus struct{ Code int32 }

func (Command) Tag() Tag    { return TagCommand }
func (Arg) Tag() Tag        { return TagArg }
func (Stdin) Tag() Tag      { return TagStdin }
func (Env) Tag() Tag        { return TagEnv }
func (CurrentDir) Tag() Tag { return TagCurrentDir }
func (Eot) Tag() Tag        { return TagEot }
func (Error) Tag() Tag      { return TagError }
func (Stdout) Tag() Tag     { return TagStdout }
func (Stderr) Tag() Tag     { return TagStderr }
func (ExitStatus) Tag() Tag { return TagExitStatus }

func (Command) inbound()    {}
func (Arg) inbound()        {}
func (Stdin) inbound()      {}
func (Env) inbound()        {}
func (CurrentDir) inbound() {}
func (Eot) inbound()        {}

func (Eot) outbound()        {}
func (Error) outbound()      {}
func (Stdout) outbound()     {}
func (Stderr) outbound()     {}
func (ExitStatus) outbound() {}

func (m Command) String() string    { return fmt.Sprintf("%s(%q)", m.Tag(), m.Program) }
func (m Arg) String() string        { return fmt.Sprintf("%s(%q)", m.Tag(), m.Value) }
func (m Stdin) String() string      { return fmt.Sprintf("%s(%d bytes)", m.Tag(), len(m.Data)) }
func (m Env) String() string        { return fmt.Sprintf("%s(%q=%q)", m.Tag(), m.Name, m.Value) }
func (m CurrentDir) String() string { return fmt.Sprintf("%s(%q)", m.Tag(), m.Path) }
func (m Eot) String() string        { return m.Tag().String() }
func (m Error) String() string      { return fmt.Sprintf("%s(%q)", m.Tag(), m.Description) }
func (m Stdout) String() string     { return fmt.Sprintf("%s(%q)", m.Tag(), m.Data) }
func (m Stderr) String() string     { return fmt.Sprintf("%s(%q)", m.Tag(), m.Data) }
func (m ExitStatus) String() string { return fmt.Sprintf("%s(%d)", m.Tag(), m.Code) }
