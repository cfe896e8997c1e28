package frame

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// headerSize is the size of the big-endian length prefix.
const headerSize = 4

// ProtocolError is returned for malformed or out-of-sequence frames.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func (m Command) payload() []byte    { return []byte(m.Program) }
func (m Arg) payload() []byte        { return []byte(m.Value) }
func (m Stdin) payload() []byte      { return m.Data }
func (m CurrentDir) payload() []byte { return []byte(m.Path) }
func (Eot) payload() []byte          { return nil }
func (m Error) payload() []byte      { return []byte(m.Description) }
func (m Stdout) payload() []byte     { return m.Data }
func (m Stderr) payload() []byte     { return m.Data }

func (m Env) payload() []byte {
	b := make([]byte, headerSize, headerSize+len(m.Name)+len(m.Value))
	binary.BigEndian.PutUint32(b, uint32(len(m.Name)))
	b = append(b, m.Name...)
	return append(b, m.Value...)
}

func (m ExitStatus) payload() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(m.Code))
	return b
}

// Encode returns the full frame for a message the bridge sends.
func Encode(m Outbound) []byte {
	return encode(m)
}

// EncodeInbound returns the full frame for a message a controller sends.
func EncodeInbound(m Inbound) []byte {
	return encode(m)
}

func encode(m Message) []byte {
	p := m.payload()
	b := make([]byte, headerSize+1, headerSize+1+len(p))
	binary.BigEndian.PutUint32(b, uint32(1+len(p)))
	b[headerSize] = byte(m.Tag())
	return append(b, p...)
}

// Decode parses a frame body (tag byte followed by payload, without the length prefix).
// Payload byte slices in the result alias b.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, protocolErrorf("empty frame")
	}
	tag, p := Tag(b[0]), b[1:]
	switch tag {
	case TagCommand:
		s, err := text(tag, p)
		if err != nil {
			return nil, err
		}
		return Command{Program: s}, nil
	case TagArg:
		s, err := text(tag, p)
		if err != nil {
			return nil, err
		}
		return Arg{Value: s}, nil
	case TagStdin:
		return Stdin{Data: p}, nil
	case TagEnv:
		return decodeEnv(p)
	case TagCurrentDir:
		s, err := text(tag, p)
		if err != nil {
			return nil, err
		}
		return CurrentDir{Path: s}, nil
	case TagEot:
		if len(p) != 0 {
			return nil, protocolErrorf("%s frame carries %d unexpected payload bytes", tag, len(p))
		}
		return Eot{}, nil
	case TagError:
		s, err := text(tag, p)
		if err != nil {
			return nil, err
		}
		return Error{Description: s}, nil
	case TagStdout:
		return Stdout{Data: p}, nil
	case TagStderr:
		return Stderr{Data: p}, nil
	case TagExitStatus:
		if len(p) != 4 {
			return nil, protocolErrorf("%s payload is %d bytes, want 4", tag, len(p))
		}
		return ExitStatus{Code: int32(binary.BigEndian.Uint32(p))}, nil
	default:
		return nil, protocolErrorf("unknown tag %d", uint8(tag))
	}
}

func decodeEnv(p []byte) (Message, error) {
	if len(p) < headerSize {
		return nil, protocolErrorf("%s payload is %d bytes, too short for name length", TagEnv, len(p))
	}
	nameLen := binary.BigEndian.Uint32(p)
	rest := p[headerSize:]
	if uint64(nameLen) > uint64(len(rest)) {
		return nil, protocolErrorf("%s name length %d exceeds remaining payload of %d bytes", TagEnv, nameLen, len(rest))
	}
	name, err := text(TagEnv, rest[:nameLen])
	if err != nil {
		return nil, err
	}
	value, err := text(TagEnv, rest[nameLen:])
	if err != nil {
		return nil, err
	}
	return Env{Name: name, Value: value}, nil
}

func text(tag Tag, p []byte) (string, error) {
	if !utf8.Valid(p) {
		return "", protocolErrorf("%s payload is not valid UTF-8", tag)
	}
	return string(p), nil
}
