// Package ctrl implements the admin control protocol: a small binary
// message exchanged over a UNIX socket between the master and preforkctl.
// Messages use the protobuf wire format, encoded by hand with protowire:
// field 1 is the command, field 2 a flag word, field 3 repeated key/value
// argument pairs.
package ctrl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Command codes.
const (
	CmdStatus uint32 = iota + 1
	CmdReload
	CmdStop
	CmdScaleUp
	CmdScaleDown
)

// FlagError in a response marks a failed command; the "error" arg carries
// the reason.
const FlagError uint32 = 1

const maxMessageSize = 1 << 20

var (
	ErrTruncated = errors.New("truncated control message")
	ErrTooLarge  = errors.New("control message too large")
)

// Message is one control request or response.
type Message struct {
	Comd uint32
	Flag uint32
	Args map[string]string
}

// NewMessage builds a message with the given command and arguments.
func NewMessage(comd uint32, args map[string]string) *Message {
	if args == nil {
		args = make(map[string]string)
	}
	return &Message{Comd: comd, Args: args}
}

// Get returns an argument value, or "".
func (m *Message) Get(key string) string { return m.Args[key] }

// Set stores an argument value.
func (m *Message) Set(key, value string) {
	if m.Args == nil {
		m.Args = make(map[string]string)
	}
	m.Args[key] = value
}

// IsError reports whether a response carries the error flag.
func (m *Message) IsError() bool { return m.Flag&FlagError != 0 }

// Encode serializes the message payload.
func (m *Message) Encode() []byte {
	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Comd))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Flag))
	for k, v := range m.Args {
		var kv []byte
		kv = protowire.AppendTag(kv, 1, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, 2, protowire.BytesType)
		kv = protowire.AppendString(kv, v)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, kv)
	}
	return b
}

// Decode parses a message payload.
func Decode(b []byte) (*Message, error) {
	m := &Message{Args: make(map[string]string)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Comd = uint32(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Flag = uint32(v)
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			kv, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			key, value, err := decodePair(kv)
			if err != nil {
				return nil, err
			}
			m.Args[key] = value
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

func decodePair(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return "", "", fmt.Errorf("unexpected wire type %d in arg pair", typ)
		}
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			key = s
		case 2:
			value = s
		}
	}
	return key, value, nil
}

// Send writes one length-prefixed message.
func Send(w io.Writer, m *Message) error {
	payload := m.Encode()
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Recv reads one length-prefixed message.
func Recv(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxMessageSize {
		return nil, ErrTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return Decode(payload)
}
