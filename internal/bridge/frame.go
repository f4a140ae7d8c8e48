// Package bridge talks to the companion process that owns the platform
// audio-effect objects, over a Unix socket.
//
// Every frame is op:u8 | tag:u32 | len:u32 | payload, little endian.
// Requests carry a tag that the reply echoes; events use tag 0.
package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Op is a frame opcode.
type Op byte

const (
	OpConstruct Op = 1
	OpRelease   Op = 2
	OpEnable    Op = 3
	OpSetParam  Op = 4

	OpReply Op = 0x80

	OpSessionOpen  Op = 0x90
	OpSessionClose Op = 0x91
)

func (o Op) String() string {
	switch o {
	case OpConstruct:
		return "construct"
	case OpRelease:
		return "release"
	case OpEnable:
		return "enable"
	case OpSetParam:
		return "set_param"
	case OpReply:
		return "reply"
	case OpSessionOpen:
		return "session_open"
	case OpSessionClose:
		return "session_close"
	}
	return fmt.Sprintf("op(%#x)", byte(o))
}

const (
	headerSize = 9
	// MaxPayload bounds a frame; anything larger is a protocol error.
	MaxPayload = 1 << 16
)

// Frame is one protocol message.
type Frame struct {
	Op      Op
	Tag     uint32
	Payload []byte
}

// WriteFrame writes f to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("bridge: payload of %d bytes exceeds limit", len(f.Payload))
	}
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = byte(f.Op)
	binary.LittleEndian.PutUint32(buf[1:5], f.Tag)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.LittleEndian.Uint32(hdr[5:9])
	if n > MaxPayload {
		return Frame{}, fmt.Errorf("bridge: frame payload of %d bytes exceeds limit", n)
	}
	f := Frame{
		Op:  Op(hdr[0]),
		Tag: binary.LittleEndian.Uint32(hdr[1:5]),
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// Status codes carried in replies.
const (
	StatusOK          int32 = 0
	StatusError       int32 = -1
	StatusUnknownOp   int32 = -2
	StatusBadRequest  int32 = -3
	StatusUnavailable int32 = -4
)

func putInt32(b []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

func getInt32(b []byte, off int) (int32, bool) {
	if len(b) < off+4 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(b[off:])), true
}
