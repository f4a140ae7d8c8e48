package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/micro-nova/dspd/internal/effect"
	"github.com/micro-nova/dspd/internal/session"
)

// Server is the engine side of the protocol. It serves requests from one
// connection onto an effect.Native and forwards session events to the peer.
// The companion process and the tests use it; dspd itself is always the client.
type Server struct {
	conn   net.Conn
	native effect.Native

	writeMu sync.Mutex
}

// NewServer wraps an accepted connection.
func NewServer(conn net.Conn, native effect.Native) *Server {
	return &Server{conn: conn, native: native}
}

// Notify sends a session event to the client.
func (s *Server) Notify(sig session.Signal) error {
	op := OpSessionOpen
	if sig.Kind == session.Close {
		op = OpSessionClose
	}
	return s.write(Frame{Op: op, Payload: putInt32(nil, int32(sig.SessionID))})
}

func (s *Server) write(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.conn, f)
}

// Serve handles requests until the connection closes or ctx is done.
// Requests are handled in order.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	for {
		f, err := ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: serve: %w", err)
		}
		status, body := s.dispatch(ctx, f)
		reply := putInt32(make([]byte, 0, 4+len(body)), status)
		reply = append(reply, body...)
		if err := s.write(Frame{Op: OpReply, Tag: f.Tag, Payload: reply}); err != nil {
			return fmt.Errorf("bridge: serve: write reply: %w", err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, f Frame) (int32, []byte) {
	p := f.Payload
	switch f.Op {
	case OpConstruct:
		if len(p) != 40 {
			return StatusBadRequest, []byte("construct payload must be 40 bytes")
		}
		typ, _ := uuid.FromBytes(p[0:16])
		impl, _ := uuid.FromBytes(p[16:32])
		prio, _ := getInt32(p, 32)
		sid, _ := getInt32(p, 36)
		id, err := s.native.Construct(ctx, typ, impl, int(prio), int(sid))
		if err != nil {
			return StatusUnavailable, []byte(err.Error())
		}
		return StatusOK, putInt32(nil, id)

	case OpRelease:
		id, ok := getInt32(p, 0)
		if !ok {
			return StatusBadRequest, []byte("missing effect id")
		}
		return result(s.native.Release(ctx, id))

	case OpEnable:
		id, ok := getInt32(p, 0)
		if !ok || len(p) != 5 {
			return StatusBadRequest, []byte("enable payload must be 5 bytes")
		}
		return result(s.native.SetEnabled(ctx, id, p[4] != 0))

	case OpSetParam:
		id, ok1 := getInt32(p, 0)
		plen, ok2 := getInt32(p, 4)
		if !ok1 || !ok2 || plen < 0 || len(p) < 8+int(plen) {
			return StatusBadRequest, []byte("malformed set_param")
		}
		param := p[8 : 8+plen]
		value := p[8+plen:]
		return result(s.native.SetParameter(ctx, id, param, value))
	}
	slog.Debug("bridge: unknown op", "op", f.Op.String())
	return StatusUnknownOp, nil
}

func result(err error) (int32, []byte) {
	if err != nil {
		return StatusError, []byte(err.Error())
	}
	return StatusOK, nil
}
