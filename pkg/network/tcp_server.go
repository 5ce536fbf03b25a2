package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"segmem/pkg/common"
	"segmem/pkg/memory"
	"segmem/pkg/protocol"
	"segmem/pkg/shared"
)

type TCPServer struct {
	mm  *memory.Manager
	reg *shared.Registry
	log *zap.SugaredLogger
}

func NewTCPServer(mm *memory.Manager, reg *shared.Registry, log *zap.SugaredLogger) *TCPServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TCPServer{mm: mm, reg: reg, log: log}
}

func (s *TCPServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Infow("listening", "addr", addr, "protocol", "binary")
	return s.Serve(listener)
}

// Serve accepts connections until the listener is closed.
func (s *TCPServer) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warnw("accept error", "error", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *TCPServer) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		req, err := protocol.Decode(conn)
		if err != nil {
			if err != io.EOF {
				s.log.Debugw("decode error", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		op, value, err := s.dispatch(req)
		if err != nil {
			op, value = protocol.RespErr, protocol.EncodeError(err)
		}
		if err := protocol.Encode(conn, op, nil, value); err != nil {
			s.log.Debugw("write error", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
}

func (s *TCPServer) dispatch(req *protocol.Packet) (byte, []byte, error) {
	switch req.Op {
	case protocol.OpCreate:
		size, isShared, err := protocol.UnpackCreate(req.Key)
		if err != nil {
			return 0, nil, err
		}
		if isShared {
			return 0, nil, fmt.Errorf("%w: shared segments are created by attach", protocol.ErrBadRequest)
		}
		id, err := s.mm.CreateSegment(size, false)
		if err != nil {
			return 0, nil, err
		}
		return protocol.RespVal, protocol.PackSegment(id), nil

	case protocol.OpDestroy:
		id, err := protocol.UnpackSegment(req.Key)
		if err != nil {
			return 0, nil, err
		}
		if err := shared.RequireUnshared(s.mm, id); err != nil {
			return 0, nil, err
		}
		if err := s.mm.DestroySegment(id); err != nil {
			return 0, nil, err
		}
		return protocol.RespOK, nil, nil

	case protocol.OpAcquire, protocol.OpRelease:
		id, err := protocol.UnpackSegment(req.Key)
		if err != nil {
			return 0, nil, err
		}
		refs, err := s.refChange(req.Op, id)
		if err != nil {
			return 0, nil, err
		}
		return protocol.RespVal, binary.BigEndian.AppendUint32(nil, refs), nil

	case protocol.OpTranslate:
		id, off, err := protocol.UnpackAddress(req.Key)
		if err != nil {
			return 0, nil, err
		}
		pa, err := s.mm.Translate(id, off)
		if err != nil {
			return 0, nil, err
		}
		return protocol.RespVal, protocol.PackPhysAddr(pa), nil

	case protocol.OpRead:
		id, off, n, err := protocol.UnpackRange(req.Key)
		if err != nil {
			return 0, nil, err
		}
		if n > protocol.MaxPayload {
			return 0, nil, protocol.ErrTooLarge
		}
		data, err := s.mm.Read(id, off, n)
		if err != nil {
			return 0, nil, err
		}
		return protocol.RespVal, data, nil

	case protocol.OpWrite:
		id, off, err := protocol.UnpackAddress(req.Key)
		if err != nil {
			return 0, nil, err
		}
		if err := s.mm.Write(id, off, req.Value); err != nil {
			return 0, nil, err
		}
		return protocol.RespOK, nil, nil

	case protocol.OpAttach:
		key, size, err := protocol.UnpackAttach(req.Key)
		if err != nil {
			return 0, nil, err
		}
		id, err := s.reg.CreateOrGet(key, size)
		if err != nil {
			return 0, nil, err
		}
		return protocol.RespVal, protocol.PackSegment(id), nil

	case protocol.OpDetach:
		key, err := protocol.UnpackKey(req.Key)
		if err != nil {
			return 0, nil, err
		}
		if err := s.reg.Detach(key); err != nil {
			return 0, nil, err
		}
		return protocol.RespOK, nil, nil

	case protocol.OpLookup:
		key, err := protocol.UnpackKey(req.Key)
		if err != nil {
			return 0, nil, err
		}
		id, err := s.reg.Lookup(key)
		if err != nil {
			return 0, nil, err
		}
		return protocol.RespVal, protocol.PackSegment(id), nil
	}
	return 0, nil, fmt.Errorf("%w: unknown op 0x%02x", protocol.ErrBadRequest, req.Op)
}

func (s *TCPServer) refChange(op byte, id common.SegmentID) (uint32, error) {
	if err := shared.RequireUnshared(s.mm, id); err != nil {
		return 0, err
	}
	if op == protocol.OpAcquire {
		return s.mm.Acquire(id)
	}
	return s.mm.Release(id)
}
