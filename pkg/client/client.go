package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"segmem/pkg/common"
	"segmem/pkg/protocol"
)

var ErrUnexpectedResponse = errors.New("client: unexpected response")

// Client speaks the binary protocol over one connection. Calls are
// serialized. A transport error drops the connection and the next call
// redials; only read-only requests are resent.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	addr string
}

func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn: conn,
		addr: addr,
	}, nil
}

// CreateSegment creates a private segment. Shared segments come from Attach.
func (c *Client) CreateSegment(size uint32) (common.SegmentID, error) {
	val, err := c.call(protocol.OpCreate, protocol.PackCreate(size, false), nil)
	if err != nil {
		return common.NoSegment, err
	}
	return protocol.UnpackSegment(val)
}

func (c *Client) DestroySegment(id common.SegmentID) error {
	_, err := c.call(protocol.OpDestroy, protocol.PackSegment(id), nil)
	return err
}

func (c *Client) Acquire(id common.SegmentID) (uint32, error) {
	return c.refs(protocol.OpAcquire, id)
}

func (c *Client) Release(id common.SegmentID) (uint32, error) {
	return c.refs(protocol.OpRelease, id)
}

func (c *Client) refs(op byte, id common.SegmentID) (uint32, error) {
	val, err := c.call(op, protocol.PackSegment(id), nil)
	if err != nil {
		return 0, err
	}
	if len(val) != 4 {
		return 0, ErrUnexpectedResponse
	}
	return binary.BigEndian.Uint32(val), nil
}

func (c *Client) Translate(id common.SegmentID, offset uint32) (common.PhysAddr, error) {
	val, err := c.call(protocol.OpTranslate, protocol.PackAddress(id, offset), nil)
	if err != nil {
		return 0, err
	}
	return protocol.UnpackPhysAddr(val)
}

func (c *Client) Read(id common.SegmentID, offset, n uint32) ([]byte, error) {
	return c.call(protocol.OpRead, protocol.PackRange(id, offset, n), nil)
}

func (c *Client) Write(id common.SegmentID, offset uint32, data []byte) error {
	_, err := c.call(protocol.OpWrite, protocol.PackAddress(id, offset), data)
	return err
}

func (c *Client) ReadByte(id common.SegmentID, offset uint32) (byte, error) {
	val, err := c.Read(id, offset, 1)
	if err != nil {
		return 0, err
	}
	if len(val) != 1 {
		return 0, ErrUnexpectedResponse
	}
	return val[0], nil
}

func (c *Client) WriteByte(id common.SegmentID, offset uint32, v byte) error {
	return c.Write(id, offset, []byte{v})
}

func (c *Client) Attach(key common.SharedKey, size uint32) (common.SegmentID, error) {
	val, err := c.call(protocol.OpAttach, protocol.PackAttach(key, size), nil)
	if err != nil {
		return common.NoSegment, err
	}
	return protocol.UnpackSegment(val)
}

func (c *Client) Detach(key common.SharedKey) error {
	_, err := c.call(protocol.OpDetach, protocol.PackKey(key), nil)
	return err
}

func (c *Client) Lookup(key common.SharedKey) (common.SegmentID, error) {
	val, err := c.call(protocol.OpLookup, protocol.PackKey(key), nil)
	if err != nil {
		return common.NoSegment, err
	}
	return protocol.UnpackSegment(val)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// retryable ops change no engine state, so resending one after a lost reply
// is harmless.
func retryable(op byte) bool {
	switch op {
	case protocol.OpTranslate, protocol.OpRead, protocol.OpLookup:
		return true
	}
	return false
}

func (c *Client) call(op byte, key, val []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pkg, err := c.roundTrip(op, key, val)
	if err != nil {
		// the server may have acted before the connection broke
		c.drop()
		if !retryable(op) {
			return nil, err
		}
		if pkg, err = c.roundTrip(op, key, val); err != nil {
			c.drop()
			return nil, err
		}
	}

	switch pkg.Op {
	case protocol.RespOK, protocol.RespVal:
		return pkg.Value, nil
	case protocol.RespErr:
		return nil, protocol.DecodeError(pkg.Value)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnexpectedResponse, pkg.Op)
	}
}

// roundTrip redials first when an earlier failure dropped the connection.
func (c *Client) roundTrip(op byte, key, val []byte) (*protocol.Packet, error) {
	if c.conn == nil {
		conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}
	if err := protocol.Encode(c.conn, op, key, val); err != nil {
		return nil, err
	}
	return protocol.Decode(c.conn)
}

func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
