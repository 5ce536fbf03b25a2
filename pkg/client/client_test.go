package client

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"

	"segmem/pkg/memory"
	"segmem/pkg/network"
	"segmem/pkg/shared"
)

func TestDialInvalidAddr(t *testing.T) {
	_, err := Dial("invalid:invalid:invalid")
	if err == nil {
		t.Fatal("expected error for invalid address")
	}
}

func TestDialUnreachable(t *testing.T) {
	// Connect to non-routable IP (RFC 5737) - expect error
	_, err := Dial("192.0.2.1:9999")
	if err == nil {
		t.Skip("connection unexpectedly succeeded (e.g. in sandbox)")
	}
}

func startServer(t *testing.T) (*Client, *memory.Manager) {
	c, mm, _ := startServerWith(t, func(l net.Listener) net.Listener { return l })
	return c, mm
}

func startServerWith(t *testing.T, wrap func(net.Listener) net.Listener) (*Client, *memory.Manager, *shared.Registry) {
	t.Helper()
	mm, err := memory.New(1024, 16)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	reg := shared.NewRegistry(mm)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := network.NewTCPServer(mm, reg, nil)
	go srv.Serve(wrap(l))
	t.Cleanup(func() { l.Close() })

	c, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mm, reg
}

// lostReplyListener breaks its first connection on the first reply, after
// the server has already executed the request.
type lostReplyListener struct {
	net.Listener
	once sync.Once
}

func (l *lostReplyListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	var wrapped net.Conn = conn
	l.once.Do(func() { wrapped = &lostReplyConn{Conn: conn} })
	return wrapped, nil
}

type lostReplyConn struct {
	net.Conn
}

func (c *lostReplyConn) Write(b []byte) (int, error) {
	c.Conn.Close()
	return 0, errors.New("reply lost")
}

func lossy(l net.Listener) net.Listener {
	return &lostReplyListener{Listener: l}
}

func TestRemoteSegmentLifecycle(t *testing.T) {
	c, mm := startServer(t)

	id, err := c.CreateSegment(3000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected first segment id 0, got %d", id)
	}

	pa, err := c.Translate(id, 2500)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	frames, _ := mm.Frames(id)
	if want := uint64(frames[2])*1024 + 452; uint64(pa) != want {
		t.Fatalf("translate(2500) = %d, want %d", pa, want)
	}

	if _, err := c.Translate(id, 3000); !errors.Is(err, memory.ErrOffsetOutOfBounds) {
		t.Fatalf("expected ErrOffsetOutOfBounds, got %v", err)
	}

	if err := c.Write(id, 1020, []byte("across")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := c.Read(id, 1020, 6)
	if err != nil || !bytes.Equal(got, []byte("across")) {
		t.Fatalf("read back %q, %v", got, err)
	}
	if err := c.WriteByte(id, 0, 0xAB); err != nil {
		t.Fatalf("write byte: %v", err)
	}
	if b, err := c.ReadByte(id, 0); err != nil || b != 0xAB {
		t.Fatalf("read byte = %x, %v", b, err)
	}

	if err := c.DestroySegment(id); !errors.Is(err, memory.ErrRefCountViolation) {
		t.Fatalf("expected ErrRefCountViolation with a live reference, got %v", err)
	}
	if refs, err := c.Release(id); err != nil || refs != 0 {
		t.Fatalf("release = %d, %v", refs, err)
	}
	if err := c.DestroySegment(id); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if mm.FreeFrames() != 16 {
		t.Fatalf("frames not returned: %d free", mm.FreeFrames())
	}
	if _, err := c.ReadByte(id, 0); !errors.Is(err, memory.ErrInvalidSegment) {
		t.Fatalf("expected ErrInvalidSegment after destroy, got %v", err)
	}
}

func TestRemoteExhaustion(t *testing.T) {
	c, mm := startServer(t)

	if _, err := c.CreateSegment(17*1024); !errors.Is(err, memory.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if mm.FreeFrames() != 16 || mm.SegmentCount() != 0 {
		t.Fatalf("failed create changed state")
	}
}

func TestRemoteSharedSegments(t *testing.T) {
	c, mm := startServer(t)

	a, err := c.Attach(42, 4096)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	b, err := c.Attach(42, 100)
	if err != nil || b != a {
		t.Fatalf("second attach = %d, %v; want %d", b, err, a)
	}
	if id, err := c.Lookup(42); err != nil || id != a {
		t.Fatalf("lookup = %d, %v", id, err)
	}
	seg, _ := mm.Segment(a)
	if seg.RefCount != 2 || !seg.Shared {
		t.Fatalf("unexpected descriptor %+v", seg)
	}

	if err := c.Detach(42); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := c.Detach(42); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, err := c.Lookup(42); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.Detach(42); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on extra detach, got %v", err)
	}

	if _, err := c.Attach(7, 64*1024); !errors.Is(err, shared.ErrCreationFailed) {
		t.Fatalf("expected ErrCreationFailed, got %v", err)
	}
}

func TestLostReplyIsNotReplayed(t *testing.T) {
	c, mm, reg := startServerWith(t, lossy)

	if _, err := c.Attach(100, 4096); err == nil {
		t.Fatalf("expected the lost reply to surface as an error")
	}
	id, err := reg.Lookup(100)
	if err != nil {
		t.Fatalf("attach should have reached the server: %v", err)
	}
	seg, _ := mm.Segment(id)
	if seg.RefCount != 1 || mm.FreeFrames() != 12 {
		t.Fatalf("attach was replayed: ref count %d, free frames %d", seg.RefCount, mm.FreeFrames())
	}

	// the next call redials
	if got, err := c.Lookup(100); err != nil || got != id {
		t.Fatalf("lookup after redial = %d, %v", got, err)
	}
	if err := c.Detach(100); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if mm.FreeFrames() != 16 {
		t.Fatalf("segment not reclaimed after one detach, %d free", mm.FreeFrames())
	}
}

func TestLostReplyRetriesReadOnly(t *testing.T) {
	c, _, reg := startServerWith(t, lossy)
	id, err := reg.CreateOrGet(5, 100)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	got, err := c.Lookup(5)
	if err != nil || got != id {
		t.Fatalf("lookup = %d, %v; want %d", got, err, id)
	}
}

func TestRemoteSharedSegmentRefusesDirectRefChanges(t *testing.T) {
	c, mm := startServer(t)

	id, err := c.Attach(9, 2048)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := c.Release(id); !errors.Is(err, memory.ErrRefCountViolation) {
		t.Fatalf("release of shared segment: expected ErrRefCountViolation, got %v", err)
	}
	if _, err := c.Acquire(id); !errors.Is(err, memory.ErrRefCountViolation) {
		t.Fatalf("acquire of shared segment: expected ErrRefCountViolation, got %v", err)
	}
	if err := c.DestroySegment(id); !errors.Is(err, memory.ErrRefCountViolation) {
		t.Fatalf("destroy of shared segment: expected ErrRefCountViolation, got %v", err)
	}
	seg, _ := mm.Segment(id)
	if !seg.Valid || seg.RefCount != 1 {
		t.Fatalf("shared segment changed: %+v", seg)
	}

	if err := c.Detach(9); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, err := c.Lookup(9); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after detach, got %v", err)
	}
}
