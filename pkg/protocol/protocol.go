package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	MagicNumber = 0x53

	OpCreate    = 0x01
	OpDestroy   = 0x02
	OpTranslate = 0x03
	OpRead      = 0x04
	OpWrite     = 0x05
	OpAttach    = 0x06
	OpDetach    = 0x07
	OpLookup    = 0x08
	OpAcquire   = 0x09
	OpRelease   = 0x0A

	RespOK  = 0x00
	RespErr = 0xFF
	RespVal = 0x01

	HeaderSize = 8
	// MaxPayload bounds a single value so a bad header cannot force a huge allocation.
	MaxPayload = 16 << 20
)

var (
	ErrInvalidMagic = errors.New("invalid magic number")
	ErrTooLarge     = errors.New("payload too large")
)

type Packet struct {
	Op    byte
	Key   []byte
	Value []byte
}

func Encode(w io.Writer, op byte, key []byte, value []byte) error {
	if len(value) > MaxPayload || len(key) > 0xFFFF {
		return ErrTooLarge
	}
	// one write per frame keeps concurrent callers on a shared conn simple
	frame := make([]byte, HeaderSize+len(key)+len(value))
	frame[0] = MagicNumber
	frame[1] = op
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(key)))
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(value)))
	copy(frame[HeaderSize:], key)
	copy(frame[HeaderSize+len(key):], value)

	_, err := w.Write(frame)
	return err
}

func Decode(r io.Reader) (*Packet, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if header[0] != MagicNumber {
		return nil, ErrInvalidMagic
	}

	op := header[1]
	kLen := binary.BigEndian.Uint16(header[2:4])
	vLen := binary.BigEndian.Uint32(header[4:8])
	if vLen > MaxPayload {
		return nil, ErrTooLarge
	}

	key := make([]byte, kLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	val := make([]byte, vLen)
	if _, err := io.ReadFull(r, val); err != nil {
		return nil, err
	}

	return &Packet{Op: op, Key: key, Value: val}, nil
}
