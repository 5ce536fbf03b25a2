package protocol

import (
	"encoding/binary"
	"fmt"

	"segmem/pkg/common"
)

// Request arguments travel in the packet key, fixed width and big endian.
//
//	Create    [size 4][shared 1]
//	Destroy   [id 4]
//	Acquire   [id 4]
//	Release   [id 4]
//	Translate [id 4][offset 4]
//	Read      [id 4][offset 4][n 4]
//	Write     [id 4][offset 4]          value = bytes
//	Attach    [key 8][size 4]
//	Detach    [key 8]
//	Lookup    [key 8]

func need(b []byte, n int) error {
	if len(b) != n {
		return fmt.Errorf("%w: want %d argument bytes, got %d", ErrBadRequest, n, len(b))
	}
	return nil
}

func PackCreate(size uint32, isShared bool) []byte {
	b := make([]byte, 5)
	binary.BigEndian.PutUint32(b, size)
	if isShared {
		b[4] = 1
	}
	return b
}

func UnpackCreate(b []byte) (size uint32, isShared bool, err error) {
	if err = need(b, 5); err != nil {
		return
	}
	return binary.BigEndian.Uint32(b), b[4] != 0, nil
}

func PackSegment(id common.SegmentID) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(id))
}

func UnpackSegment(b []byte) (common.SegmentID, error) {
	if err := need(b, 4); err != nil {
		return common.NoSegment, err
	}
	return common.SegmentID(binary.BigEndian.Uint32(b)), nil
}

func PackAddress(id common.SegmentID, offset uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], uint32(id))
	binary.BigEndian.PutUint32(b[4:8], offset)
	return b
}

func UnpackAddress(b []byte) (common.SegmentID, uint32, error) {
	if err := need(b, 8); err != nil {
		return common.NoSegment, 0, err
	}
	return common.SegmentID(binary.BigEndian.Uint32(b[0:4])), binary.BigEndian.Uint32(b[4:8]), nil
}

func PackRange(id common.SegmentID, offset, n uint32) []byte {
	return binary.BigEndian.AppendUint32(PackAddress(id, offset), n)
}

func UnpackRange(b []byte) (common.SegmentID, uint32, uint32, error) {
	if err := need(b, 12); err != nil {
		return common.NoSegment, 0, 0, err
	}
	id, off, _ := UnpackAddress(b[:8])
	return id, off, binary.BigEndian.Uint32(b[8:12]), nil
}

func PackAttach(key common.SharedKey, size uint32) []byte {
	return binary.BigEndian.AppendUint32(PackKey(key), size)
}

func UnpackAttach(b []byte) (common.SharedKey, uint32, error) {
	if err := need(b, 12); err != nil {
		return 0, 0, err
	}
	return common.SharedKey(binary.BigEndian.Uint64(b[0:8])), binary.BigEndian.Uint32(b[8:12]), nil
}

func PackKey(key common.SharedKey) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(key))
}

func UnpackKey(b []byte) (common.SharedKey, error) {
	if err := need(b, 8); err != nil {
		return 0, err
	}
	return common.SharedKey(binary.BigEndian.Uint64(b)), nil
}

func PackPhysAddr(pa common.PhysAddr) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(pa))
}

func UnpackPhysAddr(b []byte) (common.PhysAddr, error) {
	if err := need(b, 8); err != nil {
		return 0, err
	}
	return common.PhysAddr(binary.BigEndian.Uint64(b)), nil
}
