package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"segmem/pkg/common"
	"segmem/pkg/memory"
)

// [CRC32 4B] [Segment 4B] [Offset 4B] [Len 4B] [Bytes NB]

const (
	DumpHeaderSize = 4 + 4 + 4 + 4 // 16 Bytes
	dumpChunk      = 4096
)

var ErrDumpCorrupted = errors.New("storage: dump crc mismatch")

// DumpRecord is one contiguous piece of a segment.
type DumpRecord struct {
	Segment common.SegmentID
	Offset  uint32
	Data    []byte
}

// DumpSegment writes the contents of one valid segment from snap into dir
// as seg-<id>-<timestamp>.dmp and returns the file path.
func DumpSegment(dir string, snap memory.Snapshot, id common.SegmentID) (string, error) {
	if int(id) >= len(snap.Segments) || !snap.Segments[id].Valid {
		return "", fmt.Errorf("storage: dump segment %d: %w", id, memory.ErrInvalidSegment)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("seg-%d-%s.dmp", id, time.Now().Format("20060102-150405.000000000"))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	data := snap.Segments[id].Data
	for off := 0; off < len(data); off += dumpChunk {
		end := off + dumpChunk
		if end > len(data) {
			end = len(data)
		}
		if err := writeRecord(w, DumpRecord{Segment: id, Offset: uint32(off), Data: data[off:end]}); err != nil {
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return path, f.Sync()
}

func writeRecord(w io.Writer, rec DumpRecord) error {
	header := make([]byte, DumpHeaderSize)
	binary.LittleEndian.PutUint32(header[4:8], uint32(rec.Segment))
	binary.LittleEndian.PutUint32(header[8:12], rec.Offset)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(rec.Data)))

	checksum := crc32.NewIEEE()
	checksum.Write(header[4:])
	checksum.Write(rec.Data)
	binary.LittleEndian.PutUint32(header[0:4], checksum.Sum32())

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(rec.Data)
	return err
}

type DumpReader struct {
	reader *bufio.Reader
	file   *os.File
}

func OpenDump(path string) (*DumpReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &DumpReader{
		file:   f,
		reader: bufio.NewReader(f),
	}, nil
}

// Next returns io.EOF after the last record.
func (r *DumpReader) Next() (DumpRecord, error) {
	header := make([]byte, DumpHeaderSize)
	if _, err := io.ReadFull(r.reader, header); err != nil {
		return DumpRecord{}, err
	}

	storedCRC := binary.LittleEndian.Uint32(header[0:4])
	rec := DumpRecord{
		Segment: common.SegmentID(binary.LittleEndian.Uint32(header[4:8])),
		Offset:  binary.LittleEndian.Uint32(header[8:12]),
	}
	size := binary.LittleEndian.Uint32(header[12:16])
	if size > dumpChunk {
		return DumpRecord{}, ErrDumpCorrupted
	}

	rec.Data = make([]byte, size)
	if _, err := io.ReadFull(r.reader, rec.Data); err != nil {
		return DumpRecord{}, errors.New("storage: truncated dump record")
	}

	checksum := crc32.NewIEEE()
	checksum.Write(header[4:])
	checksum.Write(rec.Data)
	if checksum.Sum32() != storedCRC {
		return DumpRecord{}, ErrDumpCorrupted
	}
	return rec, nil
}

// ReadAll reassembles the dumped bytes in offset order.
func (r *DumpReader) ReadAll() ([]byte, error) {
	var out []byte
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if int(rec.Offset) != len(out) {
			return nil, fmt.Errorf("storage: dump gap at offset %d", rec.Offset)
		}
		out = append(out, rec.Data...)
	}
}

func (r *DumpReader) Close() {
	r.file.Close()
}
