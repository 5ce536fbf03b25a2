package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"segmem/pkg/common"
	"segmem/pkg/memory"
)

var ErrSnapshotNotFound = errors.New("storage: snapshot not found")

// SnapshotInfo summarizes one saved snapshot.
type SnapshotInfo struct {
	ID         int64     `json:"id"`
	TakenAt    time.Time `json:"taken_at"`
	PageSize   uint32    `json:"page_size"`
	FrameCount uint32    `json:"frame_count"`
	FreeFrames int       `json:"free_frames"`
	Segments   int       `json:"segments"`
}

// SnapshotStore persists engine snapshots in a sqlite database.
type SnapshotStore struct {
	db *sql.DB
	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at    INTEGER NOT NULL,
	page_size   INTEGER NOT NULL,
	frame_count INTEGER NOT NULL,
	free_frames TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
	snapshot_id INTEGER NOT NULL,
	segment_id  INTEGER NOT NULL,
	valid       INTEGER NOT NULL,
	seg_limit   INTEGER NOT NULL,
	page_table  INTEGER NOT NULL,
	shared      INTEGER NOT NULL,
	ref_count   INTEGER NOT NULL,
	frames      TEXT NOT NULL,
	data        BLOB,
	PRIMARY KEY (snapshot_id, segment_id)
);`

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}
	// single writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	return &SnapshotStore{db: db}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Save writes the snapshot in one transaction and returns its id.
func (s *SnapshotStore) Save(snap memory.Snapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	free, err := json.Marshal(snap.FreeFrames)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec(
		"INSERT INTO snapshots (taken_at, page_size, frame_count, free_frames) VALUES (?, ?, ?, ?)",
		time.Now().UnixNano(), snap.PageSize, snap.FrameCount, string(free))
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	stmt, err := tx.Prepare(`INSERT INTO segments
		(snapshot_id, segment_id, valid, seg_limit, page_table, shared, ref_count, frames, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	for _, seg := range snap.Segments {
		frames, err := json.Marshal(seg.Frames)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		if _, err := stmt.Exec(id, uint32(seg.ID), boolInt(seg.Valid), seg.Limit,
			uint32(seg.PageTable), boolInt(seg.Shared), seg.RefCount, string(frames), seg.Data); err != nil {
			tx.Rollback()
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SnapshotStore) Load(id int64) (memory.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap memory.Snapshot
	var free string
	err := s.db.QueryRow(
		"SELECT page_size, frame_count, free_frames FROM snapshots WHERE id = ?", id,
	).Scan(&snap.PageSize, &snap.FrameCount, &free)
	if err == sql.ErrNoRows {
		return snap, fmt.Errorf("%w: %d", ErrSnapshotNotFound, id)
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal([]byte(free), &snap.FreeFrames); err != nil {
		return snap, err
	}

	rows, err := s.db.Query(`SELECT segment_id, valid, seg_limit, page_table, shared, ref_count, frames, data
		FROM segments WHERE snapshot_id = ? ORDER BY segment_id ASC`, id)
	if err != nil {
		return snap, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seg           memory.SegmentSnapshot
			segID, ptIdx  uint32
			valid, shared int
			frames        string
		)
		if err := rows.Scan(&segID, &valid, &seg.Limit, &ptIdx, &shared, &seg.RefCount, &frames, &seg.Data); err != nil {
			return snap, err
		}
		seg.ID = common.SegmentID(segID)
		seg.PageTable = common.PageTableIndex(ptIdx)
		seg.Valid = valid != 0
		seg.Shared = shared != 0
		if err := json.Unmarshal([]byte(frames), &seg.Frames); err != nil {
			return snap, err
		}
		snap.Segments = append(snap.Segments, seg)
	}
	return snap, rows.Err()
}

func (s *SnapshotStore) List() ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT s.id, s.taken_at, s.page_size, s.frame_count, s.free_frames,
		(SELECT COUNT(*) FROM segments g WHERE g.snapshot_id = s.id)
		FROM snapshots s ORDER BY s.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var (
			info  SnapshotInfo
			taken int64
			free  string
		)
		if err := rows.Scan(&info.ID, &taken, &info.PageSize, &info.FrameCount, &free, &info.Segments); err != nil {
			return nil, err
		}
		var frames []common.FrameIndex
		if err := json.Unmarshal([]byte(free), &frames); err != nil {
			return nil, err
		}
		info.FreeFrames = len(frames)
		info.TakenAt = time.Unix(0, taken)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
