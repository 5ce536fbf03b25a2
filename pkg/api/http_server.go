package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"segmem/pkg/common"
	"segmem/pkg/memory"
	"segmem/pkg/shared"
	"segmem/pkg/storage"
)

var errNoStore = errors.New("api: snapshot store not configured")

type Server struct {
	mm      *memory.Manager
	reg     *shared.Registry
	store   *storage.SnapshotStore
	dumpDir string
	metrics http.Handler
	log     *zap.SugaredLogger
}

type Option func(*Server)

// WithSnapshots enables /api/snapshot and /api/snapshots.
func WithSnapshots(store *storage.SnapshotStore) Option {
	return func(s *Server) { s.store = store }
}

// WithDumpDir enables /api/dump.
func WithDumpDir(dir string) Option {
	return func(s *Server) { s.dumpDir = dir }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = l }
}

func NewServer(mm *memory.Manager, reg *shared.Registry, opts ...Option) *Server {
	s := &Server{mm: mm, reg: reg, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = promhttp.HandlerFor(newMetrics(mm, reg), promhttp.HandlerOpts{})
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/segments", s.handleCreate)
	mux.HandleFunc("GET /api/segments", s.handleSegments)
	mux.HandleFunc("POST /api/segments/destroy", s.handleDestroy)
	mux.HandleFunc("GET /api/translate", s.handleTranslate)
	mux.HandleFunc("GET /api/read", s.handleRead)
	mux.HandleFunc("POST /api/write", s.handleWrite)
	mux.HandleFunc("POST /api/shared/attach", s.handleAttach)
	mux.HandleFunc("POST /api/shared/detach", s.handleDetach)
	mux.HandleFunc("GET /api/shared/lookup", s.handleLookup)
	mux.HandleFunc("GET /api/shared", s.handleBindings)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /api/snapshots/{id}", s.handleSnapshotLoad)
	mux.HandleFunc("POST /api/dump", s.handleDump)
	mux.HandleFunc("GET /api/dumps/{name}", s.handleDumpRead)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infow("http api listening", "addr", addr)
	return srv.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrResourceExhausted),
		errors.Is(err, memory.ErrRefCountViolation),
		errors.Is(err, shared.ErrCreationFailed):
		return http.StatusConflict
	case errors.Is(err, memory.ErrInvalidSegment),
		errors.Is(err, memory.ErrNotFound),
		errors.Is(err, shared.ErrNotFound),
		errors.Is(err, storage.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrOffsetOutOfBounds):
		return http.StatusBadRequest
	case errors.Is(err, errNoStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Errorw("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func queryUint32(r *http.Request, name string, def uint32, required bool) (uint32, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		if required {
			return 0, fmt.Errorf("missing %s", name)
		}
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint32(v), nil
}

type segmentView struct {
	ID        common.SegmentID    `json:"id"`
	Valid     bool                `json:"valid"`
	Limit     uint32              `json:"limit"`
	PageTable uint32              `json:"page_table"`
	Shared    bool                `json:"shared"`
	RefCount  uint32              `json:"ref_count"`
	Frames    []common.FrameIndex `json:"frames"`
}

func (s *Server) segmentView(id common.SegmentID) (segmentView, error) {
	seg, err := s.mm.Segment(id)
	if err != nil {
		return segmentView{}, err
	}
	frames, err := s.mm.Frames(id)
	if err != nil {
		return segmentView{}, err
	}
	return segmentView{
		ID:        id,
		Valid:     seg.Valid,
		Limit:     seg.Limit,
		PageTable: uint32(seg.PageTable),
		Shared:    seg.Shared,
		RefCount:  seg.RefCount,
		Frames:    frames,
	}, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Size   uint32 `json:"size"`
		Shared bool   `json:"shared"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid body")
		return
	}
	if req.Shared {
		badRequest(w, "shared segments are created through /api/shared/attach")
		return
	}

	id, err := s.mm.CreateSegment(req.Size, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.segmentView(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	n := s.mm.SegmentCount()
	out := make([]segmentView, 0, n)
	for i := 0; i < n; i++ {
		view, err := s.segmentView(common.SegmentID(i))
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n, "segments": out})
}

// handleDestroy drops the creator's reference first when release is set.
// If the destroy is then refused the reference is restored. Shared segments
// are refused; their lifetime belongs to the registry.
func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      common.SegmentID `json:"id"`
		Release bool             `json:"release"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid body")
		return
	}

	if err := shared.RequireUnshared(s.mm, req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Release {
		if _, err := s.mm.Release(req.ID); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.mm.DestroySegment(req.ID); err != nil {
		if req.Release && errors.Is(err, memory.ErrRefCountViolation) {
			s.restoreRef(req.ID)
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "destroyed": true})
}

func (s *Server) restoreRef(id common.SegmentID) {
	if _, err := s.mm.Acquire(id); err != nil {
		s.log.Errorw("could not restore reference after refused destroy", "segment", id, "error", err)
	}
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	id, err := queryUint32(r, "segment", 0, true)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	off, err := queryUint32(r, "offset", 0, true)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	pa, err := s.mm.Translate(common.SegmentID(id), off)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pageSize := uint64(s.mm.PageSize())
	writeJSON(w, http.StatusOK, map[string]any{
		"segment":  id,
		"offset":   off,
		"physical": uint64(pa),
		"frame":    uint64(pa) / pageSize,
		"page":     uint64(off) / pageSize,
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id, err := queryUint32(r, "segment", 0, true)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	off, err := queryUint32(r, "offset", 0, true)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	n, err := queryUint32(r, "n", 1, false)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	data, err := s.mm.Read(common.SegmentID(id), off, n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// []byte marshals as base64
	writeJSON(w, http.StatusOK, map[string]any{"segment": id, "offset": off, "data": data})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Segment common.SegmentID `json:"segment"`
		Offset  uint32           `json:"offset"`
		Data    []byte           `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid body")
		return
	}

	if err := s.mm.Write(req.Segment, req.Offset, req.Data); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segment": req.Segment, "written": len(req.Data)})
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key  common.SharedKey `json:"key"`
		Size uint32           `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid body")
		return
	}

	id, err := s.reg.CreateOrGet(req.Key, req.Size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.segmentView(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": req.Key, "segment": view})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key common.SharedKey `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid body")
		return
	}

	if err := s.reg.Detach(req.Key); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": req.Key, "detached": true})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.ParseInt(r.URL.Query().Get("key"), 10, 64)
	if err != nil {
		badRequest(w, "invalid key")
		return
	}

	id, err := s.reg.Lookup(common.SharedKey(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "segment": id})
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Bindings())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":      s.mm.Stats(),
		"page_size":   s.mm.PageSize(),
		"frames":      s.mm.FrameCount(),
		"free_frames": s.mm.FreeFrames(),
		"segments":    s.mm.SegmentCount(),
		"shared_keys": s.reg.Len(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, errNoStore)
		return
	}
	snap := s.mm.Snapshot()
	id, err := s.store.Save(snap)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Infow("snapshot saved", "id", id, "segments", len(snap.Segments), "used_frames", snap.UsedFrames())
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          id,
		"segments":    len(snap.Segments),
		"used_frames": snap.UsedFrames(),
	})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, errNoStore)
		return
	}
	infos, err := s.store.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	if s.dumpDir == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dump directory not configured"})
		return
	}
	id, err := queryUint32(r, "segment", 0, true)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	path, err := storage.DumpSegment(s.dumpDir, s.mm.Snapshot(), common.SegmentID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Infow("segment dumped", "segment", id, "path", path)
	writeJSON(w, http.StatusCreated, map[string]any{"segment": id, "path": path, "name": filepath.Base(path)})
}

type snapshotSegmentView struct {
	ID       common.SegmentID    `json:"id"`
	Valid    bool                `json:"valid"`
	Limit    uint32              `json:"limit"`
	Shared   bool                `json:"shared"`
	RefCount uint32              `json:"ref_count"`
	Frames   []common.FrameIndex `json:"frames"`
	Data     []byte              `json:"data,omitempty"`
}

func (s *Server) handleSnapshotLoad(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, errNoStore)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		badRequest(w, "invalid snapshot id")
		return
	}

	snap, err := s.store.Load(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	segs := make([]snapshotSegmentView, 0, len(snap.Segments))
	for _, seg := range snap.Segments {
		segs = append(segs, snapshotSegmentView{
			ID:       seg.ID,
			Valid:    seg.Valid,
			Limit:    seg.Limit,
			Shared:   seg.Shared,
			RefCount: seg.RefCount,
			Frames:   seg.Frames,
			Data:     seg.Data,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          id,
		"page_size":   snap.PageSize,
		"frame_count": snap.FrameCount,
		"free_frames": snap.FreeFrames,
		"used_frames": snap.UsedFrames(),
		"segments":    segs,
	})
}

// handleDumpRead verifies a dump file from the dump directory and returns
// its contents. Only a bare file name is accepted.
func (s *Server) handleDumpRead(w http.ResponseWriter, r *http.Request) {
	if s.dumpDir == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dump directory not configured"})
		return
	}
	name := r.PathValue("name")
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, ".dmp") {
		badRequest(w, "invalid dump name")
		return
	}

	dr, err := storage.OpenDump(filepath.Join(s.dumpDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dump not found"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer dr.Close()

	data, err := dr.ReadAll()
	if errors.Is(err, storage.ErrDumpCorrupted) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "bytes": len(data), "data": data})
}
