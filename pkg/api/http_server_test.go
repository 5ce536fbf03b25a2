package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"segmem/pkg/memory"
	"segmem/pkg/shared"
	"segmem/pkg/storage"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *memory.Manager) {
	t.Helper()
	mm, err := memory.New(1024, 16)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return NewServer(mm, shared.NewRegistry(mm), opts...), mm
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSegmentEndpoints(t *testing.T) {
	s, mm := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/segments", `{"size":3000}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created segmentView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID != 0 || created.Limit != 3000 || len(created.Frames) != 3 || created.RefCount != 1 {
		t.Fatalf("unexpected segment %+v", created)
	}

	rec = do(t, h, http.MethodGet, "/api/translate?segment=0&offset=2500", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("translate expected 200, got %d", rec.Code)
	}
	var tr struct {
		Physical uint64 `json:"physical"`
		Page     uint64 `json:"page"`
	}
	json.Unmarshal(rec.Body.Bytes(), &tr)
	if want := uint64(created.Frames[2])*1024 + 452; tr.Physical != want || tr.Page != 2 {
		t.Fatalf("translate got %+v, want physical %d", tr, want)
	}

	if rec := do(t, h, http.MethodGet, "/api/translate?segment=0&offset=3000", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("out of bounds expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/translate?segment=9&offset=0", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("invalid segment expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/translate?segment=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad query expected 400, got %d", rec.Code)
	}

	payload, _ := json.Marshal(map[string]any{"segment": 0, "offset": 1020, "data": []byte("across")})
	if rec := do(t, h, http.MethodPost, "/api/write", string(payload)); rec.Code != http.StatusOK {
		t.Fatalf("write expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/api/read?segment=0&offset=1020&n=6", "")
	var rd struct {
		Data []byte `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &rd)
	if !bytes.Equal(rd.Data, []byte("across")) {
		t.Fatalf("read back %q", rd.Data)
	}

	if rec := do(t, h, http.MethodPost, "/api/segments", `{"size":20000}`); rec.Code != http.StatusConflict {
		t.Fatalf("exhausted expected 409, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/api/segments/destroy", `{"id":0}`); rec.Code != http.StatusConflict {
		t.Fatalf("destroy with live ref expected 409, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/segments/destroy", `{"id":0,"release":true}`); rec.Code != http.StatusOK {
		t.Fatalf("destroy expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if mm.FreeFrames() != 16 {
		t.Fatalf("frames not returned, %d free", mm.FreeFrames())
	}

	rec = do(t, h, http.MethodGet, "/api/segments", "")
	var list struct {
		Count    int           `json:"count"`
		Segments []segmentView `json:"segments"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Count != 1 || list.Segments[0].Valid {
		t.Fatalf("expected one tombstone, got %+v", list)
	}
}

func TestDestroyRestoresReferenceOnRefusal(t *testing.T) {
	s, mm := newTestServer(t)
	h := s.Handler()

	id, _ := mm.CreateSegment(100, false)
	mm.Acquire(id)

	if rec := do(t, h, http.MethodPost, "/api/segments/destroy", `{"id":0,"release":true}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	seg, _ := mm.Segment(id)
	if seg.RefCount != 2 || !seg.Valid {
		t.Fatalf("reference not restored: %+v", seg)
	}
}

func TestSharedEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodPost, "/api/shared/attach", `{"key":42,"size":4096}`); rec.Code != http.StatusOK {
			t.Fatalf("attach expected 200, got %d", rec.Code)
		}
	}
	rec := do(t, h, http.MethodGet, "/api/shared/lookup?key=42", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup expected 200, got %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodPost, "/api/shared/detach", `{"key":42}`); rec.Code != http.StatusOK {
			t.Fatalf("detach expected 200, got %d", rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/api/shared/lookup?key=42", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("lookup after detach expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/shared/attach", `{"key":1,"size":999999}`); rec.Code != http.StatusConflict {
		t.Fatalf("failed attach expected 409, got %d", rec.Code)
	}
}

func TestHandleMetricsExposesPrometheusFormat(t *testing.T) {
	s, mm := newTestServer(t)
	id, _ := mm.CreateSegment(10, false)
	mm.WriteByte(id, 0, 1)
	mm.ReadByte(id, 0)

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	want := []string{
		"segmem_translations_total",
		"segmem_faults_total",
		"segmem_reads_total 1",
		"segmem_writes_total 1",
		"segmem_segments_created_total 1",
		"segmem_free_frames 15",
		"segmem_shared_keys 0",
		"segmem_rw_ratio",
	}
	for _, m := range want {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metrics output to contain %q, body=%s", m, body)
		}
	}
}

func TestSnapshotAndDumpEndpoints(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.OpenSnapshotStore(filepath.Join(dir, "snap.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	s, mm := newTestServer(t, WithSnapshots(store), WithDumpDir(filepath.Join(dir, "dumps")))
	h := s.Handler()
	id, _ := mm.CreateSegment(2048, false)
	mm.Write(id, 0, []byte("dump me"))

	if rec := do(t, h, http.MethodPost, "/api/snapshot", ""); rec.Code != http.StatusCreated {
		t.Fatalf("snapshot expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodGet, "/api/snapshots", "")
	var infos []storage.SnapshotInfo
	json.Unmarshal(rec.Body.Bytes(), &infos)
	if len(infos) != 1 || infos[0].Segments != 1 {
		t.Fatalf("unexpected snapshot list %+v", infos)
	}

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/api/snapshots/%d", infos[0].ID), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot load expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var loaded struct {
		PageSize   uint32                `json:"page_size"`
		UsedFrames int                   `json:"used_frames"`
		Segments   []snapshotSegmentView `json:"segments"`
	}
	json.Unmarshal(rec.Body.Bytes(), &loaded)
	if loaded.PageSize != 1024 || loaded.UsedFrames != 2 || len(loaded.Segments) != 1 {
		t.Fatalf("unexpected loaded snapshot %+v", loaded)
	}
	if !bytes.HasPrefix(loaded.Segments[0].Data, []byte("dump me")) {
		t.Fatalf("snapshot contents not preserved")
	}
	if rec := do(t, h, http.MethodGet, "/api/snapshots/99", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown snapshot expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/snapshots/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad snapshot id expected 400, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/dump?segment=0", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("dump expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var dumped struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	json.Unmarshal(rec.Body.Bytes(), &dumped)
	if _, err := os.Stat(dumped.Path); err != nil {
		t.Fatalf("dump file missing: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/api/dumps/"+dumped.Name, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("dump read expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var readBack struct {
		Bytes int    `json:"bytes"`
		Data  []byte `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &readBack)
	if readBack.Bytes != 2048 || !bytes.HasPrefix(readBack.Data, []byte("dump me")) {
		t.Fatalf("unexpected dump contents: %d bytes", readBack.Bytes)
	}
	if rec := do(t, h, http.MethodGet, "/api/dumps/seg-9-missing.dmp", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing dump expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/dumps/notes.txt", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad dump name expected 400, got %d", rec.Code)
	}

	raw, _ := os.ReadFile(dumped.Path)
	raw[len(raw)-1] ^= 0xFF
	os.WriteFile(dumped.Path, raw, 0644)
	if rec := do(t, h, http.MethodGet, "/api/dumps/"+dumped.Name, ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("corrupted dump expected 422, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/api/dump?segment=5", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("dump of unknown segment expected 404, got %d", rec.Code)
	}
}

func TestSnapshotWithoutStore(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := do(t, s.Handler(), http.MethodPost, "/api/snapshot", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSharedSegmentsRefuseDirectLifecycle(t *testing.T) {
	s, mm := newTestServer(t)
	h := s.Handler()

	if rec := do(t, h, http.MethodPost, "/api/segments", `{"size":100,"shared":true}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("shared create expected 400, got %d", rec.Code)
	}
	if mm.SegmentCount() != 0 {
		t.Fatalf("rejected create appended a segment")
	}

	if rec := do(t, h, http.MethodPost, "/api/shared/attach", `{"key":100,"size":4096}`); rec.Code != http.StatusOK {
		t.Fatalf("attach expected 200, got %d", rec.Code)
	}
	for _, body := range []string{`{"id":0,"release":true}`, `{"id":0}`} {
		if rec := do(t, h, http.MethodPost, "/api/segments/destroy", body); rec.Code != http.StatusConflict {
			t.Fatalf("destroy %s of shared segment expected 409, got %d", body, rec.Code)
		}
	}
	seg, _ := mm.Segment(0)
	if !seg.Valid || seg.RefCount != 1 {
		t.Fatalf("shared segment changed: %+v", seg)
	}

	if rec := do(t, h, http.MethodGet, "/api/shared/lookup?key=100", ""); rec.Code != http.StatusOK {
		t.Fatalf("lookup expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/shared/detach", `{"key":100}`); rec.Code != http.StatusOK {
		t.Fatalf("detach expected 200, got %d", rec.Code)
	}
	if mm.FreeFrames() != 16 {
		t.Fatalf("frames not returned after detach, %d free", mm.FreeFrames())
	}
}

func TestRestoreRefLogsFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	s, mm := newTestServer(t, WithLogger(zap.New(core).Sugar()))

	id, _ := mm.CreateSegment(10, false)
	mm.Release(id)
	if err := mm.DestroySegment(id); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	s.restoreRef(id)
	entries := logs.FilterMessage("could not restore reference after refused destroy").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", logs.Len())
	}
}
