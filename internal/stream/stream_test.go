package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/uuid"

	"github.com/amillerrr/vod-pipeline/internal/artifacts"
	"github.com/amillerrr/vod-pipeline/internal/testsupport"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

func TestParseRange(t *testing.T) {
	const tenMiB = 10 << 20

	tests := []struct {
		name      string
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		wantErr   bool
	}{
		{"no header", "", 1000, 0, 999, false},
		{"closed range", "bytes=0-99", 1000, 0, 99, false},
		{"end clamped", "bytes=900-5000", 1000, 900, 999, false},
		{"open range small file", "bytes=500-", 1000, 500, 999, false},
		{"open range chunked", "bytes=500-", tenMiB, 500, 500 + ChunkSize - 1, false},
		{"single byte", "bytes=999-999", 1000, 999, 999, false},
		{"start at size", "bytes=1000-", 1000, 0, 0, true},
		{"start after end", "bytes=50-10", 1000, 0, 0, true},
		{"non numeric", "bytes=abc-", 1000, 0, 0, true},
		{"suffix range", "bytes=-100", 1000, 0, 0, true},
		{"multiple ranges", "bytes=0-1,5-6", 1000, 0, 0, true},
		{"wrong unit", "items=0-1", 1000, 0, 0, true},
		{"empty file", "", 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseRange(tt.header, tt.size)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsatisfiableRange) {
					t.Errorf("ParseRange(%q, %d) error = %v, want ErrUnsatisfiableRange", tt.header, tt.size, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRange(%q, %d) unexpected error = %v", tt.header, tt.size, err)
			}
			if w.Start != tt.wantStart || w.End != tt.wantEnd {
				t.Errorf("ParseRange(%q, %d) = %d-%d, want %d-%d", tt.header, tt.size, w.Start, w.End, tt.wantStart, tt.wantEnd)
			}
			if w.Length() > ChunkSize && tt.header != "" {
				t.Errorf("Length() = %d exceeds ChunkSize for an open range", w.Length())
			}
		})
	}
}

type fixture struct {
	server  *Server
	store   *artifacts.Store
	catalog *testsupport.CatalogStub
	key     string
	content []byte
}

// newFixture catalogs one video with a 480p rendition of the given size.
func newFixture(t *testing.T, size int) *fixture {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))

	store, err := artifacts.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}

	key := uuid.NewString()
	dir, err := store.Stage(key)
	if err != nil {
		t.Fatal(err)
	}
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(dir, "480p.mp4"), content, 0644); err != nil {
		t.Fatal(err)
	}

	catalog := testsupport.NewCatalogStub()
	catalog.Seed(models.Video{
		ID:         "video-1",
		Title:      "Clip",
		VideoKey:   key,
		AuthorID:   "author-1",
		Status:     models.StatusDone,
		Renditions: []string{"480p", "360p"},
	})

	return &fixture{
		server:  NewServer(catalog, store, log),
		store:   store,
		catalog: catalog,
		key:     key,
		content: content,
	}
}

func (f *fixture) serve(t *testing.T, quality, rangeHeader string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest("GET", "/video/watch/"+f.key, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rr := httptest.NewRecorder()
	err := f.server.Serve(rr, req, f.key, quality)
	return rr, err
}

func TestServe_ClosedRange(t *testing.T) {
	f := newFixture(t, 1000)

	rr, err := f.serve(t, "480p", "bytes=0-99")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if rr.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 0-99/1000" {
		t.Errorf("Content-Range = %q, want bytes 0-99/1000", got)
	}
	if got := rr.Header().Get("Content-Length"); got != "100" {
		t.Errorf("Content-Length = %q, want 100", got)
	}
	if got := rr.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q, want bytes", got)
	}
	if got := rr.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q, want video/mp4", got)
	}
	if !bytes.Equal(rr.Body.Bytes(), f.content[:100]) {
		t.Error("body does not match the requested bytes")
	}
}

func TestServe_NoRangeHeader(t *testing.T) {
	f := newFixture(t, 1000)

	rr, err := f.serve(t, "480p", "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if rr.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 0-999/1000" {
		t.Errorf("Content-Range = %q, want bytes 0-999/1000", got)
	}
	if rr.Body.Len() != 1000 {
		t.Errorf("body length = %d, want 1000", rr.Body.Len())
	}
}

func TestServe_OpenRangeIsChunked(t *testing.T) {
	f := newFixture(t, 10<<20)

	rr, err := f.serve(t, "480p", "bytes=500-")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	wantEnd := 500 + ChunkSize - 1
	want := "bytes 500-" + strconv.FormatInt(wantEnd, 10) + "/" + strconv.Itoa(10<<20)
	if got := rr.Header().Get("Content-Range"); got != want {
		t.Errorf("Content-Range = %q, want %q", got, want)
	}
	if int64(rr.Body.Len()) != ChunkSize {
		t.Errorf("body length = %d, want %d", rr.Body.Len(), ChunkSize)
	}
	if !bytes.Equal(rr.Body.Bytes(), f.content[500:500+ChunkSize]) {
		t.Error("body does not match the requested bytes")
	}
}

func TestServe_DefaultQuality(t *testing.T) {
	f := newFixture(t, 64)

	rr, err := f.serve(t, "", "bytes=0-9")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if rr.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", rr.Code)
	}
}

func TestServe_Unsatisfiable(t *testing.T) {
	f := newFixture(t, 1000)

	for _, header := range []string{"bytes=1000-", "bytes=50-10", "bytes=x-y"} {
		t.Run(header, func(t *testing.T) {
			rr, err := f.serve(t, "480p", header)
			if err != nil {
				t.Fatalf("Serve() error = %v", err)
			}
			if rr.Code != http.StatusRequestedRangeNotSatisfiable {
				t.Errorf("status = %d, want 416", rr.Code)
			}
			if got := rr.Header().Get("Content-Range"); got != "bytes */1000" {
				t.Errorf("Content-Range = %q, want bytes */1000", got)
			}
		})
	}
}

func TestServe_EmptyFile(t *testing.T) {
	f := newFixture(t, 0)

	rr, err := f.serve(t, "480p", "")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("status = %d, want 416", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes */0" {
		t.Errorf("Content-Range = %q, want bytes */0", got)
	}
}

func TestServe_LookupFailures(t *testing.T) {
	f := newFixture(t, 100)

	tests := []struct {
		name    string
		key     string
		quality string
		wantErr error
	}{
		{"unknown key", uuid.NewString(), "480p", models.ErrNotFound},
		{"quality not in ladder", f.key, "999p", models.ErrQualityNotFound},
		{"quality not produced", f.key, "1080p", models.ErrQualityNotFound},
		{"quality file missing", f.key, "360p", models.ErrQualityNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/video/watch/"+tt.key, nil)
			rr := httptest.NewRecorder()

			err := f.server.Serve(rr, req, tt.key, tt.quality)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Serve() error = %v, want %v", err, tt.wantErr)
			}
			if rr.Body.Len() != 0 || len(rr.Header()) != 0 {
				t.Error("Serve() wrote a response for a failed lookup")
			}
		})
	}
}

// brokenWriter accepts headers but fails every body write.
type brokenWriter struct {
	header http.Header
	status int
}

func (w *brokenWriter) Header() http.Header { return w.header }
func (w *brokenWriter) WriteHeader(status int) { w.status = status }
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestServe_ClientGone(t *testing.T) {
	f := newFixture(t, 1000)

	req := httptest.NewRequest("GET", "/video/watch/"+f.key, nil)
	w := &brokenWriter{header: http.Header{}}

	if err := f.server.Serve(w, req, f.key, "480p"); err != nil {
		t.Errorf("Serve() error = %v, want nil after headers were sent", err)
	}
	if w.status != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", w.status)
	}
}

// flakyFile returns the first good bytes of a rendition and then fails.
type flakyFile struct {
	File
	good   int64
	closed bool
}

func (f *flakyFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.good {
		return 0, errors.New("input/output error")
	}
	if rem := f.good - off; int64(len(p)) > rem {
		p = p[:rem]
	}
	return f.File.ReadAt(p, off)
}

func (f *flakyFile) Close() error {
	f.closed = true
	return f.File.Close()
}

// serveRecovering calls Serve and returns whatever it panicked with.
func serveRecovering(s *Server, w http.ResponseWriter, r *http.Request, key, quality string) (recovered any, err error) {
	defer func() { recovered = recover() }()
	err = s.Serve(w, r, key, quality)
	return nil, err
}

func TestServe_ReadErrorAbortsResponse(t *testing.T) {
	f := newFixture(t, 4096)
	var opened *flakyFile
	f.server.open = func(name string) (File, error) {
		file, err := openFile(name)
		if err != nil {
			return nil, err
		}
		opened = &flakyFile{File: file, good: 1024}
		return opened, nil
	}

	req := httptest.NewRequest("GET", "/video/watch/"+f.key, nil)
	req.Header.Set("Range", "bytes=0-4095")
	rr := httptest.NewRecorder()

	recovered, err := serveRecovering(f.server, rr, req, f.key, "480p")
	if recovered != http.ErrAbortHandler {
		t.Fatalf("Serve() panicked with %v (err %v), want http.ErrAbortHandler", recovered, err)
	}
	if rr.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", rr.Code)
	}
	if got := rr.Header().Get("Content-Length"); got != "4096" {
		t.Errorf("Content-Length = %s, want 4096", got)
	}
	if !bytes.Equal(rr.Body.Bytes(), f.content[:1024]) {
		t.Errorf("body has %d bytes, want the 1024 readable bytes", rr.Body.Len())
	}
	if opened == nil || !opened.closed {
		t.Error("rendition file not closed after abort")
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestTrackedReader(t *testing.T) {
	boom := errors.New("input/output error")
	tr := &trackedReader{r: failingReader{err: boom}}
	if _, err := io.Copy(io.Discard, tr); !errors.Is(err, boom) {
		t.Fatalf("Copy() error = %v, want %v", err, boom)
	}
	if !errors.Is(tr.err, boom) {
		t.Errorf("trackedReader.err = %v, want %v", tr.err, boom)
	}

	clean := &trackedReader{r: bytes.NewReader([]byte("ok"))}
	if _, err := io.Copy(io.Discard, clean); err != nil {
		t.Fatal(err)
	}
	if clean.err != nil {
		t.Errorf("trackedReader.err = %v after EOF, want nil", clean.err)
	}
}

func TestOpen_UnknownKey(t *testing.T) {
	f := newFixture(t, 10)
	if _, err := f.server.Open(context.Background(), "not-a-key", "480p"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
}
