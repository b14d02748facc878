package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filerelay/filerelay/internal/lifecycle"
	"github.com/filerelay/filerelay/internal/listing"
	"github.com/filerelay/filerelay/internal/metadata"
	"github.com/filerelay/filerelay/internal/naming"
	"github.com/filerelay/filerelay/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc   *Service
	meta  metadata.Store
	blobs storage.Backend
	clock *clock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	meta := metadata.NewMemoryStore()
	blobs, err := storage.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	clk := &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	base := []Option{
		WithClock(clk.Now),
		WithResolver(naming.NewSeededResolver(7)),
		WithMaxUploadSize(1024),
	}
	return &harness{
		svc:   NewService(meta, blobs, append(base, opts...)...),
		meta:  meta,
		blobs: blobs,
		clock: clk,
	}
}

func intPtr(n int) *int { return &n }

func (h *harness) upload(t *testing.T, req UploadRequest) *UploadResult {
	t.Helper()
	res, err := h.svc.Upload(context.Background(), req)
	if err != nil {
		t.Fatalf("Upload(%q): %v", req.OriginalName, err)
	}
	return res
}

func (h *harness) download(t *testing.T, name string) (string, error) {
	t.Helper()
	v, err := h.svc.Download(context.Background(), name)
	if err != nil {
		return "", err
	}
	defer v.Body.Close()
	data, err := io.ReadAll(v.Body)
	if err != nil {
		t.Fatalf("reading %q: %v", name, err)
	}
	return string(data), nil
}

func TestUploadDefaults(t *testing.T) {
	h := newHarness(t, WithDefaults(24, 0))
	res := h.upload(t, UploadRequest{OriginalName: "notes.txt", Body: strings.NewReader("hello")})

	if res.Name != "notes.txt" || res.Renamed {
		t.Errorf("result = %+v, want notes.txt not renamed", res)
	}
	if res.Size != 5 {
		t.Errorf("Size = %d, want 5", res.Size)
	}
	rec, err := h.meta.Get(context.Background(), "notes.txt")
	if err != nil || rec == nil {
		t.Fatalf("Get: rec=%v err=%v", rec, err)
	}
	if rec.TTLHours != 24 || rec.RemainingDownloads != 0 || rec.Password != "" {
		t.Errorf("record = %+v, want ttl 24, unlimited downloads, no password", rec)
	}
	if !rec.UploadedAt.Equal(h.clock.Now()) {
		t.Errorf("UploadedAt = %v, want %v", rec.UploadedAt, h.clock.Now())
	}
}

func TestUploadRequestedName(t *testing.T) {
	h := newHarness(t)
	res := h.upload(t, UploadRequest{
		RequestedName: "custom.bin",
		OriginalName:  "photo.jpg",
		TTLHours:      intPtr(2),
		MaxDownloads:  intPtr(3),
		Password:      "s3cret",
		Body:          strings.NewReader("x"),
	})
	if res.Name != "custom.bin" {
		t.Errorf("Name = %q, want custom.bin", res.Name)
	}
	rec, _ := h.meta.Get(context.Background(), "custom.bin")
	if rec == nil || rec.TTLHours != 2 || rec.RemainingDownloads != 3 || rec.Password != "s3cret" {
		t.Errorf("record = %+v", rec)
	}
}

func TestUploadCollisionRenames(t *testing.T) {
	h := newHarness(t)
	first := h.upload(t, UploadRequest{OriginalName: "a.txt", Body: strings.NewReader("first")})
	second := h.upload(t, UploadRequest{OriginalName: "a.txt", Body: strings.NewReader("second")})

	if first.Name != "a.txt" {
		t.Errorf("first Name = %q, want a.txt", first.Name)
	}
	if !second.Renamed || !regexp.MustCompile(`^[a-zA-Z][0-9]{1,5}\.txt$`).MatchString(second.Name) {
		t.Errorf("second = %+v, want random letter+number .txt name", second)
	}

	for name, want := range map[string]string{first.Name: "first", second.Name: "second"} {
		got, err := h.download(t, name)
		if err != nil {
			t.Fatalf("download %q: %v", name, err)
		}
		if got != want {
			t.Errorf("content of %q = %q, want %q", name, got, want)
		}
	}
}

func TestUploadNameUniqueUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	const n = 24

	var wg sync.WaitGroup
	names := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Upload(context.Background(), UploadRequest{
				OriginalName: "same.txt",
				Body:         strings.NewReader(fmt.Sprintf("payload-%d", i)),
			})
			if err != nil {
				t.Errorf("Upload %d: %v", i, err)
				return
			}
			names <- res.Name
		}(i)
	}
	wg.Wait()
	close(names)

	seen := make(map[string]bool)
	exact := 0
	for name := range names {
		if seen[name] {
			t.Errorf("name %q assigned twice", name)
		}
		seen[name] = true
		if name == "same.txt" {
			exact++
		}
	}
	if exact != 1 {
		t.Errorf("%d uploads got the requested name, want 1", exact)
	}

	recs, err := h.meta.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(recs) != n {
		t.Errorf("%d records, want %d", len(recs), n)
	}
	for _, rec := range recs {
		if ok, _ := h.blobs.Exists(context.Background(), rec.Name); !ok {
			t.Errorf("record %q has no blob", rec.Name)
		}
	}
}

func TestUploadOversize(t *testing.T) {
	h := newHarness(t, WithMaxUploadSize(8))

	_, err := h.svc.Upload(context.Background(), UploadRequest{
		OriginalName: "big.bin",
		Body:         bytes.NewReader(make([]byte, 9)),
	})
	if !errors.Is(err, ErrOversize) {
		t.Fatalf("Upload error = %v, want ErrOversize", err)
	}
	if rec, _ := h.meta.Get(context.Background(), "big.bin"); rec != nil {
		t.Error("record inserted for oversize upload")
	}
	if ok, _ := h.blobs.Exists(context.Background(), "big.bin"); ok {
		t.Error("blob left behind by oversize upload")
	}

	// Exactly at the limit is fine.
	res := h.upload(t, UploadRequest{OriginalName: "fits.bin", Body: bytes.NewReader(make([]byte, 8))})
	if res.Size != 8 {
		t.Errorf("Size = %d, want 8", res.Size)
	}
}

func TestUploadInvalid(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"no body", UploadRequest{OriginalName: "a.txt"}},
		{"no filename", UploadRequest{Body: strings.NewReader("x")}},
		{"traversal in requested name", UploadRequest{RequestedName: "../etc/passwd", OriginalName: "a.txt", Body: strings.NewReader("x")}},
		{"negative ttl", UploadRequest{OriginalName: "a.txt", TTLHours: intPtr(-1), Body: strings.NewReader("x")}},
		{"negative delete", UploadRequest{OriginalName: "a.txt", MaxDownloads: intPtr(-2), Body: strings.NewReader("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Upload(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidUpload) {
				t.Errorf("Upload error = %v, want ErrInvalidUpload", err)
			}
		})
	}
}

func TestUploadOriginalReducedToBase(t *testing.T) {
	h := newHarness(t)
	res := h.upload(t, UploadRequest{OriginalName: `C:\Users\me\doc.pdf`, Body: strings.NewReader("x")})
	if res.Name != "doc.pdf" {
		t.Errorf("Name = %q, want doc.pdf", res.Name)
	}
}

type failingInsertStore struct {
	metadata.Store
}

func (f failingInsertStore) Insert(ctx context.Context, rec *metadata.FileRecord) error {
	return errors.New("database is locked")
}

func TestUploadInsertFailureRemovesBlob(t *testing.T) {
	blobs := storage.NewMemoryBackend(0)
	svc := NewService(failingInsertStore{metadata.NewMemoryStore()}, blobs)

	if _, err := svc.Upload(context.Background(), UploadRequest{OriginalName: "a.txt", Body: strings.NewReader("x")}); err == nil {
		t.Fatal("Upload should fail when the record cannot be inserted")
	}
	if ok, _ := blobs.Exists(context.Background(), "a.txt"); ok {
		t.Error("blob left behind after failed insert")
	}
}

func TestDownloadScenario(t *testing.T) {
	h := newHarness(t)
	h.upload(t, UploadRequest{
		OriginalName: "report.pdf",
		TTLHours:     intPtr(1),
		MaxDownloads: intPtr(2),
		Body:         strings.NewReader("%PDF-1.7"),
	})

	h.clock.Advance(10 * time.Minute)
	if got, err := h.download(t, "report.pdf"); err != nil || got != "%PDF-1.7" {
		t.Fatalf("first download = %q, %v", got, err)
	}
	rec, _ := h.meta.Get(context.Background(), "report.pdf")
	if rec == nil || rec.RemainingDownloads != 1 {
		t.Fatalf("record after first download = %+v, want remaining 1", rec)
	}

	if _, err := h.download(t, "report.pdf"); err != nil {
		t.Fatalf("second download: %v", err)
	}
	if ok, _ := h.blobs.Exists(context.Background(), "report.pdf"); ok {
		t.Error("blob still present after final download")
	}

	if _, err := h.download(t, "report.pdf"); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("third download error = %v, want ErrNotFound", err)
	}
}

func TestDownloadExpired(t *testing.T) {
	h := newHarness(t)
	h.upload(t, UploadRequest{OriginalName: "old.txt", TTLHours: intPtr(1), Body: strings.NewReader("x")})

	h.clock.Advance(61 * time.Minute)
	if _, err := h.download(t, "old.txt"); !errors.Is(err, lifecycle.ErrExpired) {
		t.Fatalf("download error = %v, want ErrExpired", err)
	}
	if _, err := h.download(t, "old.txt"); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("second download error = %v, want ErrNotFound", err)
	}
}

func TestDownloadInvalidName(t *testing.T) {
	h := newHarness(t)
	if _, err := h.download(t, "../config.yaml"); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("download error = %v, want ErrNotFound", err)
	}
}

func TestNameFreedAfterExhaustion(t *testing.T) {
	h := newHarness(t)
	h.upload(t, UploadRequest{OriginalName: "once.txt", MaxDownloads: intPtr(1), Body: strings.NewReader("v1")})
	if _, err := h.download(t, "once.txt"); err != nil {
		t.Fatalf("download: %v", err)
	}

	res := h.upload(t, UploadRequest{OriginalName: "once.txt", Body: strings.NewReader("v2")})
	if res.Name != "once.txt" {
		t.Errorf("Name = %q, want once.txt to be reusable", res.Name)
	}
}

func TestList(t *testing.T) {
	h := newHarness(t)
	h.upload(t, UploadRequest{OriginalName: "b.txt", TTLHours: intPtr(5), Password: "pw", MaxDownloads: intPtr(2), Body: strings.NewReader("b")})
	h.upload(t, UploadRequest{OriginalName: "a.txt", TTLHours: intPtr(0), Body: strings.NewReader("a")})

	entries, err := h.svc.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := "a.txt (ttl: 0, password: , delete: 0)\nb.txt (ttl: 5, password: pw, delete: 2)"
	if got := listing.Render(entries); got != want {
		t.Errorf("Render =\n%s\nwant\n%s", got, want)
	}

	if _, err := h.svc.List(context.Background(), "missing"); !errors.Is(err, storage.ErrDirNotFound) {
		t.Errorf("List(missing) error = %v, want ErrDirNotFound", err)
	}
}

func TestCappedReader(t *testing.T) {
	tests := []struct {
		size    int
		limit   int64
		wantErr bool
	}{
		{10, 10, false},
		{11, 10, true},
		{0, 10, false},
		{5000, 0, false},
	}
	for _, tt := range tests {
		c := &cappedReader{r: bytes.NewReader(make([]byte, tt.size)), limit: tt.limit}
		n, err := io.Copy(io.Discard, c)
		if tt.wantErr {
			if !errors.Is(err, ErrOversize) {
				t.Errorf("size=%d limit=%d: err = %v, want ErrOversize", tt.size, tt.limit, err)
			}
			continue
		}
		if err != nil || n != int64(tt.size) {
			t.Errorf("size=%d limit=%d: n=%d err=%v", tt.size, tt.limit, n, err)
		}
	}
}

func TestUploadAvoidsReservedNames(t *testing.T) {
	h := newHarness(t, WithReservedNames("list", "upload"))
	res := h.upload(t, UploadRequest{OriginalName: "list", Body: strings.NewReader("x")})

	if res.Name == "list" || !res.Renamed {
		t.Errorf("result = %+v, want a name other than list", res)
	}
	if !regexp.MustCompile(`^[a-zA-Z][0-9]{1,5}\.list$`).MatchString(res.Name) {
		t.Errorf("Name = %q, want letter+number.list", res.Name)
	}

	res = h.upload(t, UploadRequest{RequestedName: "upload", OriginalName: "a.txt", Body: strings.NewReader("y")})
	if res.Name == "upload" {
		t.Error("requested reserved name was granted")
	}
}

func TestChecks(t *testing.T) {
	h := newHarness(t)
	checks := h.svc.Checks(context.Background())
	for _, k := range []string{"metadata", "storage"} {
		err, ok := checks[k]
		if !ok {
			t.Errorf("missing %q check", k)
		}
		if err != nil {
			t.Errorf("%s check: %v", k, err)
		}
	}
	if err := h.svc.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
