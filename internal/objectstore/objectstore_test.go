package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/types"
)

// TestKey checks the date-partitioned layout for every slot.
func TestKey(t *testing.T) {
	created := time.Date(2025, 3, 7, 22, 0, 0, 0, time.UTC)
	cases := map[types.Speaker]string{
		types.Mixed:    "meetings/2025/03/07/rec-1/mixed.m4a",
		types.Speaker1: "meetings/2025/03/07/rec-1/speaker1.m4a",
		types.Speaker2: "meetings/2025/03/07/rec-1/speaker2.m4a",
	}
	for sp, want := range cases {
		if got := Key("meetings/", created, "rec-1", sp); got != want {
			t.Fatalf("Key(%v) = %q, want %q", sp, got, want)
		}
	}
}

// TestHTTPUpload sends the file body with auth and returns the object URL.
func TestHTTPUpload(t *testing.T) {
	var gotBody, gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "a.m4a")
	if err := os.WriteFile(src, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewHTTP(srv.URL+"/bucket/", "tok", time.Second, logger.Discard())
	got, err := h.Upload(context.Background(), src, "meetings/2025/01/02/r/mixed.m4a")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if got != srv.URL+"/bucket/meetings/2025/01/02/r/mixed.m4a" {
		t.Fatalf("url = %q", got)
	}
	if gotBody != "audio" || gotAuth != "Bearer tok" || gotPath != "/bucket/meetings/2025/01/02/r/mixed.m4a" {
		t.Fatalf("body=%q auth=%q path=%q", gotBody, gotAuth, gotPath)
	}
}

// TestHTTPUploadRejected does not retry a 4xx.
func TestHTTPUploadRejected(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "a.m4a")
	os.WriteFile(src, []byte("audio"), 0o644)
	_, err := NewHTTP(srv.URL, "", time.Second, logger.Discard()).Upload(context.Background(), src, "k.m4a")
	if err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("error = %v, want AccessDenied", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

// TestHTTPUploadMissingFile fails before any request.
func TestHTTPUploadMissingFile(t *testing.T) {
	h := NewHTTP("http://127.0.0.1:1", "", time.Second, logger.Discard())
	if _, err := h.Upload(context.Background(), filepath.Join(t.TempDir(), "none"), "k"); err == nil {
		t.Fatal("expected error")
	}
}

// TestDirUpload copies into the bucket and returns a readable file URL.
func TestDirUpload(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.m4a")
	os.WriteFile(src, []byte("payload"), 0o644)

	d := NewDir(filepath.Join(root, "bucket"))
	got, err := d.Upload(context.Background(), src, "meetings/2025/01/02/r/speaker1.m4a")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	u, err := url.Parse(got)
	if err != nil || u.Scheme != "file" {
		t.Fatalf("url = %q, err = %v", got, err)
	}
	b, err := os.ReadFile(u.Path)
	if err != nil || string(b) != "payload" {
		t.Fatalf("stored = %q, %v", b, err)
	}
	if !strings.HasSuffix(u.Path, "/bucket/meetings/2025/01/02/r/speaker1.m4a") {
		t.Fatalf("path = %q", u.Path)
	}
}

// TestDirUploadStaysInRoot keeps dot-dot keys inside the bucket.
func TestDirUploadStaysInRoot(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.m4a")
	os.WriteFile(src, []byte("x"), 0o644)
	bucket := filepath.Join(root, "bucket")

	got, err := NewDir(bucket).Upload(context.Background(), src, "../../escape.m4a")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	u, _ := url.Parse(got)
	abs, _ := filepath.Abs(bucket)
	if !strings.HasPrefix(u.Path, filepath.ToSlash(abs)) {
		t.Fatalf("object escaped bucket: %q", u.Path)
	}
}
