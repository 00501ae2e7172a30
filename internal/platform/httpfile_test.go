package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
)

func TestFetchFile(t *testing.T) {
	body := strings.Repeat("x", 100*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "SUB=1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", "SUB=1")
	f := NewFileFetcher(srv.Client(), header)
	dest := filepath.Join(t.TempDir(), "a.jpg")

	var chunks int
	n, err := f.FetchFile(context.Background(), srv.URL+"/a.jpg", dest, func(int) { chunks++ })
	if err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	if n != int64(len(body)) {
		t.Errorf("Expected %d bytes, got %d", len(body), n)
	}
	if chunks < 2 {
		t.Errorf("Expected several chunks, got %d", chunks)
	}
	if _, err := os.Stat(dest + partSuffix); !os.IsNotExist(err) {
		t.Errorf("Expected .part file to be renamed, stat err %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil || len(data) != len(body) {
		t.Errorf("unexpected file content: %d bytes, %v", len(data), err)
	}
}

func TestFetchFileErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/denied":
			w.WriteHeader(http.StatusForbidden)
		case "/html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>"))
		}
	}))
	defer srv.Close()

	f := NewFileFetcher(srv.Client(), nil)
	dir := t.TempDir()
	tests := []struct {
		path string
		kind apperr.Kind
	}{
		{"/missing", apperr.KindNotFound},
		{"/denied", apperr.KindAuth},
		{"/html", apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := f.FetchFile(context.Background(), srv.URL+tt.path, filepath.Join(dir, "f"), nil)
			if !apperr.IsKind(err, tt.kind) {
				t.Errorf("Expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestFetchFileCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte(strings.Repeat("v", 256*1024)))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := NewFileFetcher(srv.Client(), nil)
	dest := filepath.Join(t.TempDir(), "v.mp4")

	_, err := f.FetchFile(ctx, srv.URL, dest, func(int) { cancel() })
	if !apperr.IsKind(err, apperr.KindCancelled) {
		t.Fatalf("Expected cancelled, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Expected no final file after cancellation")
	}
	if _, err := os.Stat(dest + partSuffix); !os.IsNotExist(err) {
		t.Error("Expected .part file to be removed after cancellation")
	}
}
