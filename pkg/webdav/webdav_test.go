package webdav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rpicam/pkg/utils"
)

func TestHandlerIsReadOnly(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "photo_1.jpg"), []byte("jpeg"), 0600); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(Handler(dir, utils.NewLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/photo_1.jpg")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "jpeg" {
		t.Fatalf("GET %d %q", resp.StatusCode, body)
	}

	for _, method := range []string{http.MethodPut, http.MethodDelete, "MKCOL"} {
		target := "/photo_1.jpg"
		if method == "MKCOL" {
			target = "/dir"
		}
		req, _ := http.NewRequest(method, srv.URL+target, strings.NewReader("x"))
		resp, err = http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			t.Errorf("%s allowed: %d", method, resp.StatusCode)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "photo_1.jpg"))
	if err != nil || string(data) != "jpeg" {
		t.Fatalf("media changed: %q %v", data, err)
	}
	if _, err = os.Stat(filepath.Join(dir, "dir")); !os.IsNotExist(err) {
		t.Fatal("directory created")
	}
}

func TestStartStop(t *testing.T) {
	w := New(context.Background(), "127.0.0.1:0", t.TempDir(), utils.NewLogger())
	if !w.Start() || w.Start() {
		t.Fatal("start should succeed once")
	}
	if !w.Running() {
		t.Fatal("not running")
	}
	if !w.Stop() || w.Stop() {
		t.Fatal("stop should succeed once")
	}
}
