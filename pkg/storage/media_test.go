package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func checkErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestNewCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "media")
	m, err := New(dir)
	checkErr(t, err)
	info, err := os.Stat(m.Dir())
	checkErr(t, err)
	if !info.IsDir() {
		t.Fatal("media dir is not a directory")
	}
}

func TestAllocateNaming(t *testing.T) {
	m, err := New(t.TempDir())
	checkErr(t, err)

	ts := time.Unix(1700000000, 0)
	if got := filepath.Base(m.Allocate(KindPhoto, ts)); got != "photo_1700000000.jpg" {
		t.Fatalf("photo name = %s", got)
	}
	if got := filepath.Base(m.Allocate(KindVideo, ts)); got != "video_1700000000.mp4" {
		t.Fatalf("video name = %s", got)
	}
}

func TestAllocateSameSecondIsUnique(t *testing.T) {
	m, err := New(t.TempDir())
	checkErr(t, err)

	ts := time.Unix(1700000000, 0)
	a := filepath.Base(m.Allocate(KindPhoto, ts))
	b := filepath.Base(m.Allocate(KindPhoto, ts.Add(300*time.Millisecond)))
	if a == b {
		t.Fatalf("duplicate names %s", a)
	}
	if b != "photo_1700000000_1.jpg" {
		t.Fatalf("second name = %s", b)
	}
}

func TestAllocateNeverGoesBackwards(t *testing.T) {
	m, err := New(t.TempDir())
	checkErr(t, err)

	times := []int64{100, 105, 103, 105, 110, 90}
	seen := map[string]bool{}
	var lastTS int64
	for _, sec := range times {
		name := filepath.Base(m.Allocate(KindPhoto, time.Unix(sec, 0)))
		if seen[name] {
			t.Fatalf("duplicate name %s", name)
		}
		seen[name] = true

		ts := stampOf(t, name)
		if ts < lastTS {
			t.Fatalf("timestamp went backwards: %d after %d", ts, lastTS)
		}
		lastTS = ts
	}
}

func TestAllocateSkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	checkErr(t, os.WriteFile(filepath.Join(dir, "photo_42.jpg"), []byte("x"), 0600))

	m, err := New(dir)
	checkErr(t, err)
	if got := filepath.Base(m.Allocate(KindPhoto, time.Unix(42, 0))); got != "photo_42_1.jpg" {
		t.Fatalf("got %s", got)
	}
}

func TestListAndPath(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	checkErr(t, err)

	p := m.Allocate(KindPhoto, time.Unix(1, 0))
	checkErr(t, m.WriteFile(p, []byte("jpeg")))
	checkErr(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))

	files, err := m.List()
	checkErr(t, err)
	if len(files) != 1 || files[0].Name != "photo_1.jpg" || files[0].Bytes != 4 {
		t.Fatalf("unexpected listing %+v", files)
	}

	if _, err = m.Path("photo_1.jpg"); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"../photo_1.jpg", "notes.txt", "/etc/passwd"} {
		if _, err = m.Path(bad); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Path(%q) err = %v, want ErrInvalidName", bad, err)
		}
	}
}

func stampOf(t *testing.T, name string) int64 {
	t.Helper()
	s := strings.TrimSuffix(strings.TrimPrefix(name, "photo_"), ".jpg")
	s, _, _ = strings.Cut(s, "_")
	ts, err := strconv.ParseInt(s, 10, 64)
	checkErr(t, err)
	return ts
}
