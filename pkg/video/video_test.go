package video

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "video_1.mp4")
	w, err := NewWriter(path, 320, 240, 15)
	if err != nil {
		t.Fatal(err)
	}

	frame := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	for i := 0; i < 3; i++ {
		if err = w.Add(frame); err != nil {
			t.Fatal(err)
		}
	}
	if w.Frames() != 3 {
		t.Fatalf("frames = %d, want 3", w.Frames())
	}
	if err = w.Close(); err != nil {
		t.Fatal(err)
	}
	if err = w.Close(); err != nil {
		t.Fatalf("second close: %s", err)
	}
	if err = w.Add(frame); !errors.Is(err, ErrClosed) {
		t.Fatalf("add after close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatalf("missing RIFF header: % x", data[:8])
	}
}
