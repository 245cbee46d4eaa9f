package ps

import (
	"testing"
)

func TestPS(t *testing.T) {
	m, err := MemoryStatus()
	if err != nil {
		t.Fatal(err)
	}
	if m.Total == 0 {
		t.Error("memory total should not be zero")
	}

	if _, err = CPUStatus(); err != nil {
		t.Fatal(err)
	}
}

func TestDiskUsage(t *testing.T) {
	d, err := DiskUsage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if d.Total == 0 {
		t.Error("disk total should not be zero")
	}
	if d.Human == "" {
		t.Error("expected humanized summary")
	}
}
