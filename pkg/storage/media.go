package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"rpicam/pkg/storage/consts"
	"rpicam/pkg/storage/util"
	"rpicam/pkg/types"
)

type Kind int

const (
	KindPhoto Kind = iota
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return consts.VideoPrefix
	}
	return consts.PhotoPrefix
}

func (k Kind) ext() string {
	if k == KindVideo {
		return consts.VideoExt
	}
	return consts.PhotoExt
}

var ErrInvalidName = errors.New("invalid media name")

// Media is the flat media directory holding photo_{ts}.jpg and
// video_{ts}.mp4 files.
type Media struct {
	dir string

	lock sync.Mutex
	last map[Kind]int64
	seq  map[Kind]int
}

func New(dir string) (*Media, error) {
	if dir == "" {
		return nil, fmt.Errorf("media dir can not be empty")
	}
	if err := util.MkdirAll(dir); err != nil {
		return nil, err
	}

	return &Media{
		dir:  dir,
		last: make(map[Kind]int64),
		seq:  make(map[Kind]int),
	}, nil
}

func (m *Media) Dir() string {
	return m.dir
}

// Allocate returns a fresh path for kind stamped with now in unix seconds.
// Timestamps never go backwards across calls, and a second capture within the
// same second (or a name already on disk) gets a _N suffix.
func (m *Media) Allocate(kind Kind, now time.Time) string {
	m.lock.Lock()
	defer m.lock.Unlock()

	ts := now.Unix()
	if last, ok := m.last[kind]; ok && ts <= last {
		ts = last
		m.seq[kind]++
	} else {
		m.last[kind] = ts
		m.seq[kind] = 0
	}

	for {
		name := formatName(kind, ts, m.seq[kind])
		p := filepath.Join(m.dir, name)
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p
		}
		m.seq[kind]++
	}
}

func formatName(kind Kind, ts int64, seq int) string {
	if seq == 0 {
		return fmt.Sprintf("%s_%d%s", kind, ts, kind.ext())
	}
	return fmt.Sprintf("%s_%d_%d%s", kind, ts, seq, kind.ext())
}

func (m *Media) WriteFile(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, consts.DefaultFilePerm); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

// List returns photos and videos, newest first.
func (m *Media) List() ([]types.File, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var res []types.File
	for _, entry := range entries {
		if entry.IsDir() || !isMediaName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		res = append(res, types.File{
			Name:    entry.Name(),
			Size:    humanize.Bytes(uint64(info.Size())),
			Bytes:   info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].ModTime.After(res[j].ModTime)
	})

	return res, nil
}

// Path resolves a media file name inside the directory, refusing anything
// that could escape it.
func (m *Media) Path(name string) (string, error) {
	if name != filepath.Base(name) || !isMediaName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	p := filepath.Join(m.dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", err
	}

	return p, nil
}

func isMediaName(name string) bool {
	switch {
	case strings.HasPrefix(name, consts.PhotoPrefix+"_") && strings.HasSuffix(name, consts.PhotoExt):
		return true
	case strings.HasPrefix(name, consts.VideoPrefix+"_") && strings.HasSuffix(name, consts.VideoExt):
		return true
	}
	return false
}
