package video

import (
	"errors"
	"sync"

	"github.com/icza/mjpeg"
)

var ErrClosed = errors.New("video writer closed")

// Writer appends JPEG frames to a Motion-JPEG AVI file.
type Writer struct {
	width  int
	height int
	fps    int

	lock   sync.Mutex
	cnt    int
	aw     mjpeg.AviWriter
	closed bool
}

func NewWriter(path string, width, height, fps int) (*Writer, error) {
	aw, err := mjpeg.New(path, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, err
	}

	return &Writer{
		width:  width,
		height: height,
		fps:    fps,
		aw:     aw,
	}, nil
}

func (w *Writer) Add(frame []byte) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.aw.AddFrame(frame); err != nil {
		return err
	}
	w.cnt++

	return nil
}

// Close finalizes the AVI index. Calling it twice is a no-op.
func (w *Writer) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	return w.aw.Close()
}

func (w *Writer) Frames() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.cnt
}
