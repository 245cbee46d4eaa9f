package types

import (
	"fmt"
	"time"

	"github.com/vladimirvivien/go4vl/v4l2"
)

// Resolution is a [width, height] pair, stored as a JSON array.
type Resolution [2]int

func (r Resolution) Width() int  { return r[0] }
func (r Resolution) Height() int { return r[1] }

func (r Resolution) Valid() bool {
	return r[0] > 0 && r[1] > 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r[0], r[1])
}

type CameraSettings map[v4l2.CtrlID]v4l2.CtrlValue

type File struct {
	Name    string    `json:"name"`
	Size    string    `json:"size"`
	Bytes   int64     `json:"bytes"`
	ModTime time.Time `json:"modTime"`
}
