package ov

import (
	"time"

	"rpicam/pkg/utils/ps"
)

type Switch struct {
	Index *int `json:"index" binding:"required"`
}

type Recording struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	StartedAt time.Time `json:"startedAt"`
	State     string    `json:"state"`
	Frames    int       `json:"frames"`
}

type Preview struct {
	Published uint64 `json:"published"`
	Skipped   uint64 `json:"skipped"`
	Errors    uint64 `json:"errors"`
}

type Status struct {
	State       string     `json:"state"`
	CameraIndex int        `json:"cameraIndex"`
	Recording   *Recording `json:"recording,omitempty"`
	Preview     Preview    `json:"preview"`

	CPU    *ps.CPU    `json:"cpu,omitempty"`
	Memory *ps.Memory `json:"memory,omitempty"`
	Disk   *ps.Disk   `json:"disk,omitempty"`
}

type Camera struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
	Name  string `json:"name"`
}

type Result struct {
	File      string `json:"file,omitempty"`
	Recording bool   `json:"recording"`
	State     string `json:"state"`
}
