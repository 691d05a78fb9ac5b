package api

import (
	"github.com/andresmejia3/proctor/internal/store"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

// StatusResponse is the envelope of upload and save_label replies.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type UploadResponse struct {
	Status string   `json:"status"`
	Frames []string `json:"frames"`
	Labels []string `json:"labels"`
}

type SaveLabelRequest struct {
	VideoName    string `json:"video_name" validate:"required,max=255"`
	FrameName    string `json:"frame_name" validate:"required,max=255"`
	FrameNumber  *int   `json:"frame_number" validate:"required,gte=0"`
	TimestampSec *int   `json:"timestamp_sec" validate:"required,gte=0"`
	Label        string `json:"label" validate:"required,max=64"`
}

func (r SaveLabelRequest) Annotation() store.Annotation {
	return store.Annotation{
		VideoName:    r.VideoName,
		FrameName:    r.FrameName,
		FrameNumber:  *r.FrameNumber,
		TimestampSec: *r.TimestampSec,
		Label:        r.Label,
	}
}
