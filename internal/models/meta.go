package models

import "time"

// MetaTimeLayout is the timestamp layout used in FrameMeta JSON.
const MetaTimeLayout = "2006-01-02T15:04:05.000Z"

// ImageInfo holds frame dimensions.
type ImageInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ComputeInfo holds inference timing and model identity.
type ComputeInfo struct {
	InferenceMs float64 `json:"inference_ms"`
	Model       string  `json:"model"`
}

// CategorySummary aggregates detections of one category.
type CategorySummary struct {
	Count         int     `json:"count"`
	ConfidenceAvg float64 `json:"confidence_avg"`
}

// FrameMeta is the canonical metadata record for one capture cycle.
// It is stored on the outbox row and sent as the "meta" upload part.
type FrameMeta struct {
	TimestampUTC string          `json:"timestamp_utc"`
	CameraID     string          `json:"camera_id"`
	Image        ImageInfo       `json:"image"`
	Compute      ComputeInfo     `json:"compute"`
	Targets      []string        `json:"targets"`
	Detections   []Detection     `json:"detections"`
	People       CategorySummary `json:"people"`
	Vehicles     CategorySummary `json:"vehicles"`
}

// FormatMetaTime formats t in UTC with millisecond precision.
func FormatMetaTime(t time.Time) string {
	return t.UTC().Format(MetaTimeLayout)
}
