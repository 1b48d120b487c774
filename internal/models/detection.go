package models

import "strconv"

// Detection represents one object located in a frame by the detector.
// Values are created fresh per cycle and never mutated afterwards.
type Detection struct {
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	BBoxXYXY   [4]float64 `json:"bbox_xyxy"`
	TrackID    *int       `json:"track_id"`
}

// TrackLabel returns the track id as printed on annotations.
func (d Detection) TrackLabel() string {
	if d.TrackID == nil {
		return "None"
	}
	return strconv.Itoa(*d.TrackID)
}
