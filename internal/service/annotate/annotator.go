// Package annotate draws detection overlays on frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"edgecam/internal/models"
)

const (
	fontScale = 0.4
	thickness = 2
)

var (
	boxColor  = color.RGBA{R: 255, G: 220, B: 0, A: 0}
	textColor = color.RGBA{R: 0, G: 0, B: 0, A: 0}
)

// Label is the text drawn above a detection box.
func Label(d models.Detection) string {
	return fmt.Sprintf("id%s %s %.2f", d.TrackLabel(), d.ClassName, d.Confidence)
}

// Draw returns a copy of frame with a box and label per detection.
// The input frame is not modified. The caller owns the result.
func Draw(frame gocv.Mat, dets []models.Detection) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.Mat{}, fmt.Errorf("cannot annotate empty frame")
	}

	out := frame.Clone()
	for _, d := range dets {
		x1, y1 := int(d.BBoxXYXY[0]), int(d.BBoxXYXY[1])
		x2, y2 := int(d.BBoxXYXY[2]), int(d.BBoxXYXY[3])

		if err := gocv.Rectangle(&out, image.Rect(x1, y1, x2, y2), boxColor, thickness); err != nil {
			out.Close()
			return gocv.Mat{}, fmt.Errorf("failed to draw rectangle: %w", err)
		}

		label := Label(d)
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, fontScale, 1)
		backdrop := image.Rect(x1, y1-size.Y-4, x1+size.X, y1)
		if err := gocv.Rectangle(&out, backdrop, boxColor, -1); err != nil {
			out.Close()
			return gocv.Mat{}, fmt.Errorf("failed to draw label backdrop: %w", err)
		}
		if err := gocv.PutText(&out, label, image.Pt(x1, y1-2), gocv.FontHersheySimplex, fontScale, textColor, 1); err != nil {
			out.Close()
			return gocv.Mat{}, fmt.Errorf("failed to draw text: %w", err)
		}
	}
	return out, nil
}
