package annotate

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"edgecam/internal/models"
)

func TestLabel(t *testing.T) {
	track := 12
	assert.Equal(t, "id12 person 0.87", Label(models.Detection{ClassName: "person", Confidence: 0.8712, TrackID: &track}))
	assert.Equal(t, "idNone car 0.50", Label(models.Detection{ClassName: "car", Confidence: 0.5}))
}

func TestDraw_LeavesInputUntouched(t *testing.T) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(20, 20, 20, 0), 120, 160, gocv.MatTypeCV8UC3)
	defer frame.Close()
	before := frame.ToBytes()

	out, err := Draw(frame, []models.Detection{{
		ClassName: "person", Confidence: 0.9, BBoxXYXY: [4]float64{20, 40, 80, 100},
	}})
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, before, frame.ToBytes())
	assert.Equal(t, frame.Rows(), out.Rows())
	assert.Equal(t, frame.Cols(), out.Cols())
	assert.False(t, bytes.Equal(before, out.ToBytes()), "overlay must change pixels")
}

func TestDraw_EmptyFrame(t *testing.T) {
	_, err := Draw(gocv.NewMat(), nil)
	assert.Error(t, err)
}
