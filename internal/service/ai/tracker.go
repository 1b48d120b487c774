package ai

import "edgecam/internal/service/detection"

const (
	trackIoUThreshold = 0.3
	trackMaxMisses    = 30
)

type track struct {
	id      int
	classID int
	box     [4]float64
	misses  int
}

// tracker assigns stable ids to boxes across frames by greedy IoU matching per class.
type tracker struct {
	nextID int
	tracks []*track
}

func newTracker() *tracker {
	return &tracker{nextID: 1}
}

func (t *tracker) reset() {
	t.tracks = nil
	t.nextID = 1
}

// assign sets TrackID on every box and ages out tracks not seen for trackMaxMisses frames.
func (t *tracker) assign(boxes []detection.Box) {
	matched := make(map[*track]bool, len(t.tracks))

	for i := range boxes {
		var best *track
		bestIoU := trackIoUThreshold
		for _, tr := range t.tracks {
			if matched[tr] || tr.classID != boxes[i].ClassID {
				continue
			}
			if v := iou(tr.box, boxes[i].XYXY); v >= bestIoU {
				best, bestIoU = tr, v
			}
		}

		if best == nil {
			best = &track{id: t.nextID, classID: boxes[i].ClassID}
			t.nextID++
			t.tracks = append(t.tracks, best)
		}
		best.box = boxes[i].XYXY
		best.misses = 0
		matched[best] = true

		id := best.id
		boxes[i].TrackID = &id
	}

	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		if !matched[tr] {
			tr.misses++
		}
		if tr.misses <= trackMaxMisses {
			kept = append(kept, tr)
		}
	}
	t.tracks = kept
}

func iou(a, b [4]float64) float64 {
	x1, y1 := max(a[0], b[0]), max(a[1], b[1])
	x2, y2 := min(a[2], b[2]), min(a[3], b[3])
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
