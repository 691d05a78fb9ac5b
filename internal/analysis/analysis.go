// Package analysis turns per-label annotation counts into a verdict for a
// whole video.
package analysis

import (
	"math"

	"github.com/andresmejia3/proctor/internal/types"
)

// Threshold is the cheating percentage above which a video is flagged.
const Threshold = 30.0

const (
	CheatingDetected   = "Cheating Detected"
	NoCheatingDetected = "No Cheating Detected"
)

// Report is the per-video summary served by the analysis endpoint.
type Report struct {
	TotalFrames        int     `json:"total_frames"`
	CheatingFrames     int     `json:"cheating_frames"`
	CheatingPercentage float64 `json:"cheating_percentage"`
	OverallConclusion  string  `json:"overall_conclusion"`
}

// Summarize builds a report from label counts. Labels other than Cheating
// count toward the total only.
func Summarize(counts map[string]int) Report {
	var r Report
	for label, n := range counts {
		r.TotalFrames += n
		if label == string(types.Cheating) {
			r.CheatingFrames += n
		}
	}
	if r.TotalFrames > 0 {
		pct := float64(r.CheatingFrames) / float64(r.TotalFrames) * 100
		r.CheatingPercentage = math.Round(pct*100) / 100
	}
	r.OverallConclusion = NoCheatingDetected
	if r.CheatingPercentage > Threshold {
		r.OverallConclusion = CheatingDetected
	}
	return r
}
