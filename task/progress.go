package task

import "math"

// Default stage weights; they place the checkpoints at 25, 60 and 100.
const (
	DefaultConvertWeight    = 25
	DefaultTranscribeWeight = 35
	DefaultAnalyzeWeight    = 40
)

// ProgressPlan maps stage completion onto the overall 0-100 scale.
type ProgressPlan struct {
	convertEnd    int
	transcribeEnd int
}

// NewProgressPlan derives checkpoints from relative stage weights. Negative
// weights count as zero; if nothing is left the defaults are used.
func NewProgressPlan(convert, transcribe, analyze int) ProgressPlan {
	convert, transcribe, analyze = max(convert, 0), max(transcribe, 0), max(analyze, 0)
	total := convert + transcribe + analyze
	if total == 0 {
		convert, transcribe, analyze = DefaultConvertWeight, DefaultTranscribeWeight, DefaultAnalyzeWeight
		total = convert + transcribe + analyze
	}
	scale := func(w int) int {
		return int(math.Round(100 * float64(w) / float64(total)))
	}
	return ProgressPlan{
		convertEnd:    scale(convert),
		transcribeEnd: scale(convert + transcribe),
	}
}

// DefaultProgressPlan uses the default weights.
func DefaultProgressPlan() ProgressPlan {
	return NewProgressPlan(DefaultConvertWeight, DefaultTranscribeWeight, DefaultAnalyzeWeight)
}

// Converting maps the converter's own completion fraction into the
// conversion sub-range.
func (p ProgressPlan) Converting(fraction float64) int {
	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return int(math.Floor(fraction * float64(p.convertEnd)))
}

func (p ProgressPlan) Converted() int   { return p.convertEnd }
func (p ProgressPlan) Transcribed() int { return p.transcribeEnd }

// Analyzed returns progress after done of total analysis calls.
func (p ProgressPlan) Analyzed(done, total int) int {
	if total <= 0 || done >= total {
		return 100
	}
	if done <= 0 {
		return p.transcribeEnd
	}
	return p.transcribeEnd + (100-p.transcribeEnd)*done/total
}

// Clamp bounds a progress value to [0,100].
func Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
