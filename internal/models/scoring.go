package models

// ScoringResult is the calculator output for one reward track.
type ScoringResult struct {
	Rankings       map[string]int     `json:"rankings"`
	Scores         map[string]float64 `json:"scores"`
	WeightedScores map[string]float64 `json:"weightedScores"`
	StudentScores  map[string]float64 `json:"studentScores"`
	TeacherScores  map[string]float64 `json:"teacherScores"`
}

// NewScoringResult returns a result with initialised maps.
func NewScoringResult() ScoringResult {
	return ScoringResult{
		Rankings:       make(map[string]int),
		Scores:         make(map[string]float64),
		WeightedScores: make(map[string]float64),
		StudentScores:  make(map[string]float64),
		TeacherScores:  make(map[string]float64),
	}
}

// TotalScore sums the distributed points.
func (r ScoringResult) TotalScore() float64 {
	var total float64
	for _, v := range r.Scores {
		total += v
	}
	return total
}

// Empty reports whether nothing was ranked.
func (r ScoringResult) Empty() bool {
	return len(r.Rankings) == 0
}
