package service

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// RankTieTolerance is the weighted-score distance under which two items share a rank.
const RankTieTolerance = 0.01

// Default ranking weights.
const (
	DefaultStudentWeight = 0.7
	DefaultTeacherWeight = 0.3
)

// ScoringOptions tunes a calculator run. TopN of zero means every ranked item
// takes part in point distribution. Logger may be nil.
type ScoringOptions struct {
	StudentWeight float64
	TeacherWeight float64
	TopN          int
	Logger        *zap.Logger
}

// DefaultScoringOptions returns the 0.7/0.3 weighting without a TopN limit.
func DefaultScoringOptions() ScoringOptions {
	return ScoringOptions{StudentWeight: DefaultStudentWeight, TeacherWeight: DefaultTeacherWeight}
}

type scoredItem struct {
	id       string
	weighted float64
}

// ComputeScores turns aggregated teacher and student rankings into final
// ranks and a distribution of totalPoints. Lower weighted scores rank better.
// Items missing from a track get that track's worst rank (item count + 1).
// Points are assigned with the occupied-rank method; the last eligible item
// receives the remainder so the distributed total equals totalPoints. When
// rounding up several tied items overshoots the pool, that remainder is
// negative; it is kept so the total still balances, and a warning is logged.
func ComputeScores(teacherVotes, studentVotes []models.RaterRanking, totalPoints float64, opts ScoringOptions) models.ScoringResult {
	result := models.NewScoringResult()

	items := collectItems(teacherVotes, studentVotes)
	if len(items) == 0 {
		return result
	}

	worstRank := float64(len(items) + 1)
	studentMeans := meanRanks(studentVotes, items, worstRank)
	teacherMeans := meanRanks(teacherVotes, items, worstRank)

	sorted := make([]scoredItem, 0, len(items))
	for _, id := range items {
		studentScore := studentMeans[id] * opts.StudentWeight
		teacherScore := teacherMeans[id] * opts.TeacherWeight
		weighted := studentScore + teacherScore

		result.StudentScores[id] = studentScore
		result.TeacherScores[id] = teacherScore
		result.WeightedScores[id] = weighted
		sorted = append(sorted, scoredItem{id: id, weighted: weighted})
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].weighted < sorted[j].weighted
	})

	for i, item := range sorted {
		if i > 0 && math.Abs(sorted[i-1].weighted-item.weighted) < RankTieTolerance {
			result.Rankings[item.id] = result.Rankings[sorted[i-1].id]
			continue
		}
		result.Rankings[item.id] = i + 1
	}

	eligible := sorted
	if opts.TopN > 0 {
		eligible = make([]scoredItem, 0, len(sorted))
		for _, item := range sorted {
			if result.Rankings[item.id] <= opts.TopN {
				eligible = append(eligible, item)
			}
		}
		for _, item := range sorted {
			result.Scores[item.id] = 0
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	distributePoints(result, eligible, totalPoints, logger)
	return result
}

// distributePoints assigns occupied-rank weights and splits totalPoints among
// the eligible items, which must be sorted best first.
func distributePoints(result models.ScoringResult, eligible []scoredItem, totalPoints float64, logger *zap.Logger) {
	if len(eligible) == 0 {
		return
	}

	n := len(eligible)
	weights := make(map[string]float64, n)
	var totalWeight float64
	for start := 0; start < n; {
		rank := result.Rankings[eligible[start].id]
		end := start
		for end < n && result.Rankings[eligible[end].id] == rank {
			end++
		}
		var blockWeight float64
		for pos := start; pos < end; pos++ {
			blockWeight += float64(n - pos)
		}
		share := blockWeight / float64(end-start)
		for pos := start; pos < end; pos++ {
			weights[eligible[pos].id] = share
		}
		totalWeight += blockWeight
		start = end
	}

	var distributed float64
	for i, item := range eligible {
		if i == n-1 {
			remainder := totalPoints - distributed
			if remainder < 0 {
				logger.Warn("rounded shares exceed the pool; last item takes a negative remainder",
					zap.String("item_id", item.id),
					zap.Float64("remainder", remainder),
					zap.Float64("pool", totalPoints),
					zap.Int("eligible", n))
			}
			result.Scores[item.id] = remainder
			break
		}
		var points float64
		if totalWeight > 0 {
			points = math.Round(totalPoints * weights[item.id] / totalWeight)
		} else {
			points = math.Round(totalPoints / float64(n))
		}
		result.Scores[item.id] = points
		distributed += points
	}
}

func collectItems(voteSets ...[]models.RaterRanking) []string {
	seen := make(map[string]struct{})
	for _, votes := range voteSets {
		for _, vote := range votes {
			for id := range vote.Rankings {
				seen[id] = struct{}{}
			}
		}
	}
	items := make([]string, 0, len(seen))
	for id := range seen {
		items = append(items, id)
	}
	sort.Strings(items)
	return items
}

func meanRanks(votes []models.RaterRanking, items []string, worstRank float64) map[string]float64 {
	sums := make(map[string]float64, len(items))
	counts := make(map[string]int, len(items))
	for _, vote := range votes {
		for id, rank := range vote.Rankings {
			sums[id] += float64(rank)
			counts[id]++
		}
	}
	means := make(map[string]float64, len(items))
	for _, id := range items {
		if counts[id] == 0 {
			means[id] = worstRank
			continue
		}
		means[id] = sums[id] / float64(counts[id])
	}
	return means
}

// CommentRewardLimit returns how many top comments receive rewards. A positive
// percentile selects that share of unique eligible authors (at least one);
// otherwise the fixed fallback applies.
func CommentRewardLimit(uniqueAuthors int, percentile float64, fallback int) int {
	if percentile > 0 {
		limit := int(math.Ceil(percentile / 100 * float64(uniqueAuthors)))
		if limit < 1 {
			return 1
		}
		return limit
	}
	return fallback
}
