package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// AggregateVotes collapses raw vote rows into one ranking per rater. Only the
// rows sharing the rater's most recent batch timestamp are kept, so ranks from
// different batches are never mixed.
func AggregateVotes(rows []models.RankingVoteRow) []models.RaterRanking {
	latest := make(map[string]models.RankingVoteRow, len(rows))
	for _, row := range rows {
		current, ok := latest[row.RaterID]
		if !ok || row.BatchAt.After(current.BatchAt) {
			latest[row.RaterID] = row
		}
	}

	byRater := make(map[string]map[string]int, len(latest))
	for _, row := range rows {
		if !row.BatchAt.Equal(latest[row.RaterID].BatchAt) {
			continue
		}
		rankings, ok := byRater[row.RaterID]
		if !ok {
			rankings = make(map[string]int)
			byRater[row.RaterID] = rankings
		}
		rankings[row.ItemID] = row.Rank
	}

	raters := make([]string, 0, len(byRater))
	for rater := range byRater {
		raters = append(raters, rater)
	}
	sort.Strings(raters)

	result := make([]models.RaterRanking, 0, len(raters))
	for _, rater := range raters {
		result = append(result, models.RaterRanking{RaterID: rater, Rankings: byRater[rater]})
	}
	return result
}

type rankingEntry struct {
	GroupID   string `json:"groupId"`
	CommentID string `json:"commentId"`
	TargetID  string `json:"targetId"`
	Rank      int    `json:"rank"`
}

func (e rankingEntry) itemID() string {
	switch {
	case e.GroupID != "":
		return e.GroupID
	case e.CommentID != "":
		return e.CommentID
	default:
		return e.TargetID
	}
}

// NormalizeRankingPayload converts a stored ranking payload into an item to
// rank mapping. Both the array form ([{"groupId": "g1", "rank": 1}]) and the
// keyed form ({"g1": 1}) are accepted. Identifiers that look like emails and
// non-positive ranks are rejected.
func NormalizeRankingPayload(raw []byte) (map[string]int, error) {
	result := make(map[string]int)
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return result, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var entries []rankingEntry
		if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
			return nil, fmt.Errorf("decode ranking array: %w", err)
		}
		for _, entry := range entries {
			if err := putRanking(result, entry.itemID(), entry.Rank); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	var keyed map[string]int
	if err := json.Unmarshal([]byte(trimmed), &keyed); err != nil {
		return nil, fmt.Errorf("decode ranking map: %w", err)
	}
	for id, rank := range keyed {
		if err := putRanking(result, id, rank); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func putRanking(dst map[string]int, id string, rank int) error {
	if id == "" {
		return fmt.Errorf("ranking entry without item id")
	}
	if strings.Contains(id, "@") {
		return fmt.Errorf("ranking item %q looks like an email, expected an item id", id)
	}
	if rank <= 0 {
		return fmt.Errorf("ranking item %q has invalid rank %d", id, rank)
	}
	dst[id] = rank
	return nil
}
