package analytics

import (
	"sort"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// LevelStats summarizes the attempts recorded on one level.
type LevelStats struct {
	LevelNumber    int     `json:"level_number"`
	LevelName      string  `json:"level_name,omitempty"`
	Attempts       int     `json:"attempts"`
	Players        int     `json:"players"`
	Started        int     `json:"started"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Abandoned      int     `json:"abandoned"`
	CompletionRate float64 `json:"completion_rate"`
	MeanScore      float64 `json:"mean_score"`
	MeanStars      float64 `json:"mean_stars"`
}

// Progression aggregates attempts starting in the window per level, ordered
// by level number. Completion rate is completed over finished attempts;
// score and stars are averaged over completed attempts.
func Progression(attempts []*models.ProgressionAttempt, w Window) []LevelStats {
	type acc struct {
		LevelStats
		players      map[string]struct{}
		score, stars float64
	}
	levels := make(map[int]*acc)

	for _, p := range attempts {
		if !w.Contains(p.StartTime, 0) {
			continue
		}
		a := levels[p.LevelNumber]
		if a == nil {
			a = &acc{players: make(map[string]struct{})}
			a.LevelNumber = p.LevelNumber
			levels[p.LevelNumber] = a
		}
		if a.LevelName == "" {
			a.LevelName = p.LevelName
		}
		a.Attempts++
		a.players[p.PlayerID] = struct{}{}
		switch p.CompletionStatus {
		case models.CompletionStarted:
			a.Started++
		case models.CompletionCompleted:
			a.Completed++
			a.score += float64(p.Score)
			a.stars += float64(p.Stars)
		case models.CompletionFailed:
			a.Failed++
		case models.CompletionAbandoned:
			a.Abandoned++
		}
	}

	out := make([]LevelStats, 0, len(levels))
	for _, a := range levels {
		s := a.LevelStats
		s.Players = len(a.players)
		if finished := s.Completed + s.Failed + s.Abandoned; finished > 0 {
			s.CompletionRate = float64(s.Completed) / float64(finished)
		}
		if s.Completed > 0 {
			s.MeanScore = a.score / float64(s.Completed)
			s.MeanStars = a.stars / float64(s.Completed)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LevelNumber < out[j].LevelNumber })
	return out
}
