// Package scoring computes the 0-100 urgency score of an issue.
package scoring

import (
	"math"
	"time"

	"civicsync-be/clock"
	"civicsync-be/models"
)

const (
	MaxScore = 100

	emergencyBonus     = 30
	maxEngagementBonus = 10.0
)

var priorityBase = map[models.Priority]float64{
	models.PriorityCritical: 40,
	models.PriorityHigh:     30,
	models.PriorityMedium:   20,
	models.PriorityLow:      10,
}

// Score returns the urgency of issue as of now. It only reads the issue.
func Score(issue *models.Issue, now time.Time) int {
	total := priorityBase[issue.Priority]
	if issue.IsEmergency {
		total += emergencyBonus
	}
	total += recencyBonus(now.Sub(issue.CreatedAt))
	total += engagementBonus(issue)

	score := int(math.Round(total))
	if score > MaxScore {
		return MaxScore
	}
	if score < 0 {
		return 0
	}
	return score
}

func recencyBonus(age time.Duration) float64 {
	hours := age.Hours()
	switch {
	case hours <= 1:
		return 20
	case hours <= 6:
		return 15
	case hours <= 24:
		return 10
	case hours <= 72:
		return 5
	default:
		return 0
	}
}

func engagementBonus(issue *models.Issue) float64 {
	weighted := 2*issue.Upvotes + len(issue.Followers) + len(issue.Comments)
	return math.Min(0.1*float64(weighted), maxEngagementBonus)
}

// Scorer binds Score to a clock.
type Scorer struct {
	clock clock.Clock
}

// NewScorer returns a Scorer reading time from c (real time when nil).
func NewScorer(c clock.Clock) *Scorer {
	return &Scorer{clock: clock.OrReal(c)}
}

// Score computes the urgency of issue now.
func (s *Scorer) Score(issue *models.Issue) int {
	return Score(issue, s.clock.Now())
}

// RecomputeUrgency stores a fresh score on the issue and returns it.
func (s *Scorer) RecomputeUrgency(issue *models.Issue) int {
	issue.UrgencyScore = s.Score(issue)
	return issue.UrgencyScore
}
