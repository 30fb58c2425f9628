package geo

import (
	"context"
	"fmt"
	"sort"

	"civicsync-be/models"
)

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks civicsync-be/geo Source

// Source is the store's spatial query. Implementations return every issue
// inside BoundingBox(center, meters) that matches filter; they may return
// more, never fewer.
type Source interface {
	FindWithinRadius(ctx context.Context, center Point, meters float64, filter models.IssueFilter) ([]models.Issue, error)
}

// Match is an issue together with its exact distance from the query point.
type Match struct {
	Issue          models.Issue
	DistanceMeters float64
}

// Index runs radius searches against a Source.
type Index struct {
	source Source
}

// NewIndex wraps source.
func NewIndex(source Source) *Index {
	return &Index{source: source}
}

// Nearby returns issues within radiusMeters of center, nearest first.
func (x *Index) Nearby(ctx context.Context, center Point, radiusMeters float64, filter models.IssueFilter) ([]Match, error) {
	if !center.Valid() {
		return nil, fmt.Errorf("invalid point %v", center)
	}
	if radiusMeters <= 0 {
		return nil, nil
	}

	candidates, err := x.source.FindWithinRadius(ctx, center, radiusMeters, filter)
	if err != nil {
		return nil, fmt.Errorf("spatial query: %w", err)
	}

	matches := make([]Match, 0, len(candidates))
	for _, issue := range candidates {
		if !filter.Matches(&issue) {
			continue
		}
		d := Distance(center, Point{Lat: issue.Latitude, Lng: issue.Longitude})
		if d > radiusMeters {
			continue
		}
		matches = append(matches, Match{Issue: issue, DistanceMeters: d})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].DistanceMeters != matches[j].DistanceMeters {
			return matches[i].DistanceMeters < matches[j].DistanceMeters
		}
		return matches[i].Issue.CreatedAt.Before(matches[j].Issue.CreatedAt)
	})
	return matches, nil
}
