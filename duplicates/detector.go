// Package duplicates flags probable duplicate reports when an issue is
// created. Its output is advisory; nothing is merged or rejected.
package duplicates

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"civicsync-be/clock"
	"civicsync-be/geo"
	"civicsync-be/models"

	"github.com/sergi/go-diff/diffmatchpatch"
	log "github.com/sirupsen/logrus"
)

// Config tunes candidate selection.
type Config struct {
	RadiusMeters        float64
	Lookback            time.Duration
	MaxCandidates       int
	SimilarityThreshold float64
}

// DefaultConfig matches the production settings.
func DefaultConfig() Config {
	return Config{
		RadiusMeters:        100,
		Lookback:            30 * 24 * time.Hour,
		MaxCandidates:       10,
		SimilarityThreshold: 0.6,
	}
}

// Candidate is a nearby report in the same category.
type Candidate struct {
	Issue          models.Issue `json:"issue"`
	DistanceMeters float64      `json:"distanceMeters"`
	// Similarity of the normalized titles, 0..1.
	Similarity float64 `json:"similarity"`
	// Likely is set when Similarity reaches the configured threshold.
	Likely bool `json:"likely"`
}

// Detector finds duplicate candidates through a geo.Index.
type Detector struct {
	index *geo.Index
	clock clock.Clock
	cfg   Config
	dmp   *diffmatchpatch.DiffMatchPatch
}

// NewDetector returns a Detector. Zero config fields fall back to defaults.
func NewDetector(index *geo.Index, c clock.Clock, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = def.RadiusMeters
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	return &Detector{index: index, clock: clock.OrReal(c), cfg: cfg, dmp: diffmatchpatch.New()}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// FindCandidates returns same-category issues created inside the lookback
// window within radiusMeters of point, nearest first, capped at MaxCandidates.
func (d *Detector) FindCandidates(ctx context.Context, category models.IssueCategory, point geo.Point, radiusMeters float64) ([]Candidate, error) {
	return d.find(ctx, category, point, radiusMeters, nil)
}

func (d *Detector) find(ctx context.Context, category models.IssueCategory, point geo.Point, radiusMeters float64, self *models.Issue) ([]Candidate, error) {
	filter := models.IssueFilter{
		Category: category,
		Since:    d.clock.Now().Add(-d.cfg.Lookback),
	}
	if self != nil && !self.ID.IsZero() {
		filter.ExcludeIDs = append(filter.ExcludeIDs, self.ID)
	}

	matches, err := d.index.Nearby(ctx, point, radiusMeters, filter)
	if err != nil {
		return nil, err
	}
	if len(matches) > d.cfg.MaxCandidates {
		matches = matches[:d.cfg.MaxCandidates]
	}

	out := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		c := Candidate{Issue: m.Issue, DistanceMeters: m.DistanceMeters}
		if self != nil {
			c.Similarity = d.Similarity(self.Title, m.Issue.Title)
			c.Likely = c.Similarity >= d.cfg.SimilarityThreshold
		}
		out = append(out, c)
	}
	return out, nil
}

// Check runs detection for a freshly created issue with the configured
// radius. Failures are logged and reported as no candidates so creation is
// never blocked.
func (d *Detector) Check(ctx context.Context, issue *models.Issue) []Candidate {
	point := geo.Point{Lat: issue.Latitude, Lng: issue.Longitude}
	candidates, err := d.find(ctx, issue.Category, point, d.cfg.RadiusMeters, issue)
	if err != nil {
		log.WithFields(log.Fields{
			"issue":    issue.ID.Hex(),
			"category": issue.Category,
		}).WithError(err).Warn("duplicate detection unavailable, continuing without candidates")
		return nil
	}
	return candidates
}

// Similarity scores two titles from 0 (unrelated) to 1 (identical after
// normalization) using Levenshtein distance over a character diff.
func (d *Detector) Similarity(a, b string) float64 {
	a, b = normalize(a), normalize(b)
	if a == "" && b == "" {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	diffs := d.dmp.DiffMain(a, b, false)
	dist := d.dmp.DiffLevenshtein(diffs)
	sim := 1 - float64(dist)/float64(longest)
	if sim < 0 {
		return 0
	}
	return sim
}

func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return strings.Join(fields, " ")
}
