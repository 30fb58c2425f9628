package geo_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"civicsync-be/geo"
	"civicsync-be/geo/mocks"
	"civicsync-be/models"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/mock/gomock"
	"pgregory.net/rapid"
)

func pointGen() *rapid.Generator[geo.Point] {
	return rapid.Custom(func(t *rapid.T) geo.Point {
		return geo.Point{
			Lat: rapid.Float64Range(-90, 90).Draw(t, "lat"),
			Lng: rapid.Float64Range(-180, 180).Draw(t, "lng"),
		}
	})
}

func TestDistance_IdenticalPointsIsZero(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := pointGen().Draw(t, "p")
		if d := geo.Distance(p, p); d != 0 {
			t.Fatalf("distance from %v to itself = %v", p, d)
		}
	})
}

func TestDistance_Symmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := pointGen().Draw(t, "a")
		b := pointGen().Draw(t, "b")
		ab, ba := geo.Distance(a, b), geo.Distance(b, a)
		if math.Abs(ab-ba) > 1e-6 {
			t.Fatalf("d(a,b)=%v d(b,a)=%v", ab, ba)
		}
		if ab < 0 || ab > math.Pi*geo.EarthRadiusMeters+1e-6 {
			t.Fatalf("distance %v out of range", ab)
		}
	})
}

func TestDistance_KnownValues(t *testing.T) {
	tests := []struct {
		name string
		a, b geo.Point
		want float64
		tol  float64
	}{
		{"one degree of latitude", geo.Point{Lat: 0, Lng: 0}, geo.Point{Lat: 1, Lng: 0}, 111195, 5},
		{"quarter meridian", geo.Point{Lat: 0, Lng: 0}, geo.Point{Lat: 90, Lng: 0}, math.Pi / 2 * geo.EarthRadiusMeters, 1},
		{"antipodal", geo.Point{Lat: 0, Lng: 0}, geo.Point{Lat: 0, Lng: 180}, math.Pi * geo.EarthRadiusMeters, 1},
		{"across the antimeridian", geo.Point{Lat: 0, Lng: 179.9995}, geo.Point{Lat: 0, Lng: -179.9995}, 111.2, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, geo.Distance(tt.a, tt.b), tt.tol)
		})
	}
}

func TestBoundingBox_ContainsCircle(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		center := geo.Point{
			Lat: rapid.Float64Range(-85, 85).Draw(t, "lat"),
			Lng: rapid.Float64Range(-180, 180).Draw(t, "lng"),
		}
		radius := rapid.Float64Range(1, 50000).Draw(t, "radius")
		bearing := rapid.Float64Range(0, 2*math.Pi).Draw(t, "bearing")
		frac := rapid.Float64Range(0, 0.99).Draw(t, "frac")

		p := destination(center, bearing, radius*frac)
		if geo.Distance(center, p) > radius {
			return
		}
		box := geo.BoundingBox(center, radius)
		if !box.Contains(p) {
			t.Fatalf("box %+v misses %v at %.1fm from %v", box, p, geo.Distance(center, p), center)
		}
	})
}

// destination walks d meters from p along bearing on the sphere.
func destination(p geo.Point, bearing, d float64) geo.Point {
	lat1 := p.Lat * math.Pi / 180
	lng1 := p.Lng * math.Pi / 180
	ang := d / geo.EarthRadiusMeters
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ang) + math.Cos(lat1)*math.Sin(ang)*math.Cos(bearing))
	lng2 := lng1 + math.Atan2(math.Sin(bearing)*math.Sin(ang)*math.Cos(lat1), math.Cos(ang)-math.Sin(lat1)*math.Sin(lat2))
	lng := math.Mod(lng2*180/math.Pi+540, 360) - 180
	return geo.Point{Lat: lat2 * 180 / math.Pi, Lng: lng}
}

func TestBoundingBox_EdgeCases(t *testing.T) {
	t.Run("antimeridian wraps", func(t *testing.T) {
		box := geo.BoundingBox(geo.Point{Lat: 10, Lng: 179.9999}, 1000)
		require.True(t, box.WrapsAntimeridian())
		require.True(t, box.Contains(geo.Point{Lat: 10, Lng: -179.9999}))
		require.True(t, box.Contains(geo.Point{Lat: 10, Lng: 179.995}))
		require.False(t, box.Contains(geo.Point{Lat: 10, Lng: 0}))
	})

	t.Run("pole covers every longitude", func(t *testing.T) {
		box := geo.BoundingBox(geo.Point{Lat: 89.9999, Lng: 45}, 1000)
		require.Equal(t, -180.0, box.MinLng)
		require.Equal(t, 180.0, box.MaxLng)
		require.Equal(t, 90.0, box.MaxLat)
	})

	t.Run("latitude span", func(t *testing.T) {
		box := geo.BoundingBox(geo.Point{Lat: 0, Lng: 0}, 111000)
		require.InDelta(t, -1, box.MinLat, 1e-9)
		require.InDelta(t, 1, box.MaxLat, 1e-9)
		require.InDelta(t, -1, box.MinLng, 1e-9)
		require.InDelta(t, 1, box.MaxLng, 1e-9)
	})

	t.Run("longitude widens with latitude", func(t *testing.T) {
		box := geo.BoundingBox(geo.Point{Lat: 60, Lng: 0}, 111000)
		require.InDelta(t, 2, box.MaxLng-0, 1e-6)
	})
}

func issueAt(lat, lng float64) models.Issue {
	return models.Issue{
		ID:        primitive.NewObjectID(),
		Category:  models.Road,
		Latitude:  lat,
		Longitude: lng,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestIndex_NearbyRefinesAndSorts(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)
	index := geo.NewIndex(source)

	center := geo.Point{Lat: 12.9716, Lng: 77.5946}
	near := issueAt(12.9720, 77.5946)   // ~44m
	nearer := issueAt(12.9717, 77.5946) // ~11m
	corner := issueAt(12.9725, 77.5955) // inside the box, ~140m away
	archived := issueAt(12.9716, 77.5946)
	archived.Archived = true

	filter := models.IssueFilter{Category: models.Road}
	source.EXPECT().
		FindWithinRadius(gomock.Any(), center, 100.0, filter).
		Return([]models.Issue{near, corner, archived, nearer}, nil)

	matches, err := index.Nearby(context.Background(), center, 100, filter)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, nearer.ID, matches[0].Issue.ID)
	require.Equal(t, near.ID, matches[1].Issue.ID)
	require.Less(t, matches[0].DistanceMeters, matches[1].DistanceMeters)
}

func TestIndex_NearbyErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)
	index := geo.NewIndex(source)

	t.Run("invalid point", func(t *testing.T) {
		_, err := index.Nearby(context.Background(), geo.Point{Lat: 91}, 100, models.IssueFilter{})
		require.Error(t, err)
	})

	t.Run("non-positive radius skips the query", func(t *testing.T) {
		matches, err := index.Nearby(context.Background(), geo.Point{}, 0, models.IssueFilter{})
		require.NoError(t, err)
		require.Empty(t, matches)
	})

	t.Run("source failure is wrapped", func(t *testing.T) {
		boom := errors.New("connection refused")
		source.EXPECT().FindWithinRadius(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, boom)
		_, err := index.Nearby(context.Background(), geo.Point{Lat: 1, Lng: 1}, 50, models.IssueFilter{})
		require.ErrorIs(t, err, boom)
	})
}
