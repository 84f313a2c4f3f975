package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nappa85/Pokifications-sub000/internal/model"
)

func TestDistance(t *testing.T) {
	d := Distance(45.6540, 8.7878, 45.6540, 8.7879)
	assert.InDelta(t, 0.008, d, 0.001)

	far := Distance(45.6540, 8.7878, 46.0, 9.0)
	assert.Greater(t, far, 40.0)

	assert.Zero(t, Distance(45, 9, 45, 9))
}

func TestRhumbBearing(t *testing.T) {
	assert.InDelta(t, 0, RhumbBearing(45, 9, 46, 9), 1e-6)
	assert.InDelta(t, 180, RhumbBearing(46, 9, 45, 9), 1e-6)
	assert.InDelta(t, 90, RhumbBearing(0, 9, 0, 10), 1e-6)
	assert.InDelta(t, 270, RhumbBearing(0, 10, 0, 9), 1e-6)
	// The short way round crosses the antimeridian.
	assert.InDelta(t, 90, RhumbBearing(0, 179.5, 0, -179.5), 1e-6)
}

func TestOctant(t *testing.T) {
	cases := map[float64]string{
		0:     "↑",
		22.4:  "↑",
		22.5:  "↗",
		90:    "→",
		135:   "↘",
		180:   "↓",
		225:   "↙",
		270:   "←",
		315:   "↖",
		337.6: "↑",
		359.9: "↑",
	}
	for bearing, want := range cases {
		assert.Equal(t, want, Octant(bearing), "bearing %v", bearing)
	}
	assert.Equal(t, Centered, Direction(0, 123))
	assert.Equal(t, "→", Direction(1, 90))
}

func TestContains(t *testing.T) {
	city := &model.City{
		ID: 1,
		Polygon: []model.LatLon{
			{Lat: 45.5, Lon: 8.6},
			{Lat: 45.5, Lon: 9.0},
			{Lat: 45.8, Lon: 9.0},
			{Lat: 45.8, Lon: 8.6},
		},
	}
	assert.True(t, Contains(city, 45.654, 8.7878))
	assert.False(t, Contains(city, 46.0, 9.2))
	assert.False(t, Contains(nil, 45.654, 8.7878))
	assert.False(t, Contains(&model.City{Polygon: city.Polygon[:2]}, 45.654, 8.7878))
}
