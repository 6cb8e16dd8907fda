package conflate

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/mapbox/pt2itp/internal/geometry"
)

// Metric selects how distances between points are measured.
type Metric int

const (
	// Planar is euclidean distance in degrees, matching ST_DWithin on
	// geometry columns. It is the inherited 0.02 degree convention and
	// distorts with latitude.
	Planar Metric = iota
	// Geodesic is great-circle distance in metres on the mean-radius
	// sphere, matching ST_DWithin on geography with use_spheroid=false.
	Geodesic
)

// earthRadius is the mean radius PostGIS uses for sphere calculations.
const earthRadius = 6371008.7714

func (m Metric) String() string {
	if m == Geodesic {
		return "geodesic"
	}
	return "planar"
}

// ParseMetric accepts "planar", "geodesic" or "" (planar).
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "planar":
		return Planar, nil
	case "geodesic", "haversine":
		return Geodesic, nil
	default:
		return Planar, eris.Errorf("conflate: unknown metric %q", s)
	}
}

// Distance returns the distance between a and b in the metric's unit.
func (m Metric) Distance(a, b geometry.Point) float64 {
	if m == Geodesic {
		return haversine(a, b)
	}
	return math.Hypot(a.Lon-b.Lon, a.Lat-b.Lat)
}

// DefaultThreshold is the retrieval radius used when none is configured.
func (m Metric) DefaultThreshold() float64 {
	if m == Geodesic {
		return 1000
	}
	return 0.02
}

func haversine(a, b geometry.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Within reports whether d lies inside threshold. The boundary is
// inclusive and widened by eps.
func Within(d, threshold, eps float64) bool {
	return d <= threshold+eps
}

// Config holds every threshold and weight the engine uses.
type Config struct {
	Metric Metric
	// Threshold is the retrieval radius. Zero selects the metric default.
	Threshold float64
	// IdentityDistance is how far a revision may move and still count as
	// the same record.
	IdentityDistance float64
	// MatchThreshold is the minimum total score for a candidate to
	// correspond to the incoming record.
	MatchThreshold float64
	// NameSimilarity is the minimum Levenshtein similarity for two
	// tokenized names to count as the same name. Zero means exact matches
	// only.
	NameSimilarity  float64
	WeightProximity float64
	WeightNames     float64
	Epsilon         float64
	// IgnoreProps are property keys left out of the identity comparison.
	IgnoreProps []string
}

// DefaultConfig returns the planar configuration.
func DefaultConfig() Config {
	return Config{
		Metric:          Planar,
		Threshold:       0.02,
		MatchThreshold:  0.5,
		NameSimilarity:  0.85,
		WeightProximity: 0.3,
		WeightNames:     0.7,
		Epsilon:         1e-9,
	}
}

// Normalize fills defaults and scales the weights to sum to one.
func (c Config) Normalize() (Config, error) {
	if c.Threshold < 0 || c.IdentityDistance < 0 || c.Epsilon < 0 {
		return c, eris.New("conflate: distances must not be negative")
	}
	if c.Threshold == 0 {
		c.Threshold = c.Metric.DefaultThreshold()
	}
	if c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		return c, eris.Errorf("conflate: match threshold %v outside [0,1]", c.MatchThreshold)
	}
	if c.NameSimilarity <= 0 || c.NameSimilarity > 1 {
		c.NameSimilarity = 1
	}
	if c.WeightProximity < 0 || c.WeightNames < 0 {
		return c, eris.New("conflate: weights must not be negative")
	}
	sum := c.WeightProximity + c.WeightNames
	if sum == 0 {
		return c, eris.New("conflate: weights must not both be zero")
	}
	c.WeightProximity /= sum
	c.WeightNames /= sum
	return c, nil
}
