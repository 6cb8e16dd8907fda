// Package geometry converts between the simple point/multi-line values used
// by the entity model and hex-encoded EWKB, the format PostGIS accepts in
// COPY rows and returns from ST_AsHEXEWKB.
package geometry

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkbhex"
)

// SRID is the spatial reference attached to every encoded geometry (WGS84).
const SRID = 4326

// ErrNonFinite is returned when a coordinate is NaN or infinite.
var ErrNonFinite = eris.New("geometry: non-finite coordinate")

// Geometry is implemented by Point and MultiLine.
type Geometry interface {
	isGeometry()
}

// Point is a WGS84 position, longitude first.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// MultiLine is an ordered set of polylines.
type MultiLine [][]Point

func (Point) isGeometry()     {}
func (MultiLine) isGeometry() {}

// Finite reports whether both coordinates are finite numbers.
func (p Point) Finite() bool {
	return !math.IsNaN(p.Lon) && !math.IsInf(p.Lon, 0) &&
		!math.IsNaN(p.Lat) && !math.IsInf(p.Lat, 0)
}

// Empty reports whether the multi-line has no lines.
func (m MultiLine) Empty() bool {
	return len(m) == 0
}

// ToGeom builds the go-geom value for g with SRID 4326 set.
func ToGeom(g Geometry) (geom.T, error) {
	switch v := g.(type) {
	case Point:
		if !v.Finite() {
			return nil, eris.Wrapf(ErrNonFinite, "point (%v, %v)", v.Lon, v.Lat)
		}
		return geom.NewPointFlat(geom.XY, []float64{v.Lon, v.Lat}).SetSRID(SRID), nil

	case MultiLine:
		mls := geom.NewMultiLineString(geom.XY).SetSRID(SRID)
		for i, line := range v {
			flat := make([]float64, 0, len(line)*2)
			for j, p := range line {
				if !p.Finite() {
					return nil, eris.Wrapf(ErrNonFinite, "line %d coord %d", i, j)
				}
				flat = append(flat, p.Lon, p.Lat)
			}
			if err := mls.Push(geom.NewLineStringFlat(geom.XY, flat)); err != nil {
				return nil, eris.Wrapf(err, "geometry: push line %d", i)
			}
		}
		return mls, nil

	case nil:
		return nil, eris.New("geometry: nil geometry")

	default:
		return nil, eris.Errorf("geometry: unsupported type %T", g)
	}
}

// FromGeom converts a decoded go-geom value back into a Point or MultiLine.
// Only Point, LineString and MultiLineString inputs are accepted; a single
// LineString becomes a one-line MultiLine.
func FromGeom(g geom.T) (Geometry, error) {
	if g == nil {
		return nil, eris.New("geometry: nil geometry")
	}
	if srid := g.SRID(); srid != 0 && srid != SRID {
		return nil, eris.Errorf("geometry: unexpected SRID %d", srid)
	}

	switch v := g.(type) {
	case *geom.Point:
		if v.Empty() {
			return nil, eris.New("geometry: empty point")
		}
		return Point{Lon: v.X(), Lat: v.Y()}, nil

	case *geom.LineString:
		return MultiLine{linePoints(v)}, nil

	case *geom.MultiLineString:
		out := make(MultiLine, 0, v.NumLineStrings())
		for i := 0; i < v.NumLineStrings(); i++ {
			out = append(out, linePoints(v.LineString(i)))
		}
		return out, nil

	default:
		return nil, eris.Errorf("geometry: unsupported geometry %T", g)
	}
}

func linePoints(ls *geom.LineString) []Point {
	flat := ls.FlatCoords()
	stride := ls.Stride()
	pts := make([]Point, 0, ls.NumCoords())
	for i := 0; i+1 < len(flat); i += stride {
		pts = append(pts, Point{Lon: flat[i], Lat: flat[i+1]})
	}
	return pts
}

// Encode returns the little-endian hex EWKB of g with SRID 4326.
func Encode(g Geometry) (string, error) {
	t, err := ToGeom(g)
	if err != nil {
		return "", err
	}
	s, err := ewkbhex.Encode(t, ewkbhex.NDR)
	if err != nil {
		return "", eris.Wrap(err, "geometry: encode ewkb")
	}
	return s, nil
}

// Decode parses hex EWKB into a Point or MultiLine.
func Decode(s string) (Geometry, error) {
	t, err := ewkbhex.Decode(s)
	if err != nil {
		return nil, eris.Wrap(err, "geometry: decode ewkb")
	}
	return FromGeom(t)
}

// DecodePoint decodes hex EWKB that must hold a point.
func DecodePoint(s string) (Point, error) {
	g, err := Decode(s)
	if err != nil {
		return Point{}, err
	}
	p, ok := g.(Point)
	if !ok {
		return Point{}, eris.Errorf("geometry: expected point, got %T", g)
	}
	return p, nil
}

// DecodeMultiLine decodes hex EWKB that must hold a (multi)linestring.
func DecodeMultiLine(s string) (MultiLine, error) {
	g, err := Decode(s)
	if err != nil {
		return nil, err
	}
	m, ok := g.(MultiLine)
	if !ok {
		return nil, eris.Errorf("geometry: expected multilinestring, got %T", g)
	}
	return m, nil
}
