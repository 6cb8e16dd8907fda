package normalize

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"

	"github.com/mapbox/pt2itp/internal/geometry"
	"github.com/mapbox/pt2itp/internal/model"
)

// ShapefileSource reads point or polyline shapefiles. Attribute names are
// lowercased and become feature properties, so NUMBER and STREET columns
// map onto the usual property names.
type ShapefileSource struct {
	reader *shp.Reader
	fields []string
	n      int64
}

// OpenShapefile opens path and its attribute table.
func OpenShapefile(path string) (*ShapefileSource, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: open shapefile %s", path)
	}

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.ToLower(strings.TrimRight(f.String(), "\x00"))
	}
	return &ShapefileSource{reader: reader, fields: names}, nil
}

func (s *ShapefileSource) Next(ctx context.Context) (Raw, error) {
	if err := ctx.Err(); err != nil {
		return Raw{}, err
	}
	if !s.reader.Next() {
		return Raw{}, io.EOF
	}
	s.n++

	idx, shape := s.reader.Shape()
	props := model.NewProps()
	for i, name := range s.fields {
		val := strings.TrimSpace(strings.TrimRight(s.reader.Attribute(i), "\x00"))
		if val == "" {
			continue
		}
		props.Set(name, val)
	}

	raw := Raw{Line: s.n, Text: fmt.Sprintf("shape %d", idx)}
	g, err := shapeGeometry(shape)
	if err != nil {
		raw.Err = err
		return raw, nil
	}
	raw.Feature = &Feature{Properties: props, Geometry: g}
	return raw, nil
}

func (s *ShapefileSource) Close() error { return s.reader.Close() }

// shapeGeometry converts a go-shp shape. Polylines become a MultiLine with
// one line per part.
func shapeGeometry(shape shp.Shape) (geometry.Geometry, error) {
	switch s := shape.(type) {
	case *shp.Point:
		return geometry.Point{Lon: s.X, Lat: s.Y}, nil
	case *shp.PolyLine:
		if s.NumParts == 0 || len(s.Points) == 0 {
			return nil, eris.New("normalize: empty polyline")
		}
		ml := make(geometry.MultiLine, 0, s.NumParts)
		for i := int32(0); i < s.NumParts; i++ {
			start := s.Parts[i]
			end := int32(len(s.Points))
			if i+1 < s.NumParts {
				end = s.Parts[i+1]
			}
			if start < 0 || end > int32(len(s.Points)) || start >= end {
				return nil, eris.Errorf("normalize: malformed polyline part %d", i)
			}
			line := make([]geometry.Point, 0, end-start)
			for _, p := range s.Points[start:end] {
				line = append(line, geometry.Point{Lon: p.X, Lat: p.Y})
			}
			ml = append(ml, line)
		}
		return ml, nil
	case nil:
		return nil, eris.New("normalize: shape has no geometry")
	default:
		return nil, eris.Errorf("normalize: unsupported shape %T", shape)
	}
}
