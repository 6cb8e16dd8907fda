package normalize

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/mapbox/pt2itp/internal/geometry"
	"github.com/mapbox/pt2itp/internal/model"
)

// Feature is a raw input feature: an attribute bag plus a geometry.
type Feature struct {
	Properties *model.Props
	Geometry   geometry.Geometry
}

type rawFeature struct {
	Type       string          `json:"type"`
	Properties *model.Props    `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

// ParseFeature decodes one GeoJSON Feature.
func ParseFeature(data []byte) (*Feature, error) {
	var rf rawFeature
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, eris.Wrap(err, "normalize: decode feature")
	}
	if rf.Type != "Feature" {
		return nil, eris.Errorf("normalize: expected Feature, got %q", rf.Type)
	}
	if len(rf.Geometry) == 0 || string(rf.Geometry) == "null" {
		return nil, eris.New("normalize: feature has no geometry")
	}

	var g geom.T
	if err := geojson.Unmarshal(rf.Geometry, &g); err != nil {
		return nil, eris.Wrap(err, "normalize: decode geometry")
	}
	gg, err := geometry.FromGeom(g)
	if err != nil {
		return nil, err
	}

	props := rf.Properties
	if props == nil {
		props = model.NewProps()
	}
	return &Feature{Properties: props, Geometry: gg}, nil
}
