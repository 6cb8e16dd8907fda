package pipeline

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/mapbox/pt2itp/internal/geometry"
	"github.com/mapbox/pt2itp/internal/model"
)

// Feature is one line of conflation output.
type Feature struct {
	Type       string            `json:"type"`
	ID         int64             `json:"id,omitempty"`
	Action     string            `json:"action"`
	IDs        []int64           `json:"ids,omitempty"`
	Properties *model.Props      `json:"properties"`
	Geometry   *geojson.Geometry `json:"geometry"`
}

// NewFeature renders a mutating action. id is the surviving record, zero
// for a create that was not written.
func NewFeature(a model.Action, id int64) (Feature, error) {
	if a.Record == nil {
		return Feature{}, eris.Errorf("pipeline: %s action without record", a.Kind)
	}
	rec := a.Record

	props := model.NewProps()
	props.Set("number", rec.Number)
	props.Set("street", rec.Names)
	if rec.Source != nil {
		props.Set("source", *rec.Source)
	}
	props.Set("output", rec.Output)
	props.Set("interpolate", rec.Interpolate)
	props = props.Merge(rec.Props)

	g, err := geometry.ToGeom(rec.Geom)
	if err != nil {
		return Feature{}, err
	}
	gj, err := geojson.Encode(g)
	if err != nil {
		return Feature{}, eris.Wrap(err, "pipeline: encode geometry")
	}

	f := Feature{
		Type:       "Feature",
		ID:         id,
		Action:     a.Kind.String(),
		Properties: props,
		Geometry:   gj,
	}
	if a.Kind == model.ActionMerge {
		f.IDs = a.IDs
	}
	return f, nil
}

// featureWriter writes GeoJSON lines. A nil target discards.
type featureWriter struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

func newFeatureWriter(w io.Writer) *featureWriter {
	if w == nil {
		return &featureWriter{}
	}
	bw := bufio.NewWriter(w)
	return &featureWriter{bw: bw, enc: json.NewEncoder(bw)}
}

func (fw *featureWriter) write(a model.Action, id int64) error {
	if fw.enc == nil || !a.Mutates() {
		return nil
	}
	f, err := NewFeature(a, id)
	if err != nil {
		return err
	}
	return eris.Wrap(fw.enc.Encode(f), "pipeline: write output")
}

func (fw *featureWriter) flush() error {
	if fw.bw == nil {
		return nil
	}
	return eris.Wrap(fw.bw.Flush(), "pipeline: flush output")
}
