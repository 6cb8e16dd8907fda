// Package normalize turns raw input features into addresses and networks
// and exposes input files as entity streams.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/mapbox/pt2itp/internal/geometry"
	"github.com/mapbox/pt2itp/internal/model"
)

// Reserved property names. Everything else is carried in Props.
const (
	PropNumber      = "number"
	PropStreet      = "street"
	PropSource      = "source"
	PropOutput      = "output"
	PropInterpolate = "interpolate"
)

// Normalizer applies a Context to raw features.
type Normalizer struct {
	ctx *model.Context
}

// New returns a Normalizer. A nil ctx uses the empty context.
func New(ctx *model.Context) *Normalizer {
	if ctx == nil {
		ctx = model.EmptyContext()
	}
	return &Normalizer{ctx: ctx}
}

// Context returns the normalization context.
func (n *Normalizer) Context() *model.Context { return n.ctx }

// Address builds an Address from f. The feature must be a point with a
// house number and at least one street name.
func (n *Normalizer) Address(f *Feature) (*model.Address, error) {
	if f == nil {
		return nil, eris.New("normalize: nil feature")
	}
	pt, ok := f.Geometry.(geometry.Point)
	if !ok {
		return nil, eris.Errorf("normalize: address geometry must be a Point, got %T", f.Geometry)
	}
	if !pt.Finite() {
		return nil, geometry.ErrNonFinite
	}

	props := f.Properties.Clone()

	number, err := scalarString(props, PropNumber)
	if err != nil {
		return nil, err
	}
	number = model.NormalizeNumber(number)
	if number == "" {
		return nil, eris.New("normalize: address has no number")
	}

	names, err := n.names(props)
	if err != nil {
		return nil, err
	}

	source, err := scalarString(props, PropSource)
	if err != nil {
		return nil, err
	}
	output, err := flag(props, PropOutput)
	if err != nil {
		return nil, err
	}
	interpolate, err := flag(props, PropInterpolate)
	if err != nil {
		return nil, err
	}

	for _, k := range []string{PropNumber, PropStreet, PropSource, PropOutput, PropInterpolate} {
		props.Delete(k)
	}

	return &model.Address{
		Number:      number,
		Names:       names,
		Source:      model.String(source),
		Output:      output,
		Interpolate: interpolate,
		Props:       props,
		Geom:        pt,
	}, nil
}

// Network builds a Network from f. The feature must be a (multi)line with
// at least one street name.
func (n *Normalizer) Network(f *Feature) (*model.Network, error) {
	if f == nil {
		return nil, eris.New("normalize: nil feature")
	}
	ml, ok := f.Geometry.(geometry.MultiLine)
	if !ok {
		return nil, eris.Errorf("normalize: network geometry must be a LineString or MultiLineString, got %T", f.Geometry)
	}
	if ml.Empty() {
		return nil, eris.New("normalize: network geometry is empty")
	}

	props := f.Properties.Clone()

	names, err := n.names(props)
	if err != nil {
		return nil, err
	}
	source, err := scalarString(props, PropSource)
	if err != nil {
		return nil, err
	}
	props.Delete(PropStreet)
	props.Delete(PropSource)

	return &model.Network{
		Names:  names,
		Source: model.String(source),
		Props:  props,
		Geom:   ml,
	}, nil
}

// names reads the street property: a string, or an array of strings or
// {"display", "priority"} objects.
func (n *Normalizer) names(props *model.Props) ([]model.Name, error) {
	raw, ok := props.Get(PropStreet)
	if !ok || raw == nil {
		return nil, eris.New("normalize: feature has no street name")
	}

	var names []model.Name
	switch v := raw.(type) {
	case string:
		names = []model.Name{{Display: v}}
	case []any:
		for i, item := range v {
			switch it := item.(type) {
			case string:
				names = append(names, model.Name{Display: it})
			case map[string]any:
				display, _ := it["display"].(string)
				name := model.Name{Display: display}
				if p, ok := it["priority"]; ok {
					prio, err := toInt(p)
					if err != nil {
						return nil, eris.Wrapf(err, "normalize: street[%d].priority", i)
					}
					name.Priority = prio
				}
				if kind, ok := it["kind"].(string); ok {
					name.Kind = kind
				}
				names = append(names, name)
			default:
				return nil, eris.Errorf("normalize: street[%d] has unsupported type %T", i, item)
			}
		}
	default:
		return nil, eris.Errorf("normalize: street has unsupported type %T", raw)
	}

	names = model.TokenizeNames(n.ctx, names)
	if len(names) == 0 {
		return nil, eris.New("normalize: feature has no usable street name")
	}
	return names, nil
}

func scalarString(props *model.Props, key string) (string, error) {
	v, ok := props.Get(key)
	if !ok || v == nil {
		return "", nil
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s), nil
	case json.Number:
		return s.String(), nil
	default:
		return "", eris.Errorf("normalize: %s has unsupported type %T", key, v)
	}
}

// flag reads a boolean property. Absent means true.
func flag(props *model.Props, key string) (bool, error) {
	v, ok := props.Get(key)
	if !ok || v == nil {
		return true, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "t", "1", "yes":
			return true, nil
		case "false", "f", "0", "no":
			return false, nil
		}
	}
	return false, eris.Errorf("normalize: %s is not a boolean: %v", key, v)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		var i int
		_, err := fmt.Sscanf(n, "%d", &i)
		return i, err
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}
