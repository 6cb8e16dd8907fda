// Package model defines the address and network entities that flow through
// import and conflation, plus the Action a conflation decision produces.
package model

import (
	"fmt"
	"strings"

	"github.com/mapbox/pt2itp/internal/geometry"
)

// Address is a single addressed point.
type Address struct {
	// ID is set iff the record is known to the persistent store.
	ID *int64
	// Version is the store's revision counter, used for optimistic writes.
	Version int64
	// Number is the house number, numeric or alphanumeric ("100a").
	Number string
	// Names holds every street-name synonym, primary first.
	Names []Name
	// Source is a provider/timestamp tag.
	Source *string
	// Output marks whether the feature should be output.
	Output bool
	// Interpolate marks whether the feature feeds interpolation.
	Interpolate bool
	Props       *Props
	Geom        geometry.Point
}

// Flag keys carry Output and Interpolate inside the props column of bulk
// loaded rows, whose layout has no flag columns. The store defaults both
// columns to true.
const (
	FlagOutput      = "output"
	FlagInterpolate = "interpolate"
)

// StoredProps returns the props a bulk-loaded row carries: a's props plus
// every flag that differs from the store default.
func (a *Address) StoredProps() *Props {
	p := a.Props.Clone()
	if !a.Output {
		p.Set(FlagOutput, false)
	}
	if !a.Interpolate {
		p.Set(FlagInterpolate, false)
	}
	return p
}

// RestoreFlags moves flags embedded by StoredProps back onto a.
func (a *Address) RestoreFlags() {
	restore := func(key string, dst *bool) {
		v, ok := a.Props.Get(key)
		if !ok {
			return
		}
		if b, ok := v.(bool); ok {
			*dst = b
			a.Props.Delete(key)
		}
	}
	restore(FlagOutput, &a.Output)
	restore(FlagInterpolate, &a.Interpolate)
}

// NormalizeNumber is the case/format normalization applied to house numbers
// before storage and comparison.
func NormalizeNumber(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

// Key identifies the address in logs and error entries.
func (a *Address) Key() string {
	if a == nil {
		return "<nil>"
	}
	if a.ID != nil {
		return fmt.Sprintf("address:%d", *a.ID)
	}
	primary := ""
	if len(a.Names) > 0 {
		primary = a.Names[0].Display
	}
	return fmt.Sprintf("%s %s @ %.7f,%.7f", a.Number, primary, a.Geom.Lon, a.Geom.Lat)
}

// SourceTag returns the source or "" when absent.
func (a *Address) SourceTag() string {
	if a == nil || a.Source == nil {
		return ""
	}
	return *a.Source
}

// Clone returns a copy that shares no mutable state with a.
func (a *Address) Clone() *Address {
	if a == nil {
		return nil
	}
	out := *a
	if a.ID != nil {
		id := *a.ID
		out.ID = &id
	}
	if a.Source != nil {
		s := *a.Source
		out.Source = &s
	}
	out.Names = append([]Name(nil), a.Names...)
	out.Props = a.Props.Clone()
	return &out
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to s, or nil when s is empty.
func String(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
