package model

import (
	"fmt"

	"github.com/mapbox/pt2itp/internal/geometry"
)

// Network is a named street network feature.
type Network struct {
	ID      *int64
	Version int64
	Names   []Name
	Source  *string
	Props   *Props
	Geom    geometry.MultiLine
}

// Key identifies the network in logs and error entries.
func (n *Network) Key() string {
	if n == nil {
		return "<nil>"
	}
	if n.ID != nil {
		return fmt.Sprintf("network:%d", *n.ID)
	}
	if len(n.Names) > 0 {
		return "network " + n.Names[0].Display
	}
	return "network <unnamed>"
}

// SourceTag returns the source or "" when absent.
func (n *Network) SourceTag() string {
	if n == nil || n.Source == nil {
		return ""
	}
	return *n.Source
}
