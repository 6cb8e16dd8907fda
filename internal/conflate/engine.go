// Package conflate decides how an incoming address relates to the stored
// addresses retrieved for it. Decisions are pure: no I/O happens here.
package conflate

import (
	"fmt"
	"math"
	"slices"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"

	"github.com/mapbox/pt2itp/internal/model"
)

// AmbiguousMatchError is returned when several stored records correspond
// to the incoming one but do not agree with each other. The record needs
// manual review.
type AmbiguousMatchError struct {
	Number string
	IDs    []int64
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("conflate: ambiguous match for number %q between records %v", e.Number, e.IDs)
}

// CandidateIDs returns the ids of the conflicting records.
func (e *AmbiguousMatchError) CandidateIDs() []int64 {
	return append([]int64(nil), e.IDs...)
}

// Score is the similarity of two addresses.
type Score struct {
	Distance    float64
	Proximity   float64
	NameOverlap float64
	Total       float64
}

// Engine makes conflation decisions. It is safe for concurrent use.
type Engine struct {
	cfg Config
	ctx *model.Context
}

// NewEngine validates cfg and returns an engine that tokenizes with ctx.
func NewEngine(cfg Config, ctx *model.Context) (*Engine, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = model.EmptyContext()
	}
	return &Engine{cfg: cfg, ctx: ctx}, nil
}

// Config returns the normalized configuration.
func (e *Engine) Config() Config { return e.cfg }

// Score compares a and b.
func (e *Engine) Score(a, b *model.Address) Score {
	d := e.cfg.Metric.Distance(a.Geom, b.Geom)

	var prox float64
	switch {
	case e.cfg.Threshold > 0:
		prox = 1 - math.Min(1, d/e.cfg.Threshold)
	case d <= e.cfg.Epsilon:
		prox = 1
	}

	overlap := e.nameOverlap(e.tokens(a.Names), e.tokens(b.Names))
	return Score{
		Distance:    d,
		Proximity:   prox,
		NameOverlap: overlap,
		Total:       e.cfg.WeightProximity*prox + e.cfg.WeightNames*overlap,
	}
}

// tokens returns the distinct tokenized names, tokenizing where a name has
// not been tokenized yet.
func (e *Engine) tokens(names []model.Name) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		tok := n.Tokenized
		if tok == "" {
			tok = e.ctx.Tokenize(n.Display)
		}
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	slices.Sort(out)
	return out
}

// nameOverlap is the overlap coefficient of two name sets under fuzzy
// equality. Names only one side knows do not count against the match.
func (e *Engine) nameOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return math.Max(e.covered(a, b), e.covered(b, a))
}

// covered is the share of small matched by some name of large, or 0 when
// small is the larger set.
func (e *Engine) covered(small, large []string) float64 {
	if len(small) > len(large) {
		return 0
	}
	n := 0
	for _, s := range small {
		for _, l := range large {
			if e.sameName(s, l) {
				n++
				break
			}
		}
	}
	return float64(n) / float64(len(small))
}

func (e *Engine) sameName(a, b string) bool {
	if a == b {
		return true
	}
	if e.cfg.NameSimilarity >= 1 {
		return false
	}
	return levenshtein.Similarity(a, b, nil) >= e.cfg.NameSimilarity
}

// corresponds reports whether candidate c is the same real-world address
// as a.
func (e *Engine) corresponds(a, c *model.Address) bool {
	if model.NormalizeNumber(a.Number) != model.NormalizeNumber(c.Number) {
		return false
	}
	s := e.Score(a, c)
	if !Within(s.Distance, e.cfg.Threshold, e.cfg.Epsilon) {
		return false
	}
	return s.Total >= e.cfg.MatchThreshold
}

// Decide returns the action for incoming given the retrieved candidates.
// The result does not depend on candidate order.
func (e *Engine) Decide(incoming *model.Address, candidates []model.Address) (model.Action, error) {
	if incoming == nil {
		return model.Action{}, eris.New("conflate: nil incoming record")
	}

	create := model.Action{Kind: model.ActionCreate, Record: incoming.Clone()}
	create.Record.ID = nil
	create.Record.Version = 0

	if len(candidates) == 0 {
		return create, nil
	}

	cands, err := byID(candidates)
	if err != nil {
		return model.Action{}, err
	}

	var matched []*model.Address
	for _, c := range cands {
		if e.corresponds(incoming, c) {
			matched = append(matched, c)
		}
	}

	switch len(matched) {
	case 0:
		return create, nil
	case 1:
		return e.revise(incoming, matched[0]), nil
	}

	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			if e.Score(matched[i], matched[j]).Total < e.cfg.MatchThreshold {
				return model.Action{}, &AmbiguousMatchError{Number: incoming.Number, IDs: ids(matched)}
			}
		}
	}
	return e.merge(incoming, matched), nil
}

// byID copies candidates sorted by id and drops duplicate ids.
func byID(candidates []model.Address) ([]*model.Address, error) {
	out := make([]*model.Address, 0, len(candidates))
	for i := range candidates {
		if candidates[i].ID == nil {
			return nil, eris.New("conflate: candidate without id")
		}
		out = append(out, &candidates[i])
	}
	slices.SortFunc(out, func(a, b *model.Address) int {
		switch {
		case *a.ID < *b.ID:
			return -1
		case *a.ID > *b.ID:
			return 1
		}
		return 0
	})
	return slices.CompactFunc(out, func(a, b *model.Address) bool { return *a.ID == *b.ID }), nil
}

func ids(list []*model.Address) []int64 {
	out := make([]int64, len(list))
	for i, a := range list {
		out[i] = *a.ID
	}
	return out
}

// revise builds the revision of c carrying incoming's data. An unchanged
// revision yields ActionNone.
func (e *Engine) revise(incoming, c *model.Address) model.Action {
	rev := &model.Address{
		ID:          model.Int64(*c.ID),
		Version:     c.Version,
		Number:      model.NormalizeNumber(incoming.Number),
		Names:       model.UnionNames(e.tokenized(incoming.Names), e.tokenized(c.Names)),
		Source:      laterSource(incoming.Source, c.Source),
		Output:      incoming.Output,
		Interpolate: incoming.Interpolate,
		Props:       c.Props.Merge(incoming.Props),
		Geom:        incoming.Geom,
	}

	if e.identical(rev, c) {
		return model.Action{Kind: model.ActionNone, IDs: []int64{*c.ID}, Versions: []int64{c.Version}}
	}
	return model.Action{
		Kind:     model.ActionUpdate,
		IDs:      []int64{*c.ID},
		Versions: []int64{c.Version},
		Record:   rev,
	}
}

// merge collapses matched (sorted by id) into the lowest id.
func (e *Engine) merge(incoming *model.Address, matched []*model.Address) model.Action {
	names := e.tokenized(incoming.Names)
	props := model.NewProps()
	var source *string
	versions := make([]int64, len(matched))
	for i, c := range matched {
		names = model.UnionNames(names, e.tokenized(c.Names))
		props = props.Merge(c.Props)
		source = laterSource(source, c.Source)
		versions[i] = c.Version
	}

	keep := matched[0]
	return model.Action{
		Kind:     model.ActionMerge,
		IDs:      ids(matched),
		Versions: versions,
		Record: &model.Address{
			ID:          model.Int64(*keep.ID),
			Version:     keep.Version,
			Number:      model.NormalizeNumber(incoming.Number),
			Names:       names,
			Source:      laterSource(incoming.Source, source),
			Output:      incoming.Output,
			Interpolate: incoming.Interpolate,
			Props:       props.Merge(incoming.Props),
			Geom:        incoming.Geom,
		},
	}
}

// identical reports whether storing rev over c would change nothing that
// matters.
func (e *Engine) identical(rev, c *model.Address) bool {
	d := e.cfg.Metric.Distance(rev.Geom, c.Geom)
	if !Within(d, e.cfg.IdentityDistance, e.cfg.Epsilon) {
		return false
	}
	if rev.Number != model.NormalizeNumber(c.Number) ||
		rev.SourceTag() != c.SourceTag() ||
		rev.Output != c.Output ||
		rev.Interpolate != c.Interpolate {
		return false
	}
	if !slices.Equal(e.tokens(rev.Names), e.tokens(c.Names)) {
		return false
	}
	if e.primary(rev.Names) != e.primary(c.Names) {
		return false
	}
	return rev.Props.Equal(c.Props, e.cfg.IgnoreProps...)
}

// primary is the tokenized form of the first name, "" when there is none.
func (e *Engine) primary(names []model.Name) string {
	if len(names) == 0 {
		return ""
	}
	if names[0].Tokenized != "" {
		return names[0].Tokenized
	}
	return e.ctx.Tokenize(names[0].Display)
}

// tokenized returns names with Tokenized filled in.
func (e *Engine) tokenized(names []model.Name) []model.Name {
	out := make([]model.Name, 0, len(names))
	for _, n := range names {
		if n.Tokenized == "" {
			n.Tokenized = e.ctx.Tokenize(n.Display)
		}
		out = append(out, n)
	}
	return out
}

// laterSource returns the greater of two source tags. Tags are
// provider/timestamp strings, so the greater one is the newer.
func laterSource(a, b *string) *string {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return model.String(*b)
	case b == nil:
		return model.String(*a)
	case *a >= *b:
		return model.String(*a)
	default:
		return model.String(*b)
	}
}
