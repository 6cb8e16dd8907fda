package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProps_PreservesOrder(t *testing.T) {
	in := `{"zeta":1,"alpha":"a","mid":{"b":2,"a":1},"list":[1,2.5,"x"],"n":null}`

	var p Props
	require.NoError(t, json.Unmarshal([]byte(in), &p))
	assert.Equal(t, []string{"zeta", "alpha", "mid", "list", "n"}, p.Keys())

	out, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":"a","mid":{"a":1,"b":2},"list":[1,2.5,"x"],"n":null}`, string(out))

	// Second round trip is byte-identical.
	var again Props
	require.NoError(t, json.Unmarshal(out, &again))
	out2, err := again.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(out), string(out2))
}

func TestProps_NumbersVerbatim(t *testing.T) {
	var p Props
	require.NoError(t, json.Unmarshal([]byte(`{"big":12345678901234567890,"f":1.50}`), &p))
	out, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567890,"f":1.50}`, string(out))
}

func TestProps_NilAndNull(t *testing.T) {
	var nilProps *Props
	out, err := nilProps.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(out))
	assert.Equal(t, 0, nilProps.Len())

	var p Props
	require.NoError(t, json.Unmarshal([]byte(`null`), &p))
	assert.Equal(t, 0, p.Len())
}

func TestProps_RejectsNonObject(t *testing.T) {
	var p Props
	err := json.Unmarshal([]byte(`[1,2]`), &p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected object")
}

func TestProps_Merge(t *testing.T) {
	a := NewProps()
	a.Set("x", 1)
	a.Set("y", 2)

	b := NewProps()
	b.Set("z", 3)
	b.Set("x", 10)

	m := a.Merge(b)
	assert.Equal(t, []string{"x", "y", "z"}, m.Keys())
	v, _ := m.Get("x")
	assert.Equal(t, 10, v)

	// Inputs untouched.
	v, _ = a.Get("x")
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, a.Len())
}

func TestProps_Equal(t *testing.T) {
	a := NewProps()
	a.Set("x", 1)
	a.Set("y", "b")
	a.Set("ts", "2020")

	b := NewProps()
	b.Set("y", "b")
	b.Set("x", json.Number("1"))
	b.Set("ts", "2021")

	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(b, "ts"))
	assert.True(t, (*Props)(nil).Equal(NewProps()))

	b.Delete("y")
	assert.False(t, a.Equal(b, "ts"))
	assert.Equal(t, []string{"x", "ts"}, b.Keys())
}

func TestContext_Tokenize(t *testing.T) {
	ctx := NewContext("en", "us", "", NewTokens(map[string]string{
		"Street": "St",
		"north":  "n",
	}))

	assert.Equal(t, "main st", ctx.Tokenize("Main Street"))
	assert.Equal(t, "main st", ctx.Tokenize("  MAIN   st. "))
	assert.Equal(t, "n main st", ctx.Tokenize("North Main Street"))
	assert.Equal(t, "US", ctx.Country())
	assert.Equal(t, "", ctx.Region())
}

func TestContext_TokenizeDiacritics(t *testing.T) {
	ctx := NewContext("de", "de", "", NewTokens(map[string]string{"strasse": "str"}))
	assert.Equal(t, "muller str", ctx.Tokenize("Müller Strasse"))
	assert.Equal(t, "cafe de flore", ctx.Tokenize("Café de Flore"))
}

func TestContext_EmptyIsIdentityOnTokens(t *testing.T) {
	ctx := EmptyContext()
	assert.Equal(t, "main street", ctx.Tokenize("Main Street"))
	assert.Equal(t, "", ctx.Tokenize(" - "))
}

func TestNewTokens_DropsBlankKeys(t *testing.T) {
	tok := NewTokens(map[string]string{" ": "x", "AVE": " Av "})
	assert.Equal(t, Tokens{"ave": "av"}, tok)
}

func TestTokenizeNames_DropsBlank(t *testing.T) {
	ctx := NewContext("en", "", "", NewTokens(map[string]string{"street": "st"}))
	names := TokenizeNames(ctx, []Name{{Display: "Main Street"}, {Display: "  "}, {Display: "Route 1"}})
	require.Len(t, names, 2)
	assert.Equal(t, "main st", names[0].Tokenized)
	assert.Equal(t, "route 1", names[1].Tokenized)
}

func TestUnionNames(t *testing.T) {
	a := []Name{{Display: "Main St", Tokenized: "main st"}}
	b := []Name{
		{Display: "Main Street", Tokenized: "main st"},
		{Display: "Route 1", Tokenized: "route 1"},
	}
	u := UnionNames(a, b)
	require.Len(t, u, 2)
	assert.Equal(t, "Main St", u[0].Display)
	assert.Equal(t, "Route 1", u[1].Display)
}

func TestNormalizeNumber(t *testing.T) {
	assert.Equal(t, "100a", NormalizeNumber(" 100 A "))
	assert.Equal(t, "12", NormalizeNumber("12"))
}

func TestAddress_CloneIsDeep(t *testing.T) {
	props := NewProps()
	props.Set("k", "v")
	a := &Address{ID: Int64(7), Number: "100", Names: []Name{{Display: "Main"}}, Source: String("2020"), Props: props}

	c := a.Clone()
	*c.ID = 8
	c.Names[0].Display = "Oak"
	c.Props.Set("k2", "v2")
	*c.Source = "2021"

	assert.Equal(t, int64(7), *a.ID)
	assert.Equal(t, "Main", a.Names[0].Display)
	assert.Equal(t, 1, a.Props.Len())
	assert.Equal(t, "2020", a.SourceTag())
}

func TestAddress_Key(t *testing.T) {
	a := &Address{Number: "100", Names: []Name{{Display: "Main St"}}}
	assert.Contains(t, a.Key(), "100 Main St")
	a.ID = Int64(3)
	assert.Equal(t, "address:3", a.Key())
}

func TestActionKind_String(t *testing.T) {
	assert.Equal(t, "none", ActionNone.String())
	assert.Equal(t, "create", ActionCreate.String())
	assert.Equal(t, "update", ActionUpdate.String())
	assert.Equal(t, "merge", ActionMerge.String())
	assert.Equal(t, "unknown", ActionKind(42).String())
}

func TestAction_Primary(t *testing.T) {
	_, ok := Action{Kind: ActionCreate}.Primary()
	assert.False(t, ok)

	id, ok := Action{Kind: ActionMerge, IDs: []int64{3, 9}}.Primary()
	assert.True(t, ok)
	assert.Equal(t, int64(3), id)
	assert.True(t, Action{Kind: ActionMerge}.Mutates())
	assert.False(t, Action{Kind: ActionNone}.Mutates())
}

func TestAddress_FlagsSurviveStoredProps(t *testing.T) {
	props := NewProps()
	props.Set("zip", "20001")
	a := &Address{Number: "1", Output: false, Interpolate: false, Props: props}

	data, err := a.StoredProps().MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"zip":"20001","output":false,"interpolate":false}`, string(data))

	// A bulk-loaded row comes back with the column defaults.
	back := &Address{Number: "1", Output: true, Interpolate: true, Props: NewProps()}
	require.NoError(t, back.Props.UnmarshalJSON(data))
	back.RestoreFlags()

	assert.False(t, back.Output)
	assert.False(t, back.Interpolate)
	assert.Equal(t, []string{"zip"}, back.Props.Keys())
}

func TestAddress_RestoreFlagsKeepsColumnsWithoutKeys(t *testing.T) {
	a := &Address{Output: true, Interpolate: false, Props: NewProps()}
	a.Props.Set("output", "yes")
	a.RestoreFlags()

	assert.True(t, a.Output)
	assert.False(t, a.Interpolate)
	_, ok := a.Props.Get("output")
	assert.True(t, ok, "non-boolean values are ordinary props")
}
