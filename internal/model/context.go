package model

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tokens maps a raw token to its canonical form (e.g. "street" -> "st").
type Tokens map[string]string

// NewTokens lowercases and trims both sides of every replacement.
func NewTokens(raw map[string]string) Tokens {
	t := make(Tokens, len(raw))
	for k, v := range raw {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		t[k] = strings.ToLower(strings.TrimSpace(v))
	}
	return t
}

// Context is the normalization configuration for a run. It is immutable
// after NewContext and safe to share between goroutines.
type Context struct {
	lang    language.Tag
	country string
	region  string
	tokens  Tokens
}

// NewContext builds a Context. An unparseable language falls back to und.
func NewContext(lang, country, region string, tokens Tokens) *Context {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.Und
	}
	cp := make(Tokens, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &Context{
		lang:    tag,
		country: strings.ToUpper(strings.TrimSpace(country)),
		region:  strings.ToUpper(strings.TrimSpace(region)),
		tokens:  cp,
	}
}

// EmptyContext is the context used when none is configured.
func EmptyContext() *Context {
	return NewContext("", "", "", nil)
}

// Language returns the base language tag.
func (c *Context) Language() language.Tag { return c.lang }

// Country returns the ISO 3166-1 country scope, if any.
func (c *Context) Country() string { return c.country }

// Region returns the ISO 3166-2 region scope, if any.
func (c *Context) Region() string { return c.region }

// Token returns the canonical replacement for a lowercased token.
func (c *Context) Token(tok string) (string, bool) {
	v, ok := c.tokens[tok]
	return v, ok
}

// Tokenize reduces a display name to its comparison form: diacritics
// stripped, lowercased for the context language, punctuation dropped and
// every token replaced through the token table.
//
// Transformers and casers are stateful, so they are built per call.
func (c *Context) Tokenize(display string) string {
	stripped, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		display,
	)
	if err != nil {
		stripped = display
	}
	lower := cases.Lower(c.lang).String(stripped)

	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for i, f := range fields {
		if v, ok := c.tokens[f]; ok {
			fields[i] = v
		}
	}

	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}
