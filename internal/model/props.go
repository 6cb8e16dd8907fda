package model

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Props is an insertion-ordered map of JSON values. Encoding writes keys in
// insertion order, decoding keeps document order, so a stored record
// re-encodes to the same bytes.
type Props struct {
	keys []string
	vals map[string]any
}

// NewProps returns an empty Props.
func NewProps() *Props {
	return &Props{vals: make(map[string]any)}
}

// Len returns the number of keys.
func (p *Props) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Keys returns a copy of the keys in order.
func (p *Props) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

// Get returns the value stored under k.
func (p *Props) Get(k string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.vals[k]
	return v, ok
}

// Set stores v under k. Existing keys keep their position.
func (p *Props) Set(k string, v any) {
	if p.vals == nil {
		p.vals = make(map[string]any)
	}
	if _, ok := p.vals[k]; !ok {
		p.keys = append(p.keys, k)
	}
	p.vals[k] = v
}

// Delete removes k.
func (p *Props) Delete(k string) {
	if p == nil {
		return
	}
	if _, ok := p.vals[k]; !ok {
		return
	}
	delete(p.vals, k)
	for i, key := range p.keys {
		if key == k {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Clone returns a shallow copy.
func (p *Props) Clone() *Props {
	out := NewProps()
	if p == nil {
		return out
	}
	for _, k := range p.keys {
		out.Set(k, p.vals[k])
	}
	return out
}

// Merge returns a copy of p overlaid with every key of o. Keys already in p
// keep their position, new keys are appended in o's order.
func (p *Props) Merge(o *Props) *Props {
	out := p.Clone()
	if o == nil {
		return out
	}
	for _, k := range o.keys {
		out.Set(k, o.vals[k])
	}
	return out
}

// Equal reports whether both maps hold the same keys with the same JSON
// values, ignoring key order and the listed keys.
func (p *Props) Equal(o *Props, ignore ...string) bool {
	skip := make(map[string]struct{}, len(ignore))
	for _, k := range ignore {
		skip[k] = struct{}{}
	}

	count := func(x *Props) int {
		n := 0
		for _, k := range x.Keys() {
			if _, ok := skip[k]; !ok {
				n++
			}
		}
		return n
	}
	if count(p) != count(o) {
		return false
	}

	for _, k := range p.Keys() {
		if _, ok := skip[k]; ok {
			continue
		}
		ov, ok := o.Get(k)
		if !ok {
			return false
		}
		pv, _ := p.Get(k)
		if !jsonEqual(pv, ov) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// MarshalJSON writes the object in insertion order. A nil Props encodes as {}.
func (p *Props) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if p != nil {
		for i, k := range p.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, eris.Wrapf(err, "props: marshal key %q", k)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := json.Marshal(p.vals[k])
			if err != nil {
				return nil, eris.Wrapf(err, "props: marshal value of %q", k)
			}
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object keeping key order. Numbers are kept as
// json.Number so they re-encode verbatim.
func (p *Props) UnmarshalJSON(data []byte) error {
	p.keys = nil
	p.vals = make(map[string]any)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "props: read object start")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return eris.Errorf("props: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "props: read key")
		}
		key, ok := tok.(string)
		if !ok {
			return eris.Errorf("props: expected string key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return eris.Wrapf(err, "props: decode value of %q", key)
		}
		p.Set(key, v)
	}

	if _, err := dec.Token(); err != nil {
		return eris.Wrap(err, "props: read object end")
	}
	return nil
}
