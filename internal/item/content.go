package item

import (
	"bytes"
	"encoding/json"
	"iter"
	"sort"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Content is an insertion-ordered field map. Field order survives JSON round
// trips so sinks and printers see fields the way parsers produced them.
type Content struct {
	m *orderedmap.OrderedMap[string, any]
}

// NewContent returns an empty Content.
func NewContent() *Content {
	return &Content{m: orderedmap.New[string, any]()}
}

// ContentOf builds Content from alternating key/value arguments.
func ContentOf(kv ...any) *Content {
	c := NewContent()
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		c.Set(k, kv[i+1])
	}
	return c
}

// ContentFromMap builds Content from a plain map with keys in sorted order.
func ContentFromMap(in map[string]any) *Content {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	c := NewContent()
	for _, k := range keys {
		c.Set(k, in[k])
	}
	return c
}

func (c *Content) ensure() {
	if c.m == nil {
		c.m = orderedmap.New[string, any]()
	}
}

// Get returns the value stored under key.
func (c *Content) Get(key string) (any, bool) {
	if c == nil || c.m == nil {
		return nil, false
	}
	return c.m.Get(key)
}

// Set stores value under key, keeping the original position of existing keys.
func (c *Content) Set(key string, value any) {
	c.ensure()
	c.m.Set(key, value)
}

// Delete removes key.
func (c *Content) Delete(key string) {
	if c == nil || c.m == nil {
		return
	}
	c.m.Delete(key)
}

// Len returns the number of fields.
func (c *Content) Len() int {
	if c == nil || c.m == nil {
		return 0
	}
	return c.m.Len()
}

// Keys returns field names in insertion order.
func (c *Content) Keys() []string {
	keys := make([]string, 0, c.Len())
	for k := range c.All() {
		keys = append(keys, k)
	}
	return keys
}

// All iterates fields in insertion order.
func (c *Content) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		if c == nil || c.m == nil {
			return
		}
		for p := c.m.Oldest(); p != nil; p = p.Next() {
			if !yield(p.Key, p.Value) {
				return
			}
		}
	}
}

// Clone returns a shallow copy; stages mutate the clone, never the input.
func (c *Content) Clone() *Content {
	out := NewContent()
	for k, v := range c.All() {
		out.Set(k, v)
	}
	return out
}

// Map returns the fields as a plain map.
func (c *Content) Map() map[string]any {
	out := make(map[string]any, c.Len())
	for k, v := range c.All() {
		out[k] = v
	}
	return out
}

func (c *Content) MarshalJSON() ([]byte, error) {
	if c == nil || c.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.m)
}

// UnmarshalJSON decodes numbers as float64, except integers beyond the
// float64 exact range, which stay int64 (or json.Number when they overflow
// int64) so that large numeric identifiers keep every digit.
func (c *Content) UnmarshalJSON(data []byte) error {
	raw := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, raw); err != nil {
		return err
	}
	c.m = orderedmap.New[string, any]()
	for p := raw.Oldest(); p != nil; p = p.Next() {
		dec := json.NewDecoder(bytes.NewReader(p.Value))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return err
		}
		c.m.Set(p.Key, numbers(v))
	}
	return nil
}

const maxExactInt = 1 << 53

func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if !strings.ContainsAny(x.String(), ".eE") {
			n, err := x.Int64()
			if err != nil {
				return x
			}
			if n > maxExactInt || n < -maxExactInt {
				return n
			}
			return float64(n)
		}
		f, err := x.Float64()
		if err != nil {
			return x
		}
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = numbers(e)
		}
	case []any:
		for i, e := range x {
			x[i] = numbers(e)
		}
	}
	return v
}
