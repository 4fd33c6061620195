// Package entity describes how a topic's records are identified and valued
// for change detection.
package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
)

// Spec tracks one topic. Records of the topic are grouped under Kind and
// identified by the values of the Key fields.
type Spec struct {
	Topic     string   `mapstructure:"topic" json:"topic"`
	Kind      string   `mapstructure:"kind" json:"kind,omitempty"`
	Key       []string `mapstructure:"key" json:"key"`
	Value     string   `mapstructure:"value" json:"value"`
	Date      string   `mapstructure:"date" json:"date,omitempty"`
	DiffTopic string   `mapstructure:"diff_topic" json:"diff_topic,omitempty"`
}

// Normalize fills defaults and validates the topic mapping.
func (s Spec) Normalize() (Spec, error) {
	if s.Topic == "" {
		return s, errors.Mark(errors.New("entity spec: topic is required"), errors.ErrInvalidConfig)
	}
	if len(s.Key) == 0 {
		return s, errors.Mark(errors.Newf("entity spec %s: key fields are required", s.Topic), errors.ErrInvalidConfig)
	}
	if s.Value == "" {
		return s, errors.Mark(errors.Newf("entity spec %s: value field is required", s.Topic), errors.ErrInvalidConfig)
	}
	if s.Kind == "" {
		s.Kind = s.Topic
	}
	if s.DiffTopic == "" {
		s.DiffTopic = s.Topic + ".diff"
	}
	return s, nil
}

// Key is a composite entity identifier.
type Key []string

// String encodes the key as a JSON array, the form stored in the database.
func (k Key) String() string {
	b, _ := json.Marshal([]string(k))
	return string(b)
}

// ParseKey decodes the String form.
func ParseKey(s string) (Key, error) {
	var k []string
	if err := json.Unmarshal([]byte(s), &k); err != nil {
		return nil, errors.Wrapf(err, "parse entity key %q", s)
	}
	return Key(k), nil
}

// KeyOf extracts the composite key from content. It reports false when any
// key field is missing or blank.
func (s Spec) KeyOf(c *item.Content) (Key, bool) {
	k := make(Key, 0, len(s.Key))
	for _, f := range s.Key {
		v, ok := c.Get(f)
		if !ok || v == nil {
			return nil, false
		}
		str := strings.TrimSpace(Text(v))
		if str == "" {
			return nil, false
		}
		k = append(k, str)
	}
	return k, true
}

// ValueOf reads the numeric value field. A missing field reads as 0.
func (s Spec) ValueOf(c *item.Content) (float64, error) {
	v, ok := c.Get(s.Value)
	if !ok || v == nil {
		return 0, nil
	}
	return Number(v)
}

// DateOf reads the tracked date field as text, "" when untracked or absent.
func (s Spec) DateOf(c *item.Content) string {
	if s.Date == "" {
		return ""
	}
	v, ok := c.Get(s.Date)
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(Text(v))
}

// Number converts a content value to float64.
func Number(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		str := strings.TrimSpace(strings.ReplaceAll(x, ",", "."))
		if str == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "not a number: %q", x)
		}
		return f, nil
	default:
		return 0, errors.Newf("not a number: %T", v)
	}
}

// Text renders a scalar content value as a string.
func Text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
