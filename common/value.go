package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValueKind discriminates Value.
type ValueKind uint8

const (
	KindNumber ValueKind = iota
	KindText
	KindSequence
)

// Value is a configuration metric value: a number, a text scalar, or a fixed-length
// sequence of numbers.
type Value struct {
	kind ValueKind
	num  float64
	text string
	seq  []float64
}

// Number builds a numeric scalar.
func Number(v float64) Value {
	return Value{kind: KindNumber, num: v}
}

// Text builds a text scalar.
func Text(s string) Value {
	return Value{kind: KindText, text: s}
}

// Sequence builds a sequence value. The elements are copied.
func Sequence(vs ...float64) Value {
	return Value{kind: KindSequence, seq: append([]float64{}, vs...)}
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsSequence() bool { return v.kind == KindSequence }

// Len is the sequence length, 0 for scalars.
func (v Value) Len() int { return len(v.seq) }

// Float returns the numeric scalar. Text that parses as a number is converted.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindText:
		f, err := strconv.ParseFloat(v.text, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int is floor(v) for scalars, saturated to the int32 range. Non-numeric values and NaN
// yield 0.
func (v Value) Int() int32 {
	f, ok := v.Float()
	if !ok || math.IsNaN(f) {
		return 0
	}
	f = math.Floor(f)
	switch {
	case f > math.MaxInt32:
		return math.MaxInt32
	case f < math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindSequence:
		return fmt.Sprint(v.seq)
	default:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
}

// Elements returns a copy of the sequence elements.
func (v Value) Elements() []float64 {
	return append([]float64(nil), v.seq...)
}

// Broadcast returns a sequence of length n with every element equal to the scalar v.
func (v Value) Broadcast(n int) Value {
	f, _ := v.Float()
	seq := make([]float64, n)
	for i := range seq {
		seq[i] = f
	}
	return Value{kind: KindSequence, seq: seq}
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	if v.kind == KindSequence {
		v.seq = append([]float64{}, v.seq...)
	}
	return v
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindText:
		return v.text == o.text
	case KindSequence:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if v.seq[i] != o.seq[i] {
				return false
			}
		}
		return true
	default:
		return v.num == o.num
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindText:
		return json.Marshal(v.text)
	case KindSequence:
		return json.Marshal(v.seq)
	default:
		return json.Marshal(v.num)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", ErrParseFailure)
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
	case '[':
		var raw []any
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		seq, err := toFloats(raw)
		if err != nil {
			return err
		}
		*v = Value{kind: KindSequence, seq: seq}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Number(boolFloat(b))
	case 'n', '{':
		return fmt.Errorf("%w: unsupported value %s", ErrParseFailure, data)
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("%w: unsupported value %s", ErrParseFailure, data)
		}
		*v = Number(f)
	}

	return nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var raw []any
		if err := node.Decode(&raw); err != nil {
			return err
		}
		seq, err := toFloats(raw)
		if err != nil {
			return err
		}
		*v = Value{kind: KindSequence, seq: seq}
		return nil
	case yaml.ScalarNode:
		var raw any
		if err := node.Decode(&raw); err != nil {
			return err
		}
		switch x := raw.(type) {
		case string:
			*v = Text(x)
		case bool:
			*v = Number(boolFloat(x))
		case int:
			*v = Number(float64(x))
		case float64:
			*v = Number(x)
		default:
			return fmt.Errorf("%w: unsupported value %q at line %d", ErrParseFailure, node.Value, node.Line)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported node at line %d", ErrParseFailure, node.Line)
	}
}

func toFloats(raw []any) ([]float64, error) {
	seq := make([]float64, 0, len(raw))
	for i, e := range raw {
		switch x := e.(type) {
		case float64:
			seq = append(seq, x)
		case int:
			seq = append(seq, float64(x))
		case bool:
			seq = append(seq, boolFloat(x))
		default:
			return nil, fmt.Errorf("%w: sequence element %d is %T", ErrParseFailure, i, e)
		}
	}
	return seq, nil
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// MetricMapping maps metric keys to values.
type MetricMapping map[string]Value

// Clone returns a deep copy.
func (m MetricMapping) Clone() MetricMapping {
	out := make(MetricMapping, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// ConfigUpdate is a partial update: category -> metric key -> new value.
type ConfigUpdate map[string]map[string]Value

// Clone returns a deep copy.
func (u ConfigUpdate) Clone() ConfigUpdate {
	if u == nil {
		return nil
	}
	out := make(ConfigUpdate, len(u))
	for cat, kv := range u {
		inner := make(map[string]Value, len(kv))
		for k, v := range kv {
			inner[k] = v.Clone()
		}
		out[cat] = inner
	}
	return out
}
