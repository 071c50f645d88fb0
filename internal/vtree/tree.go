/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package vtree implements the tagged-union data tree that every data
// source produces and every request handler reads: a recursive mapping of
// string keys to scalars, sequences, or nested mappings, plus the
// compound-key (":" separated) lookup convenience used throughout Vinegar.
package vtree

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the dynamic type carried by a Value.
type Kind int

const (
	KindAbsent Kind = iota
	KindNull
	KindString
	KindInt
	KindFloat
	KindBool
	KindSequence
	KindMap
)

// Value is a single node of a data tree. The zero Value is Absent, not
// Null: the two are never conflated, keeping "absent" distinguishable
// from an explicit null throughout lookup and merge.
type Value struct {
	kind Kind
	str  string
	i    int64
	f    float64
	b    bool
	seq  []Value
	m    Map
}

// Map is an ordered-insertion-agnostic mapping; iteration order is not part
// of the data model's equality contract (merge is keyed, not positional).
type Map map[string]Value

// Absent is the distinguished "key not present" value.
var Absent = Value{kind: KindAbsent}

// Null is the distinguished JSON/YAML null value.
var Null = Value{kind: KindNull}

func String(s string) Value   { return Value{kind: KindString, str: s} }
func Int(i int64) Value       { return Value{kind: KindInt, i: i} }
func Float(f float64) Value   { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Sequence(v []Value) Value { return Value{kind: KindSequence, seq: v} }
func Mapping(m Map) Value     { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsAbsent() bool  { return v.kind == KindAbsent }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// AsString returns the value's textual representation. Scalars are
// formatted; sequences and maps are not convertible and return ok=false.
func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindString:
		return v.str, true
	case KindInt:
		return strconv.FormatInt(v.i, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	case KindString:
		i, err := strconv.ParseInt(v.str, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	case KindString:
		f, err := strconv.ParseFloat(v.str, 64)
		return f, err == nil
	}
	return 0, false
}

func (v Value) AsBool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

func (v Value) AsSequence() ([]Value, bool) {
	if v.kind == KindSequence {
		return v.seq, true
	}
	return nil, false
}

func (v Value) AsMap() (Map, bool) {
	if v.kind == KindMap {
		return v.m, true
	}
	return nil, false
}

// Native converts a Value into a plain interface{} tree made of
// string/int64/float64/bool/nil/[]interface{}/map[string]interface{},
// suitable for handing to a template engine or JSON/YAML encoder.
func (v Value) Native() interface{} {
	switch v.kind {
	case KindAbsent, KindNull:
		return nil
	case KindString:
		return v.str
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindSequence:
		out := make([]interface{}, len(v.seq))
		for i, e := range v.seq {
			out[i] = e.Native()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.Native()
		}
		return out
	}
	return nil
}

// FromNative builds a Value tree out of a decoded YAML/JSON document (the
// shapes produced by yaml.v3 and encoding/json: map[string]interface{} or
// map[interface{}]interface{}, []interface{}, string, bool, float64/int,
// nil).
func FromNative(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		return Float(t)
	case float32:
		return Float(float64(t))
	case []interface{}:
		seq := make([]Value, len(t))
		for i, e := range t {
			seq[i] = FromNative(e)
		}
		return Sequence(seq)
	case []Value:
		return Sequence(t)
	case map[string]interface{}:
		m := make(Map, len(t))
		for k, e := range t {
			m[k] = FromNative(e)
		}
		return Mapping(m)
	case map[interface{}]interface{}:
		m := make(Map, len(t))
		for k, e := range t {
			ks := fmt.Sprintf("%v", k)
			m[ks] = FromNative(e)
		}
		return Mapping(m)
	case Map:
		return Mapping(t)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// SplitKey splits a compound key on ":" into its path segments.
func SplitKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, ":")
}

// Lookup resolves a compound key ("net:mac_addr") against the tree,
// traversing maps by key and sequences by integer index. Any miss, including
// an out-of-range sequence index or an attempt to index a scalar, yields
// Absent rather than an error: callers that need to distinguish "wrong
// shape" from "missing" should walk the path themselves.
func Lookup(root Value, key string) Value {
	cur := root
	for _, seg := range SplitKey(key) {
		switch cur.kind {
		case KindMap:
			next, ok := cur.m[seg]
			if !ok {
				return Absent
			}
			cur = next
		case KindSequence:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.seq) {
				return Absent
			}
			cur = cur.seq[idx]
		default:
			return Absent
		}
	}
	return cur
}

// Set writes value at the compound key path within root, creating
// intermediate maps as needed. Set never creates sequences; a numeric
// path segment under a map creates a map key literally named by that
// number's text -- compound keys are a lookup convenience, not a
// storage form.
func Set(root Value, key string, value Value) Value {
	segs := SplitKey(key)
	if len(segs) == 0 {
		return value
	}
	return setPath(root, segs, value)
}

func setPath(root Value, segs []string, value Value) Value {
	m, ok := root.AsMap()
	if !ok {
		m = Map{}
	} else {
		cp := make(Map, len(m))
		for k, v := range m {
			cp[k] = v
		}
		m = cp
	}
	if len(segs) == 1 {
		m[segs[0]] = value
		return Mapping(m)
	}
	child := m[segs[0]]
	m[segs[0]] = setPath(child, segs[1:], value)
	return Mapping(m)
}

// Merge combines two data trees: mappings merge
// recursively, key-by-key; scalars are replaced last-wins; sequences are
// replaced last-wins unless mergeLists requests append-merge.
func Merge(base, overlay Value, mergeLists bool) Value {
	if overlay.IsAbsent() {
		return base
	}
	bm, bok := base.AsMap()
	om, ook := overlay.AsMap()
	if bok && ook {
		out := make(Map, len(bm)+len(om))
		for k, v := range bm {
			out[k] = v
		}
		for k, v := range om {
			if existing, present := out[k]; present {
				out[k] = Merge(existing, v, mergeLists)
			} else {
				out[k] = v
			}
		}
		return Mapping(out)
	}
	if mergeLists {
		bs, bsok := base.AsSequence()
		os_, osok := overlay.AsSequence()
		if bsok && osok {
			merged := make([]Value, 0, len(bs)+len(os_))
			merged = append(merged, bs...)
			merged = append(merged, os_...)
			return Sequence(merged)
		}
	}
	return overlay
}
