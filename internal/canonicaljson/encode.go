// Package canonicaljson produces a deterministic JSON encoding of Go
// values: object keys sorted, array order preserved, numbers formatted
// uniformly, strings escaped uniformly. No retrieval-pack library
// implements this exact "stable-key JSON for hash comparison" contract
// (spec.md §4.5), so it is hand-rolled over encoding/json.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Marshal encodes v with object keys sorted at every nesting level.
// v is first round-tripped through encoding/json to normalize it into
// plain map[string]any/[]any/primitive values (so callers can pass
// structs, maps with non-string-keyed-but-marshalable types, etc.),
// then walked and re-encoded deterministically.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, val)
	case string:
		encodeString(buf, val)
		return nil
	case []any:
		return encodeArray(buf, val)
	case map[string]any:
		return encodeObject(buf, val)
	default:
		return fmt.Errorf("canonicaljson: unsupported value type %T", v)
	}
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeNumber re-emits n in a fixed format: integral values without a
// decimal point or exponent, non-integral values via strconv's
// shortest round-tripping representation. json.Number already carries
// the original decimal text, but two producers of the same logical
// value (1 vs 1.0, 1e2 vs 100) must hash identically, so it is
// re-parsed rather than passed through verbatim.
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonicaljson: number %q: %w", n, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonicaljson: non-finite number %q", n)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// encodeString uses encoding/json's own string escaping (it already
// escapes uniformly: control characters, quotes, backslashes, and by
// default '<', '>', '&' for HTML safety) but strips the trailing
// newline json.Encoder.Encode appends after each value, and
// disables HTML escaping so the canonical form doesn't depend on
// whether the caller happens to use an html/template-aware encoder
// elsewhere.
func encodeString(buf *bytes.Buffer, s string) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimRight(b.Bytes(), "\n"))
}
