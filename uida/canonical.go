package uida

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"
)

// maxDepth bounds nesting in a key set.
const maxDepth = 32

// Canonicalize encodes v as compact JSON with sorted object keys.
//
// Accepted values: nil, bool, string, all integer kinds, finite floats,
// json.Number, map[string]any, map[string]string, []any and []string.
// Anything else, a non-finite number, a string or object key that is not
// valid UTF-8, or a container that contains itself fails with
// ErrCanonicalization.
func Canonicalize(v any) ([]byte, error) {
	c := canonicalizer{active: make(map[containerRef]bool)}
	if err := c.encode(v, "$", 0); err != nil {
		return nil, err
	}
	return c.buf.Bytes(), nil
}

type containerRef struct {
	kind reflect.Kind
	ptr  uintptr
}

type canonicalizer struct {
	buf bytes.Buffer
	// containers on the current path, for cycle detection
	active map[containerRef]bool
}

func (c *canonicalizer) encode(v any, path string, depth int) error {
	if depth > maxDepth {
		return canonicalizationError("%s: nesting deeper than %d", path, maxDepth)
	}

	switch x := v.(type) {
	case nil:
		c.buf.WriteString("null")
	case bool:
		if x {
			c.buf.WriteString("true")
		} else {
			c.buf.WriteString("false")
		}
	case string:
		return c.writeString(x, path)
	case int:
		c.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int8:
		c.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int16:
		c.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		c.buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		c.buf.WriteString(strconv.FormatInt(x, 10))
	case uint:
		c.buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint8:
		c.buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint16:
		c.buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint32:
		c.buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint64:
		c.buf.WriteString(strconv.FormatUint(x, 10))
	case float32:
		return c.writeFloat(float64(x), path)
	case float64:
		return c.writeFloat(x, path)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			c.buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
		f, err := x.Float64()
		if err != nil {
			return canonicalizationError("%s: invalid number %q", path, string(x))
		}
		return c.writeFloat(f, path)
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return c.writeObject(m, path, depth)
	case map[string]any:
		if err := c.enter(reflect.ValueOf(x), path); err != nil {
			return err
		}
		defer c.leave(reflect.ValueOf(x))
		return c.writeObject(x, path, depth)
	case []string:
		c.buf.WriteByte('[')
		for i, s := range x {
			if i > 0 {
				c.buf.WriteByte(',')
			}
			if err := c.writeString(s, path); err != nil {
				return err
			}
		}
		c.buf.WriteByte(']')
	case []any:
		if err := c.enter(reflect.ValueOf(x), path); err != nil {
			return err
		}
		defer c.leave(reflect.ValueOf(x))
		c.buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				c.buf.WriteByte(',')
			}
			if err := c.encode(item, path+"["+strconv.Itoa(i)+"]", depth+1); err != nil {
				return err
			}
		}
		c.buf.WriteByte(']')
	default:
		return canonicalizationError("%s: unsupported value type %T", path, v)
	}
	return nil
}

func (c *canonicalizer) writeObject(m map[string]any, path string, depth int) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// byte-wise lexicographic order
	sort.Strings(keys)

	c.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			c.buf.WriteByte(',')
		}
		if err := c.writeString(k, path); err != nil {
			return err
		}
		c.buf.WriteByte(':')
		if err := c.encode(m[k], path+"."+k, depth+1); err != nil {
			return err
		}
	}
	c.buf.WriteByte('}')
	return nil
}

func (c *canonicalizer) writeString(s, path string) error {
	// the JSON encoder would turn every invalid byte into U+FFFD
	if !utf8.ValidString(s) {
		return canonicalizationError("%s: string %q is not valid UTF-8", path, s)
	}
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return canonicalizationError("%s: %v", path, err)
	}
	c.buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func (c *canonicalizer) writeFloat(f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return canonicalizationError("%s: non-finite number %v", path, f)
	}
	if f == 0 {
		// -0 and 0 are the same key value
		c.buf.WriteByte('0')
		return nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		c.buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	c.buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func (c *canonicalizer) enter(v reflect.Value, path string) error {
	if v.Len() == 0 {
		return nil
	}
	ref := containerRef{kind: v.Kind(), ptr: v.Pointer()}
	if c.active[ref] {
		return canonicalizationError("%s: cyclic structure", path)
	}
	c.active[ref] = true
	return nil
}

func (c *canonicalizer) leave(v reflect.Value) {
	if v.Len() == 0 {
		return
	}
	delete(c.active, containerRef{kind: v.Kind(), ptr: v.Pointer()})
}
