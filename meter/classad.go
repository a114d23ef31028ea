package meter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ValueKind discriminates the scalar variants a ClassAd attribute can hold.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindInt
	KindDouble
	KindBool
	// KindExpr covers unevaluated ClassAd expressions (anything that is not
	// a quoted string or a numeric/boolean literal). They are carried
	// verbatim and never participate in numeric fallback chains.
	KindExpr
)

// Value is the tagged scalar stored under one ClassAd attribute.
type Value struct {
	Kind ValueKind
	Str  string
	Int  int64
	Dbl  float64
	Bool bool
}

func StringValue(s string) Value  { return Value{Kind: KindString, Str: s} }
func IntValue(i int64) Value      { return Value{Kind: KindInt, Int: i} }
func DoubleValue(d float64) Value { return Value{Kind: KindDouble, Dbl: d} }
func BoolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func ExprValue(s string) Value    { return Value{Kind: KindExpr, Str: s} }

// Text renders the value the way it would appear in an attribute copied
// verbatim (unquoted strings, lowercase booleans).
func (v Value) Text() string {
	switch v.Kind {
	case KindString, KindExpr:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindDouble:
		return strconv.FormatFloat(v.Dbl, 'g', -1, 64)
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	}
	return ""
}

// ClassAd is one raw job record: an insertion-ordered attribute map with
// case-insensitive lookup. Attribute names vary wildly across scheduler
// versions, so no attribute except the primary cluster id can be assumed.
type ClassAd struct {
	keys []string         // insertion order, original spelling
	vals map[string]Value // lowercased name -> value
}

func NewClassAd() *ClassAd {
	return &ClassAd{vals: make(map[string]Value)}
}

func (ad *ClassAd) Len() int { return len(ad.keys) }

// Attributes returns attribute names in insertion order.
func (ad *ClassAd) Attributes() []string {
	out := make([]string, len(ad.keys))
	copy(out, ad.keys)
	return out
}

func (ad *ClassAd) Has(name string) bool {
	_, ok := ad.vals[strings.ToLower(name)]
	return ok
}

func (ad *ClassAd) Get(name string) (Value, bool) {
	v, ok := ad.vals[strings.ToLower(name)]
	return v, ok
}

// Set inserts or replaces an attribute. A replace keeps the original position
// and spelling so serialization round-trips cleanly.
func (ad *ClassAd) Set(name string, v Value) {
	key := strings.ToLower(name)
	if _, ok := ad.vals[key]; !ok {
		ad.keys = append(ad.keys, name)
	}
	ad.vals[key] = v
}

func (ad *ClassAd) Delete(name string) {
	key := strings.ToLower(name)
	if _, ok := ad.vals[key]; !ok {
		return
	}
	delete(ad.vals, key)
	for i, k := range ad.keys {
		if strings.ToLower(k) == key {
			ad.keys = append(ad.keys[:i], ad.keys[i+1:]...)
			break
		}
	}
}

// String returns the attribute only when it holds a quoted-string value.
func (ad *ClassAd) String(name string) (string, bool) {
	v, ok := ad.Get(name)
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// Int returns an integer view of the attribute: integer values directly,
// doubles with an integral value, and numeric strings that parse.
func (ad *ClassAd) Int(name string) (int64, bool) {
	v, ok := ad.Get(name)
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case KindInt:
		return v.Int, true
	case KindDouble:
		if v.Dbl == float64(int64(v.Dbl)) {
			return int64(v.Dbl), true
		}
	case KindString:
		if n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Float returns a float view of integer or double attributes.
func (ad *ClassAd) Float(name string) (float64, bool) {
	v, ok := ad.Get(name)
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindDouble:
		return v.Dbl, true
	}
	return 0, false
}

func (ad *ClassAd) Bool(name string) (bool, bool) {
	v, ok := ad.Get(name)
	if !ok || v.Kind != KindBool {
		return false, false
	}
	return v.Bool, true
}

// Text returns any present attribute rendered as a string.
func (ad *ClassAd) Text(name string) (string, bool) {
	v, ok := ad.Get(name)
	if !ok {
		return "", false
	}
	return v.Text(), true
}

// FirstText walks a preference chain and returns the first present
// attribute rendered as text.
func (ad *ClassAd) FirstText(names ...string) (string, bool) {
	for _, n := range names {
		if s, ok := ad.Text(n); ok {
			return s, true
		}
	}
	return "", false
}

// FirstInt walks a preference chain and returns the first attribute with an
// integer view.
func (ad *ClassAd) FirstInt(names ...string) (int64, bool) {
	for _, n := range names {
		if v, ok := ad.Int(n); ok {
			return v, true
		}
	}
	return 0, false
}

// One typed line per attribute: `Name = value`. Booleans and numbers are bare
// literals, strings are double-quoted, anything else is an expression.
var (
	adBoolRe   = regexp.MustCompile(`^(\w{1,255}) = (true|True|TRUE|false|False|FALSE)$`)
	adIntRe    = regexp.MustCompile(`^(\w{1,255}) = (-?\d{1,30})$`)
	adDoubleRe = regexp.MustCompile(`^(\w{1,255}) = ([+-]? *(?:\d{1,30}\.?\d{0,30}|\.\d{1,30})(?:[Ee][+-]?\d{1,30})?)$`)
	adStringRe = regexp.MustCompile(`^(\S+) = "(.*)"$`)
	adAnyRe    = regexp.MustCompile(`^(\S+) = (.*)$`)
)

// ParseClassAd parses one blank-line-delimited block of typed key=value lines
// into a ClassAd. An empty block parses to an empty record, which is valid.
// A line that has no `name = value` shape at all fails the whole block.
func ParseClassAd(block string) (*ClassAd, error) {
	ad := NewClassAd()
	for lineno, raw := range strings.Split(block, "\n") {
		line := strings.TrimRight(raw, " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := adBoolRe.FindStringSubmatch(line); m != nil {
			ad.Set(m[1], BoolValue(strings.EqualFold(m[2], "true")))
			continue
		}
		if m := adIntRe.FindStringSubmatch(line); m != nil {
			n, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: integer literal %q: %v", lineno+1, m[2], err)
			}
			ad.Set(m[1], IntValue(n))
			continue
		}
		if m := adDoubleRe.FindStringSubmatch(line); m != nil {
			d, err := strconv.ParseFloat(strings.ReplaceAll(m[2], " ", ""), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: double literal %q: %v", lineno+1, m[2], err)
			}
			ad.Set(m[1], DoubleValue(d))
			continue
		}
		if m := adStringRe.FindStringSubmatch(line); m != nil {
			ad.Set(m[1], StringValue(unescapeAdString(m[2])))
			continue
		}
		if m := adAnyRe.FindStringSubmatch(line); m != nil {
			ad.Set(m[1], ExprValue(m[2]))
			continue
		}
		return nil, fmt.Errorf("line %d: not a classad attribute line: %q", lineno+1, line)
	}
	return ad, nil
}

// Marshal serializes the record back to the typed line format, one attribute
// per line in insertion order. ParseClassAd(ad.Marshal()) reproduces ad.
func (ad *ClassAd) Marshal() string {
	var b strings.Builder
	for _, name := range ad.keys {
		v := ad.vals[strings.ToLower(name)]
		b.WriteString(name)
		b.WriteString(" = ")
		switch v.Kind {
		case KindString:
			b.WriteString(`"`)
			b.WriteString(escapeAdString(v.Str))
			b.WriteString(`"`)
		default:
			b.WriteString(v.Text())
		}
		b.WriteString("\n")
	}
	return b.String()
}

func escapeAdString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func unescapeAdString(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}
