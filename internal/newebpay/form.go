package newebpay

import (
	"net/url"
	"strconv"
	"strings"
)

// Field is a single wire form field.
type Field struct {
	Key   string
	Value string
}

// Values is an ordered field list. The provider's hash formulas are defined
// over explicitly ordered field sets, so encoding must keep insertion order;
// url.Values cannot be used here because Encode re-sorts its keys.
type Values []Field

func (v *Values) Add(key, value string) {
	*v = append(*v, Field{Key: key, Value: value})
}

func (v *Values) AddInt(key string, n int) {
	v.Add(key, strconv.Itoa(n))
}

// Get returns the first value for key, or "" when absent.
func (v Values) Get(key string) string {
	for _, f := range v {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// Encode renders the fields as an application/x-www-form-urlencoded string,
// percent-encoding keys and values and preserving insertion order.
func (v Values) Encode() string {
	var b strings.Builder
	for i, f := range v {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(f.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.Value))
	}
	return b.String()
}

// ParseQuery parses a query-encoded payload into a flat map. Duplicate keys
// resolve to the last occurrence, "+" decodes to space, and blank values are
// kept rather than dropped; segments that fail to unescape are kept verbatim
// so a single odd value cannot discard the rest of the payload.
func ParseQuery(qs string) map[string]string {
	out := make(map[string]string)
	for _, seg := range strings.Split(qs, "&") {
		if seg == "" {
			continue
		}
		key, value, _ := strings.Cut(seg, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if vv, err := url.QueryUnescape(value); err == nil {
			value = vv
		}
		out[key] = value
	}
	return out
}
