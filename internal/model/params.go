package model

import (
	"net/url"
	"slices"
	"strings"
)

// Param is a single query parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered query multi-map. Unlike url.Values it keeps the
// order in which parameters were added when encoded.
type Params []Param

// ParseParams parses a raw query string, keeping parameter order.
// Malformed escapes are kept verbatim.
func ParseParams(rawQuery string) Params {
	var ps Params
	for part := range strings.SplitSeq(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		ps = append(ps, Param{Key: k, Value: v})
	}
	return ps
}

// Add appends a parameter and returns the extended list.
func (ps Params) Add(key, value string) Params {
	return append(ps, Param{Key: key, Value: value})
}

// Get returns the first value for key, or "".
func (ps Params) Get(key string) string {
	for _, p := range ps {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Without returns a copy of ps with every parameter named in keys removed.
func (ps Params) Without(keys ...string) Params {
	out := make(Params, 0, len(ps))
	for _, p := range ps {
		if !slices.Contains(keys, p.Key) {
			out = append(out, p)
		}
	}
	return out
}

// Encode returns the URL-encoded query in insertion order.
func (ps Params) Encode() string {
	var b strings.Builder
	for i, p := range ps {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}
