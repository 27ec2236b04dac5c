// Package auditcodec converts audit details to and from the flat
// "key|k1=v1|k2=v2" string stored in the audit log.
package auditcodec

import (
	"sort"
	"strings"
)

const (
	separator = "|"
	assign    = "="
)

// Detail is the in-process form of an audit event's detail column.
// Legacy rows that predate the key/metadata format only carry Text.
type Detail struct {
	Key    string
	Fields map[string]string
	Text   string
}

// Legacy reports whether d came from a free-text row.
func (d Detail) Legacy() bool {
	return d.Key == "" && d.Text != ""
}

// Field returns the value stored under name, or "".
func (d Detail) Field(name string) string {
	return d.Fields[name]
}

var (
	keyCleaner   = strings.NewReplacer(separator, "", assign, "")
	valueCleaner = strings.NewReplacer(separator, "", assign, "", "\r\n", " ", "\n", " ", "\r", " ")
)

// Encode renders key and metadata. Metadata is written in key order;
// entries whose sanitized name or value is empty are dropped.
func Encode(key string, metadata map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(keyCleaner.Replace(key)))

	names := make([]string, 0, len(metadata))
	for name := range metadata {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		k := strings.TrimSpace(keyCleaner.Replace(name))
		v := strings.TrimSpace(valueCleaner.Replace(metadata[name]))
		if k == "" || v == "" {
			continue
		}
		b.WriteString(separator)
		b.WriteString(k)
		b.WriteString(assign)
		b.WriteString(v)
	}
	return b.String()
}

// EncodeDetail is Encode for a Detail value.
func EncodeDetail(d Detail) string {
	if d.Key == "" {
		return d.Text
	}
	return Encode(d.Key, d.Fields)
}

// Decode parses a stored detail. A string without a separator is legacy free
// text and is returned verbatim in Text.
func Decode(raw string) Detail {
	if !strings.Contains(raw, separator) {
		return Detail{Text: raw, Fields: map[string]string{}}
	}

	parts := strings.Split(raw, separator)
	d := Detail{Key: parts[0], Fields: make(map[string]string, len(parts)-1)}
	for _, part := range parts[1:] {
		k, v, ok := strings.Cut(part, assign)
		if !ok {
			continue
		}
		d.Fields[k] = v
	}
	return d
}
