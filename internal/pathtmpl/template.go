// Package pathtmpl compiles path patterns such as "/users/<id>/edit" or
// "/violation?uri=<uri>" into templates that can both recognise concrete
// request URIs and generate new ones from captured values.
//
// Matching is positional: a template with n segments only ever matches a
// path with n segments, and each segment is either a literal compared
// byte-for-byte or a capture accepting any non-empty value.
package pathtmpl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrDuplicateCapture reports a capture name used twice in one pattern.
	ErrDuplicateCapture = errors.New("duplicate capture name")
	// ErrEmptyCapture reports a "<>" segment.
	ErrEmptyCapture = errors.New("empty capture name")
)

// TemplateError describes why a pattern could not be compiled.
type TemplateError struct {
	Pattern string
	Name    string
	Err     error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	if e == nil {
		return ""
	}
	if e.Name != "" {
		return fmt.Sprintf("pathtmpl: %v %q in pattern %q", e.Err, e.Name, e.Pattern)
	}
	return fmt.Sprintf("pathtmpl: %v in pattern %q", e.Err, e.Pattern)
}

// Unwrap allows errors.Is to match the sentinel cause.
func (e *TemplateError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Captures maps capture names to their (decoded) values.
type Captures map[string]string

// Segment is one element of a compiled template: a literal or a named capture.
type Segment struct {
	Literal string
	Name    string
}

// IsCapture reports whether the segment is a named capture.
func (s Segment) IsCapture() bool { return s.Name != "" }

func (s Segment) String() string {
	if s.IsCapture() {
		return "<" + s.Name + ">"
	}
	return s.Literal
}

// queryItem is a query parameter of the form key=<name>, or a literal item.
type queryItem struct {
	key string
	seg Segment
}

// Template is an immutable compiled pattern.
type Template struct {
	pattern  string
	path     []Segment
	query    []queryItem
	hasQuery bool
	names    []string
}

// Compile parses pattern. The path part is split on "/", the optional query
// part (after the first "?") on "&". A path segment that is exactly "<name>"
// and a query item of the form "key=<name>" become captures.
func Compile(pattern string) (*Template, error) {
	pathPart, queryPart, hasQuery := strings.Cut(pattern, "?")
	t := &Template{pattern: pattern, hasQuery: hasQuery}
	seen := make(map[string]struct{})

	addName := func(name string) error {
		if name == "" {
			return &TemplateError{Pattern: pattern, Err: ErrEmptyCapture}
		}
		if _, dup := seen[name]; dup {
			return &TemplateError{Pattern: pattern, Name: name, Err: ErrDuplicateCapture}
		}
		seen[name] = struct{}{}
		t.names = append(t.names, name)
		return nil
	}

	for _, raw := range strings.Split(pathPart, "/") {
		name, ok := captureName(raw)
		if !ok {
			t.path = append(t.path, Segment{Literal: raw})
			continue
		}
		if err := addName(name); err != nil {
			return nil, err
		}
		t.path = append(t.path, Segment{Name: name})
	}

	if hasQuery && queryPart != "" {
		for _, raw := range strings.Split(queryPart, "&") {
			key, value, hasValue := strings.Cut(raw, "=")
			name, ok := captureName(value)
			if !hasValue || !ok {
				t.query = append(t.query, queryItem{seg: Segment{Literal: raw}})
				continue
			}
			if err := addName(name); err != nil {
				return nil, err
			}
			t.query = append(t.query, queryItem{key: key, seg: Segment{Name: name}})
		}
	}
	return t, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) *Template {
	t, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return t
}

func captureName(segment string) (string, bool) {
	if len(segment) < 2 || segment[0] != '<' || segment[len(segment)-1] != '>' {
		return "", false
	}
	return segment[1 : len(segment)-1], true
}

// String returns the source pattern.
func (t *Template) String() string { return t.pattern }

// Segments returns a copy of the path segments.
func (t *Template) Segments() []Segment {
	out := make([]Segment, len(t.path))
	copy(out, t.path)
	return out
}

// Names returns capture names in declaration order.
func (t *Template) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Has reports whether the template declares the capture name.
func (t *Template) Has(name string) bool {
	for _, n := range t.names {
		if n == name {
			return true
		}
	}
	return false
}

// Extract matches uri against the template. Only the path component takes
// part in segment matching; the query is consulted only when the template
// declares query items. Captured values are percent-decoded when they decode
// cleanly and kept raw otherwise.
func (t *Template) Extract(uri string) (Captures, bool) {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		uri = uri[:i]
	}
	pathPart, queryPart, _ := strings.Cut(uri, "?")

	// count before splitting so mismatches cost no allocation
	if strings.Count(pathPart, "/")+1 != len(t.path) {
		return nil, false
	}
	captures := make(Captures, len(t.names))
	for i, concrete := range strings.Split(pathPart, "/") {
		seg := t.path[i]
		if !seg.IsCapture() {
			if seg.Literal != concrete {
				return nil, false
			}
			continue
		}
		if concrete == "" {
			return nil, false
		}
		if decoded, err := url.PathUnescape(concrete); err == nil {
			concrete = decoded
		}
		captures[seg.Name] = concrete
	}

	if len(t.query) == 0 {
		return captures, true
	}
	var items []string
	if queryPart != "" {
		items = strings.Split(queryPart, "&")
	}
	for _, q := range t.query {
		if !q.seg.IsCapture() {
			if !containsItem(items, q.seg.Literal) {
				return nil, false
			}
			continue
		}
		value, ok := lookupParam(items, q.key)
		if !ok || value == "" {
			return nil, false
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		captures[q.seg.Name] = value
	}
	return captures, true
}

func containsItem(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}

func lookupParam(items []string, key string) (string, bool) {
	for _, it := range items {
		k, v, _ := strings.Cut(it, "=")
		if k == key {
			return v, true
		}
	}
	return "", false
}

// Generate substitutes captures into the template. Path captures are
// encoded with url.PathEscape and query captures with url.QueryEscape. It
// returns false when a capture the template needs is absent from c.
//
// Output is always canonically encoded, so Generate(Extract(uri)) returns
// uri itself only when uri was canonical: "/a/%7E" comes back as "/a/~" and
// "/a/caf%c3%a9" as "/a/caf%C3%A9". The captures survive either way.
func (t *Template) Generate(c Captures) (string, bool) {
	var b strings.Builder
	b.Grow(len(t.pattern) + 16)
	for i, seg := range t.path {
		if i > 0 {
			b.WriteByte('/')
		}
		if !seg.IsCapture() {
			b.WriteString(seg.Literal)
			continue
		}
		v, ok := c[seg.Name]
		if !ok {
			return "", false
		}
		b.WriteString(url.PathEscape(v))
	}
	if !t.hasQuery {
		return b.String(), true
	}
	b.WriteByte('?')
	for i, q := range t.query {
		if i > 0 {
			b.WriteByte('&')
		}
		if !q.seg.IsCapture() {
			b.WriteString(q.seg.Literal)
			continue
		}
		v, ok := c[q.seg.Name]
		if !ok {
			return "", false
		}
		b.WriteString(q.key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	return b.String(), true
}
