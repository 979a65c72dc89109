package cache

import (
	"strings"
)

// PathSegment is one hop of a dotted field path: a field looked up on
// an entity type.
type PathSegment struct {
	Type  string
	Field string
}

// FieldPath is a parsed dotted field reference such as
// "sg_sequence.Sequence.code" rooted at some entity type. Segment zero
// is always on the root type; each later segment names the type the
// previous entity field hopped to.
type FieldPath []PathSegment

// ParsePath parses a dotted field path rooted at rootType. The raw form
// alternates field and type names: field(.Type.field)*.
func ParsePath(raw, rootType string) (FieldPath, error) {
	parts := strings.Split(raw, ".")
	if len(parts)%2 != 1 {
		return nil, clientFaultf("malformed field path %q", raw)
	}
	path := FieldPath{{Type: rootType, Field: parts[0]}}
	for i := 1; i < len(parts); i += 2 {
		path = append(path, PathSegment{Type: parts[i], Field: parts[i+1]})
	}
	for _, seg := range path {
		if seg.Type == "" || seg.Field == "" {
			return nil, clientFaultf("malformed field path %q", raw)
		}
	}
	return path, nil
}

// String renders the path back to its dotted wire form.
func (p FieldPath) String() string {
	var b strings.Builder
	for i, seg := range p {
		if i == 0 {
			b.WriteString(seg.Field)
			continue
		}
		b.WriteByte('.')
		b.WriteString(seg.Type)
		b.WriteByte('.')
		b.WriteString(seg.Field)
	}
	return b.String()
}

// Last returns the final segment.
func (p FieldPath) Last() PathSegment {
	return p[len(p)-1]
}

// Head returns the path up to and including segment i; used as the
// aliasing key for the table that segment's field lives on.
func (p FieldPath) Head(i int) FieldPath {
	return p[:i+1]
}

// HeadKey is the stringified form of Head(i), the canonical alias key.
func (p FieldPath) HeadKey(i int) string {
	return p.Head(i).String()
}
