package formats

import "sort"

// Set is an unordered collection of formats.
type Set map[Format]struct{}

func NewSet(formats ...Format) Set {
	s := make(Set, len(formats))
	for _, f := range formats {
		s[f] = struct{}{}
	}
	return s
}

func (s Set) Has(f Format) bool {
	_, ok := s[f]
	return ok
}

func (s Set) Len() int { return len(s) }

// Intersect returns the formats present in both sets.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for f := range s {
		if other.Has(f) {
			out[f] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []Format {
	out := make([]Format, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings is Sorted as plain strings, for JSON responses.
func (s Set) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, f := range sorted {
		out[i] = string(f)
	}
	return out
}
