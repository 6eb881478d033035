// Package topic implements MQTT topic filter algebra: superset
// comparison under +/# wildcard semantics, and the subscribe/publish
// validation rules (length, slash count, Basic Ingest prefix
// stripping). This is the leaf dependency of every other package in
// the module (spec §4.1).
package topic

import "strings"

const (
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
	levelSeparator      = "/"
)

// Filter is an MQTT topic pattern. The zero value is not valid; use
// New to construct one from a raw string.
type Filter struct {
	raw    string
	levels []string
}

// New splits raw by '/' into levels without validating it. Use
// ValidateSubscribeTopic / ValidatePublishTopic first if raw comes
// from an untrusted caller.
func New(raw string) Filter {
	return Filter{raw: raw, levels: strings.Split(raw, levelSeparator)}
}

// String returns the original topic filter string.
func (f Filter) String() string {
	return f.raw
}

// Equal reports whether f and other are the identical literal filter.
func (f Filter) Equal(other Filter) bool {
	return f.raw == other.raw
}

// IsSupersetOf reports whether every concrete topic matched by other is
// also matched by f. Literal equality is the trivial case. Walks both
// level sequences position by position per spec §4.1:
//
//   - f[i] == "#"            -> true, the tail is absorbed
//   - other[i] == "#" and
//     f[i] != "#"            -> false
//   - f[i] == "+"             -> any single other[i] accepted, advance both
//   - otherwise               -> require literal equality
//   - length mismatch without a "#" consumed -> false
func (f Filter) IsSupersetOf(other Filter) bool {
	a, b := f.levels, other.levels

	i := 0
	for {
		switch {
		case i == len(a) && i == len(b):
			return true
		case i == len(a):
			return false
		case a[i] == multiLevelWildcard:
			return true
		case i == len(b):
			return false
		case b[i] == multiLevelWildcard:
			return false
		case a[i] == singleLevelWildcard:
			i++
		case a[i] == b[i]:
			i++
		default:
			return false
		}
	}
}

// Matches reports whether f, used as a subscription filter, matches
// the concrete (wildcard-free) topic.
func (f Filter) Matches(concreteTopic string) bool {
	return f.IsSupersetOf(New(concreteTopic))
}
