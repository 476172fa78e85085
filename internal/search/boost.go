package search

import "strings"

// Boost factors, strongest first. Only the first matching rule applies.
const (
	BoostExact    = 2.5
	BoostPrefix   = 2.0
	BoostToken    = 1.75
	BoostContains = 1.5
	BoostParts    = 1.25
	BoostNone     = 1.0
)

// BoostFactor rates how closely a command name matches a query:
//
//	exact name              2.5
//	name starts with query  2.0
//	query is a "-" token    1.75
//	name contains query     1.5
//	verb-noun parts found   1.25
//	otherwise               1.0
//
// Comparison is case-insensitive.
func BoostFactor(query, name string) float64 {
	q := Normalize(query)
	n := strings.ToLower(strings.TrimSpace(name))
	if q == "" || n == "" {
		return BoostNone
	}

	switch {
	case n == q:
		return BoostExact
	case strings.HasPrefix(n, q):
		return BoostPrefix
	case strings.Contains("-"+n+"-", "-"+q+"-"):
		return BoostToken
	case strings.Contains(n, q):
		return BoostContains
	}

	if verb, noun, ok := strings.Cut(q, "-"); ok && verb != "" && noun != "" && !strings.Contains(noun, "-") {
		if strings.Contains(n, verb) && strings.Contains(n, noun) {
			return BoostParts
		}
	}
	return BoostNone
}
