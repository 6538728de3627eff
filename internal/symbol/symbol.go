package symbol

import "strings"

// Normalizer produces the canonical key shared by the watchlist, the price
// store, the alert ledger and the subscribe frames. Every component must use
// the same Normalizer value.
type Normalizer struct {
	// KeepSuffix disables truncation at the first '.', so share classes such
	// as BRK.A and BRK.B stay distinct.
	KeepSuffix bool
}

// Default truncates exchange suffixes.
var Default = Normalizer{}

// Normalize trims surrounding whitespace and, unless KeepSuffix is set,
// drops everything from the first '.' on: "BRK.A" -> "BRK".
func (n Normalizer) Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if n.KeepSuffix {
		return s
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Normalize applies the default rule.
func Normalize(raw string) string { return Default.Normalize(raw) }
