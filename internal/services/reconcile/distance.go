package reconcile

import (
	"unicode"
	"unicode/utf8"

	"github.com/ternarybob/registrar/internal/common"
	"github.com/xrash/smetrics"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Metric computes Jaro-Winkler distances with configurable Winkler parameters.
// smetrics.JaroWinkler fixes the prefix scale at 0.1, so only its Jaro is used.
type Metric struct {
	PrefixScale    float64
	BoostThreshold float64
	PrefixSize     int
}

// NewMetric builds a Metric from the reconcile configuration
func NewMetric(config *common.ReconcileConfig) Metric {
	return Metric{
		PrefixScale:    config.PrefixScale,
		BoostThreshold: config.BoostThreshold,
		PrefixSize:     config.PrefixSize,
	}
}

// Similarity returns the Jaro-Winkler similarity of a and b in [0,1].
// Diacritics are ignored and the comparison is per character.
func (m Metric) Similarity(a, b string) float64 {
	a, b = perCharacter(fold(a), fold(b))

	j := smetrics.Jaro(a, b)
	if j <= m.BoostThreshold {
		return j
	}

	limit := m.PrefixSize
	if len(a) < limit {
		limit = len(a)
	}
	if len(b) < limit {
		limit = len(b)
	}

	prefix := 0
	for prefix < limit && a[prefix] == b[prefix] {
		prefix++
	}
	return j + m.PrefixScale*float64(prefix)*(1-j)
}

// Distance returns 1 - Similarity; 0 means identical
func (m Metric) Distance(a, b string) float64 {
	return 1 - m.Similarity(a, b)
}

// fold strips combining marks, so "Île-à-la-Crosse" reads "Ile-a-la-Crosse"
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// perCharacter re-encodes a and b with one byte per distinct rune. smetrics
// indexes strings by byte, so multi-byte characters would otherwise count
// several times.
func perCharacter(a, b string) (string, string) {
	if isASCII(a) && isASCII(b) {
		return a, b
	}

	codes := make(map[rune]byte)
	encode := func(s string) (string, bool) {
		out := make([]byte, 0, utf8.RuneCountInString(s))
		for _, r := range s {
			c, ok := codes[r]
			if !ok {
				if len(codes) > 255 {
					return "", false
				}
				c = byte(len(codes))
				codes[r] = c
			}
			out = append(out, c)
		}
		return string(out), true
	}

	ea, okA := encode(a)
	eb, okB := encode(b)
	if !okA || !okB {
		return a, b
	}
	return ea, eb
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
