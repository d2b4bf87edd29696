package util

import (
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	reQuotes     = regexp.MustCompile(`["'` + "`" + `«»“”‘’]`)
	reNonAllowed = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	reSpaces     = regexp.MustCompile(`\s+`)
)

// fold builds a fresh Caser per call; a Caser keeps state and must not be
// shared between goroutines.
func fold(input string) string {
	return cases.Fold().String(norm.NFKC.String(input))
}

// FoldSpace case-folds input and collapses runs of whitespace. It keeps
// punctuation, which makes it the comparison key for exact name matching.
func FoldSpace(input string) string {
	s := fold(input)
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeText folds case, drops quotes and punctuation and collapses spaces.
func NormalizeText(input string) string {
	s := fold(input)
	s = strings.ReplaceAll(s, "&", " and ")
	s = reQuotes.ReplaceAllString(s, "")
	s = reNonAllowed.ReplaceAllString(s, " ")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func Tokenize(input string) []string {
	normalized := NormalizeText(input)
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}

// Ratio is the normalized Levenshtein similarity of two strings on a 0-100 scale.
func Ratio(a, b string) float64 {
	if a == "" && b == "" {
		return 100
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 100 * (1 - float64(dist)/float64(longest))
}

// TokenSortRatio compares the normalized token multisets of a and b
// independent of word order.
func TokenSortRatio(a, b string) float64 {
	ta, tb := Tokenize(a), Tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	sort.Strings(ta)
	sort.Strings(tb)
	return Ratio(strings.Join(ta, " "), strings.Join(tb, " "))
}

// DescriptionSimilarity scores two free-text item descriptions on 0-100. It
// takes the better of the token sort ratio and a bigram/token-overlap blend,
// so reordered words and partially abbreviated descriptions both score well.
func DescriptionSimilarity(a, b string) float64 {
	na, nb := NormalizeText(a), NormalizeText(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 100
	}
	sorted := TokenSortRatio(na, nb)

	qt, ct := Tokenize(na), Tokenize(nb)
	set := map[string]struct{}{}
	for _, t := range ct {
		set[t] = struct{}{}
	}
	overlap := 0
	for _, t := range qt {
		if _, ok := set[t]; ok {
			overlap++
		}
	}
	tokenScore := float64(overlap) / float64(len(qt))
	blend := 100 * (0.65*DiceCoefficient(na, nb) + 0.35*tokenScore)

	if blend > sorted {
		return blend
	}
	return sorted
}

func DiceCoefficient(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	pairs := func(s string) []string {
		r := []rune(s)
		if len(r) < 2 {
			return nil
		}
		out := make([]string, 0, len(r)-1)
		for i := 0; i < len(r)-1; i++ {
			out = append(out, string(r[i:i+2]))
		}
		return out
	}

	aPairs := pairs(a)
	bPairs := pairs(b)
	if len(aPairs) == 0 || len(bPairs) == 0 {
		return 0
	}

	bCount := map[string]int{}
	for _, p := range bPairs {
		bCount[p]++
	}
	inter := 0
	for _, p := range aPairs {
		if bCount[p] > 0 {
			inter++
			bCount[p]--
		}
	}

	return float64(2*inter) / float64(len(aPairs)+len(bPairs))
}

// DigitsOnly strips every non-digit rune.
func DigitsOnly(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EmailDomain returns the lower-cased domain of an address, or "".
func EmailDomain(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.Trim(email[at+1:], " >"))
}

// NormalizeKey trims and upper-cases identifiers such as PO numbers and SKUs.
func NormalizeKey(input string) string {
	return strings.ToUpper(strings.TrimSpace(input))
}

func StringPtr(v string) *string { return &v }

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
