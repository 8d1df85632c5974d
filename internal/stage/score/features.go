package score

import (
	"hash/fnv"
	"strings"

	"github.com/tenderradar/backend/internal/textutil"
)

// termOrder lists the text terms the model weighs, highest weight first.
var termOrder = []string{
	"software", "support", "provision", "computer", "services",
	"systems", "management", "works", "package", "technical",
}

// termWeights are the trained per-term coefficients.
var termWeights = map[string]float64{
	"software":   0.12,
	"support":    0.08,
	"provision":  0.05,
	"computer":   0.04,
	"services":   0.03,
	"systems":    0.02,
	"management": 0.01,
	"works":      0.01,
	"package":    0.005,
	"technical":  0.005,
}

// idfWeights damp common terms and boost discriminating ones. Terms not
// listed here use a neutral 1.0.
var idfWeights = map[string]float64{
	"software":  2.5,
	"support":   2.0,
	"computer":  1.8,
	"technical": 1.5,
	"services":  1.3,
	"systems":   1.2,
}

// knownAuthorities maps the contracting authorities the model was trained on
// to their ordinal encodings.
var knownAuthorities = map[string]float64{
	"Health Service Executive":          1,
	"Dublin City Council":               2,
	"Cork City Council":                 3,
	"Galway City Council":               4,
	"Department of Education":           5,
	"Department of Health":              6,
	"Office of Public Works":            7,
	"Transport Infrastructure Ireland":  8,
	"Irish Water":                       9,
	"Revenue Commissioners":             10,
}

// featureVector holds the normalized inputs to the linear model.
type featureVector struct {
	codesCount  float64
	hasCodes    float64
	titleLength float64
	caEncoded   float64
	termFreq    map[string]float64
}

// extractFeatures builds the normalized feature vector for one notice.
// Normalization divisors match the ranges the model was fitted on; every
// feature is capped into [0, 1].
func extractFeatures(title, text string, codes []string, authority string) featureVector {
	fv := featureVector{
		codesCount:  capUnit(float64(len(codes)) / 20),
		titleLength: capUnit(float64(len(title)) / 200),
		caEncoded:   capUnit(encodeAuthority(authority) / 100),
		termFreq:    make(map[string]float64, len(termOrder)),
	}
	if len(codes) > 0 {
		fv.hasCodes = 1
	}

	corpus := textutil.CleanText(title + " " + text)
	words := textutil.WordCount(corpus)
	for _, term := range termOrder {
		if words == 0 {
			fv.termFreq[term] = 0
			continue
		}
		tf := float64(textutil.CountTerm(corpus, term)) / float64(words)
		fv.termFreq[term] = capUnit(tf * idf(term))
	}
	return fv
}

func idf(term string) float64 {
	if w, ok := idfWeights[term]; ok {
		return w
	}
	return 1.0
}

// encodeAuthority maps an authority name to its ordinal. Unknown authorities
// fall back to a partial match against the known names, then to a stable hash
// spread over 11..100 so two notices from the same unknown body still encode
// identically.
func encodeAuthority(authority string) float64 {
	authority = strings.TrimSpace(authority)
	if authority == "" {
		return 0
	}
	if v, ok := knownAuthorities[authority]; ok {
		return v
	}
	lower := strings.ToLower(authority)
	for name, v := range knownAuthorities {
		if strings.Contains(lower, strings.ToLower(name)) || strings.Contains(strings.ToLower(name), lower) {
			return v
		}
	}
	h := fnv.New32a()
	h.Write([]byte(lower))
	return float64(11 + h.Sum32()%90)
}

func capUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
