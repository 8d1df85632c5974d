package textutil

import (
	"bufio"
	"fmt"
	"html"
	"os"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

var (
	whitespace  = regexp.MustCompile(`\s+`)
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
)

// CleanText strips HTML entities, URLs, punctuation and squeezes whitespace.
func CleanText(input string) string {
	if input == "" {
		return ""
	}
	decoded := html.UnescapeString(input)
	decoded = urlRegex.ReplaceAllString(decoded, " ")
	decoded = punctuation.ReplaceAllString(decoded, " ")
	decoded = whitespace.ReplaceAllString(decoded, " ")
	return strings.TrimSpace(decoded)
}

// WordCount returns the number of whitespace-separated tokens.
func WordCount(input string) int {
	return len(strings.Fields(input))
}

var (
	termMu    sync.Mutex
	termCache = map[string]*regexp.Regexp{}
)

func termPattern(term string) *regexp.Regexp {
	termMu.Lock()
	defer termMu.Unlock()
	if re, ok := termCache[term]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
	termCache[term] = re
	return re
}

// CountTerm counts whole-word, case-insensitive occurrences of term in text.
func CountTerm(text, term string) int {
	if text == "" || term == "" {
		return 0
	}
	return len(termPattern(term).FindAllStringIndex(text, -1))
}

// DetectCodes returns every vocabulary code that occurs verbatim in text,
// preserving vocabulary order. An empty result is a normal outcome.
func DetectCodes(text string, vocabulary []string) []string {
	if text == "" {
		return nil
	}
	var detected []string
	for _, code := range vocabulary {
		if code == "" {
			continue
		}
		if strings.Contains(text, code) {
			detected = append(detected, code)
		}
	}
	return detected
}

// LoadCodes reads a classification-code vocabulary from a file of
// "code,label" lines; everything after the first comma is ignored.
func LoadCodes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open codes file: %w", err)
	}
	defer f.Close()

	var codes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		code := strings.TrimSpace(strings.SplitN(scanner.Text(), ",", 2)[0])
		if code != "" {
			codes = append(codes, code)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read codes file: %w", err)
	}
	return codes, nil
}

// DefaultCodes is the built-in CPV-style vocabulary used when no codes file
// is configured. Division codes for the sectors the business tracks, plus the
// IT subdivisions that historically predicted bids.
var DefaultCodes = []string{
	"30200000", "33000000", "48000000", "48800000",
	"72000000", "72200000", "72500000", "72600000",
	"79000000", "80000000", "85000000", "90000000", "92000000",
}

// Truncate cuts s to at most max bytes, appending a marker when cut. The cut
// backs up to a rune boundary so a multi-byte character is never split.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...[TRUNCATED]"
}
