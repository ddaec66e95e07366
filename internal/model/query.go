package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// QueryOptions are caller overrides that change what a run produces and
// therefore take part in the fingerprint.
type QueryOptions struct {
	TargetCount int    `json:"target_count,omitempty"`
	Variant     string `json:"variant,omitempty"`
}

// Query is a submitted free-text search. Build it with NewQuery and treat it
// as a value; nothing downstream mutates it.
type Query struct {
	Text        string       `json:"text"`
	Fingerprint string       `json:"fingerprint"`
	Options     QueryOptions `json:"options"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// NewQuery trims the text and computes its fingerprint.
func NewQuery(text string, opts QueryOptions) Query {
	text = strings.TrimSpace(text)
	return Query{
		Text:        text,
		Fingerprint: Fingerprint(text, opts),
		Options:     opts,
		SubmittedAt: time.Now().UTC(),
	}
}

// Normalize folds case, applies NFKC, collapses runs of whitespace and trims
// surrounding punctuation. It is the basis for fingerprints, entity names and
// identity keys.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n < 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// fingerprintKey is the hashed form of a query. Zero overrides are omitted
// so "foo" and "foo" with default options share an entry.
type fingerprintKey struct {
	Text    string `json:"text"`
	Target  int    `json:"target,omitempty"`
	Variant string `json:"variant,omitempty"`
}

// Fingerprint derives the cache key for a query from its normalized text and
// any non-default overrides.
func Fingerprint(text string, opts QueryOptions) string {
	key := fingerprintKey{Text: Normalize(text), Variant: Normalize(opts.Variant)}
	if opts.TargetCount > 0 {
		key.Target = opts.TargetCount
	}
	// Marshalling a struct of strings and an int cannot fail.
	data, _ := json.Marshal(key)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
