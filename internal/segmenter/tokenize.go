package segmenter

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	hardPunctuation = ".!?"
	softPunctuation = ",:;—"
)

var sentenceEnd = regexp.MustCompile(`[.!?]+`)

// token is one word or punctuation mark. spaced records whether whitespace
// preceded it in the source text, so chunk text can be rebuilt faithfully.
type token struct {
	text   string
	spaced bool
}

// Tokenize splits text on whitespace runs and on every individual non-word
// character. Punctuation surfaces as its own token; whitespace is dropped.
func Tokenize(text string) []string {
	toks := tokenize(text)
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.text
	}
	return out
}

func tokenize(text string) []token {
	var (
		toks   []token
		word   strings.Builder
		spaced bool
	)
	flush := func() {
		if word.Len() == 0 {
			return
		}
		toks = append(toks, token{text: word.String(), spaced: spaced})
		word.Reset()
		spaced = false
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
			spaced = true
		case isWordRune(r):
			word.WriteRune(r)
		default:
			flush()
			toks = append(toks, token{text: string(r), spaced: spaced})
			spaced = false
		}
	}
	flush()
	return toks
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func isHard(tok string) bool { return strings.ContainsAny(tok, hardPunctuation) }

func isSoft(tok string) bool { return strings.ContainsAny(tok, softPunctuation) }

func isPunctuation(tok string) bool {
	for _, r := range tok {
		if isWordRune(r) {
			return false
		}
	}
	return true
}

// wordCount counts the non-punctuation tokens in toks.
func wordCount(toks []token) int {
	n := 0
	for _, t := range toks {
		if !isPunctuation(t.text) {
			n++
		}
	}
	return n
}

// join rebuilds readable text from tokens, restoring single spaces where the
// source had whitespace.
func join(toks []token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 && t.spaced {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
	}
	return strings.TrimSpace(b.String())
}

func texts(toks []token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.text
	}
	return out
}

// splitSentences cuts text after every run of sentence-ending punctuation,
// keeping the delimiter on the sentence it closes.
func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[last:loc[1]]); s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		out = append(out, s)
	}
	return out
}
