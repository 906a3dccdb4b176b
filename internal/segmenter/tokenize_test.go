package segmenter

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	cases := map[string][]string{
		"Hello world, this is a test.": {"Hello", "world", ",", "this", "is", "a", "test", "."},
		"  spaced\t\nout  ":            {"spaced", "out"},
		"don't stop—ever!?":            {"don", "'", "t", "stop", "—", "ever", "!", "?"},
		"":                             nil,
	}
	for input, want := range cases {
		got := Tokenize(input)
		if len(got) == 0 && len(want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Tokenize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestJoinRestoresSpacing(t *testing.T) {
	got := join(tokenize("Well, it's — fine (mostly)."))
	if got != "Well, it's — fine (mostly)." {
		t.Fatalf("unexpected join result %q", got)
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("One... Two?! three")
	want := []string{"One...", "Two?!", "three"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitSentences = %q, want %q", got, want)
	}
}
