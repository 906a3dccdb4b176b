package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/segmenter"
)

func decodeChunks(t *testing.T, out *bytes.Buffer) []segmenter.Chunk {
	t.Helper()
	var chunks []segmenter.Chunk
	dec := json.NewDecoder(out)
	for dec.More() {
		var c segmenter.Chunk
		if err := dec.Decode(&c); err != nil {
			t.Fatalf("decode: %v", err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func TestSplitSentenceMode(t *testing.T) {
	for _, stream := range []bool{false, true} {
		var out bytes.Buffer
		opts := splitOptions{mode: "sentence", stream: stream}
		if err := runSplit(opts, strings.NewReader("Hello world. How are you?"), &out); err != nil {
			t.Fatalf("split (stream=%v): %v", stream, err)
		}
		chunks := decodeChunks(t, &out)
		if len(chunks) != 2 || chunks[0].Text != "Hello world." || chunks[1].Text != "How are you?" {
			t.Fatalf("stream=%v: unexpected chunks %+v", stream, chunks)
		}
	}
}

func TestSplitMicroBudget(t *testing.T) {
	var out bytes.Buffer
	opts := splitOptions{mode: "micro", budget: 3}
	if err := runSplit(opts, strings.NewReader("one two three four five six"), &out); err != nil {
		t.Fatalf("split: %v", err)
	}
	chunks := decodeChunks(t, &out)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %+v", chunks)
	}
	if chunks[0].Trigger != segmenter.TriggerTokenBudget || !chunks[1].Context.IsLastInSentence {
		t.Fatalf("unexpected triggers %+v", chunks)
	}
}

func TestSplitRejectsUnknownMode(t *testing.T) {
	if err := runSplit(splitOptions{mode: "paragraph"}, strings.NewReader("hi"), &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestSplitCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetIn(strings.NewReader("Hello world. How are you?"))
	root.SetOut(&out)
	root.SetArgs([]string{"split", "--mode", "sentence"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if chunks := decodeChunks(t, &out); len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %+v", chunks)
	}

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
