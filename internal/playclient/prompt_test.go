package playclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func TestSubmitPrompt(t *testing.T) {
	var got protocol.Prompt
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/prompts" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if got.Text == "" {
			http.Error(w, "prompt text is empty", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": got.SessionID})
	}))
	defer srv.Close()

	id, err := SubmitPrompt(context.Background(), srv.Client(), srv.URL+"/", protocol.Prompt{SessionID: "s1", Text: "tell me a story"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "s1" || got.Text != "tell me a story" {
		t.Fatalf("unexpected result id=%q prompt=%+v", id, got)
	}

	if _, err := SubmitPrompt(context.Background(), srv.Client(), srv.URL, protocol.Prompt{}); err == nil {
		t.Fatal("expected rejected prompt to fail")
	}
}

func TestStreamURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/sessions/a%20b/stream",
		"https://voice.example/api/": "wss://voice.example/api/sessions/a%20b/stream",
	}
	for base, want := range cases {
		got, err := StreamURL(base, "a b")
		if err != nil {
			t.Fatalf("%s: %v", base, err)
		}
		if got != want {
			t.Fatalf("%s: expected %s, got %s", base, want, got)
		}
	}
	if _, err := StreamURL("ftp://host", "s"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}
