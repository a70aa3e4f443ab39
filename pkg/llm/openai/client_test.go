package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/schemaforge/pkg/llm"
)

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["stream"] != true {
			t.Error("expected stream:true in request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}))
}

func contentFrame(content string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, content)
}

func collect(t *testing.T, ch <-chan llm.Delta) ([]string, error) {
	t.Helper()
	var contents []string
	for {
		select {
		case delta, ok := <-ch:
			if !ok {
				return contents, nil
			}
			if delta.Err != nil {
				return contents, delta.Err
			}
			contents = append(contents, delta.Content)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining stream")
		}
	}
}

func TestStreamParsesSSEFrames(t *testing.T) {
	srv := sseServer(t, []string{
		contentFrame("Here "),
		contentFrame("is "),
		contentFrame("json"),
		doneMarker,
	})
	defer srv.Close()

	c := New(&llm.Config{BaseURL: srv.URL, Model: "gpt-4o-mini", APIKey: "test"})
	ch, err := c.Stream(context.Background(), llm.Request{
		System:   "contract",
		Messages: []llm.Message{{Role: "user", Content: "a form"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	contents, streamErr := collect(t, ch)
	if streamErr != nil {
		t.Fatal(streamErr)
	}
	if joined := strings.Join(contents, ""); joined != "Here is json" {
		t.Errorf("expected full output, got %q", joined)
	}
}

func TestStreamSkipsEmptyDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		contentFrame("hello"),
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		doneMarker,
	})
	defer srv.Close()

	c := New(&llm.Config{BaseURL: srv.URL, Model: "gpt-4o-mini", APIKey: "test"})
	ch, err := c.Stream(context.Background(), llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}

	contents, streamErr := collect(t, ch)
	if streamErr != nil {
		t.Fatal(streamErr)
	}
	if len(contents) != 1 || contents[0] != "hello" {
		t.Errorf("expected single non-empty delta, got %v", contents)
	}
}

func TestStreamMalformedFrameIsInBandError(t *testing.T) {
	srv := sseServer(t, []string{
		contentFrame("partial"),
		`{not json`,
	})
	defer srv.Close()

	c := New(&llm.Config{BaseURL: srv.URL, Model: "gpt-4o-mini", APIKey: "test"})
	ch, err := c.Stream(context.Background(), llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}

	contents, streamErr := collect(t, ch)
	if streamErr == nil {
		t.Fatal("expected in-band error for malformed frame")
	}
	if len(contents) != 1 || contents[0] != "partial" {
		t.Errorf("fragments before the failure should be delivered, got %v", contents)
	}
}

func TestStreamNon200IsOpenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(&llm.Config{BaseURL: srv.URL, Model: "gpt-4o-mini", APIKey: "bad"})
	if _, err := c.Stream(context.Background(), llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}}); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestStreamSendsSystemMessageFirst(t *testing.T) {
	var captured struct {
		Messages []map[string]string `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprintf(w, "data: %s\n\n", doneMarker)
	}))
	defer srv.Close()

	c := New(&llm.Config{BaseURL: srv.URL, Model: "gpt-4o-mini", APIKey: "test"})
	ch, err := c.Stream(context.Background(), llm.Request{
		System:   "the contract",
		Messages: []llm.Message{{Role: "user", Content: "a form"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := collect(t, ch); err != nil {
		t.Fatal(err)
	}

	if len(captured.Messages) != 2 {
		t.Fatalf("expected system + user, got %d messages", len(captured.Messages))
	}
	if captured.Messages[0]["role"] != "system" || captured.Messages[0]["content"] != "the contract" {
		t.Errorf("first message should be the system instruction, got %v", captured.Messages[0])
	}
}
