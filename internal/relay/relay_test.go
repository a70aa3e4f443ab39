package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/schemaforge/pkg/llm"
)

// mockProvider is a scriptable llm.Provider.
type mockProvider struct {
	calls      atomic.Int64
	streamFunc func(ctx context.Context, req llm.Request) (<-chan llm.Delta, error)
}

func (m *mockProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	m.calls.Add(1)
	return m.streamFunc(ctx, req)
}

// staticDocs serves a fixed contract document.
type staticDocs struct {
	doc string
	err error
}

func (s *staticDocs) Document(ctx context.Context) (string, error) {
	return s.doc, s.err
}

func fragmentProvider(fragments ...string) *mockProvider {
	return &mockProvider{
		streamFunc: func(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
			ch := make(chan llm.Delta, len(fragments))
			for _, f := range fragments {
				ch <- llm.Delta{Content: f}
			}
			close(ch)
			return ch, nil
		},
	}
}

func newTestRelay(t *testing.T, provider llm.Provider, docs DocumentSource) *Relay {
	t.Helper()
	composer, err := NewComposer("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	return New(provider, docs, composer)
}

// parseStream splits the outbound buffer into content fragments, error
// payloads, and terminal markers.
func parseStream(t *testing.T, out string) (texts []string, errs []string, doneCount int) {
	t.Helper()
	if out == "" {
		return nil, nil, 0
	}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == DoneMarker {
			doneCount++
			continue
		}
		var ev struct {
			Text  string `json:"text"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("unparseable stream line %q: %v", line, err)
		}
		if ev.Error != "" {
			errs = append(errs, ev.Error)
		} else {
			texts = append(texts, ev.Text)
		}
	}
	return texts, errs, doneCount
}

func TestRunRelaysFragmentsInOrder(t *testing.T) {
	provider := fragmentProvider("Here ", "is ", "json")
	r := newTestRelay(t, provider, &staticDocs{doc: "the contract"})

	var buf bytes.Buffer
	sess, err := r.Run(context.Background(), &buf, Request{Prompt: "a login form"})
	if err != nil {
		t.Fatal(err)
	}

	texts, errs, done := parseStream(t, buf.String())
	if len(texts) != 3 || len(errs) != 0 || done != 1 {
		t.Fatalf("expected 3 content events + 1 terminal, got texts=%d errs=%d done=%d", len(texts), len(errs), done)
	}
	for i, want := range []string{"Here ", "is ", "json"} {
		if texts[i] != want {
			t.Errorf("fragment %d: expected %q, got %q", i, want, texts[i])
		}
	}
	if joined := strings.Join(texts, ""); joined != "Here is json" {
		t.Errorf("concatenated fragments = %q", joined)
	}
	if sess.Terminal != StateCompleted {
		t.Errorf("expected completed, got %s", sess.Terminal)
	}
	if sess.BytesForwarded == 0 {
		t.Error("expected forwarded byte count")
	}
}

func TestRunProviderErrorMidStream(t *testing.T) {
	provider := &mockProvider{
		streamFunc: func(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
			ch := make(chan llm.Delta, 3)
			ch <- llm.Delta{Content: "Here "}
			ch <- llm.Delta{Content: "is "}
			ch <- llm.Delta{Err: errors.New("provider exploded")}
			close(ch)
			return ch, nil
		},
	}
	r := newTestRelay(t, provider, &staticDocs{doc: "the contract"})

	var buf bytes.Buffer
	sess, err := r.Run(context.Background(), &buf, Request{Prompt: "a login form"})
	if err != nil {
		t.Fatal(err)
	}

	texts, errs, done := parseStream(t, buf.String())
	if len(texts) != 2 {
		t.Errorf("expected the 2 fragments before the failure, got %d", len(texts))
	}
	if len(errs) != 1 {
		t.Errorf("expected exactly 1 error event, got %d", len(errs))
	}
	if done != 0 {
		t.Errorf("expected zero terminal markers after error, got %d", done)
	}
	if sess.Terminal != StateProviderError {
		t.Errorf("expected provider_error, got %s", sess.Terminal)
	}
}

func TestRunProviderOpenFailureInBand(t *testing.T) {
	provider := &mockProvider{
		streamFunc: func(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
			return nil, errors.New("connect refused")
		},
	}
	r := newTestRelay(t, provider, &staticDocs{doc: "the contract"})

	var buf bytes.Buffer
	sess, err := r.Run(context.Background(), &buf, Request{Prompt: "a login form"})
	if err != nil {
		t.Fatal(err)
	}

	texts, errs, done := parseStream(t, buf.String())
	if len(texts) != 0 || len(errs) != 1 || done != 0 {
		t.Fatalf("expected a single error event, got texts=%d errs=%d done=%d", len(texts), len(errs), done)
	}
	if sess.Terminal != StateProviderError {
		t.Errorf("expected provider_error, got %s", sess.Terminal)
	}
}

func TestRunEmptyPromptRejectedBeforeProvider(t *testing.T) {
	provider := fragmentProvider("unused")
	r := newTestRelay(t, provider, &staticDocs{doc: "the contract"})

	var buf bytes.Buffer
	for _, prompt := range []string{"", "   ", "\n\t"} {
		_, err := r.Run(context.Background(), &buf, Request{Prompt: prompt})
		if !errors.Is(err, ErrEmptyPrompt) {
			t.Fatalf("prompt %q: expected ErrEmptyPrompt, got %v", prompt, err)
		}
	}
	if buf.Len() != 0 {
		t.Error("nothing should be written for a rejected request")
	}
	if provider.calls.Load() != 0 {
		t.Error("provider must not be called for an empty prompt")
	}
}

func TestRunContextUnavailablePropagates(t *testing.T) {
	provider := fragmentProvider("unused")
	docErr := errors.New("contract document unavailable")
	r := newTestRelay(t, provider, &staticDocs{err: docErr})

	var buf bytes.Buffer
	_, err := r.Run(context.Background(), &buf, Request{Prompt: "a login form"})
	if !errors.Is(err, docErr) {
		t.Fatalf("expected document error to propagate, got %v", err)
	}
	if buf.Len() != 0 {
		t.Error("nothing should be written when context attach fails")
	}
	if provider.calls.Load() != 0 {
		t.Error("provider must not be called without a contract document")
	}
}

func TestRunClientDisconnect(t *testing.T) {
	released := make(chan struct{})
	provider := &mockProvider{
		streamFunc: func(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
			ch := make(chan llm.Delta)
			go func() {
				defer close(ch)
				ch <- llm.Delta{Content: "first "}
				<-ctx.Done()
				close(released)
			}()
			return ch, nil
		},
	}
	r := newTestRelay(t, provider, &staticDocs{doc: "the contract"})

	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer

	done := make(chan *Session, 1)
	go func() {
		sess, err := r.Run(ctx, &buf, Request{Prompt: "a login form"})
		if err != nil {
			t.Error(err)
		}
		done <- sess
	}()

	// Let the first fragment through, then drop the client.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case sess := <-done:
		if sess.Terminal != StateClientDisconnected {
			t.Errorf("expected client_disconnected, got %s", sess.Terminal)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after client disconnect")
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("provider stream was not released after disconnect")
	}

	_, _, doneMarkers := parseStream(t, buf.String())
	if doneMarkers != 0 {
		t.Error("disconnect must not emit a terminal marker")
	}
}
