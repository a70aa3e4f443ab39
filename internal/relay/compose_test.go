package relay

import (
	"strings"
	"testing"

	"github.com/user/schemaforge/pkg/llm"
)

func newTestComposer(t *testing.T, maxTokens, reserve int) *Composer {
	t.Helper()
	c, err := NewComposer("gpt-4", maxTokens, reserve)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestComposeSystemCarriesContractAndInstructions(t *testing.T) {
	c := newTestComposer(t, 128000, 4096)

	req := c.Compose("COMPONENT CONTRACT BODY", "a login form", nil)
	if !strings.Contains(req.System, "COMPONENT CONTRACT BODY") {
		t.Error("system instruction must include the contract document")
	}
	if !strings.Contains(req.System, "single JSON object") {
		t.Error("system instruction must include the response formatting rules")
	}
}

func TestComposePromptIsLastMessage(t *testing.T) {
	c := newTestComposer(t, 128000, 4096)

	history := []llm.Message{
		{Role: "user", Content: "make a form"},
		{Role: "assistant", Content: `{"type":"form"}`},
	}
	req := c.Compose("contract", "add a submit button", history)

	if len(req.Messages) != 3 {
		t.Fatalf("expected history + prompt = 3 messages, got %d", len(req.Messages))
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "add a submit button" {
		t.Errorf("expected prompt as final user message, got %+v", last)
	}
	if req.Messages[0].Content != "make a form" {
		t.Error("history order must be preserved")
	}
}

func TestComposeTrimsOldestHistoryFirst(t *testing.T) {
	// A tiny budget forces trimming.
	c := newTestComposer(t, 220, 100)

	history := []llm.Message{
		{Role: "user", Content: strings.Repeat("old ", 50)},
		{Role: "assistant", Content: "recent answer"},
		{Role: "user", Content: "recent question"},
	}
	req := c.Compose("contract", "next step", history)

	for _, msg := range req.Messages[:len(req.Messages)-1] {
		if strings.HasPrefix(msg.Content, "old ") {
			t.Error("oldest oversized turn should have been trimmed")
		}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "next step" {
		t.Errorf("prompt must survive trimming, got %+v", last)
	}
}
